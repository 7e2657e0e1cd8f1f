/*
   Copyright The containerd Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli"

	"github.com/dmcgowan/vpcbox/internal/orchestrator"
	"github.com/dmcgowan/vpcbox/internal/topology"
)

var subnetCommand = cli.Command{
	Name:  "subnet",
	Usage: "manage subnets of a network",
	Subcommands: []cli.Command{
		{
			Name:      "add",
			Usage:     "add a subnet namespace to a network",
			ArgsUsage: "NETWORK NAME CIDR",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "type",
					Value: string(topology.SubnetPrivate),
					Usage: "public subnets are masqueraded through the egress interface, private ones are not",
				},
			},
			Action: func(c *cli.Context) error {
				if err := checkArgs(c, 3); err != nil {
					return err
				}
				network, name, block := c.Args().Get(0), c.Args().Get(1), c.Args().Get(2)
				return withOrchestrator(c, func(ctx context.Context, o *orchestrator.Orchestrator) error {
					out, err := o.AddSubnet(ctx, network, name, block, c.String("type"))
					return report(c, out, err, fmt.Sprintf("subnet %s/%s added", network, name))
				})
			},
		},
		{
			Name:      "delete",
			Usage:     "delete a subnet",
			ArgsUsage: "NETWORK NAME",
			Action: func(c *cli.Context) error {
				if err := checkArgs(c, 2); err != nil {
					return err
				}
				network, name := c.Args().Get(0), c.Args().Get(1)
				return withOrchestrator(c, func(ctx context.Context, o *orchestrator.Orchestrator) error {
					out, err := o.DeleteSubnet(ctx, network, name)
					return report(c, out, err, fmt.Sprintf("subnet %s/%s deleted", network, name))
				})
			},
		},
	},
}
