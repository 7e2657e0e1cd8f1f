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
)

var peerCommand = cli.Command{
	Name:      "peer",
	Usage:     "connect two networks",
	ArgsUsage: "NETWORK_A NETWORK_B",
	Action: func(c *cli.Context) error {
		if err := checkArgs(c, 2); err != nil {
			return err
		}
		a, b := c.Args().Get(0), c.Args().Get(1)
		return withOrchestrator(c, func(ctx context.Context, o *orchestrator.Orchestrator) error {
			out, err := o.Peer(ctx, a, b)
			return report(c, out, err, fmt.Sprintf("networks %s and %s peered", a, b))
		})
	},
}

var unpeerCommand = cli.Command{
	Name:      "unpeer",
	Usage:     "disconnect two peered networks",
	ArgsUsage: "NETWORK_A NETWORK_B",
	Action: func(c *cli.Context) error {
		if err := checkArgs(c, 2); err != nil {
			return err
		}
		a, b := c.Args().Get(0), c.Args().Get(1)
		return withOrchestrator(c, func(ctx context.Context, o *orchestrator.Orchestrator) error {
			out, err := o.Unpeer(ctx, a, b)
			return report(c, out, err, fmt.Sprintf("networks %s and %s unpeered", a, b))
		})
	},
}

var cleanupAllCommand = cli.Command{
	Name:  "cleanup-all",
	Usage: "delete every network",
	Action: func(c *cli.Context) error {
		if err := checkArgs(c, 0); err != nil {
			return err
		}
		return withOrchestrator(c, func(ctx context.Context, o *orchestrator.Orchestrator) error {
			out, err := o.CleanupAll(ctx)
			return report(c, out, err, "all networks deleted")
		})
	},
}
