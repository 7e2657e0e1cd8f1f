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

var applyPolicyCommand = cli.Command{
	Name:      "apply-policy",
	Usage:     "apply an ingress policy document to a subnet",
	ArgsUsage: "NETWORK SUBNET POLICY.json",
	Action: func(c *cli.Context) error {
		if err := checkArgs(c, 3); err != nil {
			return err
		}
		network, subnet := c.Args().Get(0), c.Args().Get(1)
		policy, err := topology.LoadPolicy(c.Args().Get(2))
		if err != nil {
			return err
		}
		return withOrchestrator(c, func(ctx context.Context, o *orchestrator.Orchestrator) error {
			out, err := o.ApplyPolicy(ctx, network, subnet, policy)
			msg := fmt.Sprintf("policy applied to %s/%s", network, subnet)
			if out != nil && out.Diff != nil {
				d := out.Diff
				for _, r := range d.Duplicates {
					fmt.Fprintf(c.App.ErrWriter, "warning: duplicate rule %s ignored\n", r)
				}
				msg += fmt.Sprintf(": %d added, %d removed, %d unchanged", len(d.Added), len(d.Removed), len(d.Unchanged))
			}
			return report(c, out, err, msg)
		})
	},
}
