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
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli"

	"github.com/dmcgowan/vpcbox/internal/orchestrator"
)

var networkCommand = cli.Command{
	Name:  "network",
	Usage: "manage networks",
	Subcommands: []cli.Command{
		{
			Name:      "create",
			Usage:     "create a network and its bridge",
			ArgsUsage: "NAME CIDR",
			Action: func(c *cli.Context) error {
				if err := checkArgs(c, 2); err != nil {
					return err
				}
				name, block := c.Args().Get(0), c.Args().Get(1)
				return withOrchestrator(c, func(ctx context.Context, o *orchestrator.Orchestrator) error {
					out, err := o.CreateNetwork(ctx, name, block)
					return report(c, out, err, fmt.Sprintf("network %s created", name))
				})
			},
		},
		{
			Name:      "delete",
			Usage:     "delete a network with all its subnets and peerings",
			ArgsUsage: "NAME",
			Action: func(c *cli.Context) error {
				if err := checkArgs(c, 1); err != nil {
					return err
				}
				name := c.Args().First()
				return withOrchestrator(c, func(ctx context.Context, o *orchestrator.Orchestrator) error {
					out, err := o.DeleteNetwork(ctx, name)
					return report(c, out, err, fmt.Sprintf("network %s deleted", name))
				})
			},
		},
		{
			Name:    "list",
			Aliases: []string{"ls"},
			Usage:   "list networks",
			Flags: []cli.Flag{
				cli.BoolFlag{Name: "quiet, q", Usage: "only print network names"},
			},
			Action: func(c *cli.Context) error {
				return withReader(c, func(ctx context.Context, o *orchestrator.Orchestrator) error {
					nws, err := o.ListNetworks(ctx)
					if err != nil {
						return err
					}
					if c.Bool("quiet") {
						for _, nw := range nws {
							fmt.Fprintln(c.App.Writer, nw.Name)
						}
						return nil
					}
					w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
					defer func() {
						// Ignore flushing errors - there's nothing we can do.
						_ = w.Flush()
					}()
					printHeader(w, "NAME", "CIDR", "BRIDGE", "GATEWAY", "SUBNETS", "PEERS", "CREATED")
					for _, nw := range nws {
						peers := make([]string, 0, len(nw.Peerings))
						for _, p := range nw.Peerings {
							peers = append(peers, p.PeerNetwork)
						}
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
							nw.Name, nw.CIDR, nw.Bridge, nw.Gateway, len(nw.Subnets),
							orDash(strings.Join(peers, ",")), humanize.Time(nw.CreatedAt))
					}
					return nil
				})
			},
		},
		{
			Name:      "show",
			Aliases:   []string{"inspect"},
			Usage:     "print the record of a network as JSON",
			ArgsUsage: "NAME",
			Action: func(c *cli.Context) error {
				if err := checkArgs(c, 1); err != nil {
					return err
				}
				return withReader(c, func(ctx context.Context, o *orchestrator.Orchestrator) error {
					nw, err := o.ShowNetwork(ctx, c.Args().First())
					if err != nil {
						return err
					}
					enc := json.NewEncoder(c.App.Writer)
					enc.SetIndent("", "  ")
					return enc.Encode(nw)
				})
			},
		},
	},
}

func printHeader(w *tabwriter.Writer, columns ...string) {
	fmt.Fprintln(w, strings.Join(columns, "\t"))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
