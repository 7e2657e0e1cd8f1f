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
	"strconv"

	"github.com/containerd/errdefs"
	"github.com/urfave/cli"

	"github.com/dmcgowan/vpcbox/internal/orchestrator"
	"github.com/dmcgowan/vpcbox/internal/probe"
)

var deployProbeCommand = cli.Command{
	Name:      "deploy-probe",
	Usage:     "start an HTTP status responder inside a subnet",
	ArgsUsage: "NETWORK SUBNET PORT",
	Action: func(c *cli.Context) error {
		if err := checkArgs(c, 3); err != nil {
			return err
		}
		network, subnet := c.Args().Get(0), c.Args().Get(1)
		port, err := strconv.Atoi(c.Args().Get(2))
		if err != nil {
			return fmt.Errorf("port %q: %w", c.Args().Get(2), errdefs.ErrInvalidArgument)
		}
		return withOrchestrator(c, func(ctx context.Context, o *orchestrator.Orchestrator) error {
			out, err := o.DeployProbe(ctx, network, subnet, port)
			msg := fmt.Sprintf("probe deployed in %s/%s", network, subnet)
			if out != nil && out.Probe != nil {
				msg += fmt.Sprintf(" (pid %d, port %d)", out.Probe.PID, out.Probe.Port)
			}
			return report(c, out, err, msg)
		})
	},
}

var probeServeCommand = cli.Command{
	Name:   "probe-serve",
	Usage:  "serve a probe payload directory",
	Hidden: true,
	Flags: []cli.Flag{
		cli.StringFlag{Name: "dir", Usage: "payload directory"},
		cli.StringFlag{Name: "listen", Usage: "address to listen on"},
	},
	Action: func(c *cli.Context) error {
		if c.String("dir") == "" || c.String("listen") == "" {
			return fmt.Errorf("--dir and --listen are required: %w", errdefs.ErrInvalidArgument)
		}
		ctx, cancel := appContext()
		defer cancel()
		return probe.Serve(ctx, c.String("dir"), c.String("listen"))
	},
}
