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
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/containerd/log"
	"github.com/urfave/cli"

	"github.com/dmcgowan/vpcbox/internal/config"
)

// exitResidual is returned when an operation completed but left kernel
// resources behind.
const exitResidual = 3

const configKey = "config"

func main() {
	app := newApp()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "vpcctl: %v\n", err)
		var ec cli.ExitCoder
		if errors.As(err, &ec) {
			os.Exit(ec.ExitCode())
		}
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "vpcctl"
	app.Usage = "manage virtual private networks on a single Linux host"
	app.HideVersion = true
	app.Writer = os.Stdout
	app.ErrWriter = os.Stderr
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "state-dir",
			Usage: fmt.Sprintf("directory holding the topology state (env %s)", config.EnvStateDir),
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: fmt.Sprintf("log level: debug, info, warn or error (env %s)", config.EnvLogLevel),
		},
		cli.StringFlag{
			Name:  "log-format",
			Usage: fmt.Sprintf("log format: text or json (env %s)", config.EnvLogFormat),
		},
		cli.StringFlag{
			Name:  "egress-interface",
			Usage: fmt.Sprintf("interface public subnets masquerade through, default route interface if unset (env %s)", config.EnvEgressInterface),
		},
		cli.BoolFlag{
			Name:  "no-journal",
			Usage: fmt.Sprintf("do not record operations in the journal (env %s=false)", config.EnvJournal),
		},
	}
	app.Before = before
	app.Commands = []cli.Command{
		networkCommand,
		subnetCommand,
		peerCommand,
		unpeerCommand,
		applyPolicyCommand,
		deployProbeCommand,
		cleanupAllCommand,
		historyCommand,
		probeServeCommand,
	}
	return app
}

func before(c *cli.Context) error {
	cfg, err := config.Load(".env")
	if err != nil {
		return err
	}
	if c.GlobalIsSet("state-dir") {
		cfg.StateDir = c.GlobalString("state-dir")
	}
	if c.GlobalIsSet("log-level") {
		cfg.LogLevel = c.GlobalString("log-level")
	}
	if c.GlobalIsSet("log-format") {
		cfg.LogFormat = c.GlobalString("log-format")
	}
	if c.GlobalIsSet("egress-interface") {
		cfg.EgressInterface = c.GlobalString("egress-interface")
	}
	if c.GlobalBool("no-journal") {
		cfg.Journal = false
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := log.SetLevel(cfg.LogLevel); err != nil {
		return err
	}
	if err := log.SetFormat(log.OutputFormat(cfg.LogFormat)); err != nil {
		return err
	}
	c.App.Metadata = map[string]interface{}{configKey: cfg}
	return nil
}

func getConfig(c *cli.Context) config.Config {
	if cfg, ok := c.App.Metadata[configKey].(config.Config); ok {
		return cfg
	}
	return config.Default()
}

// appContext returns a context cancelled on SIGINT or SIGTERM.
func appContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
