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
	"strings"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/docker/go-events"
	"github.com/urfave/cli"

	"github.com/dmcgowan/vpcbox/internal/driver"
	"github.com/dmcgowan/vpcbox/internal/journal"
	"github.com/dmcgowan/vpcbox/internal/orchestrator"
	"github.com/dmcgowan/vpcbox/internal/probe"
	"github.com/dmcgowan/vpcbox/internal/store"
)

// withOrchestrator runs fn with an orchestrator wired to the kernel driver,
// the state store and, unless disabled, the operation journal.
func withOrchestrator(c *cli.Context, fn func(context.Context, *orchestrator.Orchestrator) error) error {
	ctx, cancel := appContext()
	defer cancel()
	cfg := getConfig(c)

	s, err := store.NewFileStore(cfg.StatePath())
	if err != nil {
		return err
	}
	d, err := driver.New(ctx)
	if err != nil {
		return err
	}

	opts := []orchestrator.Opt{
		orchestrator.WithEgressInterface(cfg.EgressInterface),
	}
	if l, err := probe.NewExecLauncher(d); err != nil {
		log.G(ctx).WithError(err).Debug("probe deployment unavailable")
	} else {
		opts = append(opts, orchestrator.WithProbeLauncher(l, cfg.ProbeDir()))
	}
	if cfg.Journal {
		j, err := journal.Open(cfg.JournalPath())
		if err != nil {
			return err
		}
		b := events.NewBroadcaster(j)
		defer func() {
			if err := b.Close(); err != nil {
				log.G(ctx).WithError(err).Warn("failed to close journal")
			}
		}()
		opts = append(opts, orchestrator.WithEventSink(b))
	}

	return fn(ctx, orchestrator.New(d, s, opts...))
}

// withReader runs fn with an orchestrator that may only be used for reads.
func withReader(c *cli.Context, fn func(context.Context, *orchestrator.Orchestrator) error) error {
	ctx, cancel := appContext()
	defer cancel()
	s, err := store.NewFileStore(getConfig(c).StatePath())
	if err != nil {
		return err
	}
	return fn(ctx, orchestrator.New(nil, s))
}

// report prints residual failures and converts the outcome into the command
// result.
func report(c *cli.Context, out *orchestrator.Outcome, err error, success string) error {
	if out != nil {
		for _, f := range out.Failures {
			fmt.Fprintf(c.App.ErrWriter, "warning: %s\n", f)
		}
	}
	if err != nil {
		if out != nil {
			switch out.Status {
			case orchestrator.StatusRolledBack:
				return fmt.Errorf("%s (rolled back): %w", out.Operation, err)
			case orchestrator.StatusUnrecorded:
				return fmt.Errorf("%s applied but not recorded: %w", out.Operation, err)
			}
		}
		return err
	}
	if out.Status == orchestrator.StatusResidue {
		return cli.NewExitError(fmt.Sprintf("%s completed with %d residual failures", success, len(out.Failures)), exitResidual)
	}
	fmt.Fprintln(c.App.Writer, success)
	return nil
}

func checkArgs(c *cli.Context, n int) error {
	if c.NArg() != n {
		return fmt.Errorf("%q requires %d arguments (%s): %w", c.Command.FullName(), n, strings.TrimSpace(c.Command.ArgsUsage), errdefs.ErrInvalidArgument)
	}
	return nil
}
