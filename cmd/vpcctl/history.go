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
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli"

	"github.com/dmcgowan/vpcbox/internal/journal"
)

var historyCommand = cli.Command{
	Name:  "history",
	Usage: "list recorded operations, most recent first",
	Flags: []cli.Flag{
		cli.IntFlag{Name: "limit, n", Value: 20, Usage: "number of entries to show, 0 for all"},
	},
	Action: func(c *cli.Context) error {
		ctx, cancel := appContext()
		defer cancel()

		j, err := journal.Open(getConfig(c).JournalPath())
		if err != nil {
			return err
		}
		defer j.Close()

		entries, err := j.List(ctx, c.Int("limit"))
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
		defer func() {
			// Ignore flushing errors - there's nothing we can do.
			_ = w.Flush()
		}()
		printHeader(w, "ID", "STARTED", "OPERATION", "TARGET", "STATUS", "ERROR")
		for _, e := range entries {
			id := e.ID
			if len(id) > 8 {
				id = id[:8]
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				id, humanize.Time(e.StartedAt), e.Operation, e.Target, e.Status, orDash(e.Error))
			for _, f := range e.Failures {
				fmt.Fprintf(w, "\t\t\t\t\t%s\n", f)
			}
		}
		return nil
	},
}
