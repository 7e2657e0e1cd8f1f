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

// Package probe starts and serves the status responder deployed inside a
// subnet namespace.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net/netip"
	"os"
	"path/filepath"
	"time"
)

// Type is the probe type recorded in the topology.
const Type = "http"

const (
	indexFile  = "index.html"
	statusFile = "status.json"
	logFile    = "probe.log"
)

// Launcher starts detached responder processes inside a namespace. Started
// processes are not supervised.
type Launcher interface {
	Start(ctx context.Context, namespace, dir string, listen netip.AddrPort) (int, error)
	// Stop signals the process to exit. An already exited process is not an
	// error.
	Stop(ctx context.Context, pid int) error
}

// Status is the payload served by a probe.
type Status struct {
	Network   string    `json:"network"`
	Subnet    string    `json:"subnet"`
	CIDR      string    `json:"cidr"`
	Type      string    `json:"type"`
	Address   string    `json:"address"`
	Port      int       `json:"port"`
	StartedAt time.Time `json:"started_at"`
}

var indexTmpl = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head><title>{{.Network}}/{{.Subnet}}</title></head>
<body>
<h1>{{.Network}}/{{.Subnet}}</h1>
<p>{{.Type}} subnet {{.CIDR}} answering on {{.Address}}:{{.Port}}</p>
<p>started {{.StartedAt.Format "2006-01-02T15:04:05Z07:00"}}</p>
</body>
</html>
`))

// WritePayload creates dir and writes index.html and status.json into it.
func WritePayload(dir string, st Status) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating probe directory: %w", err)
	}

	f, err := os.Create(filepath.Join(dir, indexFile))
	if err != nil {
		return err
	}
	if err := indexTmpl.Execute(f, st); err != nil {
		f.Close()
		return fmt.Errorf("rendering index: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, statusFile), append(b, '\n'), 0o644)
}
