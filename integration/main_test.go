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

// Package integration exercises the kernel driver and the orchestrator
// against the running host. The tests need root and are only run when
// VPCBOX_INTEGRATION is set.
package integration

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/dmcgowan/vpcbox/internal/driver"
	"github.com/dmcgowan/vpcbox/internal/orchestrator"
	"github.com/dmcgowan/vpcbox/internal/store"
)

func TestMain(m *testing.M) {
	if os.Getenv("VPCBOX_INTEGRATION") == "" {
		log.Print("VPCBOX_INTEGRATION not set, skipping integration tests")
		os.Exit(0)
	}
	if os.Geteuid() != 0 {
		log.Print("integration tests require root, skipping")
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func newDriver(t *testing.T) driver.Driver {
	t.Helper()
	d, err := driver.New(t.Context())
	if err != nil {
		t.Fatal("Failed to create driver:", err)
	}
	return d
}

func runWithOrchestrator(t *testing.T, runTest func(*testing.T, context.Context, driver.Driver, *orchestrator.Orchestrator)) {
	d := newDriver(t)
	s, err := store.NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatal("Failed to create store:", err)
	}
	o := orchestrator.New(d, s, orchestrator.WithEgressInterface(egressInterface(t, d)))
	t.Cleanup(func() {
		out, err := o.CleanupAll(context.Background())
		if err != nil || out.Residual() {
			t.Errorf("cleanup left resources behind: %v %v", err, out.Failures)
		}
	})
	runTest(t, t.Context(), d, o)
}

func egressInterface(t *testing.T, d driver.Driver) string {
	if name := os.Getenv("VPCCTL_EGRESS_INTERFACE"); name != "" {
		return name
	}
	name, err := d.DefaultEgressInterface(t.Context())
	if err != nil {
		t.Skip("no default route:", err)
	}
	return name
}
