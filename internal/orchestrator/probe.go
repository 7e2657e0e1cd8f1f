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

package orchestrator

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"

	"github.com/containerd/errdefs"

	"github.com/dmcgowan/vpcbox/internal/probe"
	"github.com/dmcgowan/vpcbox/internal/topology"
)

// DeployProbe starts a detached HTTP responder inside a subnet namespace on
// the subnet address and port. The process is not supervised.
func (o *Orchestrator) DeployProbe(ctx context.Context, network, subnet string, port int) (*Outcome, error) {
	ctx, out := o.begin(ctx, OpDeployProbe, network+"/"+subnet)
	err := o.update(ctx, out, func(st *topology.State, undo *undoList) error {
		if port < 1 || port > 65535 {
			return fmt.Errorf("port %d out of range: %w", port, errdefs.ErrInvalidArgument)
		}
		if o.launcher == nil {
			return fmt.Errorf("probe deployment is not configured: %w", errdefs.ErrNotImplemented)
		}
		_, sub, err := lookupSubnet(st, network, subnet)
		if err != nil {
			return err
		}
		if sub.Probe != nil {
			return fmt.Errorf("subnet %s/%s has a probe on port %d: %w", network, subnet, sub.Probe.Port, ErrProbeExists)
		}

		now := o.now().UTC()
		dir := filepath.Join(o.probeDir, network, subnet)
		listen := netip.AddrPortFrom(sub.Address, uint16(port))

		out.mutated = true
		err = probe.WritePayload(dir, probe.Status{
			Network:   network,
			Subnet:    subnet,
			CIDR:      sub.CIDR.String(),
			Type:      string(sub.Type),
			Address:   sub.Address.String(),
			Port:      port,
			StartedAt: now,
		})
		undo.add("remove probe payload", dir, func(context.Context) error {
			return os.RemoveAll(dir)
		})
		if err != nil {
			return err
		}
		pid, err := o.launcher.Start(ctx, sub.Namespace, dir, listen)
		if err != nil {
			return fmt.Errorf("starting probe in %s: %w", sub.Namespace, err)
		}
		undo.add("stop probe", fmt.Sprintf("pid %d", pid), func(ctx context.Context) error {
			return o.launcher.Stop(ctx, pid)
		})

		sub.Probe = &topology.Probe{
			Type:      probe.Type,
			Port:      port,
			PID:       pid,
			Dir:       dir,
			StartedAt: now,
		}
		out.Probe = sub.Probe
		return nil
	})
	return o.finish(ctx, out, err)
}
