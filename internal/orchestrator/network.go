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

	"github.com/containerd/log"

	"github.com/dmcgowan/vpcbox/internal/cidr"
	"github.com/dmcgowan/vpcbox/internal/driver"
	"github.com/dmcgowan/vpcbox/internal/topology"
)

// CreateNetwork creates the bridge of a new network and assigns it the first
// usable address of block.
func (o *Orchestrator) CreateNetwork(ctx context.Context, name, block string) (*Outcome, error) {
	ctx, out := o.begin(ctx, OpCreateNetwork, name)
	err := o.update(ctx, out, func(st *topology.State, undo *undoList) error {
		if err := topology.ValidateName("network", name); err != nil {
			return err
		}
		prefix, err := cidr.Validate(block)
		if err != nil {
			return err
		}
		bridge := topology.BridgeName(name)
		if err := topology.ValidateIfNames(bridge); err != nil {
			return err
		}
		if _, ok := st.Networks[name]; ok {
			return fmt.Errorf("network %q: %w", name, ErrNetworkExists)
		}
		gw, err := cidr.HostPrefix(prefix, 1)
		if err != nil {
			return err
		}

		out.mutated = true
		if err := o.driver.EnsureForwarding(ctx); err != nil {
			return fmt.Errorf("enabling forwarding: %w", err)
		}
		if err := o.driver.CreateBridge(ctx, bridge); err != nil {
			return fmt.Errorf("creating bridge %s: %w", bridge, err)
		}
		undo.add("delete bridge", bridge, func(ctx context.Context) error {
			return o.driver.DeleteBridge(ctx, bridge)
		})
		if err := o.driver.AssignAddress(ctx, driver.HostNamespace, bridge, gw); err != nil {
			return fmt.Errorf("assigning %s to %s: %w", gw, bridge, err)
		}

		st.Networks[name] = &topology.Network{
			Name:      name,
			CIDR:      prefix,
			Bridge:    bridge,
			Gateway:   gw.Addr(),
			CreatedAt: o.now().UTC(),
			Subnets:   map[string]*topology.Subnet{},
		}
		return nil
	})
	return o.finish(ctx, out, err)
}

// DeleteNetwork tears down every subnet and peering of a network, then its
// bridge. The network record is removed even when steps fail.
func (o *Orchestrator) DeleteNetwork(ctx context.Context, name string) (*Outcome, error) {
	ctx, out := o.begin(ctx, OpDeleteNetwork, name)
	err := o.update(ctx, out, func(st *topology.State, _ *undoList) error {
		nw, err := lookupNetwork(st, name)
		if err != nil {
			return err
		}
		out.mutated = true
		o.teardownNetwork(ctx, out, st, nw)
		return nil
	})
	return o.finish(ctx, out, err)
}

// CleanupAll deletes every known network.
func (o *Orchestrator) CleanupAll(ctx context.Context) (*Outcome, error) {
	ctx, out := o.begin(ctx, OpCleanupAll, "*")
	err := o.update(ctx, out, func(st *topology.State, _ *undoList) error {
		nws := st.SortedNetworks()
		if len(nws) > 0 {
			out.mutated = true
		}
		for i := len(nws) - 1; i >= 0; i-- {
			o.teardownNetwork(ctx, out, st, nws[i])
		}
		return nil
	})
	return o.finish(ctx, out, err)
}

func (o *Orchestrator) teardownNetwork(ctx context.Context, out *Outcome, st *topology.State, nw *topology.Network) {
	log.G(ctx).WithField("network", nw.Name).Debug("tearing down network")
	for _, sub := range nw.SortedSubnets() {
		o.teardownSubnet(ctx, out, nw, sub)
	}
	for len(nw.Peerings) > 0 {
		o.teardownPeering(ctx, out, st, nw, nw.Peerings[0])
	}
	o.bestEffort(ctx, out, "delete bridge", nw.Bridge, func() error {
		return o.driver.DeleteBridge(ctx, nw.Bridge)
	})
	delete(st.Networks, nw.Name)
}

// ListNetworks returns every network ordered by creation time.
func (o *Orchestrator) ListNetworks(ctx context.Context) ([]*topology.Network, error) {
	var nws []*topology.Network
	err := o.store.View(ctx, func(st *topology.State) error {
		nws = st.SortedNetworks()
		return nil
	})
	return nws, err
}

// ShowNetwork returns the record of one network.
func (o *Orchestrator) ShowNetwork(ctx context.Context, name string) (*topology.Network, error) {
	var nw *topology.Network
	err := o.store.View(ctx, func(st *topology.State) error {
		var err error
		nw, err = lookupNetwork(st, name)
		return err
	})
	return nw, err
}

func subnetPrefix(addr netip.Addr, sub *topology.Subnet) netip.Prefix {
	return netip.PrefixFrom(addr, sub.CIDR.Bits())
}
