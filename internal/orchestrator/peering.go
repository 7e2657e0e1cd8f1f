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

	"github.com/containerd/errdefs"

	"github.com/dmcgowan/vpcbox/internal/cidr"
	"github.com/dmcgowan/vpcbox/internal/driver"
	"github.com/dmcgowan/vpcbox/internal/sliceutil"
	"github.com/dmcgowan/vpcbox/internal/topology"
)

// Peer connects the bridges of two networks with a veth pair and routes each
// network's block towards the other bridge. Every subnet of one network can
// reach every subnet of the other.
func (o *Orchestrator) Peer(ctx context.Context, a, b string) (*Outcome, error) {
	ctx, out := o.begin(ctx, OpPeer, a+"<->"+b)
	err := o.update(ctx, out, func(st *topology.State, undo *undoList) error {
		if a == b {
			return fmt.Errorf("cannot peer network %q with itself: %w", a, errdefs.ErrInvalidArgument)
		}
		na, err := lookupNetwork(st, a)
		if err != nil {
			return err
		}
		nb, err := lookupNetwork(st, b)
		if err != nil {
			return err
		}
		if err := cidr.CheckOverlap(na.CIDR, nb.CIDR); err != nil {
			return err
		}
		_, okA := na.Peering(b)
		_, okB := nb.Peering(a)
		if okA || okB {
			return fmt.Errorf("%s and %s: %w", a, b, ErrPeeringExists)
		}
		la, lb := topology.PeerVethNames(a, b)
		if err := topology.ValidateIfNames(la, lb); err != nil {
			return err
		}

		out.mutated = true
		if err := o.driver.CreateVethPair(ctx, la, lb); err != nil {
			return fmt.Errorf("creating veth pair %s: %w", la, err)
		}
		undo.add("delete link", la, func(ctx context.Context) error {
			return o.driver.DeleteLink(ctx, la)
		})
		if err := o.driver.AttachToBridge(ctx, la, na.Bridge); err != nil {
			return fmt.Errorf("attaching %s to %s: %w", la, na.Bridge, err)
		}
		if err := o.driver.AttachToBridge(ctx, lb, nb.Bridge); err != nil {
			return fmt.Errorf("attaching %s to %s: %w", lb, nb.Bridge, err)
		}
		for _, r := range peerRoutes(na, nb) {
			if err := o.driver.AddRoute(ctx, driver.HostNamespace, r); err != nil {
				return fmt.Errorf("adding route %s: %w", r, err)
			}
			undo.add("delete route", r.String(), func(ctx context.Context) error {
				return o.driver.DeleteRoute(ctx, driver.HostNamespace, r)
			})
		}

		now := o.now().UTC()
		na.Peerings = append(na.Peerings, topology.Peering{PeerNetwork: b, LocalVeth: la, RemoteVeth: lb, CreatedAt: now})
		nb.Peerings = append(nb.Peerings, topology.Peering{PeerNetwork: a, LocalVeth: lb, RemoteVeth: la, CreatedAt: now})
		return nil
	})
	return o.finish(ctx, out, err)
}

// Unpeer removes the veth pair and routes of a peering and both records.
func (o *Orchestrator) Unpeer(ctx context.Context, a, b string) (*Outcome, error) {
	ctx, out := o.begin(ctx, OpUnpeer, a+"<->"+b)
	err := o.update(ctx, out, func(st *topology.State, _ *undoList) error {
		na, err := lookupNetwork(st, a)
		if err != nil {
			return err
		}
		if _, err := lookupNetwork(st, b); err != nil {
			return err
		}
		p, ok := na.Peering(b)
		if !ok {
			return fmt.Errorf("%s and %s: %w", a, b, ErrPeeringNotFound)
		}
		out.mutated = true
		o.teardownPeering(ctx, out, st, na, p)
		return nil
	})
	return o.finish(ctx, out, err)
}

// teardownPeering removes p from nw and the matching record from the peer
// network, deleting the link and routes on the way.
func (o *Orchestrator) teardownPeering(ctx context.Context, out *Outcome, st *topology.State, nw *topology.Network, p topology.Peering) {
	o.bestEffort(ctx, out, "delete link", p.LocalVeth, func() error {
		return o.driver.DeleteLink(ctx, p.LocalVeth)
	})
	if peer, ok := st.Networks[p.PeerNetwork]; ok {
		for _, r := range peerRoutes(nw, peer) {
			o.bestEffort(ctx, out, "delete route", r.String(), func() error {
				return o.driver.DeleteRoute(ctx, driver.HostNamespace, r)
			})
		}
		peer.Peerings = removePeering(peer.Peerings, nw.Name)
	}
	nw.Peerings = removePeering(nw.Peerings, p.PeerNetwork)
}

// peerRoutes returns the host routes sending each network's block to the
// other's bridge.
func peerRoutes(a, b *topology.Network) []driver.Route {
	return []driver.Route{
		{Dst: b.CIDR, Device: a.Bridge, Metric: peerRouteMetric},
		{Dst: a.CIDR, Device: b.Bridge, Metric: peerRouteMetric},
	}
}

func removePeering(ps []topology.Peering, peer string) []topology.Peering {
	return sliceutil.Filter(ps, func(p topology.Peering) bool {
		return p.PeerNetwork != peer
	})
}
