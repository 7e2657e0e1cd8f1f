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
	"net/netip"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmcgowan/vpcbox/internal/cidr"
	"github.com/dmcgowan/vpcbox/internal/driver"
	"github.com/dmcgowan/vpcbox/internal/topology"
)

func TestPeer(t *testing.T) {
	f := newFixture(t)
	f.network("a", "10.0.0.0/16")
	f.network("b", "10.1.0.0/16")
	f.subnet("a", "s1", "10.0.1.0/24", topology.SubnetPrivate)
	f.mustSucceed(f.orch.Peer(f.ctx, "a", "b"))

	st := f.state()
	pa, ok := st.Networks["a"].Peering("b")
	require.True(t, ok)
	assert.Equal(t, "peer-a-b", pa.LocalVeth)
	assert.Equal(t, "peer-b-a", pa.RemoteVeth)
	pb, ok := st.Networks["b"].Peering("a")
	require.True(t, ok)
	assert.Equal(t, "peer-b-a", pb.LocalVeth)

	la, ok := f.drv.Link("peer-a-b")
	require.True(t, ok)
	assert.Equal(t, "br-a", la.Master)
	lb, ok := f.drv.Link("peer-b-a")
	require.True(t, ok)
	assert.Equal(t, "br-b", lb.Master)

	assert.ElementsMatch(t, []driver.Route{
		{Dst: netip.MustParsePrefix("10.1.0.0/16"), Device: "br-a", Metric: 100},
		{Dst: netip.MustParsePrefix("10.0.0.0/16"), Device: "br-b", Metric: 100},
	}, f.drv.Routes(driver.HostNamespace))
}

func TestPeerRejected(t *testing.T) {
	for _, tc := range []struct {
		name, a, b string
		check      func(error) bool
	}{
		{"self", "a", "a", errdefs.IsInvalidArgument},
		{"unknown", "a", "x", errdefs.IsNotFound},
		{"overlap", "a", "wide", errdefs.IsConflict},
		{"existing", "a", "b", errdefs.IsAlreadyExists},
		{"existing reversed", "b", "a", errdefs.IsAlreadyExists},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.network("a", "10.0.0.0/16")
			f.network("b", "172.16.0.0/16")
			f.network("wide", "10.0.0.0/8")
			f.mustSucceed(f.orch.Peer(f.ctx, "a", "b"))
			before := f.drv.Snapshot()

			out, err := f.orch.Peer(f.ctx, tc.a, tc.b)
			require.Error(t, err)
			assert.True(t, tc.check(err), "unexpected error class: %v", err)
			assert.Equal(t, StatusRejected, out.Status)
			assert.Equal(t, before, f.drv.Snapshot())
		})
	}
}

func TestPeerOverlapCreatesNothing(t *testing.T) {
	f := newFixture(t)
	f.network("a", "10.0.0.0/16")
	f.network("b", "10.0.0.0/8")

	_, err := f.orch.Peer(f.ctx, "a", "b")
	assert.ErrorIs(t, err, cidr.ErrAddressOverlap)
	assert.Empty(t, f.drv.LinkNames("peer-"))
	assert.Empty(t, f.state().Networks["a"].Peerings)
}

func TestPeerRollback(t *testing.T) {
	f := newFixture(t)
	f.network("a", "10.0.0.0/16")
	f.network("b", "10.1.0.0/16")
	before := f.drv.Snapshot()

	f.drv.Fail("AddRoute", "10.0.0.0/16 dev br-b metric 100", errInjected)
	out, err := f.orch.Peer(f.ctx, "a", "b")
	assert.ErrorIs(t, err, errInjected)
	assert.Equal(t, StatusRolledBack, out.Status)
	assert.Equal(t, before, f.drv.Snapshot())
	assert.Empty(t, f.state().Networks["b"].Peerings)
}

func TestUnpeer(t *testing.T) {
	f := newFixture(t)
	f.network("a", "10.0.0.0/16")
	f.network("b", "10.1.0.0/16")
	before := f.drv.Snapshot()

	f.mustSucceed(f.orch.Peer(f.ctx, "a", "b"))
	f.mustSucceed(f.orch.Unpeer(f.ctx, "b", "a"))

	st := f.state()
	assert.Empty(t, st.Networks["a"].Peerings)
	assert.Empty(t, st.Networks["b"].Peerings)
	assert.Empty(t, f.drv.LinkNames("peer-"))
	assert.Equal(t, before, f.drv.Snapshot())

	out, err := f.orch.Unpeer(f.ctx, "a", "b")
	assert.ErrorIs(t, err, ErrPeeringNotFound)
	assert.Equal(t, StatusRejected, out.Status)

	// Peering again after unpeering works.
	f.mustSucceed(f.orch.Peer(f.ctx, "a", "b"))
}

func TestUnpeerResidue(t *testing.T) {
	f := newFixture(t)
	f.network("a", "10.0.0.0/16")
	f.network("b", "10.1.0.0/16")
	f.mustSucceed(f.orch.Peer(f.ctx, "a", "b"))

	f.drv.Fail("DeleteLink", "peer-a-b", errInjected)
	out, err := f.orch.Unpeer(f.ctx, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, StatusResidue, out.Status)
	assert.Empty(t, f.state().Networks["a"].Peerings)
	assert.Empty(t, f.drv.Routes(driver.HostNamespace))
	assert.Len(t, f.drv.LinkNames("peer-"), 2)
}
