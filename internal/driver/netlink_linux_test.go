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

package driver

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

func newRootDriver(t *testing.T) Driver {
	t.Helper()
	if os.Geteuid() != 0 {
		t.Skip("requires root")
	}
	d, err := New(t.Context())
	require.NoError(t, err)
	return d
}

func TestCreateBridgeRemovedWhenUpFails(t *testing.T) {
	d := newRootDriver(t)
	ctx := t.Context()
	const name = "br-vpcbox-ut"
	t.Cleanup(func() { d.DeleteBridge(ctx, name) })

	boom := errors.New("link up refused")
	linkSetUp = func(netlink.Link) error { return boom }
	t.Cleanup(func() { linkSetUp = netlink.LinkSetUp })

	err := d.CreateBridge(ctx, name)
	require.ErrorIs(t, err, boom)

	_, err = netlink.LinkByName(name)
	assert.ErrorAs(t, err, &netlink.LinkNotFoundError{}, "bridge left behind")

	linkSetUp = netlink.LinkSetUp
	require.NoError(t, d.CreateBridge(ctx, name), "create must succeed once the failure is gone")
}

func TestCreateNamespaceRemovedWhenRestoreFails(t *testing.T) {
	d := newRootDriver(t)
	ctx := t.Context()
	const name = "ns-vpcbox-ut"
	t.Cleanup(func() { d.DeleteNamespace(ctx, name) })

	boom := errors.New("setns refused")
	restoreNetns = func(netns.NsHandle) error { return boom }
	t.Cleanup(func() { restoreNetns = netns.Set })

	err := d.CreateNamespace(ctx, name)
	require.ErrorIs(t, err, boom)

	_, err = os.Stat(filepath.Join(netnsRunDir, name))
	assert.True(t, os.IsNotExist(err), "namespace left behind: %v", err)

	restoreNetns = netns.Set
	require.NoError(t, d.CreateNamespace(ctx, name), "create must succeed once the failure is gone")
}
