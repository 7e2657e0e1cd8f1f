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

package store

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmcgowan/vpcbox/internal/topology"
)

func newStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(filepath.Join(t.TempDir(), "state", "state.json"))
	require.NoError(t, err)
	return s
}

func TestEmptyState(t *testing.T) {
	s := newStore(t)
	err := s.View(context.Background(), func(st *topology.State) error {
		assert.Equal(t, topology.SchemaVersion, st.Version)
		assert.Empty(t, st.Networks)
		return nil
	})
	require.NoError(t, err)
	_, err = os.Stat(s.Path())
	assert.True(t, os.IsNotExist(err), "view must not create the document")
}

func TestUpdatePersists(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	err := s.Update(ctx, func(st *topology.State) error {
		st.Networks["n"] = &topology.Network{
			Name:    "n",
			CIDR:    netip.MustParsePrefix("10.0.0.0/16"),
			Bridge:  "br-n",
			Gateway: netip.MustParseAddr("10.0.0.1"),
		}
		return nil
	})
	require.NoError(t, err)

	err = s.View(ctx, func(st *topology.State) error {
		require.Contains(t, st.Networks, "n")
		nw := st.Networks["n"]
		assert.Equal(t, "10.0.0.0/16", nw.CIDR.String())
		assert.NotNil(t, nw.Subnets)
		return nil
	})
	require.NoError(t, err)

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(s.Path()), ".tmp-*"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestUpdateErrorDiscards(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	boom := errors.New("boom")

	err := s.Update(ctx, func(st *topology.State) error {
		st.Networks["n"] = &topology.Network{Name: "n"}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	require.NoError(t, s.View(ctx, func(st *topology.State) error {
		assert.Empty(t, st.Networks)
		return nil
	}))
}

func TestCorruptState(t *testing.T) {
	s := newStore(t)
	require.NoError(t, os.WriteFile(s.Path(), []byte("{not json"), 0o600))

	err := s.View(context.Background(), func(*topology.State) error { return nil })
	assert.True(t, errdefs.IsDataLoss(err), "got %v", err)
}

func TestNewerVersion(t *testing.T) {
	s := newStore(t)
	require.NoError(t, os.WriteFile(s.Path(), []byte(`{"version":99,"networks":{}}`), 0o600))

	err := s.View(context.Background(), func(*topology.State) error { return nil })
	assert.True(t, errdefs.IsNotImplemented(err), "got %v", err)
}

func TestConcurrentUpdates(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	s.pollInterval = time.Millisecond

	const n = 16
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Update(ctx, func(st *topology.State) error {
				name := fmt.Sprintf("n%d", i)
				st.Networks[name] = &topology.Network{Name: name}
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.NoError(t, s.View(ctx, func(st *topology.State) error {
		assert.Len(t, st.Networks, n)
		return nil
	}))
}

func TestLockHonoursContext(t *testing.T) {
	s := newStore(t)
	s.pollInterval = time.Millisecond

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- s.Update(context.Background(), func(*topology.State) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Update(ctx, func(*topology.State) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, <-done)
}

func TestViewsShareLock(t *testing.T) {
	s := newStore(t)
	s.pollInterval = time.Millisecond

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- s.View(context.Background(), func(*topology.State) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.View(ctx, func(*topology.State) error { return nil }))

	ctx, cancel = context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Update(ctx, func(*topology.State) error { return nil }), context.DeadlineExceeded)

	close(release)
	require.NoError(t, <-done)
	_, err := os.Stat(s.Path() + ".lock")
	assert.NoError(t, err)
}

func TestNewFileStoreCreatesParent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "state.json")
	s, err := NewFileStore(path)
	require.NoError(t, err)
	assert.Equal(t, path, s.Path())

	fi, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
}
