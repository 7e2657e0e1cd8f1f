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

// Package store persists the declared topology as a single JSON document.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/gofrs/flock"
	"github.com/moby/sys/atomicwriter"

	"github.com/dmcgowan/vpcbox/internal/topology"
)

const defaultPollInterval = 50 * time.Millisecond

// Store gives serialised access to the topology document.
type Store interface {
	// View calls fn with a snapshot of the state under a shared lock.
	// Modifications made by fn are discarded.
	View(ctx context.Context, fn func(*topology.State) error) error
	// Update calls fn with the state under an exclusive lock held for the
	// whole call. The state is written back only if fn returns nil.
	Update(ctx context.Context, fn func(*topology.State) error) error
}

// FileStore is a Store backed by a JSON document on the local filesystem.
// Access is serialised through an advisory lock on "<path>.lock".
type FileStore struct {
	path         string
	pollInterval time.Duration
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a store keeping its document at path, creating the
// parent directory if needed.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	return &FileStore{
		path:         path,
		pollInterval: defaultPollInterval,
	}, nil
}

// Path returns the location of the state document.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) View(ctx context.Context, fn func(*topology.State) error) error {
	unlock, err := s.lock(ctx, false)
	if err != nil {
		return err
	}
	defer unlock()

	st, err := s.load()
	if err != nil {
		return err
	}
	return fn(st)
}

func (s *FileStore) Update(ctx context.Context, fn func(*topology.State) error) error {
	unlock, err := s.lock(ctx, true)
	if err != nil {
		return err
	}
	defer unlock()

	st, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(st); err != nil {
		return err
	}
	return s.save(st)
}

// lock takes the advisory lock, retrying until ctx is done. Each call uses
// its own lock file descriptor so callers in one process exclude each other
// the same way separate processes do.
func (s *FileStore) lock(ctx context.Context, exclusive bool) (func(), error) {
	fl := flock.New(s.path + ".lock")
	var (
		ok  bool
		err error
	)
	if exclusive {
		ok, err = fl.TryLockContext(ctx, s.pollInterval)
	} else {
		ok, err = fl.TryRLockContext(ctx, s.pollInterval)
	}
	if err != nil || !ok {
		fl.Close()
		if err == nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("locking state %s: %w", fl.Path(), err)
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			log.G(ctx).WithError(err).Warn("failed to release state lock")
		}
	}, nil
}

func (s *FileStore) load() (*topology.State, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return topology.NewState(), nil
		}
		return nil, fmt.Errorf("reading state: %w", err)
	}
	defer f.Close()

	b, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("reading state: %w", err)
	}
	if len(b) == 0 {
		return topology.NewState(), nil
	}

	var st topology.State
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("decoding %s: %v: %w", s.path, err, errdefs.ErrDataLoss)
	}
	if st.Version > topology.SchemaVersion {
		return nil, fmt.Errorf("state version %d is newer than %d: %w", st.Version, topology.SchemaVersion, errdefs.ErrNotImplemented)
	}
	if st.Version == 0 {
		st.Version = topology.SchemaVersion
	}
	if st.Networks == nil {
		st.Networks = map[string]*topology.Network{}
	}
	for _, nw := range st.Networks {
		if nw.Subnets == nil {
			nw.Subnets = map[string]*topology.Subnet{}
		}
	}
	return &st, nil
}

func (s *FileStore) save(st *topology.State) error {
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	if err := atomicwriter.WriteFile(s.path, append(b, '\n'), 0o600); err != nil {
		return fmt.Errorf("writing state: %w", err)
	}
	return nil
}
