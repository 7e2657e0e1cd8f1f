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
	"errors"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/docker/go-events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmcgowan/vpcbox/internal/driver/drivertest"
	"github.com/dmcgowan/vpcbox/internal/store"
	"github.com/dmcgowan/vpcbox/internal/topology"
)

var errInjected = errors.New("injected failure")

type fakeLauncher struct {
	next    int
	running map[int]string
	stopped []int
	err     error
}

func (l *fakeLauncher) Start(ctx context.Context, namespace, dir string, listen netip.AddrPort) (int, error) {
	if l.err != nil {
		return 0, l.err
	}
	l.next++
	pid := 1000 + l.next
	l.running[pid] = namespace + " " + listen.String()
	return pid, nil
}

func (l *fakeLauncher) Stop(ctx context.Context, pid int) error {
	delete(l.running, pid)
	l.stopped = append(l.stopped, pid)
	return nil
}

// tb is satisfied by both *testing.T and *rapid.T.
type tb interface {
	require.TestingT
	Helper()
}

type fixture struct {
	t        tb
	ctx      context.Context
	drv      *drivertest.Fake
	store    *store.FileStore
	launcher *fakeLauncher
	events   *events.Channel
	probes   string
	orch     *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureIn(t, t.TempDir())
}

func newFixtureIn(t tb, dir string) *fixture {
	t.Helper()
	s, err := store.NewFileStore(filepath.Join(dir, "state", "state.json"))
	require.NoError(t, err)

	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f := &fixture{
		t:        t,
		ctx:      context.Background(),
		drv:      drivertest.New("eth0"),
		store:    s,
		launcher: &fakeLauncher{running: map[int]string{}},
		events:   events.NewChannel(1024),
		probes:   filepath.Join(dir, "probes"),
	}
	f.orch = New(f.drv, s,
		WithEventSink(f.events),
		WithClock(func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		}),
		WithProbeLauncher(f.launcher, f.probes),
	)
	return f
}

func (f *fixture) state() *topology.State {
	f.t.Helper()
	var st *topology.State
	require.NoError(f.t, f.store.View(f.ctx, func(s *topology.State) error {
		st = s
		return nil
	}))
	return st
}

func (f *fixture) mustSucceed(out *Outcome, err error) *Outcome {
	f.t.Helper()
	require.NoError(f.t, err)
	require.Equal(f.t, StatusSucceeded, out.Status, "failures: %v", out.Failures)
	return out
}

func (f *fixture) network(name, block string) {
	f.t.Helper()
	f.mustSucceed(f.orch.CreateNetwork(f.ctx, name, block))
}

func (f *fixture) subnet(network, name, block string, typ topology.SubnetType) {
	f.t.Helper()
	f.mustSucceed(f.orch.AddSubnet(f.ctx, network, name, block, string(typ)))
}

func (f *fixture) published() []*Outcome {
	var outs []*Outcome
	for {
		select {
		case ev := <-f.events.C:
			outs = append(outs, ev.(*Outcome))
		default:
			return outs
		}
	}
}

func TestOutcomesPublished(t *testing.T) {
	f := newFixture(t)
	f.network("n", "10.0.0.0/16")
	_, err := f.orch.CreateNetwork(f.ctx, "n", "10.1.0.0/16")
	require.Error(t, err)

	outs := f.published()
	require.Len(t, outs, 2)
	assert.Equal(t, OpCreateNetwork, outs[0].Operation)
	assert.Equal(t, StatusSucceeded, outs[0].Status)
	assert.Equal(t, StatusRejected, outs[1].Status)
	assert.NotEqual(t, outs[0].ID, outs[1].ID)
	assert.True(t, outs[0].FinishedAt.After(outs[0].StartedAt))
}

func TestStoreLockRejects(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(f.ctx)
	cancel()

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.store.Update(f.ctx, func(*topology.State) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer func() {
		close(release)
		<-done
	}()

	out, err := f.orch.CreateNetwork(ctx, "n", "10.0.0.0/16")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusRejected, out.Status)
	assert.Empty(t, f.drv.LinkNames("br-"))
}

// unwritableStore runs the callback but fails to persist its result.
type unwritableStore struct {
	store.Store
}

func (s unwritableStore) Update(ctx context.Context, fn func(*topology.State) error) error {
	return s.Store.Update(ctx, func(st *topology.State) error {
		if err := fn(st); err != nil {
			return err
		}
		return errInjected
	})
}

func TestSaveFailure(t *testing.T) {
	f := newFixture(t)
	f.network("n", "10.0.0.0/16")
	f.subnet("n", "web", "10.0.1.0/24", topology.SubnetPublic)
	o := New(f.drv, unwritableStore{f.store}, WithEgressInterface("eth0"))

	before := f.drv.Snapshot()
	out, err := o.AddSubnet(f.ctx, "n", "db", "10.0.2.0/24", string(topology.SubnetPrivate))
	assert.ErrorIs(t, err, errInjected)
	assert.Equal(t, StatusRolledBack, out.Status)
	assert.Equal(t, before, f.drv.Snapshot(), "create is undone")

	out, err = o.DeleteSubnet(f.ctx, "n", "web")
	assert.ErrorIs(t, err, errInjected)
	assert.Equal(t, StatusUnrecorded, out.Status)
	assert.False(t, f.drv.HasNamespace("ns-n-web"), "teardown is not undone")
	assert.Contains(t, f.state().Networks["n"].Subnets, "web")

	out, err = o.DeleteSubnet(f.ctx, "n", "missing")
	assert.ErrorIs(t, err, ErrSubnetNotFound)
	assert.Equal(t, StatusRejected, out.Status)
}
