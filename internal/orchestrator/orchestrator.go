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

// Package orchestrator turns topology requests into ordered sequences of
// driver operations and keeps the state store in step with the kernel.
//
// Create operations validate everything before the first kernel mutation and
// undo completed steps in reverse order when a later step fails. Delete
// operations are best-effort: every step is attempted, failures are collected
// into the outcome and the record is removed regardless.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/docker/go-events"
	"github.com/google/uuid"

	"github.com/dmcgowan/vpcbox/internal/driver"
	"github.com/dmcgowan/vpcbox/internal/probe"
	"github.com/dmcgowan/vpcbox/internal/store"
	"github.com/dmcgowan/vpcbox/internal/topology"
)

var (
	ErrNetworkExists   = fmt.Errorf("network already exists: %w", errdefs.ErrAlreadyExists)
	ErrNetworkNotFound = fmt.Errorf("network not found: %w", errdefs.ErrNotFound)
	ErrSubnetExists    = fmt.Errorf("subnet already exists: %w", errdefs.ErrAlreadyExists)
	ErrSubnetNotFound  = fmt.Errorf("subnet not found: %w", errdefs.ErrNotFound)
	ErrPeeringExists   = fmt.Errorf("peering already exists: %w", errdefs.ErrAlreadyExists)
	ErrPeeringNotFound = fmt.Errorf("peering not found: %w", errdefs.ErrNotFound)
	ErrProbeExists     = fmt.Errorf("probe already deployed: %w", errdefs.ErrAlreadyExists)
)

// peerRouteMetric keeps peering routes behind the connected route of the
// destination bridge.
const peerRouteMetric = 100

// Orchestrator applies topology operations through a driver and records them
// in a store.
type Orchestrator struct {
	driver   driver.Driver
	store    store.Store
	sink     events.Sink
	now      func() time.Time
	egress   string
	launcher probe.Launcher
	probeDir string
}

// Opt configures an Orchestrator.
type Opt func(*Orchestrator)

// WithEventSink publishes every outcome to sink.
func WithEventSink(sink events.Sink) Opt {
	return func(o *Orchestrator) {
		o.sink = sink
	}
}

// WithClock overrides the time source used for record timestamps.
func WithClock(now func() time.Time) Opt {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithEgressInterface uses name for public subnets instead of the interface
// of the host default route.
func WithEgressInterface(name string) Opt {
	return func(o *Orchestrator) {
		o.egress = name
	}
}

// WithProbeLauncher enables probe deployment with payloads written below dir.
func WithProbeLauncher(l probe.Launcher, dir string) Opt {
	return func(o *Orchestrator) {
		o.launcher = l
		o.probeDir = dir
	}
}

// New returns an orchestrator using d for kernel operations and s for state.
func New(d driver.Driver, s store.Store, opts ...Opt) *Orchestrator {
	o := &Orchestrator{
		driver: d,
		store:  s,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) begin(ctx context.Context, op, target string) (context.Context, *Outcome) {
	out := &Outcome{
		ID:        uuid.NewString(),
		Operation: op,
		Target:    target,
		StartedAt: o.now().UTC(),
	}
	ctx = log.WithLogger(ctx, log.G(ctx).WithFields(log.Fields{
		"op":     op,
		"target": target,
	}))
	return ctx, out
}

// update runs fn under the store's exclusive lock. Steps registered on the
// undo list are reverted if fn fails or the state cannot be written. A
// mutation with nothing to revert, such as a teardown, is marked unrecorded
// when the write fails.
func (o *Orchestrator) update(ctx context.Context, out *Outcome, fn func(*topology.State, *undoList) error) error {
	undo := &undoList{}
	applied := false
	err := o.store.Update(ctx, func(st *topology.State) error {
		if err := fn(st, undo); err != nil {
			undo.run(ctx, out)
			return err
		}
		applied = true
		return nil
	})
	if err != nil && applied {
		if out.mutated && len(undo.steps) == 0 {
			out.unrecorded = true
		}
		undo.run(ctx, out)
	}
	return err
}

func (o *Orchestrator) finish(ctx context.Context, out *Outcome, err error) (*Outcome, error) {
	out.FinishedAt = o.now().UTC()
	out.Err = err
	switch {
	case err != nil && out.unrecorded:
		out.Status = StatusUnrecorded
	case err != nil && out.mutated:
		out.Status = StatusRolledBack
	case err != nil:
		out.Status = StatusRejected
	case out.Residual():
		out.Status = StatusResidue
	default:
		out.Status = StatusSucceeded
	}

	entry := log.G(ctx).WithFields(log.Fields{
		"id":     out.ID,
		"status": out.Status,
	})
	switch out.Status {
	case StatusSucceeded:
		entry.Info("operation succeeded")
	case StatusResidue:
		entry.WithField("failures", len(out.Failures)).Warn("operation left residual resources")
	case StatusRolledBack:
		entry.WithError(err).Warn("operation rolled back")
	case StatusUnrecorded:
		entry.WithError(err).Error("operation applied but state not saved")
	default:
		entry.WithError(err).Info("operation rejected")
	}

	if o.sink != nil {
		if serr := o.sink.Write(out); serr != nil && !errors.Is(serr, events.ErrSinkClosed) {
			log.G(ctx).WithError(serr).Warn("failed to publish outcome")
		}
	}
	return out, err
}

// bestEffort runs a teardown step, recording a failure instead of stopping.
func (o *Orchestrator) bestEffort(ctx context.Context, out *Outcome, step, resource string, fn func() error) {
	log.G(ctx).WithField("resource", resource).Debug(step)
	if err := fn(); err != nil {
		log.G(ctx).WithFields(log.Fields{
			"step":     step,
			"resource": resource,
		}).WithError(err).Warn("teardown step failed")
		out.fail(step, resource, err)
	}
}

type undoStep struct {
	step     string
	resource string
	fn       func(context.Context) error
}

// undoList records how to revert completed create steps.
type undoList struct {
	steps []undoStep
}

func (u *undoList) add(step, resource string, fn func(context.Context) error) {
	u.steps = append(u.steps, undoStep{step: step, resource: resource, fn: fn})
}

// run reverts the recorded steps newest first and empties the list. Undo
// runs even when ctx has been cancelled.
func (u *undoList) run(ctx context.Context, out *Outcome) {
	ctx = context.WithoutCancel(ctx)
	for i := len(u.steps) - 1; i >= 0; i-- {
		s := u.steps[i]
		if err := s.fn(ctx); err != nil {
			log.G(ctx).WithFields(log.Fields{
				"step":     s.step,
				"resource": s.resource,
			}).WithError(err).Warn("rollback step failed")
			out.fail(s.step, s.resource, err)
		}
	}
	u.steps = nil
}

func lookupNetwork(st *topology.State, name string) (*topology.Network, error) {
	nw, ok := st.Networks[name]
	if !ok {
		return nil, fmt.Errorf("network %q: %w", name, ErrNetworkNotFound)
	}
	return nw, nil
}

func lookupSubnet(st *topology.State, network, name string) (*topology.Network, *topology.Subnet, error) {
	nw, err := lookupNetwork(st, network)
	if err != nil {
		return nil, nil, err
	}
	sub, ok := nw.Subnets[name]
	if !ok {
		return nil, nil, fmt.Errorf("subnet %q in network %q: %w", name, network, ErrSubnetNotFound)
	}
	return nw, sub, nil
}
