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

// Package drivertest provides an in-memory driver.Driver that models the
// kernel objects the orchestrator manipulates and lets tests inject failures.
package drivertest

import (
	"context"
	"fmt"
	"net/netip"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/containerd/errdefs"

	"github.com/dmcgowan/vpcbox/internal/driver"
)

// Link is a modelled network interface.
type Link struct {
	Name      string
	Kind      string // "bridge" or "veth"
	Peer      string
	Master    string
	Namespace string
	Up        bool
	Addrs     []netip.Prefix
}

// NAT is a modelled masquerade rule.
type NAT struct {
	Source netip.Prefix
	Egress string
}

// Fake implements driver.Driver in memory.
type Fake struct {
	mu sync.Mutex

	namespaces map[string]bool
	links      map[string]*Link
	routes     map[string][]driver.Route
	nat        []NAT
	forward    map[[2]string]bool
	filters    map[string][]driver.FilterRule
	forwarding bool
	egress     string

	failures map[string]failure
	calls    []string
}

var _ driver.Driver = (*Fake)(nil)

// New returns an empty fake whose default route leaves through egress.
func New(egress string) *Fake {
	return &Fake{
		namespaces: map[string]bool{},
		links:      map[string]*Link{},
		routes:     map[string][]driver.Route{},
		forward:    map[[2]string]bool{},
		filters:    map[string][]driver.FilterRule{},
		egress:     egress,
		failures:   map[string]failure{},
	}
}

type failure struct {
	err  error
	once bool
}

// Fail makes every call of op on target return err. An empty target matches
// any target.
func (f *Fake) Fail(op, target string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op+"/"+target] = failure{err: err}
}

// FailOnce makes the next call of op on target return err.
func (f *Fake) FailOnce(op, target string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op+"/"+target] = failure{err: err, once: true}
}

// Reset clears all injected failures.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = map[string]failure{}
}

// Calls returns the operations performed so far, formatted as "Op target".
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func (f *Fake) call(op, target string) error {
	f.calls = append(f.calls, op+" "+target)
	for _, key := range []string{op + "/" + target, op + "/"} {
		if fl, ok := f.failures[key]; ok {
			if fl.once {
				delete(f.failures, key)
			}
			return fl.err
		}
	}
	return nil
}

// Forwarding reports whether EnsureForwarding has been called.
func (f *Fake) Forwarding() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forwarding
}

// Link returns a copy of the named link.
func (f *Fake) Link(name string) (Link, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.links[name]
	if !ok {
		return Link{}, false
	}
	c := *l
	c.Addrs = slices.Clone(l.Addrs)
	return c, true
}

// HasNamespace reports whether the named namespace exists.
func (f *Fake) HasNamespace(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.namespaces[name]
}

// Routes returns the routes of a namespace.
func (f *Fake) Routes(namespace string) []driver.Route {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.routes[namespace])
}

// NAT returns the installed masquerade rules.
func (f *Fake) NAT() []NAT {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.nat)
}

// ForwardAccept reports whether forwarding between bridge and egress is open.
func (f *Fake) ForwardAccept(bridge, egress string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forward[[2]string{bridge, egress}]
}

// FilterRules returns the INPUT rules of a namespace in evaluation order.
func (f *Fake) FilterRules(namespace string) []driver.FilterRule {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.filters[namespace])
}

// Snapshot summarises every modelled object. Two equal snapshots describe the
// same kernel state.
func (f *Fake) Snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var s []string
	for ns := range f.namespaces {
		s = append(s, "netns "+ns)
	}
	for _, l := range f.links {
		s = append(s, fmt.Sprintf("link %s kind=%s ns=%s master=%s addrs=%v", l.Name, l.Kind, l.Namespace, l.Master, l.Addrs))
	}
	for ns, rs := range f.routes {
		for _, r := range rs {
			s = append(s, fmt.Sprintf("route ns=%s %s", ns, r))
		}
	}
	for _, n := range f.nat {
		s = append(s, fmt.Sprintf("nat %s via %s", n.Source, n.Egress))
	}
	for k := range f.forward {
		s = append(s, fmt.Sprintf("forward %s<->%s", k[0], k[1]))
	}
	for ns, rs := range f.filters {
		for _, r := range rs {
			s = append(s, fmt.Sprintf("filter ns=%s %s", ns, r))
		}
	}
	sort.Strings(s)
	return s
}

// LinkNames returns the names of all links starting with prefix.
func (f *Fake) LinkNames(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for name := range f.links {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (f *Fake) CreateNamespace(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("CreateNamespace", name); err != nil {
		return err
	}
	if f.namespaces[name] {
		return fmt.Errorf("namespace %s: %w", name, driver.ErrResourceExists)
	}
	f.namespaces[name] = true
	return nil
}

func (f *Fake) DeleteNamespace(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("DeleteNamespace", name); err != nil {
		return err
	}
	if !f.namespaces[name] {
		return nil
	}
	// Interfaces inside the namespace are destroyed with it, and so are
	// their veth peers.
	for _, l := range f.links {
		if l.Namespace == name {
			f.deleteLinkLocked(l.Name)
		}
	}
	delete(f.namespaces, name)
	delete(f.routes, name)
	delete(f.filters, name)
	return nil
}

func (f *Fake) InNamespace(ctx context.Context, name string, fn func() error) error {
	f.mu.Lock()
	err := f.call("InNamespace", name)
	exists := name == driver.HostNamespace || f.namespaces[name]
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("namespace %s: %w", name, errdefs.ErrNotFound)
	}
	return fn()
}

func (f *Fake) CreateBridge(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("CreateBridge", name); err != nil {
		return err
	}
	if _, ok := f.links[name]; ok {
		return fmt.Errorf("bridge %s: %w", name, driver.ErrResourceExists)
	}
	f.links[name] = &Link{Name: name, Kind: "bridge", Up: true}
	return nil
}

func (f *Fake) DeleteBridge(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("DeleteBridge", name); err != nil {
		return err
	}
	f.deleteLinkLocked(name)
	return nil
}

func (f *Fake) CreateVethPair(ctx context.Context, name, peer string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("CreateVethPair", name); err != nil {
		return err
	}
	for _, n := range []string{name, peer} {
		if _, ok := f.links[n]; ok {
			return fmt.Errorf("link %s: %w", n, driver.ErrResourceExists)
		}
	}
	f.links[name] = &Link{Name: name, Kind: "veth", Peer: peer}
	f.links[peer] = &Link{Name: peer, Kind: "veth", Peer: name}
	return nil
}

func (f *Fake) DeleteLink(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("DeleteLink", name); err != nil {
		return err
	}
	if l, ok := f.links[name]; ok && l.Namespace != driver.HostNamespace {
		// Not visible from the host namespace.
		return nil
	}
	f.deleteLinkLocked(name)
	return nil
}

func (f *Fake) deleteLinkLocked(name string) {
	l, ok := f.links[name]
	if !ok {
		return
	}
	delete(f.links, name)
	f.dropRoutesLocked(l)
	if l.Kind == "bridge" {
		for _, other := range f.links {
			if other.Master == name {
				other.Master = ""
			}
		}
	}
	if l.Peer != "" {
		if p, ok := f.links[l.Peer]; ok {
			delete(f.links, l.Peer)
			f.dropRoutesLocked(p)
		}
	}
}

func (f *Fake) dropRoutesLocked(l *Link) {
	f.routes[l.Namespace] = slices.DeleteFunc(f.routes[l.Namespace], func(r driver.Route) bool {
		return r.Device == l.Name
	})
}

func (f *Fake) hostLink(name string) (*Link, error) {
	l, ok := f.links[name]
	if !ok || l.Namespace != driver.HostNamespace {
		return nil, fmt.Errorf("link %s: %w", name, errdefs.ErrNotFound)
	}
	return l, nil
}

func (f *Fake) AttachToBridge(ctx context.Context, link, bridge string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("AttachToBridge", link); err != nil {
		return err
	}
	l, err := f.hostLink(link)
	if err != nil {
		return err
	}
	br, err := f.hostLink(bridge)
	if err != nil {
		return err
	}
	if br.Kind != "bridge" {
		return fmt.Errorf("%s is not a bridge: %w", bridge, errdefs.ErrInvalidArgument)
	}
	l.Master = bridge
	l.Up = true
	return nil
}

func (f *Fake) MoveToNamespace(ctx context.Context, link, namespace string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("MoveToNamespace", link); err != nil {
		return err
	}
	l, err := f.hostLink(link)
	if err != nil {
		return err
	}
	if !f.namespaces[namespace] {
		return fmt.Errorf("namespace %s: %w", namespace, errdefs.ErrNotFound)
	}
	l.Namespace = namespace
	l.Master = ""
	l.Up = false
	l.Addrs = nil
	return nil
}

func (f *Fake) linkIn(namespace, name string) (*Link, error) {
	if namespace != driver.HostNamespace && !f.namespaces[namespace] {
		return nil, fmt.Errorf("namespace %s: %w", namespace, errdefs.ErrNotFound)
	}
	l, ok := f.links[name]
	if !ok || l.Namespace != namespace {
		return nil, fmt.Errorf("link %s in %q: %w", name, namespace, errdefs.ErrNotFound)
	}
	return l, nil
}

func (f *Fake) AssignAddress(ctx context.Context, namespace, link string, addr netip.Prefix) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("AssignAddress", link); err != nil {
		return err
	}
	l, err := f.linkIn(namespace, link)
	if err != nil {
		return err
	}
	if slices.Contains(l.Addrs, addr) {
		return fmt.Errorf("address %s on %s: %w", addr, link, driver.ErrResourceExists)
	}
	l.Addrs = append(l.Addrs, addr)
	l.Up = true
	return nil
}

func (f *Fake) RemoveAddress(ctx context.Context, namespace, link string, addr netip.Prefix) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("RemoveAddress", link); err != nil {
		return err
	}
	l, err := f.linkIn(namespace, link)
	if err != nil {
		return nil
	}
	l.Addrs = slices.DeleteFunc(l.Addrs, func(a netip.Prefix) bool { return a == addr })
	return nil
}

func (f *Fake) AddRoute(ctx context.Context, namespace string, r driver.Route) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("AddRoute", r.String()); err != nil {
		return err
	}
	if r.Device != "" {
		if _, err := f.linkIn(namespace, r.Device); err != nil {
			return err
		}
	} else if namespace != driver.HostNamespace && !f.namespaces[namespace] {
		return fmt.Errorf("namespace %s: %w", namespace, errdefs.ErrNotFound)
	}
	for _, existing := range f.routes[namespace] {
		if existing.Dst == r.Dst && existing.Metric == r.Metric && existing.Device == r.Device {
			return fmt.Errorf("route %s: %w", r, driver.ErrResourceExists)
		}
	}
	f.routes[namespace] = append(f.routes[namespace], r)
	return nil
}

func (f *Fake) DeleteRoute(ctx context.Context, namespace string, r driver.Route) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("DeleteRoute", r.String()); err != nil {
		return err
	}
	f.routes[namespace] = slices.DeleteFunc(f.routes[namespace], func(existing driver.Route) bool {
		return existing == r
	})
	return nil
}

func (f *Fake) EnsureForwarding(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("EnsureForwarding", ""); err != nil {
		return err
	}
	f.forwarding = true
	return nil
}

func (f *Fake) DefaultEgressInterface(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("DefaultEgressInterface", ""); err != nil {
		return "", err
	}
	if f.egress == "" {
		return "", fmt.Errorf("no default route: %w", errdefs.ErrNotFound)
	}
	return f.egress, nil
}

func (f *Fake) AddMasquerade(ctx context.Context, src netip.Prefix, egress string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("AddMasquerade", src.String()); err != nil {
		return err
	}
	n := NAT{Source: src, Egress: egress}
	if slices.Contains(f.nat, n) {
		return fmt.Errorf("masquerade %s via %s: %w", src, egress, driver.ErrResourceExists)
	}
	f.nat = append(f.nat, n)
	return nil
}

func (f *Fake) DeleteMasquerade(ctx context.Context, src netip.Prefix, egress string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("DeleteMasquerade", src.String()); err != nil {
		return err
	}
	f.nat = slices.DeleteFunc(f.nat, func(n NAT) bool { return n == NAT{Source: src, Egress: egress} })
	return nil
}

func (f *Fake) AddForwardAccept(ctx context.Context, bridge, egress string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("AddForwardAccept", bridge); err != nil {
		return err
	}
	f.forward[[2]string{bridge, egress}] = true
	return nil
}

func (f *Fake) DeleteForwardAccept(ctx context.Context, bridge, egress string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("DeleteForwardAccept", bridge); err != nil {
		return err
	}
	delete(f.forward, [2]string{bridge, egress})
	return nil
}

func (f *Fake) AppendFilterRule(ctx context.Context, namespace string, rule driver.FilterRule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("AppendFilterRule", namespace); err != nil {
		return err
	}
	if !f.namespaces[namespace] {
		return fmt.Errorf("namespace %s: %w", namespace, errdefs.ErrNotFound)
	}
	f.filters[namespace] = append(f.filters[namespace], rule)
	return nil
}

func (f *Fake) DeleteFilterRule(ctx context.Context, namespace string, rule driver.FilterRule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("DeleteFilterRule", namespace); err != nil {
		return err
	}
	rules := f.filters[namespace]
	if i := slices.Index(rules, rule); i >= 0 {
		f.filters[namespace] = slices.Delete(rules, i, i+1)
	}
	return nil
}
