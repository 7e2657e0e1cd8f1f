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

// Package driver abstracts the kernel mechanisms a virtual network is built
// from: named network namespaces, bridges, veth pairs, routes and packet
// filter rules.
//
// Create operations are strict: they fail with ErrResourceExists when the
// target already exists so stale kernel state is never adopted silently.
// Delete operations tolerate an absent target, which lets best-effort
// teardown converge.
package driver

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/containerd/errdefs"
)

// HostNamespace selects the namespace of the calling process.
const HostNamespace = ""

// ErrResourceExists is returned by create operations when the target exists.
var ErrResourceExists = fmt.Errorf("resource already exists: %w", errdefs.ErrAlreadyExists)

// Namespaces manages named network namespaces.
type Namespaces interface {
	CreateNamespace(ctx context.Context, name string) error
	DeleteNamespace(ctx context.Context, name string) error
	// InNamespace runs fn with the calling thread switched into the named
	// namespace. Processes started by fn inherit the namespace.
	InNamespace(ctx context.Context, name string, fn func() error) error
}

// Links manages bridges, veth pairs and their addresses.
type Links interface {
	CreateBridge(ctx context.Context, name string) error
	DeleteBridge(ctx context.Context, name string) error
	CreateVethPair(ctx context.Context, name, peer string) error
	// DeleteLink removes an interface from the host namespace. Deleting one
	// end of a veth pair destroys both.
	DeleteLink(ctx context.Context, name string) error
	AttachToBridge(ctx context.Context, link, bridge string) error
	MoveToNamespace(ctx context.Context, link, namespace string) error
	// AssignAddress adds addr to link in namespace and brings the link up.
	// Outside of the host namespace the loopback is brought up as well.
	AssignAddress(ctx context.Context, namespace, link string, addr netip.Prefix) error
	RemoveAddress(ctx context.Context, namespace, link string, addr netip.Prefix) error
}

// Route is a unicast route. An invalid Dst is the default route.
type Route struct {
	Dst     netip.Prefix
	Gateway netip.Addr
	Device  string
	Metric  int
}

func (r Route) String() string {
	dst := "default"
	if r.Dst.IsValid() {
		dst = r.Dst.String()
	}
	s := dst
	if r.Gateway.IsValid() {
		s += " via " + r.Gateway.String()
	}
	if r.Device != "" {
		s += " dev " + r.Device
	}
	if r.Metric != 0 {
		s += fmt.Sprintf(" metric %d", r.Metric)
	}
	return s
}

// Routes manages routes and the global forwarding switch.
type Routes interface {
	AddRoute(ctx context.Context, namespace string, r Route) error
	DeleteRoute(ctx context.Context, namespace string, r Route) error
	// EnsureForwarding enables IPv4 forwarding for the whole host. It is
	// idempotent.
	EnsureForwarding(ctx context.Context) error
	// DefaultEgressInterface returns the interface of the host default route.
	DefaultEgressInterface(ctx context.Context) (string, error)
}

// FilterRule is an ingress rule inside a namespace.
type FilterRule struct {
	Port     int
	Protocol string
	Verdict  string
}

func (r FilterRule) String() string {
	return fmt.Sprintf("%s dport %d -> %s", r.Protocol, r.Port, r.Verdict)
}

// Firewall manages NAT, forwarding and filter rules.
type Firewall interface {
	AddMasquerade(ctx context.Context, src netip.Prefix, egress string) error
	DeleteMasquerade(ctx context.Context, src netip.Prefix, egress string) error
	// AddForwardAccept accepts forwarded traffic from bridge to egress and
	// established return traffic.
	AddForwardAccept(ctx context.Context, bridge, egress string) error
	DeleteForwardAccept(ctx context.Context, bridge, egress string) error
	AppendFilterRule(ctx context.Context, namespace string, rule FilterRule) error
	DeleteFilterRule(ctx context.Context, namespace string, rule FilterRule) error
}

// Driver is the full set of primitive operations.
type Driver interface {
	Namespaces
	Links
	Routes
	Firewall
}
