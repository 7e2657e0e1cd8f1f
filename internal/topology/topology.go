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

// Package topology describes the declared virtual network topology: networks,
// subnets, peerings, probes and ingress policies, as persisted by the state
// store.
package topology

import (
	"fmt"
	"net/netip"
	"sort"
	"time"

	"github.com/containerd/errdefs"
)

// SchemaVersion is the version written to new state documents.
const SchemaVersion = 1

// SubnetType is either public (NAT to the host egress interface) or private.
type SubnetType string

const (
	SubnetPublic  SubnetType = "public"
	SubnetPrivate SubnetType = "private"
)

// ParseSubnetType validates s as a subnet type.
func ParseSubnetType(s string) (SubnetType, error) {
	switch t := SubnetType(s); t {
	case SubnetPublic, SubnetPrivate:
		return t, nil
	default:
		return "", fmt.Errorf("subnet type %q must be %q or %q: %w", s, SubnetPublic, SubnetPrivate, errdefs.ErrInvalidArgument)
	}
}

// State is the whole persisted document.
type State struct {
	Version  int                 `json:"version"`
	Networks map[string]*Network `json:"networks"`
}

// NewState returns an empty state document.
func NewState() *State {
	return &State{
		Version:  SchemaVersion,
		Networks: map[string]*Network{},
	}
}

// SortedNetworks returns the networks ordered by creation time, then name.
func (s *State) SortedNetworks() []*Network {
	nws := make([]*Network, 0, len(s.Networks))
	for _, nw := range s.Networks {
		nws = append(nws, nw)
	}
	sort.Slice(nws, func(i, j int) bool {
		if !nws[i].CreatedAt.Equal(nws[j].CreatedAt) {
			return nws[i].CreatedAt.Before(nws[j].CreatedAt)
		}
		return nws[i].Name < nws[j].Name
	})
	return nws
}

// Network is a named address block backed by one bridge.
type Network struct {
	Name      string             `json:"name"`
	CIDR      netip.Prefix       `json:"cidr"`
	Bridge    string             `json:"bridge"`
	Gateway   netip.Addr         `json:"gateway"`
	CreatedAt time.Time          `json:"created_at"`
	Subnets   map[string]*Subnet `json:"subnets"`
	Peerings  []Peering          `json:"peerings"`
}

// SortedSubnets returns the subnets of nw ordered by creation time, then name.
func (nw *Network) SortedSubnets() []*Subnet {
	subs := make([]*Subnet, 0, len(nw.Subnets))
	for _, s := range nw.Subnets {
		subs = append(subs, s)
	}
	sort.Slice(subs, func(i, j int) bool {
		if !subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].CreatedAt.Before(subs[j].CreatedAt)
		}
		return subs[i].Name < subs[j].Name
	})
	return subs
}

// Peering returns the peering record towards peer, if any.
func (nw *Network) Peering(peer string) (Peering, bool) {
	for _, p := range nw.Peerings {
		if p.PeerNetwork == peer {
			return p, true
		}
	}
	return Peering{}, false
}

// Subnet is an address range of a network realised as a network namespace
// attached to the network bridge.
type Subnet struct {
	Name          string       `json:"name"`
	CIDR          netip.Prefix `json:"cidr"`
	Type          SubnetType   `json:"type"`
	Namespace     string       `json:"namespace"`
	HostVeth      string       `json:"host_veth"`
	NamespaceVeth string       `json:"namespace_veth"`
	Address       netip.Addr   `json:"address"`        // Address is assigned to NamespaceVeth
	BridgeAddress netip.Addr   `json:"bridge_address"` // BridgeAddress is the subnet default gateway, held by the bridge
	Egress        string       `json:"egress,omitempty"`
	NAT           *NATRule     `json:"nat,omitempty"`
	Policy        *Policy      `json:"policy,omitempty"`
	Probe         *Probe       `json:"probe,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

// NATRule records the masquerade rule installed for a public subnet.
type NATRule struct {
	Source netip.Prefix `json:"source"`
	Egress string       `json:"egress"`
}

// Peering is one side of a symmetric network peering.
type Peering struct {
	PeerNetwork string    `json:"peer_network"`
	LocalVeth   string    `json:"local_veth"`
	RemoteVeth  string    `json:"remote_veth"`
	CreatedAt   time.Time `json:"created_at"`
}

// Probe is the metadata of a status responder started inside a subnet. The
// process is not supervised; the record may outlive it.
type Probe struct {
	Type      string    `json:"type"`
	Port      int       `json:"port"`
	PID       int       `json:"pid"`
	Dir       string    `json:"dir"`
	StartedAt time.Time `json:"started_at"`
}
