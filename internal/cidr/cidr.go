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

// Package cidr implements the address arithmetic used to lay out networks and
// subnets: validation, containment, overlap and deterministic host addresses.
package cidr

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/containerd/errdefs"
)

// MaxPrefixLen is the longest prefix accepted for a network or subnet. Anything
// longer has fewer than two usable host addresses.
const MaxPrefixLen = 30

var (
	ErrInvalidAddressFormat = fmt.Errorf("invalid address format: %w", errdefs.ErrInvalidArgument)
	ErrAddressContainment   = fmt.Errorf("address containment violation: %w", errdefs.ErrInvalidArgument)
	ErrAddressOverlap       = fmt.Errorf("address overlap violation: %w", errdefs.ErrConflict)
	ErrAddressExhausted     = fmt.Errorf("address out of range: %w", errdefs.ErrOutOfRange)
)

// Validate parses s as an IPv4 prefix in canonical form.
func Validate(s string) (netip.Prefix, error) {
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("%q: %w", s, errors.Join(ErrInvalidAddressFormat, err))
	}
	if !p.Addr().Is4() {
		return netip.Prefix{}, fmt.Errorf("%q is not an IPv4 prefix: %w", s, ErrInvalidAddressFormat)
	}
	if p.Masked() != p {
		return netip.Prefix{}, fmt.Errorf("%q has host bits set, expected %s: %w", s, p.Masked(), ErrInvalidAddressFormat)
	}
	if p.Bits() > MaxPrefixLen {
		return netip.Prefix{}, fmt.Errorf("%q is longer than /%d: %w", s, MaxPrefixLen, ErrInvalidAddressFormat)
	}
	return p, nil
}

// IsSubsetOf reports whether inner is a proper subset of outer.
func IsSubsetOf(inner, outer netip.Prefix) bool {
	return inner.Bits() > outer.Bits() && outer.Contains(inner.Addr())
}

// Overlaps reports whether a and b share any address.
func Overlaps(a, b netip.Prefix) bool {
	return a.Overlaps(b)
}

// CheckContainment returns ErrAddressContainment unless inner is a proper
// subset of outer.
func CheckContainment(inner, outer netip.Prefix) error {
	if !IsSubsetOf(inner, outer) {
		return fmt.Errorf("%s is not a proper subset of %s: %w", inner, outer, ErrAddressContainment)
	}
	return nil
}

// CheckOverlap returns ErrAddressOverlap if a and b intersect.
func CheckOverlap(a, b netip.Prefix) error {
	if Overlaps(a, b) {
		return fmt.Errorf("%s overlaps %s: %w", a, b, ErrAddressOverlap)
	}
	return nil
}

// Gateway returns the first usable address of p.
func Gateway(p netip.Prefix) netip.Addr {
	return p.Masked().Addr().Next()
}

// Host returns the index-th usable address of p, counting from 1. Host(p, 1)
// is the gateway. The network and broadcast addresses are never returned.
func Host(p netip.Prefix, index int) (netip.Addr, error) {
	if index < 1 {
		return netip.Addr{}, fmt.Errorf("host index %d: %w", index, ErrAddressExhausted)
	}
	hostBits := p.Addr().BitLen() - p.Bits()
	if hostBits < 2 || (hostBits < 63 && uint64(index) > (uint64(1)<<hostBits)-2) {
		return netip.Addr{}, fmt.Errorf("host index %d in %s: %w", index, p, ErrAddressExhausted)
	}

	a := p.Masked().Addr().As4()
	v := uint32(a[0])<<24 | uint32(a[1])<<16 | uint32(a[2])<<8 | uint32(a[3])
	v += uint32(index)
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}), nil
}

// HostPrefix returns Host(p, index) with the prefix length of p, which is the
// form assigned to an interface.
func HostPrefix(p netip.Prefix, index int) (netip.Prefix, error) {
	a, err := Host(p, index)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(a, p.Bits()), nil
}
