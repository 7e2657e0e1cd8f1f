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

package topology

import (
	"fmt"
	"regexp"

	"github.com/containerd/errdefs"
	"golang.org/x/sys/unix"
)

var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_]*$`)

// ValidateName checks a network or subnet name. Dashes are reserved as the
// separator of composed resource names.
func ValidateName(kind, name string) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("%s name %q must match %s: %w", kind, name, nameRe, errdefs.ErrInvalidArgument)
	}
	return nil
}

// BridgeName returns the bridge of a network.
func BridgeName(network string) string {
	return "br-" + network
}

// NamespaceName returns the network namespace of a subnet.
func NamespaceName(network, subnet string) string {
	return "ns-" + network + "-" + subnet
}

// HostVethName returns the host side endpoint of a subnet veth pair.
func HostVethName(subnet string) string {
	return "veth-" + subnet
}

// NamespaceVethName returns the namespace side endpoint of a subnet veth pair.
func NamespaceVethName(subnet string) string {
	return "veth-" + subnet + "-ns"
}

// PeerVethNames returns the endpoints of the veth pair connecting a and b; the
// first one is attached to the bridge of a.
func PeerVethNames(a, b string) (string, string) {
	return "peer-" + a + "-" + b, "peer-" + b + "-" + a
}

// ValidateIfNames returns an error if any of names does not fit the kernel
// interface name limit.
func ValidateIfNames(names ...string) error {
	for _, n := range names {
		if len(n) >= unix.IFNAMSIZ {
			return fmt.Errorf("interface name %q has more than %d characters: %w",
				n, unix.IFNAMSIZ-1, errdefs.ErrInvalidArgument)
		}
	}
	return nil
}
