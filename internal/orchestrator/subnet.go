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
	"fmt"
	"os"

	"github.com/containerd/errdefs"

	"github.com/dmcgowan/vpcbox/internal/cidr"
	"github.com/dmcgowan/vpcbox/internal/driver"
	"github.com/dmcgowan/vpcbox/internal/topology"
)

// AddSubnet creates a namespace for a subnet, wires it to the network bridge
// and, for public subnets, masquerades it behind the egress interface.
func (o *Orchestrator) AddSubnet(ctx context.Context, network, name, block, typ string) (*Outcome, error) {
	ctx, out := o.begin(ctx, OpAddSubnet, network+"/"+name)
	err := o.update(ctx, out, func(st *topology.State, undo *undoList) error {
		if err := topology.ValidateName("subnet", name); err != nil {
			return err
		}
		stype, err := topology.ParseSubnetType(typ)
		if err != nil {
			return err
		}
		prefix, err := cidr.Validate(block)
		if err != nil {
			return err
		}
		nw, err := lookupNetwork(st, network)
		if err != nil {
			return err
		}
		if _, ok := nw.Subnets[name]; ok {
			return fmt.Errorf("subnet %q in network %q: %w", name, network, ErrSubnetExists)
		}
		if err := cidr.CheckContainment(prefix, nw.CIDR); err != nil {
			return err
		}
		for _, sib := range nw.SortedSubnets() {
			if err := cidr.CheckOverlap(prefix, sib.CIDR); err != nil {
				return fmt.Errorf("subnet %q: %w", sib.Name, err)
			}
		}

		sub := &topology.Subnet{
			Name:          name,
			CIDR:          prefix,
			Type:          stype,
			Namespace:     topology.NamespaceName(network, name),
			HostVeth:      topology.HostVethName(name),
			NamespaceVeth: topology.NamespaceVethName(name),
		}
		if err := topology.ValidateIfNames(sub.HostVeth, sub.NamespaceVeth); err != nil {
			return err
		}
		if err := checkVethUnused(st, sub.HostVeth); err != nil {
			return err
		}
		addr, err := cidr.HostPrefix(prefix, 2)
		if err != nil {
			return err
		}
		bridgeAddr, err := cidr.HostPrefix(prefix, 1)
		if err != nil {
			return err
		}
		sub.Address = addr.Addr()
		sub.BridgeAddress = bridgeAddr.Addr()
		if stype == topology.SubnetPublic {
			if sub.Egress, err = o.egressInterface(ctx); err != nil {
				return err
			}
		}

		out.mutated = true
		if err := o.driver.CreateNamespace(ctx, sub.Namespace); err != nil {
			return fmt.Errorf("creating namespace %s: %w", sub.Namespace, err)
		}
		undo.add("delete namespace", sub.Namespace, func(ctx context.Context) error {
			return o.driver.DeleteNamespace(ctx, sub.Namespace)
		})
		if err := o.driver.CreateVethPair(ctx, sub.HostVeth, sub.NamespaceVeth); err != nil {
			return fmt.Errorf("creating veth pair %s: %w", sub.HostVeth, err)
		}
		undo.add("delete link", sub.HostVeth, func(ctx context.Context) error {
			return o.driver.DeleteLink(ctx, sub.HostVeth)
		})
		if err := o.driver.AttachToBridge(ctx, sub.HostVeth, nw.Bridge); err != nil {
			return fmt.Errorf("attaching %s to %s: %w", sub.HostVeth, nw.Bridge, err)
		}
		if err := o.driver.MoveToNamespace(ctx, sub.NamespaceVeth, sub.Namespace); err != nil {
			return fmt.Errorf("moving %s to %s: %w", sub.NamespaceVeth, sub.Namespace, err)
		}
		if err := o.driver.AssignAddress(ctx, sub.Namespace, sub.NamespaceVeth, addr); err != nil {
			return fmt.Errorf("assigning %s to %s: %w", addr, sub.NamespaceVeth, err)
		}
		if err := o.driver.AssignAddress(ctx, driver.HostNamespace, nw.Bridge, bridgeAddr); err != nil {
			return fmt.Errorf("assigning %s to %s: %w", bridgeAddr, nw.Bridge, err)
		}
		undo.add("remove address", bridgeAddr.String(), func(ctx context.Context) error {
			return o.driver.RemoveAddress(ctx, driver.HostNamespace, nw.Bridge, bridgeAddr)
		})
		def := driver.Route{Gateway: sub.BridgeAddress, Device: sub.NamespaceVeth}
		if err := o.driver.AddRoute(ctx, sub.Namespace, def); err != nil {
			return fmt.Errorf("adding default route in %s: %w", sub.Namespace, err)
		}

		if stype == topology.SubnetPublic {
			if err := o.driver.AddMasquerade(ctx, prefix, sub.Egress); err != nil {
				return fmt.Errorf("adding masquerade for %s: %w", prefix, err)
			}
			undo.add("delete masquerade", prefix.String(), func(ctx context.Context) error {
				return o.driver.DeleteMasquerade(ctx, prefix, sub.Egress)
			})
			if err := o.driver.AddForwardAccept(ctx, nw.Bridge, sub.Egress); err != nil {
				return fmt.Errorf("accepting forwarding from %s: %w", nw.Bridge, err)
			}
			if !egressInUse(nw, sub.Egress, "") {
				undo.add("delete forward rules", nw.Bridge, func(ctx context.Context) error {
					return o.driver.DeleteForwardAccept(ctx, nw.Bridge, sub.Egress)
				})
			}
			sub.NAT = &topology.NATRule{Source: prefix, Egress: sub.Egress}
		}

		sub.CreatedAt = o.now().UTC()
		nw.Subnets[name] = sub
		return nil
	})
	return o.finish(ctx, out, err)
}

// DeleteSubnet stops the probe of a subnet, removes its NAT rules, namespace
// and veth pair, and removes the record even when steps fail.
func (o *Orchestrator) DeleteSubnet(ctx context.Context, network, name string) (*Outcome, error) {
	ctx, out := o.begin(ctx, OpDeleteSubnet, network+"/"+name)
	err := o.update(ctx, out, func(st *topology.State, _ *undoList) error {
		nw, sub, err := lookupSubnet(st, network, name)
		if err != nil {
			return err
		}
		out.mutated = true
		o.teardownSubnet(ctx, out, nw, sub)
		return nil
	})
	return o.finish(ctx, out, err)
}

func (o *Orchestrator) teardownSubnet(ctx context.Context, out *Outcome, nw *topology.Network, sub *topology.Subnet) {
	if p := sub.Probe; p != nil {
		if o.launcher != nil {
			o.bestEffort(ctx, out, "stop probe", fmt.Sprintf("pid %d", p.PID), func() error {
				return o.launcher.Stop(ctx, p.PID)
			})
		}
		if p.Dir != "" {
			o.bestEffort(ctx, out, "remove probe payload", p.Dir, func() error {
				return os.RemoveAll(p.Dir)
			})
		}
	}
	if nat := sub.NAT; nat != nil {
		o.bestEffort(ctx, out, "delete masquerade", nat.Source.String(), func() error {
			return o.driver.DeleteMasquerade(ctx, nat.Source, nat.Egress)
		})
		if !egressInUse(nw, nat.Egress, sub.Name) {
			o.bestEffort(ctx, out, "delete forward rules", nw.Bridge, func() error {
				return o.driver.DeleteForwardAccept(ctx, nw.Bridge, nat.Egress)
			})
		}
	}
	o.bestEffort(ctx, out, "delete namespace", sub.Namespace, func() error {
		return o.driver.DeleteNamespace(ctx, sub.Namespace)
	})
	o.bestEffort(ctx, out, "delete link", sub.HostVeth, func() error {
		return o.driver.DeleteLink(ctx, sub.HostVeth)
	})
	if sub.BridgeAddress.IsValid() {
		addr := subnetPrefix(sub.BridgeAddress, sub)
		o.bestEffort(ctx, out, "remove address", addr.String(), func() error {
			return o.driver.RemoveAddress(ctx, driver.HostNamespace, nw.Bridge, addr)
		})
	}
	delete(nw.Subnets, sub.Name)
}

func (o *Orchestrator) egressInterface(ctx context.Context) (string, error) {
	if o.egress != "" {
		return o.egress, nil
	}
	name, err := o.driver.DefaultEgressInterface(ctx)
	if err != nil {
		return "", fmt.Errorf("discovering egress interface: %w", err)
	}
	return name, nil
}

// egressInUse reports whether a public subnet other than skip already relies
// on the forward rules between the network bridge and egress.
func egressInUse(nw *topology.Network, egress, skip string) bool {
	for _, s := range nw.Subnets {
		if s.Name != skip && s.NAT != nil && s.NAT.Egress == egress {
			return true
		}
	}
	return false
}

// checkVethUnused rejects host veth names already claimed by a subnet of any
// network, since interface names share the host namespace.
func checkVethUnused(st *topology.State, name string) error {
	for _, nw := range st.Networks {
		for _, s := range nw.Subnets {
			if s.HostVeth == name {
				return fmt.Errorf("interface %s is used by subnet %s/%s: %w", name, nw.Name, s.Name, errdefs.ErrConflict)
			}
		}
	}
	return nil
}
