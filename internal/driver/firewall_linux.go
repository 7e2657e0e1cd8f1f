//go:build linux

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

package driver

import (
	"context"
	"fmt"
	"net/netip"
	"strconv"
	"sync"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/coreos/go-iptables/iptables"
)

// ruleComment tags every rule installed by this package.
const ruleComment = "vpcbox"

type firewall struct {
	ns Namespaces

	once    sync.Once
	hostIPT *iptables.IPTables
	hostErr error
}

func (f *firewall) host() (*iptables.IPTables, error) {
	f.once.Do(func() {
		f.hostIPT, f.hostErr = iptables.New()
		if f.hostErr != nil {
			f.hostErr = fmt.Errorf("initializing iptables: %w", f.hostErr)
		}
	})
	return f.hostIPT, f.hostErr
}

func masqueradeSpec(src netip.Prefix, egress string) []string {
	return []string{"-s", src.String(), "-o", egress, "-m", "comment", "--comment", ruleComment, "-j", "MASQUERADE"}
}

func forwardSpecs(bridge, egress string) [][]string {
	return [][]string{
		{"-i", bridge, "-o", egress, "-m", "comment", "--comment", ruleComment, "-j", "ACCEPT"},
		{"-i", egress, "-o", bridge, "-m", "conntrack", "--ctstate", "RELATED,ESTABLISHED", "-m", "comment", "--comment", ruleComment, "-j", "ACCEPT"},
	}
}

func filterSpec(r FilterRule) []string {
	return []string{"-p", r.Protocol, "--dport", strconv.Itoa(r.Port), "-m", "comment", "--comment", ruleComment, "-j", r.Verdict}
}

func (f *firewall) AddMasquerade(ctx context.Context, src netip.Prefix, egress string) error {
	ipt, err := f.host()
	if err != nil {
		return err
	}
	spec := masqueradeSpec(src, egress)
	exists, err := ipt.Exists("nat", "POSTROUTING", spec...)
	if err != nil {
		return fmt.Errorf("checking masquerade %s via %s: %w", src, egress, err)
	}
	if exists {
		return fmt.Errorf("masquerade %s via %s: %w", src, egress, ErrResourceExists)
	}
	if err := ipt.Append("nat", "POSTROUTING", spec...); err != nil {
		return fmt.Errorf("iptables masquerade %s via %s: %w", src, egress, err)
	}
	log.G(ctx).WithFields(log.Fields{"source": src.String(), "egress": egress}).Debug("added masquerade")
	return nil
}

func (f *firewall) DeleteMasquerade(ctx context.Context, src netip.Prefix, egress string) error {
	ipt, err := f.host()
	if err != nil {
		return err
	}
	if err := ipt.DeleteIfExists("nat", "POSTROUTING", masqueradeSpec(src, egress)...); err != nil {
		return fmt.Errorf("deleting masquerade %s via %s: %w", src, egress, err)
	}
	return nil
}

// AddForwardAccept is shared by every public subnet of a bridge, so it
// ensures the rules rather than failing when they exist.
func (f *firewall) AddForwardAccept(ctx context.Context, bridge, egress string) error {
	ipt, err := f.host()
	if err != nil {
		return err
	}
	for _, spec := range forwardSpecs(bridge, egress) {
		if err := ipt.AppendUnique("filter", "FORWARD", spec...); err != nil {
			return fmt.Errorf("iptables forward %s<->%s: %w", bridge, egress, err)
		}
	}
	return nil
}

func (f *firewall) DeleteForwardAccept(ctx context.Context, bridge, egress string) error {
	ipt, err := f.host()
	if err != nil {
		return err
	}
	for _, spec := range forwardSpecs(bridge, egress) {
		if err := ipt.DeleteIfExists("filter", "FORWARD", spec...); err != nil {
			return fmt.Errorf("deleting forward %s<->%s: %w", bridge, egress, err)
		}
	}
	return nil
}

func (f *firewall) AppendFilterRule(ctx context.Context, namespace string, rule FilterRule) error {
	return f.ns.InNamespace(ctx, namespace, func() error {
		// The iptables binary inherits the namespace of this thread.
		ipt, err := iptables.New()
		if err != nil {
			return fmt.Errorf("initializing iptables in %s: %w", namespace, err)
		}
		if err := ipt.Append("filter", "INPUT", filterSpec(rule)...); err != nil {
			return fmt.Errorf("appending %s in %s: %w", rule, namespace, err)
		}
		return nil
	})
}

func (f *firewall) DeleteFilterRule(ctx context.Context, namespace string, rule FilterRule) error {
	err := f.ns.InNamespace(ctx, namespace, func() error {
		ipt, err := iptables.New()
		if err != nil {
			return fmt.Errorf("initializing iptables in %s: %w", namespace, err)
		}
		if err := ipt.DeleteIfExists("filter", "INPUT", filterSpec(rule)...); err != nil {
			return fmt.Errorf("deleting %s in %s: %w", rule, namespace, err)
		}
		return nil
	})
	// Rules go away with their namespace.
	if errdefs.IsNotFound(err) {
		return nil
	}
	return err
}
