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
	"net/netip"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/dmcgowan/vpcbox/internal/driver"
	"github.com/dmcgowan/vpcbox/internal/sliceutil"
	"github.com/dmcgowan/vpcbox/internal/topology"
)

// ApplyPolicy makes the ingress rules of a subnet namespace match policy.
// Rules are keyed by port and protocol: rules no longer declared or whose
// action changed are removed, new rules are appended in declaration order
// and unchanged rules are left in place. Applying the same policy again
// changes nothing.
func (o *Orchestrator) ApplyPolicy(ctx context.Context, network, subnet string, policy *topology.Policy) (*Outcome, error) {
	ctx, out := o.begin(ctx, OpApplyPolicy, network+"/"+subnet)
	err := o.update(ctx, out, func(st *topology.State, undo *undoList) error {
		if policy == nil {
			return fmt.Errorf("no policy given: %w", errdefs.ErrInvalidArgument)
		}
		if err := policy.Validate(); err != nil {
			return err
		}
		_, sub, err := lookupSubnet(st, network, subnet)
		if err != nil {
			return err
		}
		if policy.Subnet != "" {
			target, err := netip.ParsePrefix(policy.Subnet)
			if err != nil || target != sub.CIDR {
				return fmt.Errorf("policy targets %q but subnet %s is %s: %w", policy.Subnet, subnet, sub.CIDR, errdefs.ErrInvalidArgument)
			}
		}

		kept, dups := topology.Dedup(policy.Rules)
		for _, r := range dups {
			log.G(ctx).WithField("rule", r.String()).Warn("ignoring duplicate rule, the first declaration wins")
		}
		var current []topology.Rule
		if sub.Policy != nil {
			current = sub.Policy.Rules
		}
		diff := topology.DiffRules(current, kept)
		diff.Duplicates = dups
		out.Diff = &diff

		if !diff.Empty() {
			out.mutated = true
		}
		for _, fr := range sliceutil.Map(diff.Removed, filterRule) {
			if err := o.driver.DeleteFilterRule(ctx, sub.Namespace, fr); err != nil {
				return fmt.Errorf("removing rule %s: %w", fr, err)
			}
			undo.add("restore rule", fr.String(), func(ctx context.Context) error {
				return o.driver.AppendFilterRule(ctx, sub.Namespace, fr)
			})
		}
		for _, fr := range sliceutil.Map(diff.Added, filterRule) {
			if err := o.driver.AppendFilterRule(ctx, sub.Namespace, fr); err != nil {
				return fmt.Errorf("appending rule %s: %w", fr, err)
			}
			undo.add("remove rule", fr.String(), func(ctx context.Context) error {
				return o.driver.DeleteFilterRule(ctx, sub.Namespace, fr)
			})
		}

		sub.Policy = &topology.Policy{
			Subnet:    sub.CIDR.String(),
			Rules:     kept,
			AppliedAt: o.now().UTC(),
		}
		return nil
	})
	return o.finish(ctx, out, err)
}

func filterRule(r topology.Rule) driver.FilterRule {
	return driver.FilterRule{
		Port:     r.Port,
		Protocol: r.Protocol,
		Verdict:  r.Verdict(),
	}
}
