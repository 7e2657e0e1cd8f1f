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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/errdefs"

	"github.com/dmcgowan/vpcbox/internal/sliceutil"
)

const (
	ProtocolTCP = "tcp"
	ProtocolUDP = "udp"

	ActionAllow = "allow"
	ActionDeny  = "deny"

	VerdictAccept = "ACCEPT"
	VerdictDrop   = "DROP"
)

// Rule is one ingress rule. Rules are identified by port and protocol.
type Rule struct {
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	Action   string `json:"action"`
}

// Key identifies the rule within a policy.
func (r Rule) Key() string {
	return strconv.Itoa(r.Port) + "/" + r.Protocol
}

// Verdict maps the rule action to a packet filter target. Anything other than
// allow drops.
func (r Rule) Verdict() string {
	if r.Action == ActionAllow {
		return VerdictAccept
	}
	return VerdictDrop
}

func (r Rule) String() string {
	return r.Key() + " " + r.Action
}

// Policy is an ordered ingress rule list for one subnet.
type Policy struct {
	Subnet    string    `json:"subnet,omitempty"`
	Rules     []Rule    `json:"rules"`
	AppliedAt time.Time `json:"applied_at,omitzero"`
}

// LoadPolicy reads a policy document from path.
func LoadPolicy(path string) (*Policy, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	p, err := ParsePolicy(f)
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", path, err)
	}
	return p, nil
}

// ParsePolicy decodes and validates a policy document.
func ParsePolicy(r io.Reader) (*Policy, error) {
	var p Policy
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decoding policy: %v: %w", err, errdefs.ErrInvalidArgument)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate normalizes protocol and action case and checks every rule.
func (p *Policy) Validate() error {
	for i := range p.Rules {
		r := &p.Rules[i]
		r.Protocol = strings.ToLower(strings.TrimSpace(r.Protocol))
		r.Action = strings.ToLower(strings.TrimSpace(r.Action))
		if r.Port < 1 || r.Port > 65535 {
			return fmt.Errorf("rule %d: port %d out of range: %w", i, r.Port, errdefs.ErrInvalidArgument)
		}
		if r.Protocol != ProtocolTCP && r.Protocol != ProtocolUDP {
			return fmt.Errorf("rule %d: protocol %q must be %q or %q: %w", i, r.Protocol, ProtocolTCP, ProtocolUDP, errdefs.ErrInvalidArgument)
		}
	}
	return nil
}

// Dedup returns the rules with repeated keys removed, keeping the first
// declaration since the kernel evaluates rules in first-match order. The
// dropped rules are returned separately.
func Dedup(rules []Rule) (kept, dropped []Rule) {
	kept = sliceutil.UniqueFunc(rules, Rule.Key)
	if len(kept) == len(rules) {
		return kept, nil
	}
	seen := map[string]int{}
	for _, r := range rules {
		seen[r.Key()]++
		if seen[r.Key()] > 1 {
			dropped = append(dropped, r)
		}
	}
	return kept, dropped
}

// PolicyDiff is the set of changes needed to move a namespace from one
// declared rule set to another.
type PolicyDiff struct {
	Added      []Rule `json:"added,omitempty"`
	Removed    []Rule `json:"removed,omitempty"`
	Unchanged  []Rule `json:"unchanged,omitempty"`
	Duplicates []Rule `json:"duplicates,omitempty"`
}

// Empty reports whether the diff requires no changes.
func (d PolicyDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// DiffRules computes the changes from current to desired. Both lists must
// already be free of duplicate keys. A rule whose action changed appears in
// both Removed and Added. Added keeps the order of desired.
func DiffRules(current, desired []Rule) PolicyDiff {
	var d PolicyDiff
	want := make(map[string]Rule, len(desired))
	for _, r := range desired {
		want[r.Key()] = r
	}
	have := make(map[string]Rule, len(current))
	for _, r := range current {
		have[r.Key()] = r
		if w, ok := want[r.Key()]; !ok || w.Verdict() != r.Verdict() {
			d.Removed = append(d.Removed, r)
		}
	}
	for _, r := range desired {
		if h, ok := have[r.Key()]; ok && h.Verdict() == r.Verdict() {
			d.Unchanged = append(d.Unchanged, r)
			continue
		}
		d.Added = append(d.Added, r)
	}
	return d
}
