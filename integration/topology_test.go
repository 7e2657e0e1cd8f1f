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

package integration

import (
	"context"
	"strings"
	"testing"

	"github.com/coreos/go-iptables/iptables"
	"github.com/vishvananda/netlink"

	"github.com/dmcgowan/vpcbox/internal/driver"
	"github.com/dmcgowan/vpcbox/internal/orchestrator"
	"github.com/dmcgowan/vpcbox/internal/topology"
)

func mustSucceed(t *testing.T, out *orchestrator.Outcome, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != orchestrator.StatusSucceeded {
		t.Fatalf("unexpected status %s: %v", out.Status, out.Failures)
	}
}

func TestTopology(t *testing.T) {
	runWithOrchestrator(t, func(t *testing.T, ctx context.Context, d driver.Driver, o *orchestrator.Orchestrator) {
		out, err := o.CreateNetwork(ctx, "ita", "10.213.0.0/16")
		mustSucceed(t, out, err)
		out, err = o.CreateNetwork(ctx, "itb", "10.214.0.0/16")
		mustSucceed(t, out, err)

		out, err = o.AddSubnet(ctx, "ita", "itweb", "10.213.1.0/24", "public")
		mustSucceed(t, out, err)
		out, err = o.AddSubnet(ctx, "itb", "itdb", "10.214.1.0/24", "private")
		mustSucceed(t, out, err)

		br, err := netlink.LinkByName("br-ita")
		if err != nil {
			t.Fatal("bridge missing:", err)
		}
		veth, err := netlink.LinkByName("veth-itweb")
		if err != nil {
			t.Fatal("host veth missing:", err)
		}
		if veth.Attrs().MasterIndex != br.Attrs().Index {
			t.Fatal("host veth is not attached to the bridge")
		}

		policy, err := topology.ParsePolicy(strings.NewReader(`{"rules":[{"port":80,"protocol":"tcp","action":"allow"}]}`))
		if err != nil {
			t.Fatal(err)
		}
		out, err = o.ApplyPolicy(ctx, "ita", "itweb", policy)
		mustSucceed(t, out, err)
		out, err = o.ApplyPolicy(ctx, "ita", "itweb", policy)
		mustSucceed(t, out, err)

		var rules []string
		err = d.InNamespace(ctx, "ns-ita-itweb", func() error {
			ipt, err := iptables.New()
			if err != nil {
				return err
			}
			rules, err = ipt.List("filter", "INPUT")
			return err
		})
		if err != nil {
			t.Fatal("Failed to list rules:", err)
		}
		var n int
		for _, r := range rules {
			if strings.Contains(r, "--dport 80") {
				n++
			}
		}
		if n != 1 {
			t.Fatalf("expected one rule for port 80, got %d: %v", n, rules)
		}

		out, err = o.Peer(ctx, "ita", "itb")
		mustSucceed(t, out, err)
		out, err = o.Unpeer(ctx, "ita", "itb")
		mustSucceed(t, out, err)
		if _, err := netlink.LinkByName("peer-ita-itb"); err == nil {
			t.Fatal("peer link survived unpeer")
		}

		out, err = o.DeleteNetwork(ctx, "ita")
		mustSucceed(t, out, err)
		if _, err := netlink.LinkByName("br-ita"); err == nil {
			t.Fatal("bridge survived network deletion")
		}
	})
}
