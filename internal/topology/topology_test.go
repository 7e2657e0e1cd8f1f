package topology

import (
	"encoding/json"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNaming(t *testing.T) {
	assert.Equal(t, "br-prod", BridgeName("prod"))
	assert.Equal(t, "ns-prod-web", NamespaceName("prod", "web"))
	assert.Equal(t, "veth-web", HostVethName("web"))
	assert.Equal(t, "veth-web-ns", NamespaceVethName("web"))
	a, b := PeerVethNames("prod", "dev")
	assert.Equal(t, "peer-prod-dev", a)
	assert.Equal(t, "peer-dev-prod", b)

	assert.NoError(t, ValidateIfNames("veth-web-ns", "br-production1"))
	err := ValidateIfNames("veth-frontend-ns")
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestValidateName(t *testing.T) {
	for _, ok := range []string{"a", "prod", "web_1", "0net"} {
		assert.NoError(t, ValidateName("network", ok), ok)
	}
	for _, bad := range []string{"", "Prod", "a-b", "_x", "a b", "a/b"} {
		assert.True(t, errdefs.IsInvalidArgument(ValidateName("network", bad)), bad)
	}
}

func TestParseSubnetType(t *testing.T) {
	typ, err := ParseSubnetType("public")
	require.NoError(t, err)
	assert.Equal(t, SubnetPublic, typ)

	_, err = ParseSubnetType("dmz")
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestStateJSON(t *testing.T) {
	st := NewState()
	st.Networks["n"] = &Network{
		Name:      "n",
		CIDR:      netip.MustParsePrefix("10.0.0.0/16"),
		Bridge:    "br-n",
		Gateway:   netip.MustParseAddr("10.0.0.1"),
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Subnets: map[string]*Subnet{
			"s": {
				Name:    "s",
				CIDR:    netip.MustParsePrefix("10.0.1.0/24"),
				Type:    SubnetPublic,
				Address: netip.MustParseAddr("10.0.1.2"),
				NAT:     &NATRule{Source: netip.MustParsePrefix("10.0.1.0/24"), Egress: "eth0"},
			},
		},
	}

	b, err := json.Marshal(st)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"cidr":"10.0.0.0/16"`)
	assert.Contains(t, string(b), `"gateway":"10.0.0.1"`)
	assert.NotContains(t, string(b), `"probe"`)

	var got State
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, st.Networks["n"].Subnets["s"].NAT, got.Networks["n"].Subnets["s"].NAT)
	assert.Equal(t, "10.0.1.2", got.Networks["n"].Subnets["s"].Address.String())
}

func TestSortedNetworks(t *testing.T) {
	t0 := time.Now()
	st := NewState()
	st.Networks["b"] = &Network{Name: "b", CreatedAt: t0}
	st.Networks["a"] = &Network{Name: "a", CreatedAt: t0}
	st.Networks["c"] = &Network{Name: "c", CreatedAt: t0.Add(-time.Minute)}

	var names []string
	for _, nw := range st.SortedNetworks() {
		names = append(names, nw.Name)
	}
	assert.Equal(t, []string{"c", "a", "b"}, names)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy(strings.NewReader(`{
		"subnet": "10.0.1.0/24",
		"rules": [
			{"port": 80, "protocol": "TCP", "action": "allow"},
			{"port": 53, "protocol": "udp", "action": "deny"},
			{"port": 22, "protocol": "tcp", "action": "reject"}
		]
	}`))
	require.NoError(t, err)
	require.Len(t, p.Rules, 3)
	assert.Equal(t, "80/tcp", p.Rules[0].Key())
	assert.Equal(t, VerdictAccept, p.Rules[0].Verdict())
	assert.Equal(t, VerdictDrop, p.Rules[1].Verdict())
	assert.Equal(t, VerdictDrop, p.Rules[2].Verdict(), "unknown actions drop")

	for _, doc := range []string{
		`{"rules":[{"port":0,"protocol":"tcp","action":"allow"}]}`,
		`{"rules":[{"port":70000,"protocol":"tcp","action":"allow"}]}`,
		`{"rules":[{"port":80,"protocol":"icmp","action":"allow"}]}`,
		`{"rules":[{"port":80,"protocol":"tcp","action":"allow","extra":1}]}`,
		`not json`,
	} {
		_, err := ParsePolicy(strings.NewReader(doc))
		assert.True(t, errdefs.IsInvalidArgument(err), doc)
	}
}

func TestDedup(t *testing.T) {
	rules := []Rule{
		{Port: 80, Protocol: "tcp", Action: "allow"},
		{Port: 80, Protocol: "udp", Action: "allow"},
		{Port: 80, Protocol: "tcp", Action: "deny"},
	}
	kept, dropped := Dedup(rules)
	assert.Equal(t, rules[:2], kept)
	assert.Equal(t, []Rule{rules[2]}, dropped)

	kept, dropped = Dedup(rules[:2])
	assert.Len(t, kept, 2)
	assert.Nil(t, dropped)
}

func TestDiffRules(t *testing.T) {
	http := Rule{Port: 80, Protocol: "tcp", Action: "allow"}
	ssh := Rule{Port: 22, Protocol: "tcp", Action: "allow"}
	sshDeny := Rule{Port: 22, Protocol: "tcp", Action: "deny"}
	dns := Rule{Port: 53, Protocol: "udp", Action: "allow"}

	d := DiffRules(nil, []Rule{http, ssh})
	assert.Equal(t, []Rule{http, ssh}, d.Added)
	assert.Empty(t, d.Removed)

	d = DiffRules([]Rule{http, ssh}, []Rule{http, ssh})
	assert.True(t, d.Empty())
	assert.Equal(t, []Rule{http, ssh}, d.Unchanged)

	d = DiffRules([]Rule{http, ssh}, []Rule{sshDeny, dns})
	assert.Equal(t, []Rule{http, ssh}, d.Removed)
	assert.Equal(t, []Rule{sshDeny, dns}, d.Added)
	assert.Empty(t, d.Unchanged)
}
