package sliceutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilter(t *testing.T) {
	slice := []string{"br-a", "peer-a-b", "veth-s", "peer-b-a"}
	filtered := Filter(slice, func(v string) bool {
		return strings.HasPrefix(v, "peer-")
	})
	assert.Equal(t, []string{"peer-a-b", "peer-b-a"}, filtered)
	assert.Nil(t, Filter(slice, func(string) bool { return false }))
}

func TestMap(t *testing.T) {
	slice := []string{"a", "b"}
	mapped := Map(slice, func(v string) string {
		return "br-" + v
	})
	assert.Equal(t, []string{"br-a", "br-b"}, mapped)
}

func TestUniqueFunc(t *testing.T) {
	type rule struct {
		port   int
		action string
	}
	rules := []rule{{80, "allow"}, {22, "deny"}, {80, "deny"}, {443, "allow"}}
	unique := UniqueFunc(rules, func(r rule) int { return r.port })
	assert.Equal(t, []rule{{80, "allow"}, {22, "deny"}, {443, "allow"}}, unique)
	assert.Empty(t, UniqueFunc([]rule(nil), func(r rule) int { return r.port }))
}
