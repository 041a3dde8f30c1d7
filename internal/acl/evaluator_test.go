package acl

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEvaluator(t *testing.T, policy Permission, rules ...Rule) *Evaluator {
	t.Helper()
	e, err := NewEvaluator(Options{DefaultPolicy: policy, CacheSize: 128, CacheTTL: time.Minute}, rules)
	require.NoError(t, err)
	return e
}

func TestPriorityFirstMatchWins(t *testing.T) {
	e := newEvaluator(t, Deny,
		Rule{Topic: "#", Action: ActionBoth, Permission: Deny, Priority: 0},
		Rule{Topic: "sensors/+/data", Action: ActionBoth, Permission: Allow, Priority: 10},
	)
	assert.True(t, e.CheckPublish("dev1", nil, "sensors/room1/data"))
	assert.False(t, e.CheckPublish("dev1", nil, "other/topic"))
}

func TestEqualPriorityKeepsDeclarationOrder(t *testing.T) {
	e := newEvaluator(t, Allow,
		Rule{Topic: "a/#", Action: ActionPublish, Permission: Deny, Priority: 5},
		Rule{Topic: "a/b", Action: ActionPublish, Permission: Allow, Priority: 5},
	)
	assert.False(t, e.CheckPublish("c", nil, "a/b"))
	assert.Equal(t, Deny, e.Rules()[0].Permission)
}

func TestDefaultPolicy(t *testing.T) {
	assert.False(t, newEvaluator(t, Deny).CheckSubscribe("c", nil, "x"))
	assert.True(t, newEvaluator(t, Allow).CheckSubscribe("c", nil, "x"))

	_, err := NewEvaluator(Options{}, nil)
	assert.ErrorIs(t, err, ErrInvalidDefaultPolicy)
}

func TestClientAndUsernamePatterns(t *testing.T) {
	e := newEvaluator(t, Deny,
		Rule{ClientID: StringPtr("sensor_*"), Topic: "sensor/+/data", Action: ActionPublish, Permission: Allow, Priority: 10},
		Rule{Username: StringPtr("admin"), Topic: "#", Action: ActionBoth, Permission: Allow, Priority: 100},
	)
	assert.True(t, e.CheckPublish("sensor_001", nil, "sensor/room1/data"))
	assert.False(t, e.CheckPublish("sensor_001", nil, "sensor/room1/status"))
	assert.False(t, e.CheckPublish("pump_1", nil, "sensor/room1/data"))
	// 规则指定用户名时匿名客户端不匹配
	assert.False(t, e.CheckSubscribe("any", nil, "any/topic"))
	assert.True(t, e.CheckSubscribe("any", StringPtr("admin"), "any/topic"))
	assert.False(t, e.CheckSubscribe("sensor_001", nil, "sensor/room1/data"), "action must match")
}

func TestPlaceholders(t *testing.T) {
	e := newEvaluator(t, Deny,
		Rule{Topic: "devices/%c/#", Action: ActionBoth, Permission: Allow, Priority: 1},
		Rule{Topic: "users/%u/inbox", Action: ActionSubscribe, Permission: Allow, Priority: 1},
	)
	assert.True(t, e.CheckPublish("dev7", nil, "devices/dev7/state"))
	assert.False(t, e.CheckPublish("dev7", nil, "devices/dev8/state"))
	assert.True(t, e.CheckSubscribe("x", StringPtr("alice"), "users/alice/inbox"))
	assert.False(t, e.CheckSubscribe("x", nil, "users/alice/inbox"))
}

func TestCachePurgedOnRuleChange(t *testing.T) {
	e := newEvaluator(t, Deny)
	assert.False(t, e.CheckPublish("c", nil, "a"))
	require.NoError(t, e.AddRule(Rule{Topic: "a", Action: ActionPublish, Permission: Allow}))
	assert.True(t, e.CheckPublish("c", nil, "a"))
	require.NoError(t, e.SetRules(nil))
	assert.False(t, e.CheckPublish("c", nil, "a"))
}

func TestInvalidRuleRejected(t *testing.T) {
	_, err := NewEvaluator(Options{DefaultPolicy: Deny}, []Rule{{Topic: "a/#/b", Action: ActionPublish, Permission: Allow}})
	assert.ErrorIs(t, err, ErrInvalidRule)
	e := newEvaluator(t, Deny)
	assert.ErrorIs(t, e.AddRule(Rule{Topic: "a", Action: "write", Permission: Allow}), ErrInvalidRule)
}

func TestMatchesPattern(t *testing.T) {
	tests := []struct {
		pattern, value string
		expect bool
	}{
		{"*", "anything", true},
		{"sensor_*", "sensor_1", true},
		{"*_gw", "site_gw", true},
		{"a*z", "abcz", true},
		{"a*z", "az", true},
		{"ab*ba", "aba", false},
		{"exact", "exact", true},
		{"exact", "exactly", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expect, matchesPattern(tt.pattern, tt.value), "%s vs %s", tt.pattern, tt.value)
	}
}

func TestLoadRulesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - topic: "#"
    action: both
    permission: deny
    priority: 0
  - client_id: "sensor_*"
    topic: "sensors/%c/#"
    action: publish
    permission: allow
    priority: 10
`), 0644))

	rules, err := LoadRulesFile(path)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	require.NotNil(t, rules[1].ClientID)
	assert.Equal(t, "sensor_*", *rules[1].ClientID)
	assert.Nil(t, rules[0].ClientID)

	_, err = ParseRules([]byte("rules:\n  - topic: a\n    action: fly\n    permission: allow\n"))
	assert.ErrorIs(t, err, ErrInvalidRule)
}

func TestSubscribeFilterMatchedLiterally(t *testing.T) {
	e := newEvaluator(t, Allow, Rule{Topic: "secret/#", Action: ActionSubscribe, Permission: Deny})
	assert.False(t, e.CheckSubscribe("c", nil, "secret/#"))
	assert.False(t, e.CheckSubscribe("c", nil, "secret/+"))
	assert.True(t, e.CheckSubscribe("c", nil, "#"))
	assert.True(t, e.CheckSubscribe("c", nil, "+/x"))
}
