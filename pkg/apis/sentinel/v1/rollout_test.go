package v1

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTargetSelectorValidate(t *testing.T) {
	cases := []struct {
		name    string
		sel     TargetSelector
		wantErr bool
	}{
		{"all", TargetSelector{Kind: TargetAll}, false},
		{"all with labels", TargetSelector{Kind: TargetAll, Labels: map[string]string{"a": "b"}}, true},
		{"labels", TargetSelector{Kind: TargetLabels, Labels: map[string]string{"region": "eu"}}, false},
		{"labels empty", TargetSelector{Kind: TargetLabels}, true},
		{"labels plus nodes", TargetSelector{Kind: TargetLabels, Labels: map[string]string{"a": "b"}, NodeIDs: []string{"n"}}, true},
		{"groups", TargetSelector{Kind: TargetGroups, GroupIDs: []string{"g1"}}, false},
		{"groups empty", TargetSelector{Kind: TargetGroups}, true},
		{"nodes", TargetSelector{Kind: TargetNodes, NodeIDs: []string{"n1", "n2"}}, false},
		{"nodes empty", TargetSelector{Kind: TargetNodes}, true},
		{"unknown kind", TargetSelector{Kind: "cluster"}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.sel.Validate()
			if c.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestHealthGatesRejectUnknownKeys(t *testing.T) {
	var g HealthGates
	err := json.Unmarshal([]byte(`{"heartbeat_healthy":true,"max_error_rate":0.05}`), &g)
	require.NoError(t, err)
	assert.True(t, g.HeartbeatHealthy)
	require.NotNil(t, g.MaxErrorRate)
	assert.Equal(t, 0.05, *g.MaxErrorRate)

	err = json.Unmarshal([]byte(`{"max_eror_rate":0.05}`), &g)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_eror_rate")
}

func TestNodeBundleStateRankIsMonotonic(t *testing.T) {
	order := []NodeBundleState{NodeBundlePending, NodeBundleStaging, NodeBundleActivating, NodeBundleActive}
	for i := 1; i < len(order); i++ {
		assert.Greater(t, NodeBundleStateRank[order[i]], NodeBundleStateRank[order[i-1]])
	}
	// The two terminal states cannot replace one another.
	assert.Equal(t, NodeBundleStateRank[NodeBundleActive], NodeBundleStateRank[NodeBundleFailed])
}

func TestRolloutStateTerminal(t *testing.T) {
	for _, s := range []RolloutState{RolloutCompleted, RolloutFailed, RolloutCancelled} {
		assert.True(t, s.Terminal(), string(s))
	}
	for _, s := range []RolloutState{RolloutPending, RolloutRunning, RolloutPaused} {
		assert.False(t, s.Terminal(), string(s))
	}
}

func TestBundleStatusHelpers(t *testing.T) {
	assert.True(t, BundleCompiled.Distributable())
	assert.True(t, BundleSuperseded.Distributable())
	assert.False(t, BundleRevoked.Distributable())
	assert.False(t, BundlePending.Distributable())

	assert.True(t, BundlePending.Deletable())
	assert.True(t, BundleFailed.Deletable())
	assert.False(t, BundleCompiled.Deletable())
}
