package bolt

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelproxy/sentinel-cp/internal/store"
	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sentinel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func ts(sec int) time.Time {
	return time.Date(2024, 5, 1, 12, 0, sec, 0, time.UTC)
}

func TestBundleCompileClaim(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	b := &v1.Bundle{ID: "b1", ProjectID: "p1", Version: "1.0.0", Status: v1.BundlePending, CreatedAt: ts(0)}
	require.NoError(t, s.CreateBundle(ctx, b))

	dup := &v1.Bundle{ID: "b2", ProjectID: "p1", Version: "1.0.0", Status: v1.BundlePending}
	assert.ErrorIs(t, s.CreateBundle(ctx, dup), store.ErrConflict)

	claimed, err := s.ClaimBundleForCompile(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, v1.BundleCompiling, claimed.Status)

	// A duplicate compile job finds the bundle already claimed.
	_, err = s.ClaimBundleForCompile(ctx, "b1")
	assert.ErrorIs(t, err, store.ErrConflict)

	claimed.Status = v1.BundleCompiled
	claimed.Checksum = "abc"
	require.NoError(t, s.FinishCompile(ctx, claimed))

	got, err := s.GetBundle(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, v1.BundleCompiled, got.Status)
	assert.Equal(t, "abc", got.Checksum)
}

func TestSupersedeOthers(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i, id := range []string{"old1", "old2", "keep"} {
		b := &v1.Bundle{ID: id, ProjectID: "p1", Version: "1.0." + id, Status: v1.BundlePending, CreatedAt: ts(i)}
		require.NoError(t, s.CreateBundle(ctx, b))
		claimed, err := s.ClaimBundleForCompile(ctx, id)
		require.NoError(t, err)
		claimed.Status = v1.BundleCompiled
		require.NoError(t, s.FinishCompile(ctx, claimed))
	}

	touched, err := s.SupersedeOthers(ctx, "p1", "keep")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"old1", "old2"}, touched)

	old, err := s.GetBundle(ctx, "old1")
	require.NoError(t, err)
	assert.Equal(t, v1.BundleSuperseded, old.Status)

	latest, err := s.GetLatestCompiled(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "keep", latest.ID)
}

func TestNodeUniquenessAndKeyLookup(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	n := &v1.Node{ID: "n1", ProjectID: "p1", Name: "edge-1", Status: v1.NodeOnline, KeyHash: "h1"}
	require.NoError(t, s.CreateNode(ctx, n))

	same := &v1.Node{ID: "n2", ProjectID: "p1", Name: "edge-1", KeyHash: "h2"}
	assert.ErrorIs(t, s.CreateNode(ctx, same), store.ErrConflict)

	otherProject := &v1.Node{ID: "n3", ProjectID: "p2", Name: "edge-1", KeyHash: "h3"}
	assert.NoError(t, s.CreateNode(ctx, otherProject))

	got, err := s.GetNodeByKeyHash(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "n1", got.ID)
	assert.Equal(t, "h1", got.KeyHash)

	_, err = s.GetNodeByKeyHash(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMarkStaleOffline(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	seen := ts(0)
	fresh := ts(100)
	nodes := []*v1.Node{
		{ID: "stale", ProjectID: "p1", Name: "a", Status: v1.NodeOnline, LastSeenAt: &seen, KeyHash: "k1"},
		{ID: "fresh", ProjectID: "p1", Name: "b", Status: v1.NodeOnline, LastSeenAt: &fresh, KeyHash: "k2"},
		{ID: "gone", ProjectID: "p1", Name: "c", Status: v1.NodeOffline, LastSeenAt: &seen, KeyHash: "k3"},
		{ID: "never", ProjectID: "p1", Name: "d", Status: v1.NodeOnline, KeyHash: "k4"},
	}
	for _, n := range nodes {
		require.NoError(t, s.CreateNode(ctx, n))
	}

	flipped, err := s.MarkStaleOffline(ctx, ts(50))
	require.NoError(t, err)

	var ids []string
	for _, n := range flipped {
		ids = append(ids, n.ID)
		assert.Equal(t, v1.NodeOffline, n.Status)
	}
	assert.ElementsMatch(t, []string{"stale", "never"}, ids)

	// Already-offline rows are not reported again.
	flipped, err = s.MarkStaleOffline(ctx, ts(50))
	require.NoError(t, err)
	assert.Empty(t, flipped)
}

func TestHeartbeatWindow(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		hb := &v1.Heartbeat{
			ID:         v1.NewID(),
			NodeID:     "n1",
			Health:     map[string]string{v1.HealthKeyStatus: v1.HealthStatusHealthy},
			Metrics:    map[string]float64{v1.MetricErrorRate: float64(i)},
			InsertedAt: ts(i),
		}
		require.NoError(t, s.InsertHeartbeat(ctx, hb))
	}

	latest, err := s.LatestHeartbeat(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, float64(4), latest.Metrics[v1.MetricErrorRate])

	window, err := s.ListHeartbeats(ctx, "n1", 3)
	require.NoError(t, err)
	require.Len(t, window, 3)
	assert.Equal(t, float64(4), window[0].Metrics[v1.MetricErrorRate])
	assert.Equal(t, float64(2), window[2].Metrics[v1.MetricErrorRate])

	removed, err := s.PruneHeartbeats(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	window, err = s.ListHeartbeats(ctx, "n1", 0)
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, float64(4), window[0].Metrics[v1.MetricErrorRate])

	_, err = s.LatestHeartbeat(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRolloutCAS(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	r := &v1.Rollout{ID: "r1", ProjectID: "p1", BundleID: "b1", State: v1.RolloutPending, CreatedAt: ts(0)}
	require.NoError(t, s.CreateRollout(ctx, r))

	r.State = v1.RolloutRunning
	require.NoError(t, s.UpdateRollout(ctx, r, v1.RolloutPending))

	// Second writer with a stale precondition loses.
	stale := *r
	stale.State = v1.RolloutRunning
	assert.ErrorIs(t, s.UpdateRollout(ctx, &stale, v1.RolloutPending), store.ErrConflict)
}

func TestPlanAndStepLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, id := range []string{"n1", "n2", "n3"} {
		n := &v1.Node{ID: id, ProjectID: "p1", Name: id, Status: v1.NodeOnline, KeyHash: "k" + id}
		require.NoError(t, s.CreateNode(ctx, n))
	}

	r := &v1.Rollout{ID: "r1", ProjectID: "p1", BundleID: "b1", State: v1.RolloutPending}
	require.NoError(t, s.CreateRollout(ctx, r))

	steps := []*v1.RolloutStep{
		{ID: "s0", RolloutID: "r1", StepIndex: 0, NodeIDs: []string{"n1", "n2"}, State: v1.StepPending},
		{ID: "s1", RolloutID: "r1", StepIndex: 1, NodeIDs: []string{"n3"}, State: v1.StepPending},
	}
	var statuses []*v1.NodeBundleStatus
	for _, st := range steps {
		for _, nodeID := range st.NodeIDs {
			statuses = append(statuses, &v1.NodeBundleStatus{
				RolloutID: "r1", NodeID: nodeID, BundleID: "b1", State: v1.NodeBundlePending, UpdatedAt: ts(0),
			})
		}
	}
	r.State = v1.RolloutRunning
	r.StepsTotal = 2
	require.NoError(t, s.SavePlan(ctx, r, v1.RolloutPending, steps, statuses))

	// Start step 0: nodes staged, statuses staging.
	step0 := *steps[0]
	step0.State = v1.StepRunning
	startedAt := ts(1)
	step0.StartedAt = &startedAt
	require.NoError(t, s.StartStep(ctx, &step0, "b1", ts(1)))

	n1, err := s.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "b1", n1.StagedBundleID)
	assert.Empty(t, n1.ExpectedBundleID)

	ns, err := s.GetNodeBundleStatus(ctx, "r1", "n1")
	require.NoError(t, err)
	assert.Equal(t, v1.NodeBundleStaging, ns.State)

	// Duplicate start is a conflict, not a second mutation.
	assert.ErrorIs(t, s.StartStep(ctx, &step0, "b1", ts(2)), store.ErrConflict)

	// Complete requires verifying first.
	done := step0
	done.State = v1.StepCompleted
	assert.ErrorIs(t, s.CompleteStep(ctx, &done, "b1", ts(3)), store.ErrConflict)

	verifying := step0
	verifying.State = v1.StepVerifying
	require.NoError(t, s.UpdateStep(ctx, &verifying, v1.StepRunning))

	done = verifying
	done.State = v1.StepCompleted
	completedAt := ts(4)
	done.CompletedAt = &completedAt
	require.NoError(t, s.CompleteStep(ctx, &done, "b1", ts(4)))

	n1, err = s.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "b1", n1.ExpectedBundleID)

	ns, err = s.GetNodeBundleStatus(ctx, "r1", "n2")
	require.NoError(t, err)
	assert.Equal(t, v1.NodeBundleActive, ns.State)
	require.NotNil(t, ns.ActivatedAt)

	// Step 1 untouched so far.
	listed, err := s.ListSteps(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, v1.StepCompleted, listed[0].State)
	assert.Equal(t, v1.StepPending, listed[1].State)
}

func TestFailRolloutSkipsPending(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, id := range []string{"n1", "n2"} {
		require.NoError(t, s.CreateNode(ctx, &v1.Node{ID: id, ProjectID: "p1", Name: id, KeyHash: "k" + id}))
	}
	r := &v1.Rollout{ID: "r1", ProjectID: "p1", BundleID: "b1", State: v1.RolloutPending}
	require.NoError(t, s.CreateRollout(ctx, r))
	steps := []*v1.RolloutStep{
		{ID: "s0", RolloutID: "r1", StepIndex: 0, NodeIDs: []string{"n1"}, State: v1.StepPending},
		{ID: "s1", RolloutID: "r1", StepIndex: 1, NodeIDs: []string{"n2"}, State: v1.StepPending},
	}
	statuses := []*v1.NodeBundleStatus{
		{RolloutID: "r1", NodeID: "n1", BundleID: "b1", State: v1.NodeBundlePending},
		{RolloutID: "r1", NodeID: "n2", BundleID: "b1", State: v1.NodeBundlePending},
	}
	r.State = v1.RolloutRunning
	require.NoError(t, s.SavePlan(ctx, r, v1.RolloutPending, steps, statuses))

	step0 := *steps[0]
	step0.State = v1.StepRunning
	require.NoError(t, s.StartStep(ctx, &step0, "b1", ts(1)))

	failed := *r
	failed.State = v1.RolloutFailed
	failedStep := step0
	failedStep.State = v1.StepFailed
	failedStep.Error = "deadline_exceeded"
	require.NoError(t, s.FailRollout(ctx, &failed, &failedStep, ts(10)))

	listed, err := s.ListSteps(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, v1.StepFailed, listed[0].State)
	assert.Equal(t, v1.StepSkipped, listed[1].State)

	ns, err := s.GetNodeBundleStatus(ctx, "r1", "n1")
	require.NoError(t, err)
	assert.Equal(t, v1.NodeBundleFailed, ns.State)

	// FailRollout is guarded on running.
	assert.ErrorIs(t, s.FailRollout(ctx, &failed, &failedStep, ts(11)), store.ErrConflict)
}

func TestTerminateResetsStaged(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	n := &v1.Node{ID: "n1", ProjectID: "p1", Name: "n1", StagedBundleID: "b1", KeyHash: "k1"}
	require.NoError(t, s.CreateNode(ctx, n))
	other := &v1.Node{ID: "n2", ProjectID: "p1", Name: "n2", StagedBundleID: "b9", KeyHash: "k2"}
	require.NoError(t, s.CreateNode(ctx, other))

	r := &v1.Rollout{ID: "r1", ProjectID: "p1", BundleID: "b1", State: v1.RolloutRunning}
	require.NoError(t, s.CreateRollout(ctx, r))

	cancelled := *r
	cancelled.State = v1.RolloutCancelled
	require.NoError(t, s.TerminateRollout(ctx, &cancelled, v1.RolloutRunning, true))

	n1, err := s.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Empty(t, n1.StagedBundleID)

	n2, err := s.GetNode(ctx, "n2")
	require.NoError(t, err)
	assert.Equal(t, "b9", n2.StagedBundleID)
}

func TestNodeBundleStatusForwardOnly(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := &v1.NodeBundleStatus{RolloutID: "r1", NodeID: "n1", BundleID: "b1", State: v1.NodeBundleActivating, UpdatedAt: ts(0)}
	require.NoError(t, s.UpsertNodeBundleStatus(ctx, base))

	// A late staging report does not move the row backwards.
	late := ts(5)
	stale := &v1.NodeBundleStatus{RolloutID: "r1", NodeID: "n1", BundleID: "b1", State: v1.NodeBundleStaging, LastReportAt: &late, UpdatedAt: ts(5)}
	require.NoError(t, s.UpsertNodeBundleStatus(ctx, stale))

	got, err := s.GetNodeBundleStatus(ctx, "r1", "n1")
	require.NoError(t, err)
	assert.Equal(t, v1.NodeBundleActivating, got.State)
	require.NotNil(t, got.LastReportAt)
	assert.Equal(t, late, *got.LastReportAt)

	forward := &v1.NodeBundleStatus{RolloutID: "r1", NodeID: "n1", BundleID: "b1", State: v1.NodeBundleActive, UpdatedAt: ts(6)}
	require.NoError(t, s.UpsertNodeBundleStatus(ctx, forward))
	got, err = s.GetNodeBundleStatus(ctx, "r1", "n1")
	require.NoError(t, err)
	assert.Equal(t, v1.NodeBundleActive, got.State)
}

func TestApprovalOnePerUser(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	a := &v1.Approval{ID: "a1", RolloutID: "r1", UserID: "u1", Decision: "approved", CreatedAt: ts(0)}
	require.NoError(t, s.CreateApproval(ctx, a))

	again := &v1.Approval{ID: "a2", RolloutID: "r1", UserID: "u1", Decision: "approved"}
	assert.ErrorIs(t, s.CreateApproval(ctx, again), store.ErrConflict)

	otherUser := &v1.Approval{ID: "a3", RolloutID: "r1", UserID: "u2", Decision: "approved", CreatedAt: ts(1)}
	require.NoError(t, s.CreateApproval(ctx, otherUser))

	list, err := s.ListApprovals(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestDriftSingleOpenPerNode(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	d := &v1.DriftEvent{ID: "d1", NodeID: "n1", ProjectID: "p1", ExpectedBundleID: "b1", ActualBundleID: "b0", DetectedAt: ts(0)}
	require.NoError(t, s.CreateDriftEvent(ctx, d))

	second := &v1.DriftEvent{ID: "d2", NodeID: "n1", ProjectID: "p1", ExpectedBundleID: "b1", DetectedAt: ts(1)}
	assert.ErrorIs(t, s.CreateDriftEvent(ctx, second), store.ErrConflict)

	open, err := s.OpenDriftEvent(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "d1", open.ID)

	require.NoError(t, s.ResolveDriftEvent(ctx, "d1", v1.DriftResolvedManual, "u1", false, ts(2)))
	_, err = s.OpenDriftEvent(ctx, "n1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Resolving twice is a conflict.
	assert.ErrorIs(t, s.ResolveDriftEvent(ctx, "d1", v1.DriftResolvedManual, "u1", false, ts(3)), store.ErrConflict)

	// A new event can open once the old one is resolved.
	require.NoError(t, s.CreateDriftEvent(ctx, second))

	stats, err := s.DriftStats(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.OpenTotal)
	assert.Equal(t, 1, stats.ResolvedTotal)
	assert.Equal(t, 1, stats.OpenByExpected["b1"])
}

func TestResolveProjectDrift(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i, node := range []string{"n1", "n2", "n3"} {
		d := &v1.DriftEvent{ID: v1.NewID(), NodeID: node, ProjectID: "p1", ExpectedBundleID: "b1", DetectedAt: ts(i)}
		require.NoError(t, s.CreateDriftEvent(ctx, d))
	}
	count, err := s.ResolveProjectDrift(ctx, "p1", v1.DriftResolvedManual, "u1", ts(9))
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	open := true
	events, err := s.ListDriftEvents(ctx, store.DriftFilter{ProjectID: "p1", Open: &open})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestJobDedupAndClaimOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	j1 := &v1.Job{ID: "j1", Kind: "tick_rollout", DedupKey: "tick/r1", State: v1.JobPending, RunAt: ts(5), CreatedAt: ts(0)}
	require.NoError(t, s.EnqueueJob(ctx, j1))

	dup := &v1.Job{ID: "j2", Kind: "tick_rollout", DedupKey: "tick/r1", State: v1.JobPending, RunAt: ts(5)}
	assert.ErrorIs(t, s.EnqueueJob(ctx, dup), store.ErrConflict)

	j3 := &v1.Job{ID: "j3", Kind: "liveness_sweep", State: v1.JobPending, RunAt: ts(2), CreatedAt: ts(1)}
	require.NoError(t, s.EnqueueJob(ctx, j3))

	// Nothing due before run_at.
	_, err := s.ClaimDueJob(ctx, ts(1))
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Oldest run_at claims first.
	got, err := s.ClaimDueJob(ctx, ts(10))
	require.NoError(t, err)
	assert.Equal(t, "j3", got.ID)
	assert.Equal(t, v1.JobRunning, got.State)
	assert.Equal(t, 1, got.Attempts)

	got, err = s.ClaimDueJob(ctx, ts(10))
	require.NoError(t, err)
	assert.Equal(t, "j1", got.ID)

	// The dedup slot is free once the job is claimed.
	require.NoError(t, s.EnqueueJob(ctx, &v1.Job{ID: "j4", Kind: "tick_rollout", DedupKey: "tick/r1", State: v1.JobPending, RunAt: ts(11), CreatedAt: ts(2)}))
}

func TestJobRetryAndRequeue(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	j := &v1.Job{ID: "j1", Kind: "deliver_webhook", State: v1.JobPending, RunAt: ts(0), MaxAttempts: 3, CreatedAt: ts(0)}
	require.NoError(t, s.EnqueueJob(ctx, j))

	claimed, err := s.ClaimDueJob(ctx, ts(1))
	require.NoError(t, err)

	require.NoError(t, s.RetryJob(ctx, claimed, ts(30), "connection refused"))
	assert.Equal(t, v1.JobPending, claimed.State)

	// Not due until the retry delay passes.
	_, err = s.ClaimDueJob(ctx, ts(10))
	assert.ErrorIs(t, err, store.ErrNotFound)

	claimed, err = s.ClaimDueJob(ctx, ts(31))
	require.NoError(t, err)
	assert.Equal(t, 2, claimed.Attempts)
	assert.Equal(t, "connection refused", claimed.LastError)

	// A crashed worker's job comes back via the stuck sweep.
	count, err := s.RequeueStuckJobs(ctx, ts(40))
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	claimed, err = s.ClaimDueJob(ctx, ts(41))
	require.NoError(t, err)
	require.NoError(t, s.FailJob(ctx, claimed, "gave up"))

	failed, err := s.ListJobs(ctx, []v1.JobState{v1.JobFailed}, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "gave up", failed[0].LastError)

	require.NoError(t, s.CompleteJob(ctx, claimed.ID))
	all, err := s.ListJobs(ctx, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestListDueScheduled(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	at := ts(10)
	later := ts(100)
	require.NoError(t, s.CreateRollout(ctx, &v1.Rollout{ID: "due", ProjectID: "p1", State: v1.RolloutPending, ScheduledAt: &at}))
	require.NoError(t, s.CreateRollout(ctx, &v1.Rollout{ID: "later", ProjectID: "p1", State: v1.RolloutPending, ScheduledAt: &later}))
	require.NoError(t, s.CreateRollout(ctx, &v1.Rollout{ID: "unscheduled", ProjectID: "p1", State: v1.RolloutPending}))

	due, err := s.ListDueScheduled(ctx, ts(20))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "due", due[0].ID)
}

func TestWebhookSecretRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	w := &v1.WebhookEndpoint{ID: "w1", ProjectID: "p1", URL: "https://example.com/hook", Secret: "shh", Active: true, CreatedAt: ts(0)}
	require.NoError(t, s.CreateWebhook(ctx, w))

	got, err := s.GetWebhook(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "shh", got.Secret)

	list, err := s.ListWebhooks(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "shh", list[0].Secret)
}
