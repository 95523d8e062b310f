package rollout_test

import (
	"context"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/sentinelproxy/sentinel-cp/internal/dispatcher"
	"github.com/sentinelproxy/sentinel-cp/internal/drift"
	"github.com/sentinelproxy/sentinel-cp/internal/errutil"
	"github.com/sentinelproxy/sentinel-cp/internal/metrics"
	"github.com/sentinelproxy/sentinel-cp/internal/registry"
	"github.com/sentinelproxy/sentinel-cp/internal/rollout"
	"github.com/sentinelproxy/sentinel-cp/internal/store"
	"github.com/sentinelproxy/sentinel-cp/internal/store/bolt"
	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
	"github.com/sentinelproxy/sentinel-cp/pkg/durations"
)

type nullPublisher struct{}

func (nullPublisher) Publish(context.Context, string, string, any) {}

type nullProber struct{}

func (nullProber) Probe(context.Context, *v1.ServiceEndpoint) error { return nil }

// harness wires the registry, the drift engine and the rollout engine the
// way the server does, against a bolt store and a fake clock. Agent behavior
// is played back through registry.Heartbeat, so the drift reconcile path runs
// exactly as it does in production.
type harness struct {
	ctx      context.Context
	st       *bolt.Store
	clk      *clocktesting.FakeClock
	disp     *dispatcher.Dispatcher
	rollouts *rollout.Service
	drifts   *drift.Engine
	nodes    *registry.Service
	keys     map[string]string // node name -> raw key
}

func newHarness(settings v1.ProjectSettings) *harness {
	st, err := bolt.Open(filepath.Join(GinkgoT().TempDir(), "sentinel.db"))
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(func() { _ = st.Close() })

	clk := clocktesting.NewFakeClock(time.Date(2024, 5, 14, 10, 0, 0, 0, time.UTC))
	m := metrics.New()
	disp := dispatcher.New(st, m, clk, logr.Discard(), 1, 3)

	rollouts := rollout.New(rollout.Deps{
		Store:    st,
		Jobs:     disp,
		Notifier: nullPublisher{},
		Prober:   nullProber{},
		Metrics:  m,
		Clock:    clk,
		Log:      logr.Discard(),
	}, rollout.Options{})
	drifts := drift.New(drift.Deps{
		Store:      st,
		Remediator: rollouts,
		Notifier:   nullPublisher{},
		Metrics:    m,
		Clock:      clk,
		Log:        logr.Discard(),
	}, drift.Options{})
	nodes := registry.New(registry.Deps{
		Store:    st,
		Drift:    drifts,
		Notifier: nullPublisher{},
		Metrics:  m,
		Clock:    clk,
		Log:      logr.Discard(),
	}, registry.Options{})

	disp.Register(dispatcher.KindPlanRollout, rollouts.HandlePlan)
	disp.Register(dispatcher.KindTickRollout, rollouts.HandleTick)
	disp.Register(dispatcher.KindScheduledRollouts, rollouts.HandleScheduled)

	h := &harness{
		ctx: context.Background(), st: st, clk: clk, disp: disp,
		rollouts: rollouts, drifts: drifts, nodes: nodes,
		keys: map[string]string{},
	}
	Expect(st.CreateOrganization(h.ctx, &v1.Organization{
		ID: "org1", Name: "Acme", Slug: "acme", CreatedAt: clk.Now(),
	})).To(Succeed())
	Expect(st.CreateProject(h.ctx, &v1.Project{
		ID: "p1", OrgID: "org1", Name: "Edge", Slug: "edge",
		Settings: settings, CreatedAt: clk.Now(),
	})).To(Succeed())
	return h
}

func (h *harness) compiledBundle(id, version string) *v1.Bundle {
	b := &v1.Bundle{
		ID: id, ProjectID: "p1", Version: version, Status: v1.BundleCompiled,
		CreatedBy: "u1", CreatedAt: h.clk.Now(),
	}
	Expect(h.st.CreateBundle(h.ctx, b)).To(Succeed())
	return b
}

func (h *harness) register(name string) *v1.Node {
	n, rawKey, err := h.nodes.Register(h.ctx, "p1", registry.RegisterParams{Name: name})
	Expect(err).NotTo(HaveOccurred())
	h.keys[name] = rawKey
	return n
}

// heartbeat reports through the authenticated agent path, the same call the
// node protocol handler makes.
func (h *harness) heartbeat(name string, p registry.HeartbeatParams) {
	n, err := h.nodes.Authenticate(h.ctx, h.keys[name])
	Expect(err).NotTo(HaveOccurred())
	_, err = h.nodes.Heartbeat(h.ctx, n, p)
	Expect(err).NotTo(HaveOccurred())
}

func (h *harness) healthyOn(name, bundleID string) {
	h.heartbeat(name, registry.HeartbeatParams{
		Health:         map[string]string{v1.HealthKeyStatus: "healthy"},
		ActiveBundleID: bundleID,
	})
}

func (h *harness) member(userID string, role v1.Role) {
	Expect(h.st.CreateUser(h.ctx, &v1.User{
		ID: userID, Name: userID, Email: userID + "@acme.test", CreatedAt: h.clk.Now(),
	})).To(Succeed())
	Expect(h.st.SetMembership(h.ctx, &v1.OrgMembership{
		OrgID: "org1", UserID: userID, Role: role,
	})).To(Succeed())
}

func (h *harness) create(p rollout.CreateParams) *v1.Rollout {
	if p.CreatedBy == "" {
		p.CreatedBy = "u1"
	}
	r, err := h.rollouts.Create(h.ctx, "p1", p)
	Expect(err).NotTo(HaveOccurred())
	return r
}

// tick advances the fake clock one tick interval and runs every due job.
func (h *harness) tick() {
	h.clk.Step(durations.RolloutTickInterval)
	h.disp.Drain(h.ctx)
}

func (h *harness) rollout(id string) *v1.Rollout {
	r, err := h.st.GetRollout(h.ctx, id)
	Expect(err).NotTo(HaveOccurred())
	return r
}

func (h *harness) node(name string) *v1.Node {
	n, err := h.st.GetNodeByName(h.ctx, "p1", name)
	Expect(err).NotTo(HaveOccurred())
	return n
}

func (h *harness) steps(rolloutID string) []*v1.RolloutStep {
	steps, err := h.st.ListSteps(h.ctx, rolloutID)
	Expect(err).NotTo(HaveOccurred())
	return steps
}

var _ = Describe("Rollout scenarios", func() {
	Describe("a healthy rolling rollout", func() {
		It("walks both batches to completion and records the expectation", func() {
			h := newHarness(v1.ProjectSettings{})
			b := h.compiledBundle("b1", "2.0.0")
			n1 := h.register("edge-1")
			h.register("edge-2")
			h.register("edge-3")

			By("round-tripping the registration key")
			authed, err := h.nodes.Authenticate(h.ctx, h.keys["edge-1"])
			Expect(err).NotTo(HaveOccurred())
			Expect(authed.ID).To(Equal(n1.ID))
			Expect(h.node("edge-1").KeyHash).NotTo(Equal(h.keys["edge-1"]),
				"only the key hash may be stored")

			r := h.create(rollout.CreateParams{
				BundleID:  b.ID,
				Strategy:  v1.StrategyRolling,
				BatchSize: 2,
				Target:    v1.TargetSelector{Kind: v1.TargetAll},
				Gates:     v1.HealthGates{HeartbeatHealthy: true},
			})
			h.disp.Drain(h.ctx)

			Expect(h.rollout(r.ID).State).To(Equal(v1.RolloutRunning))
			steps := h.steps(r.ID)
			Expect(steps).To(HaveLen(2))
			Expect(steps[0].NodeIDs).To(HaveLen(2))
			Expect(steps[1].NodeIDs).To(HaveLen(1))
			Expect(h.node("edge-1").StagedBundleID).To(Equal(b.ID))

			h.healthyOn("edge-1", b.ID)
			h.healthyOn("edge-2", b.ID)
			h.tick() // step 0 verifies and completes
			h.tick() // step 1 starts, edge-3 staged
			Expect(h.node("edge-3").StagedBundleID).To(Equal(b.ID))

			h.healthyOn("edge-3", b.ID)
			h.tick() // step 1 completes
			h.tick() // rollout completes

			got := h.rollout(r.ID)
			Expect(got.State).To(Equal(v1.RolloutCompleted))
			Expect(got.CompletedAt).NotTo(BeNil())
			for _, name := range []string{"edge-1", "edge-2", "edge-3"} {
				Expect(h.node(name).ExpectedBundleID).To(Equal(b.ID))
			}
			for _, st := range h.steps(r.ID) {
				Expect(st.State).To(Equal(v1.StepCompleted))
			}
			statuses, err := h.st.ListNodeBundleStatuses(h.ctx, r.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(statuses).To(HaveLen(3))
			for _, ns := range statuses {
				Expect(ns.State).To(Equal(v1.NodeBundleActive))
			}
		})
	})

	Describe("a step that misses its deadline", func() {
		It("fails the rollout and rolls the batch back to the previous bundle", func() {
			h := newHarness(v1.ProjectSettings{})
			prev := h.compiledBundle("b-prev", "1.0.0")
			b := h.compiledBundle("b1", "2.0.0")
			h.register("edge-1")
			h.register("edge-2")
			h.register("edge-3")
			for _, name := range []string{"edge-1", "edge-2", "edge-3"} {
				h.healthyOn(name, prev.ID)
			}

			r := h.create(rollout.CreateParams{
				BundleID:                b.ID,
				Strategy:                v1.StrategyRolling,
				BatchSize:               2,
				Target:                  v1.TargetSelector{Kind: v1.TargetAll},
				ProgressDeadlineSeconds: 1,
				AutoRollback:            true,
			})
			h.disp.Drain(h.ctx)
			Expect(h.rollout(r.ID).State).To(Equal(v1.RolloutRunning))

			// No node ever activates the new bundle.
			h.clk.Step(2 * time.Second)
			h.disp.Drain(h.ctx)

			got := h.rollout(r.ID)
			Expect(got.State).To(Equal(v1.RolloutFailed))
			Expect(got.Failure).NotTo(BeNil())
			Expect(got.Failure.Reason).To(Equal(v1.ReasonStepDeadlineExceeded))
			Expect(*got.Failure.StepIndex).To(Equal(0))
			Expect(got.Failure.ElapsedSeconds).To(BeNumerically(">=", 2))

			all, err := h.st.ListRollouts(h.ctx, store.RolloutFilter{ProjectID: "p1"})
			Expect(err).NotTo(HaveOccurred())
			var rb *v1.Rollout
			for _, cand := range all {
				if cand.RollbackOf == r.ID {
					rb = cand
				}
			}
			Expect(rb).NotTo(BeNil(), "auto-rollback must create a reverting rollout")
			Expect(rb.BundleID).To(Equal(prev.ID), "the previous active bundle wins the election")
			Expect(rb.Strategy).To(Equal(v1.StrategyAllAtOnce))
			Expect(rb.Target.Kind).To(Equal(v1.TargetNodes))
			Expect(rb.Target.NodeIDs).To(HaveLen(2), "only the failed batch is reverted")
			Expect(rb.CreatedBy).To(Equal(r.CreatedBy))
		})
	})

	Describe("drift on a node whose project auto-remediates", func() {
		It("opens an event, starts a convergence rollout and closes it on convergence", func() {
			h := newHarness(v1.ProjectSettings{DriftAutoRemediation: true})
			b1 := h.compiledBundle("b1", "2.0.0")
			n := h.register("edge-1")

			n = h.node("edge-1")
			n.ExpectedBundleID = b1.ID
			Expect(h.st.UpdateNode(h.ctx, n)).To(Succeed())

			h.heartbeat("edge-1", registry.HeartbeatParams{ActiveBundleID: "b0"})

			ev, err := h.st.OpenDriftEvent(h.ctx, n.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(ev.ExpectedBundleID).To(Equal(b1.ID))
			Expect(ev.ActualBundleID).To(Equal("b0"))
			Expect(ev.Resolution).To(Equal(v1.DriftResolvedRolloutStarted))
			Expect(ev.RemediationRolloutID).NotTo(BeEmpty())

			rem := h.rollout(ev.RemediationRolloutID)
			Expect(rem.BundleID).To(Equal(b1.ID))
			Expect(rem.Strategy).To(Equal(v1.StrategyAllAtOnce))
			Expect(rem.Target.NodeIDs).To(Equal([]string{n.ID}))
			Expect(rem.ApprovalState).To(Equal(v1.ApprovalNotRequired))

			By("repeated drift staying on cooldown")
			h.heartbeat("edge-1", registry.HeartbeatParams{ActiveBundleID: "b0"})
			events, err := h.st.ListDriftEvents(h.ctx, store.DriftFilter{NodeID: n.ID})
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(HaveLen(1), "one open event per node, no second remediation")

			By("the node converging")
			h.disp.Drain(h.ctx) // plans the remediation, stages b1
			Expect(h.node("edge-1").StagedBundleID).To(Equal(b1.ID))
			h.heartbeat("edge-1", registry.HeartbeatParams{ActiveBundleID: b1.ID})

			closed, err := h.st.GetDriftEvent(h.ctx, ev.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(closed.Resolved()).To(BeTrue())
			Expect(closed.Resolution).To(Equal(v1.DriftResolvedRolloutCompleted))
		})
	})

	Describe("the approval gate", func() {
		It("holds planning until enough distinct non-creator operators approve", func() {
			h := newHarness(v1.ProjectSettings{RequireApproval: true, ApprovalsNeeded: 2})
			b := h.compiledBundle("b1", "1.0.0")
			h.register("edge-1")
			h.member("creator", v1.RoleOperator)
			h.member("op1", v1.RoleOperator)
			h.member("op2", v1.RoleOperator)

			r := h.create(rollout.CreateParams{
				BundleID: b.ID, Strategy: v1.StrategyAllAtOnce,
				Target: v1.TargetSelector{Kind: v1.TargetAll}, CreatedBy: "creator",
			})
			Expect(r.ApprovalState).To(Equal(v1.ApprovalPending))
			Expect(h.disp.Drain(h.ctx)).To(BeZero(), "nothing may plan before approval")

			_, err := h.rollouts.Plan(h.ctx, r.ID, "creator")
			Expect(errutil.KindOf(err)).To(Equal(errutil.KindApprovalRequired))

			_, err = h.rollouts.Approve(h.ctx, r.ID, "creator", "")
			Expect(errutil.KindOf(err)).To(Equal(errutil.KindSelfApproval))

			_, err = h.rollouts.Approve(h.ctx, r.ID, "op1", "lgtm")
			Expect(err).NotTo(HaveOccurred())
			Expect(h.rollout(r.ID).ApprovalState).To(Equal(v1.ApprovalPending))

			got, err := h.rollouts.Approve(h.ctx, r.ID, "op2", "")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.ApprovalState).To(Equal(v1.ApprovalApproved))

			h.disp.Drain(h.ctx)
			Expect(h.rollout(r.ID).State).To(Equal(v1.RolloutRunning))
		})
	})

	Describe("revocation mid-rollout", func() {
		It("fails the next step and the rollout with bundle_revoked", func() {
			h := newHarness(v1.ProjectSettings{})
			b := h.compiledBundle("b1", "2.0.0")
			h.register("edge-1")
			h.register("edge-2")
			h.register("edge-3")

			r := h.create(rollout.CreateParams{
				BundleID: b.ID, Strategy: v1.StrategyRolling, BatchSize: 1,
				Target: v1.TargetSelector{Kind: v1.TargetAll},
			})
			h.disp.Drain(h.ctx)
			Expect(h.steps(r.ID)).To(HaveLen(3))

			h.healthyOn("edge-1", b.ID)
			h.tick() // step 0 completes

			_, err := h.st.RevokeBundle(h.ctx, b.ID, h.clk.Now())
			Expect(err).NotTo(HaveOccurred())
			h.tick() // step 1 re-checks the bundle and aborts

			got := h.rollout(r.ID)
			Expect(got.State).To(Equal(v1.RolloutFailed))
			Expect(got.Failure.Reason).To(Equal(v1.ReasonBundleRevoked))
			steps := h.steps(r.ID)
			Expect(steps[0].State).To(Equal(v1.StepCompleted))
			Expect(steps[1].State).To(Equal(v1.StepFailed))
		})
	})

	Describe("max_unavailable tolerance", func() {
		It("advances on the online quorum and gates only on available nodes", func() {
			h := newHarness(v1.ProjectSettings{})
			b := h.compiledBundle("b1", "2.0.0")
			h.register("edge-1")
			h.register("edge-2")
			n3 := h.register("edge-3")

			n3 = h.node("edge-3")
			n3.Status = v1.NodeOffline
			Expect(h.st.UpdateNode(h.ctx, n3)).To(Succeed())

			r := h.create(rollout.CreateParams{
				BundleID: b.ID, Strategy: v1.StrategyAllAtOnce,
				Target:         v1.TargetSelector{Kind: v1.TargetAll},
				MaxUnavailable: 1,
				Gates:          v1.HealthGates{HeartbeatHealthy: true},
			})
			h.disp.Drain(h.ctx)

			// edge-3 never heartbeats; with it in the gate set the step
			// could not verify at all.
			h.healthyOn("edge-1", b.ID)
			h.healthyOn("edge-2", b.ID)
			h.tick() // required = 3-1 = 2 activations; verify passes on the two online nodes
			h.tick()

			got := h.rollout(r.ID)
			Expect(got.State).To(Equal(v1.RolloutCompleted))
			for _, name := range []string{"edge-1", "edge-2", "edge-3"} {
				Expect(h.node(name).ExpectedBundleID).To(Equal(b.ID))
			}
		})
	})
})
