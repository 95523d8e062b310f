// Package store defines the persistence contract the engines program
// against. Two implementations exist: an embedded bolt store and a Postgres
// store. Both enforce the same uniqueness and compare-and-swap semantics so
// the engines never care which one is underneath.
package store

import (
	"context"
	"errors"
	"time"

	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
)

var (
	// ErrNotFound is returned when no row matches.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned on uniqueness violations and failed
	// conditional updates.
	ErrConflict = errors.New("conflict")
)

// NodeFilter narrows ListNodes. Zero fields do not filter.
type NodeFilter struct {
	ProjectID string
	Statuses  []v1.NodeStatus
	// Labels matches nodes whose labels are a superset.
	Labels map[string]string
	IDs    []string
}

// BundleFilter narrows ListBundles.
type BundleFilter struct {
	ProjectID string
	Statuses  []v1.BundleStatus
}

// RolloutFilter narrows ListRollouts.
type RolloutFilter struct {
	ProjectID string
	States    []v1.RolloutState
	BundleID  string
}

// DriftFilter narrows ListDriftEvents.
type DriftFilter struct {
	ProjectID string
	NodeID    string
	// Open selects unresolved (true) or resolved (false) events only.
	Open *bool
}

type Tenants interface {
	CreateOrganization(ctx context.Context, org *v1.Organization) error
	GetOrganization(ctx context.Context, id string) (*v1.Organization, error)
	CreateProject(ctx context.Context, p *v1.Project) error
	GetProject(ctx context.Context, id string) (*v1.Project, error)
	GetProjectBySlug(ctx context.Context, slug string) (*v1.Project, error)
	ListProjects(ctx context.Context, orgID string) ([]*v1.Project, error)
	UpdateProjectSettings(ctx context.Context, projectID string, s v1.ProjectSettings) error
	CreateEnvironment(ctx context.Context, e *v1.Environment) error
	GetEnvironment(ctx context.Context, id string) (*v1.Environment, error)
	// ListEnvironments returns the project's promotion chain in ordinal
	// order.
	ListEnvironments(ctx context.Context, projectID string) ([]*v1.Environment, error)
	CreateUser(ctx context.Context, u *v1.User) error
	GetUser(ctx context.Context, id string) (*v1.User, error)
	SetMembership(ctx context.Context, m *v1.OrgMembership) error
	GetMembership(ctx context.Context, orgID, userID string) (*v1.OrgMembership, error)
}

type Identity interface {
	CreateSigningKey(ctx context.Context, k *v1.SigningKey) error
	GetSigningKey(ctx context.Context, id string) (*v1.SigningKey, error)
	// ActiveSigningKey returns the most recently created usable key of the
	// org, or ErrNotFound.
	ActiveSigningKey(ctx context.Context, orgID string, now time.Time) (*v1.SigningKey, error)
	ListSigningKeys(ctx context.Context, orgID string) ([]*v1.SigningKey, error)
	DeactivateSigningKey(ctx context.Context, id string, now time.Time) error
	CreateAPIKey(ctx context.Context, k *v1.APIKey) error
	GetAPIKeyByHash(ctx context.Context, hash string) (*v1.APIKey, error)
	ListAPIKeys(ctx context.Context, orgID string) ([]*v1.APIKey, error)
	RevokeAPIKey(ctx context.Context, id string, now time.Time) error
}

type Bundles interface {
	// CreateBundle enforces (project_id, version) uniqueness.
	CreateBundle(ctx context.Context, b *v1.Bundle) error
	GetBundle(ctx context.Context, id string) (*v1.Bundle, error)
	ListBundles(ctx context.Context, f BundleFilter) ([]*v1.Bundle, error)
	// ClaimBundleForCompile moves pending to compiling, returning
	// ErrConflict when the bundle is in any other state. This is the
	// claim that keeps duplicate compile jobs harmless.
	ClaimBundleForCompile(ctx context.Context, id string) (*v1.Bundle, error)
	// FinishCompile writes the terminal compile outcome. The bundle must
	// still be compiling, and the artifact fields land atomically with
	// the status.
	FinishCompile(ctx context.Context, b *v1.Bundle) error
	// SupersedeOthers marks every other compiled bundle of the project
	// superseded. Returns the ids touched.
	SupersedeOthers(ctx context.Context, projectID, keepBundleID string) ([]string, error)
	// RevokeBundle moves a distributable bundle to revoked.
	RevokeBundle(ctx context.Context, id string, now time.Time) (*v1.Bundle, error)
	// GetLatestCompiled returns the newest bundle with status compiled in
	// the project, ignoring superseded and revoked ones.
	GetLatestCompiled(ctx context.Context, projectID string) (*v1.Bundle, error)
	// DeleteBundle removes the row; callers check deletability first.
	DeleteBundle(ctx context.Context, id string) error
	// CreatePromotion enforces (bundle_id, environment_id) uniqueness.
	CreatePromotion(ctx context.Context, p *v1.Promotion) error
	// ListPromotions returns the bundle's promotions in ordinal order.
	ListPromotions(ctx context.Context, bundleID string) ([]*v1.Promotion, error)
}

type Nodes interface {
	// CreateNode enforces (project_id, name) uniqueness.
	CreateNode(ctx context.Context, n *v1.Node) error
	GetNode(ctx context.Context, id string) (*v1.Node, error)
	GetNodeByName(ctx context.Context, projectID, name string) (*v1.Node, error)
	GetNodeByKeyHash(ctx context.Context, keyHash string) (*v1.Node, error)
	ListNodes(ctx context.Context, f NodeFilter) ([]*v1.Node, error)
	UpdateNode(ctx context.Context, n *v1.Node) error
	// SetExpectedBundle records the engine's expectation on every listed
	// node in one write. Only the rollout engine calls this.
	SetExpectedBundle(ctx context.Context, nodeIDs []string, bundleID string) error
	// ResetStagedForBundle clears staged_bundle_id on every node still
	// pointing at the bundle. Returns nodes touched.
	ResetStagedForBundle(ctx context.Context, bundleID string) (int, error)
	// MarkStaleOffline flips online nodes whose last_seen_at precedes
	// cutoff to offline, returning the transitioned nodes.
	MarkStaleOffline(ctx context.Context, cutoff time.Time) ([]*v1.Node, error)
	InsertHeartbeat(ctx context.Context, hb *v1.Heartbeat) error
	LatestHeartbeat(ctx context.Context, nodeID string) (*v1.Heartbeat, error)
	ListHeartbeats(ctx context.Context, nodeID string, limit int) ([]*v1.Heartbeat, error)
	// PruneHeartbeats drops all but the newest keep rows per node across
	// every node, returning rows removed.
	PruneHeartbeats(ctx context.Context, keep int) (int, error)
	InsertNodeEvents(ctx context.Context, events []*v1.NodeEvent) error
	ListNodeEvents(ctx context.Context, nodeID string, limit int) ([]*v1.NodeEvent, error)
	PruneNodeEvents(ctx context.Context, keep int) (int, error)
	CreateGroup(ctx context.Context, g *v1.NodeGroup) error
	GetGroup(ctx context.Context, id string) (*v1.NodeGroup, error)
	ListGroups(ctx context.Context, projectID string) ([]*v1.NodeGroup, error)
	UpdateGroup(ctx context.Context, g *v1.NodeGroup) error
	DeleteGroup(ctx context.Context, id string) error
}

type Rollouts interface {
	CreateRollout(ctx context.Context, r *v1.Rollout) error
	GetRollout(ctx context.Context, id string) (*v1.Rollout, error)
	ListRollouts(ctx context.Context, f RolloutFilter) ([]*v1.Rollout, error)
	// UpdateRollout writes the full row iff the stored state equals
	// expect, otherwise ErrConflict. Every engine transition goes through
	// this guard, which is what makes duplicate tick delivery harmless.
	UpdateRollout(ctx context.Context, r *v1.Rollout, expect v1.RolloutState) error
	// SavePlan transactionally writes the planned rollout together with
	// its steps and per-node statuses.
	SavePlan(ctx context.Context, r *v1.Rollout, expect v1.RolloutState, steps []*v1.RolloutStep, statuses []*v1.NodeBundleStatus) error
	// StartStep transactionally moves the step from pending to running,
	// stages the bundle on the step's nodes and advances their statuses
	// to staging.
	StartStep(ctx context.Context, step *v1.RolloutStep, bundleID string, now time.Time) error
	// CompleteStep transactionally moves the step from verifying to
	// completed, marks the step's statuses active and writes the nodes'
	// expected_bundle_id.
	CompleteStep(ctx context.Context, step *v1.RolloutStep, bundleID string, now time.Time) error
	// UpdateStep writes the step iff its stored state equals expect.
	UpdateStep(ctx context.Context, step *v1.RolloutStep, expect v1.StepState) error
	ListSteps(ctx context.Context, rolloutID string) ([]*v1.RolloutStep, error)
	// FailRollout transactionally fails the rollout and the given step,
	// marks still-pending steps skipped and the step's statuses failed.
	// Guarded on the rollout being running.
	FailRollout(ctx context.Context, r *v1.Rollout, failedStep *v1.RolloutStep, now time.Time) error
	// TerminateRollout transactionally writes the terminal rollout row,
	// marks still-pending steps skipped, and optionally clears the
	// rollout's bundle from staged_bundle_id on all nodes.
	TerminateRollout(ctx context.Context, r *v1.Rollout, expect v1.RolloutState, resetStaged bool) error
	// UpsertNodeBundleStatus enforces forward-only state movement; a
	// lower-ranked write only bumps last_report_at.
	UpsertNodeBundleStatus(ctx context.Context, s *v1.NodeBundleStatus) error
	GetNodeBundleStatus(ctx context.Context, rolloutID, nodeID string) (*v1.NodeBundleStatus, error)
	ListNodeBundleStatuses(ctx context.Context, rolloutID string) ([]*v1.NodeBundleStatus, error)
	// CreateApproval enforces one decision per (rollout, user).
	CreateApproval(ctx context.Context, a *v1.Approval) error
	ListApprovals(ctx context.Context, rolloutID string) ([]*v1.Approval, error)
	// ListDueScheduled returns pending rollouts whose scheduled_at has
	// passed.
	ListDueScheduled(ctx context.Context, now time.Time) ([]*v1.Rollout, error)
}

type Drift interface {
	// CreateDriftEvent enforces at most one unresolved event per node.
	CreateDriftEvent(ctx context.Context, d *v1.DriftEvent) error
	GetDriftEvent(ctx context.Context, id string) (*v1.DriftEvent, error)
	// OpenDriftEvent returns the node's unresolved event, or ErrNotFound.
	OpenDriftEvent(ctx context.Context, nodeID string) (*v1.DriftEvent, error)
	ListDriftEvents(ctx context.Context, f DriftFilter) ([]*v1.DriftEvent, error)
	// ResolveDriftEvent closes an unresolved event; ErrConflict when it
	// is already resolved.
	ResolveDriftEvent(ctx context.Context, id string, res v1.DriftResolution, resolvedBy string, autoCleared bool, now time.Time) error
	// ResolveProjectDrift closes every unresolved event in the project,
	// returning how many.
	ResolveProjectDrift(ctx context.Context, projectID string, res v1.DriftResolution, resolvedBy string, now time.Time) (int, error)
	// SetRemediation links the remediation rollout to the event and
	// records resolution rollout_started while leaving the event open, so
	// the node cannot accumulate a second event while remediation runs.
	SetRemediation(ctx context.Context, eventID, rolloutID string) error
	DriftStats(ctx context.Context, projectID string) (*v1.DriftStats, error)
}

type Jobs interface {
	// EnqueueJob inserts a pending job; ErrConflict when a pending job
	// with the same dedup key exists.
	EnqueueJob(ctx context.Context, j *v1.Job) error
	// ClaimDueJob atomically claims the oldest due pending job, or
	// ErrNotFound when none is due.
	ClaimDueJob(ctx context.Context, now time.Time) (*v1.Job, error)
	// CompleteJob removes a finished job row.
	CompleteJob(ctx context.Context, id string) error
	// RetryJob returns a running job to pending with a new run_at.
	RetryJob(ctx context.Context, j *v1.Job, runAt time.Time, lastErr string) error
	// FailJob parks a running job in the terminal failed state.
	FailJob(ctx context.Context, j *v1.Job, lastErr string) error
	// RequeueStuckJobs returns running jobs untouched since cutoff to
	// pending, covering worker crashes.
	RequeueStuckJobs(ctx context.Context, cutoff time.Time) (int, error)
	ListJobs(ctx context.Context, states []v1.JobState, limit int) ([]*v1.Job, error)
}

type Endpoints interface {
	CreateService(ctx context.Context, s *v1.ServiceEndpoint) error
	GetService(ctx context.Context, id string) (*v1.ServiceEndpoint, error)
	ListServices(ctx context.Context, projectID string) ([]*v1.ServiceEndpoint, error)
	DeleteService(ctx context.Context, id string) error
	CreateRule(ctx context.Context, r *v1.ValidationRule) error
	ListRules(ctx context.Context, projectID string) ([]*v1.ValidationRule, error)
	UpdateRule(ctx context.Context, r *v1.ValidationRule) error
	DeleteRule(ctx context.Context, id string) error
	CreateWebhook(ctx context.Context, w *v1.WebhookEndpoint) error
	GetWebhook(ctx context.Context, id string) (*v1.WebhookEndpoint, error)
	ListWebhooks(ctx context.Context, projectID string) ([]*v1.WebhookEndpoint, error)
	DeleteWebhook(ctx context.Context, id string) error
}

// Interface is the full store contract.
type Interface interface {
	Tenants
	Identity
	Bundles
	Nodes
	Rollouts
	Drift
	Jobs
	Endpoints
	Close() error
}

// MatchLabels reports whether have is a superset of want. Both stores use it
// for label predicate filtering; the SQL store only for in-memory rechecks.
func MatchLabels(want, have map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}
