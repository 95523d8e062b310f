// Package registry owns the node side of the control plane: registration
// and key issue, heartbeat ingestion, liveness, labels, version bounds,
// pinning and node groups. The rollout engine reads nodes through the store;
// everything that writes a node row on behalf of an agent lives here.
package registry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Masterminds/semver/v3"
	jsonpatch "github.com/evanphx/json-patch"
	"github.com/go-logr/logr"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/sentinelproxy/sentinel-cp/internal/errutil"
	"github.com/sentinelproxy/sentinel-cp/internal/metrics"
	"github.com/sentinelproxy/sentinel-cp/internal/objectstore"
	"github.com/sentinelproxy/sentinel-cp/internal/store"
	"github.com/sentinelproxy/sentinel-cp/internal/token"
	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
	"github.com/sentinelproxy/sentinel-cp/pkg/durations"
)

// DriftReconciler is the drift engine hook invoked synchronously on every
// heartbeat for the reporting node.
type DriftReconciler interface {
	ReconcileNode(ctx context.Context, n *v1.Node) error
}

// Publisher fans an event out to subscribers and webhook deliveries.
type Publisher interface {
	Publish(ctx context.Context, event, projectID string, data any)
}

// Options tune the registry; zero values fall back to the server defaults.
type Options struct {
	// StaleThreshold is how long a node may go silent before the liveness
	// sweep marks it offline.
	StaleThreshold time.Duration
	// PollInterval is handed to nodes without a project-level override.
	PollInterval time.Duration
	// DownloadTTL bounds presigned bundle download URLs.
	DownloadTTL time.Duration
	// HeartbeatKeep/EventKeep cap stored rows per node, enforced by the
	// cleanup jobs.
	HeartbeatKeep int
	EventKeep     int
}

type Deps struct {
	Store    store.Interface
	Objects  objectstore.Store
	Drift    DriftReconciler
	Notifier Publisher
	Metrics  *metrics.Metrics
	Clock    clock.PassiveClock
	Log      logr.Logger
}

// Service implements the node registry.
type Service struct {
	st       store.Interface
	objects  objectstore.Store
	drift    DriftReconciler
	notifier Publisher
	metrics  *metrics.Metrics
	clock    clock.PassiveClock
	log      logr.Logger
	opts     Options
}

func New(d Deps, opts Options) *Service {
	if opts.StaleThreshold <= 0 {
		opts.StaleThreshold = durations.NodeStaleThreshold
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = durations.DefaultPollInterval
	}
	if opts.DownloadTTL <= 0 {
		opts.DownloadTTL = durations.DownloadURLTTL
	}
	if opts.HeartbeatKeep <= 0 {
		opts.HeartbeatKeep = 100
	}
	if opts.EventKeep <= 0 {
		opts.EventKeep = 500
	}
	return &Service{
		st:       d.Store,
		objects:  d.Objects,
		drift:    d.Drift,
		notifier: d.Notifier,
		metrics:  d.Metrics,
		clock:    d.Clock,
		log:      d.Log.WithName("registry"),
		opts:     opts,
	}
}

// RegisterParams is the agent-supplied half of a new node row.
type RegisterParams struct {
	Name          string            `json:"name"`
	EnvironmentID string            `json:"environment_id,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
	Capabilities  []string          `json:"capabilities,omitempty"`
	AgentVersion  string            `json:"version,omitempty"`
	IP            string            `json:"ip,omitempty"`
	Hostname      string            `json:"hostname,omitempty"`
}

// Register creates the node and issues its key. The raw key is returned
// exactly once; only its hash is stored.
func (s *Service) Register(ctx context.Context, projectID string, p RegisterParams) (*v1.Node, string, error) {
	if p.Name == "" {
		return nil, "", errutil.New(errutil.KindInvalidArgument, "node name is required")
	}
	if _, err := s.st.GetProject(ctx, projectID); err != nil {
		if errutil.IsKind(err, errutil.KindNotFound) || err == store.ErrNotFound {
			return nil, "", errutil.New(errutil.KindNotFound, "project %s not found", projectID)
		}
		return nil, "", err
	}
	if p.EnvironmentID != "" {
		env, err := s.st.GetEnvironment(ctx, p.EnvironmentID)
		if err != nil {
			return nil, "", errutil.New(errutil.KindNotFound, "environment %s not found", p.EnvironmentID)
		}
		if env.ProjectID != projectID {
			return nil, "", errutil.New(errutil.KindInvalidArgument, "environment %s belongs to another project", p.EnvironmentID)
		}
	}

	key, err := token.NewNodeKey()
	if err != nil {
		return nil, "", err
	}
	now := v1.Now(s.clock)
	n := &v1.Node{
		ID:            v1.NewID(),
		ProjectID:     projectID,
		EnvironmentID: p.EnvironmentID,
		Name:          p.Name,
		Labels:        p.Labels,
		Capabilities:  p.Capabilities,
		Status:        v1.NodeOnline,
		IP:            p.IP,
		Hostname:      p.Hostname,
		AgentVersion:  p.AgentVersion,
		LastSeenAt:    v1.TimePtr(now),
		RegisteredAt:  now,
		KeyHash:       token.HashSecret(key),
	}
	if err := s.st.CreateNode(ctx, n); err != nil {
		if err == store.ErrConflict {
			return nil, "", errutil.New(errutil.KindConflict, "node %q is already registered in this project", p.Name)
		}
		return nil, "", err
	}

	s.metrics.NodesByStatus.WithLabelValues(projectID, string(v1.NodeOnline)).Inc()
	s.notifier.Publish(ctx, v1.EventNodeRegistered, projectID, n)
	s.log.Info("node registered", "node", n.ID, "project", projectID, "name", n.Name)
	return n, key, nil
}

func (s *Service) Get(ctx context.Context, id string) (*v1.Node, error) {
	n, err := s.st.GetNode(ctx, id)
	if err == store.ErrNotFound {
		return nil, errutil.New(errutil.KindNotFound, "node %s not found", id)
	}
	return n, err
}

func (s *Service) List(ctx context.Context, f store.NodeFilter) ([]*v1.Node, error) {
	return s.st.ListNodes(ctx, f)
}

// Authenticate resolves a raw node key to its node. Decommissioned nodes no
// longer authenticate.
func (s *Service) Authenticate(ctx context.Context, rawKey string) (*v1.Node, error) {
	n, err := s.st.GetNodeByKeyHash(ctx, token.HashSecret(rawKey))
	if err == store.ErrNotFound {
		return nil, errutil.New(errutil.KindUnknownKey, "unknown node key")
	}
	if err != nil {
		return nil, err
	}
	if n.Status == v1.NodeDecommissioned {
		return nil, errutil.New(errutil.KindKeyDeactivated, "node %s is decommissioned", n.ID)
	}
	return n, nil
}

// Decommission permanently removes the node from service. Its credentials
// stop authenticating and the planner never targets it again.
func (s *Service) Decommission(ctx context.Context, id string) (*v1.Node, error) {
	n, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.Status == v1.NodeDecommissioned {
		return nil, errutil.New(errutil.KindInvalidState, "node %s is already decommissioned", id)
	}
	was := n.Status
	n.Status = v1.NodeDecommissioned
	n.StagedBundleID = ""
	if err := s.st.UpdateNode(ctx, n); err != nil {
		return nil, err
	}
	s.metrics.NodesByStatus.WithLabelValues(n.ProjectID, string(was)).Dec()
	s.metrics.NodesByStatus.WithLabelValues(n.ProjectID, string(v1.NodeDecommissioned)).Inc()
	s.log.Info("node decommissioned", "node", id, "project", n.ProjectID)
	return n, nil
}

// PatchLabels applies an RFC 7386 JSON merge patch to the node's labels:
// new keys add, existing keys overwrite, null removes.
func (s *Service) PatchLabels(ctx context.Context, id string, patch []byte) (*v1.Node, error) {
	n, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	current := []byte("{}")
	if len(n.Labels) > 0 {
		if current, err = json.Marshal(n.Labels); err != nil {
			return nil, err
		}
	}
	merged, err := jsonpatch.MergePatch(current, patch)
	if err != nil {
		return nil, errutil.Wrap(errutil.KindInvalidArgument, err, "invalid label patch")
	}
	var labels map[string]string
	if err := json.Unmarshal(merged, &labels); err != nil {
		return nil, errutil.New(errutil.KindInvalidArgument, "label values must be strings")
	}
	n.Labels = labels
	if err := s.st.UpdateNode(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

// Pin fixes the node to a bundle, excluding it from rollouts targeting any
// other bundle. An empty bundle id unpins.
func (s *Service) Pin(ctx context.Context, id, bundleID string) (*v1.Node, error) {
	n, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if bundleID != "" {
		b, err := s.st.GetBundle(ctx, bundleID)
		if err == store.ErrNotFound {
			return nil, errutil.New(errutil.KindBundleNotFound, "bundle %s not found", bundleID)
		}
		if err != nil {
			return nil, err
		}
		if b.ProjectID != n.ProjectID {
			return nil, errutil.New(errutil.KindInvalidArgument, "bundle %s belongs to another project", bundleID)
		}
	}
	n.PinnedBundleID = bundleID
	if err := s.st.UpdateNode(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

// SetVersionBounds sets the optional semver window the planner honors for
// this node. Empty strings clear a bound.
func (s *Service) SetVersionBounds(ctx context.Context, id, minVersion, maxVersion string) (*v1.Node, error) {
	for _, v := range []string{minVersion, maxVersion} {
		if v == "" {
			continue
		}
		if _, err := semver.NewVersion(v); err != nil {
			return nil, errutil.New(errutil.KindInvalidArgument, "invalid version bound %q", v)
		}
	}
	n, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	n.MinBundleVersion = minVersion
	n.MaxBundleVersion = maxVersion
	if err := s.st.UpdateNode(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

// PollSeconds is the poll cadence handed to the project's nodes.
func (s *Service) PollSeconds(p *v1.Project) int {
	if p != nil && p.Settings.PollIntervalSeconds > 0 {
		return p.Settings.PollIntervalSeconds
	}
	return int(s.opts.PollInterval / time.Second)
}

// CreateGroup records a named node set. Unknown and foreign node ids are
// dropped, mirroring how the rollout planner treats explicit node lists.
func (s *Service) CreateGroup(ctx context.Context, projectID, name string, nodeIDs []string) (*v1.NodeGroup, error) {
	if name == "" {
		return nil, errutil.New(errutil.KindInvalidArgument, "group name is required")
	}
	if _, err := s.st.GetProject(ctx, projectID); err != nil {
		return nil, errutil.New(errutil.KindNotFound, "project %s not found", projectID)
	}
	existing, err := s.st.ListGroups(ctx, projectID)
	if err != nil {
		return nil, err
	}
	for _, g := range existing {
		if g.Name == name {
			return nil, errutil.New(errutil.KindConflict, "group %q already exists in this project", name)
		}
	}
	members, err := s.projectMembers(ctx, projectID, nodeIDs)
	if err != nil {
		return nil, err
	}
	g := &v1.NodeGroup{
		ID:        v1.NewID(),
		ProjectID: projectID,
		Name:      name,
		NodeIDs:   members,
		CreatedAt: v1.Now(s.clock),
	}
	if err := s.st.CreateGroup(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

func (s *Service) GetGroup(ctx context.Context, id string) (*v1.NodeGroup, error) {
	g, err := s.st.GetGroup(ctx, id)
	if err == store.ErrNotFound {
		return nil, errutil.New(errutil.KindNotFound, "group %s not found", id)
	}
	return g, err
}

func (s *Service) ListGroups(ctx context.Context, projectID string) ([]*v1.NodeGroup, error) {
	return s.st.ListGroups(ctx, projectID)
}

// UpdateGroup replaces the group's membership (and name, when non-empty).
func (s *Service) UpdateGroup(ctx context.Context, id, name string, nodeIDs []string) (*v1.NodeGroup, error) {
	g, err := s.GetGroup(ctx, id)
	if err != nil {
		return nil, err
	}
	members, err := s.projectMembers(ctx, g.ProjectID, nodeIDs)
	if err != nil {
		return nil, err
	}
	if name != "" {
		g.Name = name
	}
	g.NodeIDs = members
	if err := s.st.UpdateGroup(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

func (s *Service) DeleteGroup(ctx context.Context, id string) error {
	if _, err := s.GetGroup(ctx, id); err != nil {
		return err
	}
	return s.st.DeleteGroup(ctx, id)
}

// projectMembers keeps the ids that name live nodes of the project,
// deduplicated in caller order.
func (s *Service) projectMembers(ctx context.Context, projectID string, nodeIDs []string) ([]string, error) {
	var members []string
	for _, id := range lo.Uniq(nodeIDs) {
		n, err := s.st.GetNode(ctx, id)
		if err == store.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if n.ProjectID != projectID {
			continue
		}
		members = append(members, id)
	}
	return members, nil
}
