// Package bundle owns the bundle lifecycle: creation, the compile pipeline,
// revocation, promotion chains, direct node assignment and operator diffs.
// Compiles run as dispatcher jobs; everything else is a synchronous API call.
package bundle

import (
	"context"
	"strings"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/sentinelproxy/sentinel-cp/internal/dispatcher"
	"github.com/sentinelproxy/sentinel-cp/internal/errutil"
	"github.com/sentinelproxy/sentinel-cp/internal/metrics"
	"github.com/sentinelproxy/sentinel-cp/internal/objectstore"
	"github.com/sentinelproxy/sentinel-cp/internal/store"
	"github.com/sentinelproxy/sentinel-cp/internal/validator"
	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
)

// Publisher is the slice of the notifier the service publishes events
// through.
type Publisher interface {
	Publish(ctx context.Context, event, projectID string, data any)
}

// Signer signs compiled artifacts; *token.Service implements it.
type Signer interface {
	SignArtifact(ctx context.Context, orgID, checksum string, artifact []byte) ([]byte, string, error)
}

// Options tune the compile pipeline.
type Options struct {
	// Compression selects the archive codec, zstd (default) or gzip.
	Compression string
	// Sign enables artifact signing with the org's active key.
	Sign bool
	// DownloadTTL bounds presigned artifact URLs.
	DownloadTTL time.Duration
}

// Deps are the service collaborators, named so wiring stays readable.
type Deps struct {
	Store     store.Interface
	Objects   objectstore.Store
	Validator validator.Validator
	Signer    Signer
	Fetcher   SourceFetcher
	Queue     dispatcher.Enqueuer
	Notifier  Publisher
	Metrics   *metrics.Metrics
	Clock     clock.PassiveClock
	Log       logr.Logger
}

type Service struct {
	store    store.Interface
	objects  objectstore.Store
	validate validator.Validator
	signer   Signer
	fetcher  SourceFetcher
	queue    dispatcher.Enqueuer
	notifier Publisher
	metrics  *metrics.Metrics
	clock    clock.PassiveClock
	log      logr.Logger
	opts     Options
}

func New(d Deps, opts Options) *Service {
	return &Service{
		store:    d.Store,
		objects:  d.Objects,
		validate: d.Validator,
		signer:   d.Signer,
		fetcher:  d.Fetcher,
		queue:    d.Queue,
		notifier: d.Notifier,
		metrics:  d.Metrics,
		clock:    d.Clock,
		log:      d.Log.WithName("bundle"),
		opts:     opts,
	}
}

// CreateParams are the operator-facing bundle creation fields.
type CreateParams struct {
	ProjectID    string            `json:"project_id"`
	Version      string            `json:"version"`
	SourceType   v1.SourceType     `json:"source_type,omitempty"`
	SourceRef    string            `json:"source_ref,omitempty"`
	ConfigSource string            `json:"config_source,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedBy    string            `json:"-"`
}

// Create stores a pending bundle and enqueues its compile job.
func (s *Service) Create(ctx context.Context, p CreateParams) (*v1.Bundle, error) {
	if strings.TrimSpace(p.Version) == "" {
		return nil, errutil.New(errutil.KindInvalidArgument, "version is required")
	}
	if p.SourceType == "" {
		p.SourceType = v1.SourceAPI
	}
	switch p.SourceType {
	case v1.SourceAPI:
		if p.ConfigSource == "" {
			return nil, errutil.New(errutil.KindInvalidArgument, "config_source is required for api-sourced bundles")
		}
	case v1.SourceGit:
		if p.SourceRef == "" {
			return nil, errutil.New(errutil.KindInvalidArgument, "source_ref is required for git-sourced bundles")
		}
		// scp-style refs (git@host:path) have no scheme and pass as-is.
		if repoURL, _, _ := ParseSourceRef(p.SourceRef); strings.Contains(repoURL, "://") && !govalidator.IsURL(repoURL) {
			return nil, errutil.New(errutil.KindInvalidArgument, "source_ref %q is not a cloneable URL", p.SourceRef)
		}
	default:
		return nil, errutil.New(errutil.KindInvalidArgument, "unknown source_type %q", p.SourceType)
	}
	if _, err := s.store.GetProject(ctx, p.ProjectID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errutil.New(errutil.KindNotFound, "project %s not found", p.ProjectID)
		}
		return nil, err
	}

	b := &v1.Bundle{
		ID:           v1.NewID(),
		ProjectID:    p.ProjectID,
		Version:      p.Version,
		Status:       v1.BundlePending,
		SourceType:   p.SourceType,
		SourceRef:    p.SourceRef,
		ConfigSource: p.ConfigSource,
		Metadata:     p.Metadata,
		CreatedBy:    p.CreatedBy,
		CreatedAt:    v1.Now(s.clock),
	}
	if err := s.store.CreateBundle(ctx, b); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, errutil.New(errutil.KindConflict, "version %q already exists in project", p.Version)
		}
		return nil, err
	}
	if err := s.queue.Enqueue(ctx, dispatcher.KindCompileBundle, dispatcher.CompileArgs{BundleID: b.ID}); err != nil {
		s.log.Error(err, "enqueuing compile", "bundle", b.ID)
	}
	s.log.Info("bundle created", "bundle", b.ID, "project", b.ProjectID, "version", b.Version)
	return b, nil
}

func (s *Service) Get(ctx context.Context, id string) (*v1.Bundle, error) {
	b, err := s.store.GetBundle(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errutil.New(errutil.KindBundleNotFound, "bundle %s not found", id)
	}
	return b, err
}

func (s *Service) List(ctx context.Context, f store.BundleFilter) ([]*v1.Bundle, error) {
	return s.store.ListBundles(ctx, f)
}

// Delete removes a pending or failed bundle and its artifact, if any was
// uploaded before the compile gave up.
func (s *Service) Delete(ctx context.Context, id string) error {
	b, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !b.Status.Deletable() {
		return errutil.New(errutil.KindInvalidState, "bundle in state %s cannot be deleted", b.Status)
	}
	if b.StorageKey != "" {
		if err := s.objects.Delete(ctx, b.StorageKey); err != nil {
			s.log.Error(err, "deleting artifact", "bundle", id, "key", b.StorageKey)
		}
	}
	return s.store.DeleteBundle(ctx, id)
}

// Revoke withdraws a distributable bundle and clears it from every node
// still staging it. Nodes already running it keep running it; that surfaces
// as drift.
func (s *Service) Revoke(ctx context.Context, id string) (*v1.Bundle, error) {
	b, err := s.store.RevokeBundle(ctx, id, v1.Now(s.clock))
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, errutil.New(errutil.KindBundleNotFound, "bundle %s not found", id)
	case errors.Is(err, store.ErrConflict):
		return nil, errutil.New(errutil.KindInvalidState, "only distributable bundles can be revoked")
	case err != nil:
		return nil, err
	}
	cleared, err := s.store.ResetStagedForBundle(ctx, id)
	if err != nil {
		s.log.Error(err, "clearing staged references", "bundle", id)
	}
	s.log.Info("bundle revoked", "bundle", id, "staged_cleared", cleared)
	s.notifier.Publish(ctx, v1.EventBundleRevokedName, b.ProjectID, b)
	return b, nil
}

// Promote blesses the bundle for an environment. Promotion is a chain:
// every lower-ordinal environment of the project must already hold the
// bundle.
func (s *Service) Promote(ctx context.Context, bundleID, environmentID, actor string) (*v1.Promotion, error) {
	b, err := s.Get(ctx, bundleID)
	if err != nil {
		return nil, err
	}
	if !b.Status.Distributable() {
		return nil, errutil.New(errutil.KindBundleNotCompiled, "bundle is %s, only compiled bundles can be promoted", b.Status)
	}
	env, err := s.store.GetEnvironment(ctx, environmentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errutil.New(errutil.KindNotFound, "environment %s not found", environmentID)
	}
	if err != nil {
		return nil, err
	}
	if env.ProjectID != b.ProjectID {
		return nil, errutil.New(errutil.KindNotFound, "environment %s not found in project %s", environmentID, b.ProjectID)
	}

	envs, err := s.store.ListEnvironments(ctx, b.ProjectID)
	if err != nil {
		return nil, err
	}
	promos, err := s.store.ListPromotions(ctx, bundleID)
	if err != nil {
		return nil, err
	}
	promoted := map[string]bool{}
	for _, p := range promos {
		promoted[p.EnvironmentID] = true
	}
	for _, e := range envs {
		if e.Ordinal < env.Ordinal && !promoted[e.ID] {
			return nil, errutil.New(errutil.KindInvalidState,
				"bundle must be promoted to %q before %q", e.Name, env.Name).
				WithDetail("missing_environment", e.ID)
		}
	}

	p := &v1.Promotion{
		ID:            v1.NewID(),
		BundleID:      bundleID,
		ProjectID:     b.ProjectID,
		EnvironmentID: environmentID,
		PromotedBy:    actor,
		CreatedAt:     v1.Now(s.clock),
	}
	if err := s.store.CreatePromotion(ctx, p); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, errutil.New(errutil.KindConflict, "bundle already promoted to %q", env.Name)
		}
		return nil, err
	}
	s.log.Info("bundle promoted", "bundle", bundleID, "environment", env.Name)
	return p, nil
}

// Assign stages the bundle directly on the given nodes, bypassing the
// rollout engine. Used for one-off targeting and break-glass fixes.
func (s *Service) Assign(ctx context.Context, bundleID string, nodeIDs []string) ([]*v1.Node, error) {
	b, err := s.Get(ctx, bundleID)
	if err != nil {
		return nil, err
	}
	if !b.Status.Distributable() {
		return nil, errutil.New(errutil.KindBundleNotCompiled, "bundle is %s, not distributable", b.Status)
	}
	assigned := make([]*v1.Node, 0, len(nodeIDs))
	for _, id := range lo.Uniq(nodeIDs) {
		n, err := s.store.GetNode(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, errutil.New(errutil.KindNotFound, "node %s not found", id)
		}
		if err != nil {
			return nil, err
		}
		if n.ProjectID != b.ProjectID {
			return nil, errutil.New(errutil.KindInvalidArgument, "node %s is not in project %s", id, b.ProjectID)
		}
		n.StagedBundleID = bundleID
		if err := s.store.UpdateNode(ctx, n); err != nil {
			return nil, err
		}
		assigned = append(assigned, n)
	}
	return assigned, nil
}

// Download presigns a GET URL for the bundle archive.
func (s *Service) Download(ctx context.Context, id string) (string, *v1.Bundle, error) {
	b, err := s.Get(ctx, id)
	if err != nil {
		return "", nil, err
	}
	if b.StorageKey == "" {
		return "", nil, errutil.New(errutil.KindBundleNotCompiled, "bundle %s has no artifact", id)
	}
	url, err := s.objects.PresignDownload(ctx, b.StorageKey, s.opts.DownloadTTL)
	return url, b, err
}

// DiffAgainst compares the bundle to another bundle of the same project.
// An empty againstID selects the project's latest compiled bundle.
func (s *Service) DiffAgainst(ctx context.Context, id, againstID string) (*Diff, error) {
	b, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var against *v1.Bundle
	if againstID == "" {
		against, err = s.store.GetLatestCompiled(ctx, b.ProjectID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, errutil.New(errutil.KindBundleNotFound, "project has no compiled bundle to diff against")
		}
	} else {
		against, err = s.Get(ctx, againstID)
	}
	if err != nil {
		return nil, err
	}
	if against.ProjectID != b.ProjectID {
		return nil, errutil.New(errutil.KindInvalidArgument, "bundles belong to different projects")
	}
	return &Diff{
		BundleID:  b.ID,
		AgainstID: against.ID,
		Lines:     diffLines(against.ConfigSource, b.ConfigSource),
		Files:     fileDiff(against.Manifest, b.Manifest),
	}, nil
}
