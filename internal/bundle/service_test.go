package bundle

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/sentinelproxy/sentinel-cp/internal/dispatcher"
	"github.com/sentinelproxy/sentinel-cp/internal/errutil"
	"github.com/sentinelproxy/sentinel-cp/internal/metrics"
	"github.com/sentinelproxy/sentinel-cp/internal/objectstore"
	"github.com/sentinelproxy/sentinel-cp/internal/store/bolt"
	"github.com/sentinelproxy/sentinel-cp/internal/token"
	"github.com/sentinelproxy/sentinel-cp/internal/validator"
	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
)

const testConfig = `listener "edge" {
  port 8443
}
route "checkout" {
  upstream "payments"
}
upstream "payments" {
  endpoint "10.0.0.1:9000"
}
`

type recordingPublisher struct {
	events []string
}

func (r *recordingPublisher) Publish(_ context.Context, event, _ string, _ any) {
	r.events = append(r.events, event)
}

type stubFetcher struct {
	data []byte
	err  error
}

func (s *stubFetcher) Fetch(context.Context, string) ([]byte, error) {
	return s.data, s.err
}

type fixture struct {
	svc     *Service
	st      *bolt.Store
	disp    *dispatcher.Dispatcher
	clk     *clocktesting.FakeClock
	objects *objectstore.FS
	tokens  *token.Service
	events  *recordingPublisher
	fetcher *stubFetcher
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	st, err := bolt.Open(filepath.Join(t.TempDir(), "sentinel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clk := clocktesting.NewFakeClock(time.Date(2024, 5, 14, 10, 0, 0, 0, time.UTC))
	objects, err := objectstore.NewFS(t.TempDir(), "http://cp.local", "test-secret")
	require.NoError(t, err)
	tokens, err := token.New(st, clk, time.Hour, "")
	require.NoError(t, err)

	m := metrics.New()
	disp := dispatcher.New(st, m, clk, logr.Discard(), 1, 3)
	events := &recordingPublisher{}
	fetcher := &stubFetcher{}

	svc := New(Deps{
		Store:     st,
		Objects:   objects,
		Validator: validator.Noop{},
		Signer:    tokens,
		Fetcher:   fetcher,
		Queue:     disp,
		Notifier:  events,
		Metrics:   m,
		Clock:     clk,
		Log:       logr.Discard(),
	}, opts)
	disp.Register(dispatcher.KindCompileBundle, svc.HandleCompile)

	ctx := context.Background()
	require.NoError(t, st.CreateOrganization(ctx, &v1.Organization{
		ID: "org1", Name: "Acme", Slug: "acme", CreatedAt: clk.Now(),
	}))
	require.NoError(t, st.CreateProject(ctx, &v1.Project{
		ID: "p1", OrgID: "org1", Name: "Edge", Slug: "edge", CreatedAt: clk.Now(),
	}))

	return &fixture{
		svc: svc, st: st, disp: disp, clk: clk,
		objects: objects, tokens: tokens, events: events, fetcher: fetcher, metrics: m,
	}
}

// compileBundle creates a bundle and drains the queue until its compile ran.
func (f *fixture) compileBundle(t *testing.T, version, source string) *v1.Bundle {
	t.Helper()
	ctx := context.Background()
	b, err := f.svc.Create(ctx, CreateParams{
		ProjectID: "p1", Version: version, ConfigSource: source, CreatedBy: "u1",
	})
	require.NoError(t, err)
	f.disp.Drain(ctx)
	out, err := f.svc.Get(ctx, b.ID)
	require.NoError(t, err)
	return out
}

func TestCreateCompilesBundle(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	b := f.compileBundle(t, "1.0.0", testConfig)

	assert.Equal(t, v1.BundleCompiled, b.Status)
	assert.NotEmpty(t, b.Checksum)
	assert.NotZero(t, b.SizeBytes)
	assert.True(t, strings.HasSuffix(b.StorageKey, ".tar.zst"), "zstd is the default codec: %s", b.StorageKey)
	assert.Equal(t, v1.RiskLow, b.RiskLevel, "first bundle of a project has nothing to regress")
	assert.Empty(t, b.RiskReasons)
	assert.Contains(t, b.CompilerOutput, "external validation skipped")
	require.NotNil(t, b.CompiledAt)

	require.NotNil(t, b.Manifest)
	require.Len(t, b.Manifest.Files, 1)
	assert.Equal(t, ConfigFileName, b.Manifest.Files[0].Path)
	sum := sha256.Sum256([]byte(testConfig))
	assert.Equal(t, hex.EncodeToString(sum[:]), b.Manifest.Files[0].Checksum)

	data, err := f.objects.Get(ctx, b.StorageKey)
	require.NoError(t, err)
	artSum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(artSum[:]), b.Checksum, "checksum covers the stored archive")
	assert.Equal(t, int64(len(data)), b.SizeBytes)

	var sbom struct {
		BOMFormat   string `json:"bomFormat"`
		SpecVersion string `json:"specVersion"`
		Components  []struct {
			BOMRef string `json:"bom-ref"`
		} `json:"components"`
	}
	require.NoError(t, json.Unmarshal(b.SBOM, &sbom))
	assert.Equal(t, "CycloneDX", sbom.BOMFormat)
	assert.Equal(t, "1.5", sbom.SpecVersion)
	refs := make([]string, 0, len(sbom.Components))
	for _, c := range sbom.Components {
		refs = append(refs, c.BOMRef)
	}
	assert.Contains(t, refs, `listener:edge`)
	assert.Contains(t, refs, `upstream:payments`)

	assert.Contains(t, f.events.events, v1.EventBundleCompiled)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.CompilesTotal.WithLabelValues("p1", "compiled")))
}

func TestCreateRejectsDuplicateVersion(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.svc.Create(ctx, CreateParams{ProjectID: "p1", Version: "1.0.0", ConfigSource: testConfig})
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, CreateParams{ProjectID: "p1", Version: "1.0.0", ConfigSource: "listener \"x\" {}"})
	assert.True(t, errutil.IsKind(err, errutil.KindConflict), "got %v", err)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	cases := map[string]struct {
		params CreateParams
		kind   errutil.Kind
	}{
		"missing version": {
			CreateParams{ProjectID: "p1", ConfigSource: testConfig},
			errutil.KindInvalidArgument,
		},
		"api without config source": {
			CreateParams{ProjectID: "p1", Version: "1.0.0"},
			errutil.KindInvalidArgument,
		},
		"git without source ref": {
			CreateParams{ProjectID: "p1", Version: "1.0.0", SourceType: v1.SourceGit},
			errutil.KindInvalidArgument,
		},
		"git with malformed url": {
			CreateParams{ProjectID: "p1", Version: "1.0.0", SourceType: v1.SourceGit, SourceRef: "http://exa mple/repo.git#main"},
			errutil.KindInvalidArgument,
		},
		"unknown source type": {
			CreateParams{ProjectID: "p1", Version: "1.0.0", SourceType: "ftp", ConfigSource: testConfig},
			errutil.KindInvalidArgument,
		},
		"unknown project": {
			CreateParams{ProjectID: "nope", Version: "1.0.0", ConfigSource: testConfig},
			errutil.KindNotFound,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Create(ctx, tc.params)
			assert.True(t, errutil.IsKind(err, tc.kind), "got %v", err)
		})
	}
}

func TestErrorRuleFailsCompile(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	require.NoError(t, f.st.CreateRule(ctx, &v1.ValidationRule{
		ID: "rule1", ProjectID: "p1", Kind: v1.RuleForbiddenPattern,
		Value: `*debug_mode*`, Severity: v1.SeverityError, Enabled: true,
		CreatedAt: f.clk.Now(),
	}))

	b := f.compileBundle(t, "1.0.0", "listener \"edge\" {\n  debug_mode true\n}\n")
	assert.Equal(t, v1.BundleFailed, b.Status)
	assert.Contains(t, b.CompilerOutput, "forbidden pattern")
	assert.Empty(t, b.StorageKey, "failed bundles upload nothing")
	assert.Contains(t, f.events.events, v1.EventBundleCompileFail)
	assert.True(t, b.Status.Deletable())
}

func TestWarningRuleDoesNotFailCompile(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	require.NoError(t, f.st.CreateRule(ctx, &v1.ValidationRule{
		ID: "rule1", ProjectID: "p1", Kind: v1.RuleRequiredField,
		Value: "agent", Severity: v1.SeverityWarning, Enabled: true,
		CreatedAt: f.clk.Now(),
	}))

	b := f.compileBundle(t, "1.0.0", testConfig)
	assert.Equal(t, v1.BundleCompiled, b.Status)
	assert.Contains(t, b.CompilerOutput, `required declaration "agent" not found`)
}

func TestJSONSchemaRuleChecksManifest(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	// The manifest never carries a "signatures" member, so this fails.
	schema := `{"type":"object","required":["bundle_id","files","signatures"]}`
	require.NoError(t, f.st.CreateRule(ctx, &v1.ValidationRule{
		ID: "rule1", ProjectID: "p1", Kind: v1.RuleJSONSchema,
		Value: schema, Severity: v1.SeverityError, Enabled: true,
		CreatedAt: f.clk.Now(),
	}))

	b := f.compileBundle(t, "1.0.0", testConfig)
	assert.Equal(t, v1.BundleFailed, b.Status)
	assert.Contains(t, b.CompilerOutput, "manifest violates schema")
}

func TestNewCompileSupersedesPrevious(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	first := f.compileBundle(t, "1.0.0", testConfig)
	second := f.compileBundle(t, "1.1.0", testConfig+"agent \"tracer\" {\n}\n")

	reloaded, err := f.svc.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.BundleSuperseded, reloaded.Status)
	assert.True(t, reloaded.Status.Distributable(), "superseded bundles stay distributable")
	assert.Equal(t, v1.BundleCompiled, second.Status)

	latest, err := f.st.GetLatestCompiled(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
}

func TestRevoke(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	b := f.compileBundle(t, "1.0.0", testConfig)
	require.NoError(t, f.st.CreateNode(ctx, &v1.Node{
		ID: "n1", ProjectID: "p1", Name: "edge-1", Status: v1.NodeOnline,
		StagedBundleID: b.ID, KeyHash: "kh1", RegisteredAt: f.clk.Now(),
	}))

	revoked, err := f.svc.Revoke(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.BundleRevoked, revoked.Status)
	require.NotNil(t, revoked.RevokedAt)
	assert.False(t, revoked.Status.Distributable())

	n, err := f.st.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Empty(t, n.StagedBundleID, "revocation clears staged references")

	_, err = f.svc.Revoke(ctx, b.ID)
	assert.True(t, errutil.IsKind(err, errutil.KindInvalidState), "got %v", err)
	assert.Contains(t, f.events.events, v1.EventBundleRevokedName)
}

func TestRevokePendingRejected(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	b, err := f.svc.Create(ctx, CreateParams{ProjectID: "p1", Version: "1.0.0", ConfigSource: testConfig})
	require.NoError(t, err)
	_, err = f.svc.Revoke(ctx, b.ID)
	assert.True(t, errutil.IsKind(err, errutil.KindInvalidState), "got %v", err)
}

func TestPromotionChain(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	for i, name := range []string{"dev", "staging", "prod"} {
		require.NoError(t, f.st.CreateEnvironment(ctx, &v1.Environment{
			ID: "env-" + name, ProjectID: "p1", Name: name, Ordinal: i,
		}))
	}
	b := f.compileBundle(t, "1.0.0", testConfig)

	// Skipping dev is rejected.
	_, err := f.svc.Promote(ctx, b.ID, "env-staging", "u1")
	require.True(t, errutil.IsKind(err, errutil.KindInvalidState), "got %v", err)
	kerr, _ := errutil.AsError(err)
	assert.Equal(t, "env-dev", kerr.Detail["missing_environment"])

	_, err = f.svc.Promote(ctx, b.ID, "env-dev", "u1")
	require.NoError(t, err)
	_, err = f.svc.Promote(ctx, b.ID, "env-staging", "u1")
	require.NoError(t, err)

	// Double promotion is a conflict.
	_, err = f.svc.Promote(ctx, b.ID, "env-dev", "u1")
	assert.True(t, errutil.IsKind(err, errutil.KindConflict), "got %v", err)

	promos, err := f.st.ListPromotions(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, promos, 2)
}

func TestPromoteRequiresDistributableAndOwnEnvironment(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	require.NoError(t, f.st.CreateProject(ctx, &v1.Project{ID: "p2", OrgID: "org1", Name: "Other", Slug: "other", CreatedAt: f.clk.Now()}))
	require.NoError(t, f.st.CreateEnvironment(ctx, &v1.Environment{ID: "env-x", ProjectID: "p2", Name: "dev", Ordinal: 0}))

	pending, err := f.svc.Create(ctx, CreateParams{ProjectID: "p1", Version: "0.9.0", ConfigSource: testConfig})
	require.NoError(t, err)
	_, err = f.svc.Promote(ctx, pending.ID, "env-x", "u1")
	assert.True(t, errutil.IsKind(err, errutil.KindBundleNotCompiled), "got %v", err)

	b := f.compileBundle(t, "1.0.0", testConfig)
	_, err = f.svc.Promote(ctx, b.ID, "env-x", "u1")
	assert.True(t, errutil.IsKind(err, errutil.KindNotFound), "foreign environment: got %v", err)
}

func TestAssign(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	require.NoError(t, f.st.CreateProject(ctx, &v1.Project{ID: "p2", OrgID: "org1", Name: "Other", Slug: "other", CreatedAt: f.clk.Now()}))
	require.NoError(t, f.st.CreateNode(ctx, &v1.Node{
		ID: "n1", ProjectID: "p1", Name: "edge-1", Status: v1.NodeOnline, KeyHash: "kh1", RegisteredAt: f.clk.Now(),
	}))
	require.NoError(t, f.st.CreateNode(ctx, &v1.Node{
		ID: "n2", ProjectID: "p2", Name: "edge-2", Status: v1.NodeOnline, KeyHash: "kh2", RegisteredAt: f.clk.Now(),
	}))

	b := f.compileBundle(t, "1.0.0", testConfig)

	assigned, err := f.svc.Assign(ctx, b.ID, []string{"n1", "n1"})
	require.NoError(t, err)
	require.Len(t, assigned, 1, "duplicate ids collapse")
	n, err := f.st.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, b.ID, n.StagedBundleID)

	_, err = f.svc.Assign(ctx, b.ID, []string{"n2"})
	assert.True(t, errutil.IsKind(err, errutil.KindInvalidArgument), "foreign node: got %v", err)
	_, err = f.svc.Assign(ctx, b.ID, []string{"ghost"})
	assert.True(t, errutil.IsKind(err, errutil.KindNotFound), "got %v", err)
}

func TestDownloadPresignsArtifact(t *testing.T) {
	f := newFixture(t, Options{DownloadTTL: 15 * time.Minute})
	ctx := context.Background()

	b := f.compileBundle(t, "1.0.0", testConfig)
	url, got, err := f.svc.Download(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)
	assert.Contains(t, url, "/artifacts/bundles/p1/"+b.ID)
	assert.Contains(t, url, "signature=")

	pending, err := f.svc.Create(ctx, CreateParams{ProjectID: "p1", Version: "2.0.0", ConfigSource: testConfig})
	require.NoError(t, err)
	_, _, err = f.svc.Download(ctx, pending.ID)
	assert.True(t, errutil.IsKind(err, errutil.KindBundleNotCompiled), "got %v", err)
}

func TestDiffAgainst(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	first := f.compileBundle(t, "1.0.0", "listener \"edge\" {\n  port 8443\n}\n")
	second := f.compileBundle(t, "1.1.0", "listener \"edge\" {\n  port 9443\n}\n")

	diff, err := f.svc.DiffAgainst(ctx, second.ID, first.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, diff.BundleID)
	assert.Equal(t, first.ID, diff.AgainstID)

	var inserted, deleted []string
	for _, l := range diff.Lines {
		switch l.Op {
		case "insert":
			inserted = append(inserted, l.Text)
		case "delete":
			deleted = append(deleted, l.Text)
		}
	}
	assert.Contains(t, strings.Join(inserted, "\n"), "9443")
	assert.Contains(t, strings.Join(deleted, "\n"), "8443")
	assert.Equal(t, []string{ConfigFileName}, diff.Files.Changed)
}

func TestCompileSignsArtifact(t *testing.T) {
	f := newFixture(t, Options{Sign: true})
	ctx := context.Background()

	key, err := f.tokens.EnsureSigningKey(ctx, "org1")
	require.NoError(t, err)

	b := f.compileBundle(t, "1.0.0", testConfig)
	require.Equal(t, v1.BundleCompiled, b.Status)
	assert.Equal(t, key.ID, b.SigningKeyID)
	require.NotEmpty(t, b.Signature)

	sig, err := base64.StdEncoding.DecodeString(b.Signature)
	require.NoError(t, err)
	data, err := f.objects.Get(ctx, b.StorageKey)
	require.NoError(t, err)
	stored, err := f.st.GetSigningKey(ctx, key.ID)
	require.NoError(t, err)
	assert.True(t, token.VerifyArtifact(stored, b.Checksum, data, sig))
}

func TestCompileWithoutSigningKeySkipsSignature(t *testing.T) {
	f := newFixture(t, Options{Sign: true})

	b := f.compileBundle(t, "1.0.0", testConfig)
	assert.Equal(t, v1.BundleCompiled, b.Status)
	assert.Empty(t, b.Signature)
	assert.Contains(t, b.CompilerOutput, "signing skipped")
}

func TestGzipCompression(t *testing.T) {
	f := newFixture(t, Options{Compression: CompressionGzip})

	b := f.compileBundle(t, "1.0.0", testConfig)
	assert.Equal(t, v1.BundleCompiled, b.Status)
	assert.True(t, strings.HasSuffix(b.StorageKey, ".tar.gz"), b.StorageKey)
}

func TestTransientCompileErrorReleasesClaimThenParks(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.fetcher.err = context.DeadlineExceeded

	b, err := f.svc.Create(ctx, CreateParams{
		ProjectID: "p1", Version: "1.0.0", SourceType: v1.SourceGit,
		SourceRef: "https://example.com/edge.git#main",
	})
	require.NoError(t, err)

	// First two attempts release the claim and retry.
	require.Equal(t, 1, f.disp.Drain(ctx))
	mid, err := f.svc.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.BundlePending, mid.Status, "claim released for the retry")

	f.clk.Step(3 * time.Minute)
	require.Equal(t, 1, f.disp.Drain(ctx))
	f.clk.Step(3 * time.Minute)
	require.Equal(t, 1, f.disp.Drain(ctx))

	final, err := f.svc.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.BundleFailed, final.Status)
	assert.Contains(t, final.CompilerOutput, "compile aborted after 3 attempts")

	failed, err := f.st.ListJobs(ctx, []v1.JobState{v1.JobFailed}, 0)
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func TestGitSourceCompiles(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.fetcher.data = []byte(testConfig)

	b, err := f.svc.Create(ctx, CreateParams{
		ProjectID: "p1", Version: "1.0.0", SourceType: v1.SourceGit,
		SourceRef: "https://example.com/edge.git#main:configs/edge.kdl",
	})
	require.NoError(t, err)
	f.disp.Drain(ctx)

	out, err := f.svc.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.BundleCompiled, out.Status)
	assert.Equal(t, testConfig, out.ConfigSource, "fetched source is persisted for later diffs")
}

func TestDeleteRules(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	compiled := f.compileBundle(t, "1.0.0", testConfig)
	err := f.svc.Delete(ctx, compiled.ID)
	assert.True(t, errutil.IsKind(err, errutil.KindInvalidState), "got %v", err)

	pending, err := f.svc.Create(ctx, CreateParams{ProjectID: "p1", Version: "2.0.0", ConfigSource: testConfig})
	require.NoError(t, err)
	require.NoError(t, f.svc.Delete(ctx, pending.ID))
	_, err = f.svc.Get(ctx, pending.ID)
	assert.True(t, errutil.IsKind(err, errutil.KindBundleNotFound), "got %v", err)
}
