package bundle

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/sentinelproxy/sentinel-cp/internal/dispatcher"
	"github.com/sentinelproxy/sentinel-cp/internal/errutil"
	"github.com/sentinelproxy/sentinel-cp/internal/store"
	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
	"github.com/sentinelproxy/sentinel-cp/pkg/durations"
)

// HandleCompile is the dispatcher handler for compile_bundle jobs. The
// pending-to-compiling claim makes duplicate deliveries no-ops; a transient
// pipeline error releases the claim so the retry can take it again, and the
// final failed attempt parks the bundle as failed rather than stranding it
// in compiling.
func (s *Service) HandleCompile(ctx context.Context, job *v1.Job) error {
	args, err := dispatcher.Args[dispatcher.CompileArgs](job)
	if err != nil {
		return err
	}
	b, err := s.store.ClaimBundleForCompile(ctx, args.BundleID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// Deleted before a worker got to it.
		return nil
	case errors.Is(err, store.ErrConflict):
		// Another delivery already holds or finished the claim.
		return nil
	case err != nil:
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, durations.CompileTimeout)
	defer cancel()

	logger := s.log.WithValues("bundle", b.ID, "project", b.ProjectID, "version", b.Version)
	start := s.clock.Now()
	finished, err := s.compile(ctx, b)
	if err != nil {
		if job.Attempts >= job.MaxAttempts {
			s.finishFailed(ctx, b, fmt.Sprintf("compile aborted after %d attempts: %v", job.Attempts, err))
			return err
		}
		released := *b
		released.Status = v1.BundlePending
		if uerr := s.store.FinishCompile(ctx, &released); uerr != nil {
			logger.Error(uerr, "releasing compile claim")
		}
		return err
	}

	if err := s.store.FinishCompile(ctx, finished); err != nil {
		return err
	}
	s.metrics.CompileSeconds.WithLabelValues(b.ProjectID).Observe(s.clock.Since(start).Seconds())

	if finished.Status != v1.BundleCompiled {
		s.metrics.CompilesTotal.WithLabelValues(b.ProjectID, "failed").Inc()
		s.notifier.Publish(ctx, v1.EventBundleCompileFail, b.ProjectID, finished)
		logger.Info("bundle compile failed")
		return nil
	}

	superseded, err := s.store.SupersedeOthers(ctx, b.ProjectID, b.ID)
	if err != nil {
		logger.Error(err, "superseding older bundles")
	} else if len(superseded) > 0 {
		logger.Info("superseded older bundles", "count", len(superseded))
	}
	s.metrics.CompilesTotal.WithLabelValues(b.ProjectID, "compiled").Inc()
	s.notifier.Publish(ctx, v1.EventBundleCompiled, b.ProjectID, finished)
	logger.Info("bundle compiled",
		"checksum", finished.Checksum, "size", finished.SizeBytes, "risk", finished.RiskLevel)
	return nil
}

// compile runs the pipeline to a verdict: resolve source, validate, evaluate
// rules, assemble and checksum the archive, sign, upload, generate the SBOM
// and score risk. The returned row is terminal (compiled or failed); an error
// return means the pipeline could not reach a verdict and should be retried.
func (s *Service) compile(ctx context.Context, b *v1.Bundle) (*v1.Bundle, error) {
	out := *b
	now := v1.Now(s.clock)

	project, err := s.store.GetProject(ctx, b.ProjectID)
	if err != nil {
		return nil, errors.Wrap(err, "loading project")
	}

	if b.SourceType == v1.SourceGit && out.ConfigSource == "" {
		data, err := s.fetcher.Fetch(ctx, b.SourceRef)
		if err != nil {
			return nil, errors.Wrap(err, "fetching source")
		}
		out.ConfigSource = string(data)
	}
	if out.ConfigSource == "" {
		return failRow(&out, "no config source to compile"), nil
	}
	source := []byte(out.ConfigSource)

	var output []string

	res, err := s.validate.Validate(ctx, source)
	if err != nil {
		return nil, errors.Wrap(err, "running validator")
	}
	if o := strings.TrimSpace(res.Output); o != "" {
		output = append(output, o)
	}
	if !res.Valid {
		return failRow(&out, strings.Join(output, "\n")), nil
	}

	manifest := buildManifest(b.ID, now, source)
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return nil, err
	}

	rules, err := s.store.ListRules(ctx, b.ProjectID)
	if err != nil {
		return nil, errors.Wrap(err, "loading validation rules")
	}
	findings, rulesFailed := applyRules(rules, source, manifestJSON)
	output = append(output, findings...)
	if rulesFailed {
		return failRow(&out, strings.Join(output, "\n")), nil
	}

	art, err := assemble(manifest, source, s.opts.Compression)
	if err != nil {
		return nil, errors.Wrap(err, "assembling archive")
	}
	out.Checksum = art.Checksum
	out.SizeBytes = int64(len(art.Data))
	out.Manifest = art.Manifest

	if s.opts.Sign {
		sig, keyID, err := s.signer.SignArtifact(ctx, project.OrgID, art.Checksum, art.Data)
		switch {
		case errutil.IsKind(err, errutil.KindNoSigningKey):
			output = append(output, "signing skipped: organization has no usable signing key")
		case err != nil:
			return nil, errors.Wrap(err, "signing artifact")
		default:
			out.Signature = base64.StdEncoding.EncodeToString(sig)
			out.SigningKeyID = keyID
		}
	}

	key := storageKey(b.ProjectID, b.ID, art.Extension)
	if err := s.objects.Put(ctx, key, art.Data); err != nil {
		return nil, errors.Wrap(err, "uploading artifact")
	}
	out.StorageKey = key

	sbom, err := generateSBOM(b, project, now, out.ConfigSource)
	if err != nil {
		return nil, err
	}
	out.SBOM = sbom

	previous := ""
	latest, err := s.store.GetLatestCompiled(ctx, b.ProjectID)
	switch {
	case err == nil:
		previous = latest.ConfigSource
	case !errors.Is(err, store.ErrNotFound):
		return nil, errors.Wrap(err, "loading previous bundle")
	}
	out.RiskLevel, out.RiskReasons = scoreRisk(previous, out.ConfigSource)

	out.Status = v1.BundleCompiled
	out.CompiledAt = v1.TimePtr(now)
	out.CompilerOutput = strings.Join(output, "\n")
	return &out, nil
}

func failRow(b *v1.Bundle, output string) *v1.Bundle {
	b.Status = v1.BundleFailed
	b.CompilerOutput = output
	return b
}

func (s *Service) finishFailed(ctx context.Context, b *v1.Bundle, output string) {
	row := *b
	failRow(&row, output)
	if err := s.store.FinishCompile(ctx, &row); err != nil {
		s.log.Error(err, "parking failed bundle", "bundle", b.ID)
		return
	}
	s.metrics.CompilesTotal.WithLabelValues(b.ProjectID, "failed").Inc()
	s.notifier.Publish(ctx, v1.EventBundleCompileFail, b.ProjectID, &row)
}
