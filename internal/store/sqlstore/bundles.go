package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sentinelproxy/sentinel-cp/internal/store"
	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
)

type bundleRow struct {
	ID             string     `db:"id"`
	ProjectID      string     `db:"project_id"`
	Version        string     `db:"version"`
	Status         string     `db:"status"`
	SourceType     string     `db:"source_type"`
	SourceRef      string     `db:"source_ref"`
	ConfigSource   string     `db:"config_source"`
	Checksum       string     `db:"checksum"`
	SizeBytes      int64      `db:"size_bytes"`
	StorageKey     string     `db:"storage_key"`
	Signature      string     `db:"signature"`
	SigningKeyID   string     `db:"signing_key_id"`
	CompilerOutput string     `db:"compiler_output"`
	RiskLevel      string     `db:"risk_level"`
	RiskReasons    []byte     `db:"risk_reasons"`
	Manifest       []byte     `db:"manifest"`
	SBOM           []byte     `db:"sbom"`
	Metadata       []byte     `db:"metadata"`
	CreatedBy      string     `db:"created_by"`
	CreatedAt      time.Time  `db:"created_at"`
	CompiledAt     *time.Time `db:"compiled_at"`
	RevokedAt      *time.Time `db:"revoked_at"`
}

const bundleColumns = `id, project_id, version, status, source_type, source_ref, config_source,
	checksum, size_bytes, storage_key, signature, signing_key_id, compiler_output,
	risk_level, risk_reasons, manifest, sbom, metadata, created_by, created_at, compiled_at, revoked_at`

func (r *bundleRow) toBundle() (*v1.Bundle, error) {
	b := &v1.Bundle{
		ID:             r.ID,
		ProjectID:      r.ProjectID,
		Version:        r.Version,
		Status:         v1.BundleStatus(r.Status),
		SourceType:     v1.SourceType(r.SourceType),
		SourceRef:      r.SourceRef,
		ConfigSource:   r.ConfigSource,
		Checksum:       r.Checksum,
		SizeBytes:      r.SizeBytes,
		StorageKey:     r.StorageKey,
		Signature:      r.Signature,
		SigningKeyID:   r.SigningKeyID,
		CompilerOutput: r.CompilerOutput,
		RiskLevel:      v1.RiskLevel(r.RiskLevel),
		CreatedBy:      r.CreatedBy,
		CreatedAt:      r.CreatedAt.UTC(),
		CompiledAt:     r.CompiledAt,
		RevokedAt:      r.RevokedAt,
	}
	if len(r.SBOM) > 0 {
		b.SBOM = json.RawMessage(r.SBOM)
	}
	if err := fromJSON(r.RiskReasons, &b.RiskReasons); err != nil {
		return nil, err
	}
	if err := fromJSON(r.Manifest, &b.Manifest); err != nil {
		return nil, err
	}
	if err := fromJSON(r.Metadata, &b.Metadata); err != nil {
		return nil, err
	}
	return b, nil
}

func bundleArgs(b *v1.Bundle) ([]any, error) {
	reasons, err := jsonOf(b.RiskReasons)
	if err != nil {
		return nil, err
	}
	manifest, err := jsonOf(b.Manifest)
	if err != nil {
		return nil, err
	}
	sbom, err := jsonOf(b.SBOM)
	if err != nil {
		return nil, err
	}
	metadata, err := jsonOf(b.Metadata)
	if err != nil {
		return nil, err
	}
	return []any{
		b.ID, b.ProjectID, b.Version, string(b.Status), string(b.SourceType), b.SourceRef,
		b.ConfigSource, b.Checksum, b.SizeBytes, b.StorageKey, b.Signature, b.SigningKeyID,
		b.CompilerOutput, string(b.RiskLevel), reasons, manifest, sbom, metadata, b.CreatedBy,
		b.CreatedAt, b.CompiledAt, b.RevokedAt,
	}, nil
}

func (s *Store) CreateBundle(ctx context.Context, b *v1.Bundle) error {
	args, err := bundleArgs(b)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO bundles (`+bundleColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		args...)
	return toErr(err)
}

func (s *Store) GetBundle(ctx context.Context, id string) (*v1.Bundle, error) {
	var row bundleRow
	err := s.db.GetContext(ctx, &row, `SELECT `+bundleColumns+` FROM bundles WHERE id = $1`, id)
	if err != nil {
		return nil, toErr(err)
	}
	return row.toBundle()
}

func (s *Store) ListBundles(ctx context.Context, f store.BundleFilter) ([]*v1.Bundle, error) {
	query := `SELECT ` + bundleColumns + ` FROM bundles WHERE 1=1`
	var args []any
	if f.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, f.ProjectID)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, 0, len(f.Statuses))
		for _, st := range f.Statuses {
			statuses = append(statuses, string(st))
		}
		query += ` AND status IN (?)`
		args = append(args, statuses)
	}
	query += ` ORDER BY created_at DESC`
	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var rows []bundleRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, toErr(err)
	}
	out := make([]*v1.Bundle, 0, len(rows))
	for i := range rows {
		b, err := rows[i].toBundle()
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (s *Store) ClaimBundleForCompile(ctx context.Context, id string) (*v1.Bundle, error) {
	var row bundleRow
	err := s.db.GetContext(ctx, &row,
		`UPDATE bundles SET status = $2 WHERE id = $1 AND status = $3 RETURNING `+bundleColumns,
		id, string(v1.BundleCompiling), string(v1.BundlePending))
	if err != nil {
		return nil, s.bundleMissOrConflict(ctx, id, err)
	}
	return row.toBundle()
}

// bundleMissOrConflict decides whether a zero-row guarded bundle update means
// the bundle is gone or in the wrong state.
func (s *Store) bundleMissOrConflict(ctx context.Context, id string, err error) error {
	if !errors.Is(err, sql.ErrNoRows) {
		return toErr(err)
	}
	var exists bool
	if e := s.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM bundles WHERE id = $1)`, id); e != nil {
		return toErr(e)
	}
	if exists {
		return store.ErrConflict
	}
	return store.ErrNotFound
}

func (s *Store) FinishCompile(ctx context.Context, b *v1.Bundle) error {
	reasons, err := jsonOf(b.RiskReasons)
	if err != nil {
		return err
	}
	manifest, err := jsonOf(b.Manifest)
	if err != nil {
		return err
	}
	sbom, err := jsonOf(b.SBOM)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE bundles SET status = $2, checksum = $3, size_bytes = $4, storage_key = $5,
		        signature = $6, signing_key_id = $7, compiler_output = $8, risk_level = $9,
		        risk_reasons = $10, manifest = $11, sbom = $12, config_source = $13, compiled_at = $14
		 WHERE id = $1 AND status = $15`,
		b.ID, string(b.Status), b.Checksum, b.SizeBytes, b.StorageKey,
		b.Signature, b.SigningKeyID, b.CompilerOutput, string(b.RiskLevel),
		reasons, manifest, sbom, b.ConfigSource, b.CompiledAt, string(v1.BundleCompiling))
	if err != nil {
		return toErr(err)
	}
	return guarded(ctx, s.db, res, `SELECT EXISTS (SELECT 1 FROM bundles WHERE id = $1)`, b.ID)
}

func (s *Store) SupersedeOthers(ctx context.Context, projectID, keepBundleID string) ([]string, error) {
	rows, err := s.db.QueryxContext(ctx,
		`UPDATE bundles SET status = $3 WHERE project_id = $1 AND id <> $2 AND status = $4 RETURNING id`,
		projectID, keepBundleID, string(v1.BundleSuperseded), string(v1.BundleCompiled))
	if err != nil {
		return nil, toErr(err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) RevokeBundle(ctx context.Context, id string, now time.Time) (*v1.Bundle, error) {
	var row bundleRow
	err := s.db.GetContext(ctx, &row,
		`UPDATE bundles SET status = $2, revoked_at = $3
		 WHERE id = $1 AND status IN ($4, $5) RETURNING `+bundleColumns,
		id, string(v1.BundleRevoked), now, string(v1.BundleCompiled), string(v1.BundleSuperseded))
	if err != nil {
		return nil, s.bundleMissOrConflict(ctx, id, err)
	}
	return row.toBundle()
}

func (s *Store) GetLatestCompiled(ctx context.Context, projectID string) (*v1.Bundle, error) {
	var row bundleRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+bundleColumns+` FROM bundles
		 WHERE project_id = $1 AND status = $2 ORDER BY created_at DESC LIMIT 1`,
		projectID, string(v1.BundleCompiled))
	if err != nil {
		return nil, toErr(err)
	}
	return row.toBundle()
}

func (s *Store) DeleteBundle(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM bundles WHERE id = $1`, id)
	if err != nil {
		return toErr(err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CreatePromotion(ctx context.Context, p *v1.Promotion) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bundle_promotions (id, bundle_id, project_id, environment_id, promoted_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.BundleID, p.ProjectID, p.EnvironmentID, p.PromotedBy, p.CreatedAt)
	return toErr(err)
}

func (s *Store) ListPromotions(ctx context.Context, bundleID string) ([]*v1.Promotion, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT id, bundle_id, project_id, environment_id, promoted_by, created_at
		 FROM bundle_promotions WHERE bundle_id = $1 ORDER BY created_at`, bundleID)
	if err != nil {
		return nil, toErr(err)
	}
	defer rows.Close()
	var out []*v1.Promotion
	for rows.Next() {
		var p v1.Promotion
		if err := rows.Scan(&p.ID, &p.BundleID, &p.ProjectID, &p.EnvironmentID, &p.PromotedBy, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.CreatedAt = p.CreatedAt.UTC()
		out = append(out, &p)
	}
	return out, rows.Err()
}
