package sqlstore

import (
	"context"
	"time"

	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
)

type signingKeyRow struct {
	ID            string     `db:"id"`
	OrgID         string     `db:"org_id"`
	PublicKey     []byte     `db:"public_key"`
	PrivateKey    []byte     `db:"private_key"`
	Active        bool       `db:"active"`
	CreatedAt     time.Time  `db:"created_at"`
	ExpiresAt     *time.Time `db:"expires_at"`
	DeactivatedAt *time.Time `db:"deactivated_at"`
}

func (r *signingKeyRow) toKey() *v1.SigningKey {
	return &v1.SigningKey{
		ID:            r.ID,
		OrgID:         r.OrgID,
		PublicKey:     r.PublicKey,
		PrivateKey:    r.PrivateKey,
		Active:        r.Active,
		CreatedAt:     r.CreatedAt.UTC(),
		ExpiresAt:     r.ExpiresAt,
		DeactivatedAt: r.DeactivatedAt,
	}
}

const signingKeyColumns = `id, org_id, public_key, private_key, active, created_at, expires_at, deactivated_at`

func (s *Store) CreateSigningKey(ctx context.Context, k *v1.SigningKey) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO signing_keys (`+signingKeyColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		k.ID, k.OrgID, k.PublicKey, k.PrivateKey, k.Active, k.CreatedAt, k.ExpiresAt, k.DeactivatedAt)
	return toErr(err)
}

func (s *Store) GetSigningKey(ctx context.Context, id string) (*v1.SigningKey, error) {
	var row signingKeyRow
	err := s.db.GetContext(ctx, &row, `SELECT `+signingKeyColumns+` FROM signing_keys WHERE id = $1`, id)
	if err != nil {
		return nil, toErr(err)
	}
	return row.toKey(), nil
}

func (s *Store) ActiveSigningKey(ctx context.Context, orgID string, now time.Time) (*v1.SigningKey, error) {
	var row signingKeyRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+signingKeyColumns+` FROM signing_keys
		 WHERE org_id = $1 AND active AND deactivated_at IS NULL
		   AND (expires_at IS NULL OR expires_at > $2)
		 ORDER BY created_at DESC LIMIT 1`, orgID, now)
	if err != nil {
		return nil, toErr(err)
	}
	return row.toKey(), nil
}

func (s *Store) ListSigningKeys(ctx context.Context, orgID string) ([]*v1.SigningKey, error) {
	var rows []signingKeyRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+signingKeyColumns+` FROM signing_keys WHERE org_id = $1 ORDER BY created_at DESC`, orgID)
	if err != nil {
		return nil, toErr(err)
	}
	out := make([]*v1.SigningKey, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toKey())
	}
	return out, nil
}

func (s *Store) DeactivateSigningKey(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE signing_keys SET active = FALSE, deactivated_at = $2 WHERE id = $1 AND deactivated_at IS NULL`,
		id, now)
	if err != nil {
		return toErr(err)
	}
	return guarded(ctx, s.db, res, `SELECT EXISTS (SELECT 1 FROM signing_keys WHERE id = $1)`, id)
}

type apiKeyRow struct {
	ID        string     `db:"id"`
	OrgID     string     `db:"org_id"`
	UserID    string     `db:"user_id"`
	Name      string     `db:"name"`
	KeyHash   string     `db:"key_hash"`
	CreatedAt time.Time  `db:"created_at"`
	ExpiresAt *time.Time `db:"expires_at"`
	RevokedAt *time.Time `db:"revoked_at"`
}

func (r *apiKeyRow) toKey() *v1.APIKey {
	return &v1.APIKey{
		ID:        r.ID,
		OrgID:     r.OrgID,
		UserID:    r.UserID,
		Name:      r.Name,
		KeyHash:   r.KeyHash,
		CreatedAt: r.CreatedAt.UTC(),
		ExpiresAt: r.ExpiresAt,
		RevokedAt: r.RevokedAt,
	}
}

const apiKeyColumns = `id, org_id, user_id, name, key_hash, created_at, expires_at, revoked_at`

func (s *Store) CreateAPIKey(ctx context.Context, k *v1.APIKey) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (`+apiKeyColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		k.ID, k.OrgID, k.UserID, k.Name, k.KeyHash, k.CreatedAt, k.ExpiresAt, k.RevokedAt)
	return toErr(err)
}

func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (*v1.APIKey, error) {
	var row apiKeyRow
	err := s.db.GetContext(ctx, &row, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = $1`, hash)
	if err != nil {
		return nil, toErr(err)
	}
	return row.toKey(), nil
}

func (s *Store) ListAPIKeys(ctx context.Context, orgID string) ([]*v1.APIKey, error) {
	var rows []apiKeyRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE org_id = $1 ORDER BY created_at DESC`, orgID)
	if err != nil {
		return nil, toErr(err)
	}
	out := make([]*v1.APIKey, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toKey())
	}
	return out, nil
}

func (s *Store) RevokeAPIKey(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL`, id, now)
	if err != nil {
		return toErr(err)
	}
	return guarded(ctx, s.db, res, `SELECT EXISTS (SELECT 1 FROM api_keys WHERE id = $1)`, id)
}
