package sqlstore

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
)

type jobRow struct {
	ID          string    `db:"id"`
	Kind        string    `db:"kind"`
	DedupKey    string    `db:"dedup_key"`
	Args        []byte    `db:"args"`
	State       string    `db:"state"`
	RunAt       time.Time `db:"run_at"`
	Attempts    int       `db:"attempts"`
	MaxAttempts int       `db:"max_attempts"`
	LastError   string    `db:"last_error"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

const jobColumns = `id, kind, dedup_key, args, state, run_at, attempts, max_attempts, last_error, created_at, updated_at`

func (r *jobRow) toJob() *v1.Job {
	return &v1.Job{
		ID:          r.ID,
		Kind:        r.Kind,
		DedupKey:    r.DedupKey,
		Args:        r.Args,
		State:       v1.JobState(r.State),
		RunAt:       r.RunAt.UTC(),
		Attempts:    r.Attempts,
		MaxAttempts: r.MaxAttempts,
		LastError:   r.LastError,
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
}

// EnqueueJob relies on the jobs_pending_dedup partial index to collapse
// duplicate pending enqueues of the same dedup key.
func (s *Store) EnqueueJob(ctx context.Context, j *v1.Job) error {
	args, err := jsonOf(j.Args)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		j.ID, j.Kind, j.DedupKey, args, string(j.State), j.RunAt,
		j.Attempts, j.MaxAttempts, j.LastError, j.CreatedAt, j.UpdatedAt)
	return toErr(err)
}

// ClaimDueJob picks the oldest due pending job. SKIP LOCKED keeps concurrent
// workers from fighting over the same row.
func (s *Store) ClaimDueJob(ctx context.Context, now time.Time) (*v1.Job, error) {
	var row jobRow
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		return tx.GetContext(ctx, &row,
			`UPDATE jobs SET state = $1, attempts = attempts + 1, updated_at = $2
			 WHERE id = (
			     SELECT id FROM jobs
			     WHERE state = $3 AND run_at <= $2
			     ORDER BY run_at, created_at
			     LIMIT 1
			     FOR UPDATE SKIP LOCKED
			 )
			 RETURNING `+jobColumns,
			string(v1.JobRunning), now, string(v1.JobPending))
	})
	if err != nil {
		return nil, toErr(err)
	}
	return row.toJob(), nil
}

func (s *Store) CompleteJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	return toErr(err)
}

// releaseDedup drops the row's dedup key when another pending job already
// holds the slot, so returning to pending never trips the partial index.
const releaseDedup = `CASE WHEN EXISTS (
	SELECT 1 FROM jobs other
	WHERE other.dedup_key = jobs.dedup_key AND other.state = 'pending' AND other.id <> jobs.id
) THEN '' ELSE dedup_key END`

func (s *Store) RetryJob(ctx context.Context, j *v1.Job, runAt time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = $2, run_at = $3, last_error = $4, updated_at = $3,
		        dedup_key = `+releaseDedup+`
		 WHERE id = $1 AND state = $5`,
		j.ID, string(v1.JobPending), runAt, lastErr, string(v1.JobRunning))
	if err != nil {
		return toErr(err)
	}
	return guarded(ctx, s.db, res, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, j.ID)
}

func (s *Store) FailJob(ctx context.Context, j *v1.Job, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = $2, last_error = $3, updated_at = $4
		 WHERE id = $1 AND state = $5`,
		j.ID, string(v1.JobFailed), lastErr, j.UpdatedAt, string(v1.JobRunning))
	if err != nil {
		return toErr(err)
	}
	return guarded(ctx, s.db, res, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, j.ID)
}

// RequeueStuckJobs clears dedup keys on the recovered rows: several stuck
// jobs may share one key, and only keyless rows can all return to pending.
func (s *Store) RequeueStuckJobs(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = $1, dedup_key = ''
		 WHERE state = $2 AND updated_at < $3`,
		string(v1.JobPending), string(v1.JobRunning), cutoff)
	if err != nil {
		return 0, toErr(err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) ListJobs(ctx context.Context, states []v1.JobState, limit int) ([]*v1.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if len(states) > 0 {
		in := make([]string, 0, len(states))
		for _, st := range states {
			in = append(in, string(st))
		}
		query += ` WHERE state IN (?)`
		args = append(args, in)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, err
	}
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, toErr(err)
	}
	out := make([]*v1.Job, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toJob())
	}
	return out, nil
}
