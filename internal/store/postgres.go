package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"deckforge/internal/models"
)

// ErrNotFound is returned when a job id does not exist.
var ErrNotFound = errors.New("job not found")

// ErrStaleTransition is returned when an advance races a concurrent update
// and the job is no longer in the expected stage.
var ErrStaleTransition = errors.New("job not in expected stage")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	UserID         string
	CompanyName    string
	Website        string
	PullPublicData bool
	TemplateKey    string
	FinancialsKey  string
	BundleKey      string
}

// CreateJob inserts a queued job row and its first log line.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, user_id, company_name, website, pull_public_data, template_key, financials_key, bundle_key, status, progress, message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
	`, id, p.UserID, p.CompanyName, emptyToNil(p.Website), p.PullPublicData, p.TemplateKey,
		emptyToNil(p.FinancialsKey), emptyToNil(p.BundleKey),
		models.StatusQueued, models.ProgressFor(models.StatusQueued), "Queued", now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO job_logs (job_id, seq, line, recorded) VALUES ($1, 1, $2, $3)
	`, id, "Job accepted", now); err != nil {
		return models.Job{}, fmt.Errorf("insert log: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}

	return models.Job{
		ID:             id,
		UserID:         p.UserID,
		CompanyName:    p.CompanyName,
		Website:        emptyToNil(p.Website),
		PullPublicData: p.PullPublicData,
		TemplateKey:    p.TemplateKey,
		FinancialsKey:  emptyToNil(p.FinancialsKey),
		BundleKey:      emptyToNil(p.BundleKey),
		Status:         models.StatusQueued,
		Progress:       models.ProgressFor(models.StatusQueued),
		Message:        "Queued",
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

const jobColumns = `id, user_id, company_name, website, pull_public_data, template_key, financials_key, bundle_key, status, progress, message, output_key, cost_cents, cancel_requested, created_at, updated_at`

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	return job, err
}

// ListJobs returns a user's jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, userID string, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// AdvanceStage moves a job from one stage to the next, appending a log line
// and a usage event in the same transaction. It fails with
// ErrStaleTransition when the job is no longer in the from stage, which
// makes redelivered work a no-op.
func (s *Store) AdvanceStage(ctx context.Context, id, from, to, line string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE jobs SET status = $3, progress = $4, message = $5, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, from, to, models.ProgressFor(to), line)
	if err != nil {
		return fmt.Errorf("update stage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleTransition
	}

	if err := appendLogTx(ctx, tx, id, line); err != nil {
		return err
	}
	if err := usageEventTx(ctx, tx, id, "stage:"+to, map[string]any{"from": from, "to": to}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// AppendLog adds a progress line outside a stage transition.
func (s *Store) AppendLog(ctx context.Context, id, line string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := appendLogTx(ctx, tx, id, line); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func appendLogTx(ctx context.Context, tx pgx.Tx, id, line string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO job_logs (job_id, seq, line, recorded)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, NOW() FROM job_logs WHERE job_id = $1
	`, id, line)
	if err != nil {
		return fmt.Errorf("insert log: %w", err)
	}
	return nil
}

func usageEventTx(ctx context.Context, tx pgx.Tx, id, event string, metadata map[string]any) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO usage_events (job_id, event, metadata, recorded) VALUES ($1, $2, $3, NOW())
	`, id, event, metaJSON); err != nil {
		return fmt.Errorf("insert usage event: %w", err)
	}
	return nil
}

// MarkError moves a job to the terminal error state with a user-facing message.
func (s *Store) MarkError(ctx context.Context, id, message string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE jobs SET status = $2, message = $3, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($2, $4)
	`, id, models.StatusError, message, models.StatusComplete)
	if err != nil {
		return fmt.Errorf("mark error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tx.Commit(ctx) // already terminal
	}
	if err := appendLogTx(ctx, tx, id, "Error: "+message); err != nil {
		return err
	}
	if err := usageEventTx(ctx, tx, id, "stage:"+models.StatusError, map[string]any{"to": models.StatusError}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// SetOutput completes a job and records where the finished deck lives.
func (s *Store) SetOutput(ctx context.Context, id, outputKey string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE jobs SET status = $2, progress = $3, message = $4, output_key = $5, updated_at = NOW()
		WHERE id = $1 AND status = $6
	`, id, models.StatusComplete, models.ProgressFor(models.StatusComplete),
		"Presentation ready", outputKey, models.StatusFinalizing)
	if err != nil {
		return fmt.Errorf("set output: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleTransition
	}
	if err := appendLogTx(ctx, tx, id, "Presentation ready"); err != nil {
		return err
	}
	if err := usageEventTx(ctx, tx, id, "stage:"+models.StatusComplete,
		map[string]any{"from": models.StatusFinalizing, "to": models.StatusComplete}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// RequestCancel flags a running job for cancellation. Terminal jobs are left
// untouched and reported as such.
func (s *Store) RequestCancel(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET cancel_requested = TRUE, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($2, $3)
	`, id, models.StatusComplete, models.StatusError)
	if err != nil {
		return false, fmt.Errorf("request cancel: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// AddCost accumulates billing cost against a job and records a usage event.
func (s *Store) AddCost(ctx context.Context, id string, cents int64, event string, metadata map[string]any) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if cents > 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE jobs SET cost_cents = cost_cents + $2, updated_at = NOW() WHERE id = $1
		`, id, cents); err != nil {
			return fmt.Errorf("add cost: %w", err)
		}
	}
	if event != "" {
		if err := usageEventTx(ctx, tx, id, event, metadata); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// JobLog returns every log line for a job in order.
func (s *Store) JobLog(ctx context.Context, id string) ([]models.LogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, seq, line, recorded FROM job_logs WHERE job_id = $1 ORDER BY seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query log: %w", err)
	}
	defer rows.Close()

	var entries []models.LogEntry
	for rows.Next() {
		var e models.LogEntry
		if err := rows.Scan(&e.JobID, &e.Seq, &e.Line, &e.Recorded); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountByStatus reports how many jobs sit in a given status, for gauges.
func (s *Store) CountByStatus(ctx context.Context, status string) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE status = $1
	`, status).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var website, financialsKey, bundleKey, outputKey pgtype.Text
	if err := row.Scan(&job.ID, &job.UserID, &job.CompanyName, &website, &job.PullPublicData,
		&job.TemplateKey, &financialsKey, &bundleKey, &job.Status, &job.Progress, &job.Message,
		&outputKey, &job.CostCents, &job.CancelRequested, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Website = textPtr(website)
	job.FinancialsKey = textPtr(financialsKey)
	job.BundleKey = textPtr(bundleKey)
	job.OutputKey = textPtr(outputKey)
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
