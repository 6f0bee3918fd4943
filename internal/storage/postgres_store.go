package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	apperrors "github.com/ci-exporter/internal/errors"
	"github.com/ci-exporter/internal/models"
	"github.com/ci-exporter/internal/types"
	"github.com/jackc/pgx/v5"
)

const jobColumns = `id, project, commit_sha, name, ref, status, created_at, started_at, finished_at, duration, queued_duration`

var upsertJobQuery = func() string {
	sets := make([]string, len(recordColumns))
	for i, col := range recordColumns {
		sets[i] = fmt.Sprintf("%s = EXCLUDED.%s", col, col)
	}
	return `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET ` + strings.Join(sets, ", ")
}()

// PostgresJobStore is the job store shared by replicas
type PostgresJobStore struct {
	db          *PostgresDB
	databaseURL string
}

// NewPostgresJobStore creates a job store on db. databaseURL is used for migrations.
func NewPostgresJobStore(db *PostgresDB, databaseURL string) *PostgresJobStore {
	return &PostgresJobStore{db: db, databaseURL: databaseURL}
}

// Migrate runs the embedded migrations
func (r *PostgresJobStore) Migrate(ctx context.Context) error {
	if err := RunMigrations(r.databaseURL); err != nil {
		return apperrors.NewStoreError("migrate", err)
	}
	return nil
}

// UpsertMany inserts or replaces jobs in one transaction
func (r *PostgresJobStore) UpsertMany(ctx context.Context, jobs []*models.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	unique, err := dedupe(jobs)
	if err != nil {
		return apperrors.NewStoreError("upsert", err)
	}

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return apperrors.NewStoreError("upsert", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() {
		_ = tx.Rollback(ctx) // nolint:errcheck // no-op after commit
	}()

	batch := &pgx.Batch{}
	for _, job := range unique {
		batch.Queue(upsertJobQuery,
			job.ID,
			job.Project,
			job.CommitSHA,
			job.Name,
			job.Ref,
			string(job.Status),
			job.CreatedAt.UTC(),
			utcPtr(job.StartedAt),
			utcPtr(job.FinishedAt),
			job.Duration,
			job.QueuedDuration,
		)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return apperrors.NewStoreError("upsert", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return apperrors.NewStoreError("upsert", fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// CountBy counts jobs grouped by dims
func (r *PostgresJobStore) CountBy(ctx context.Context, dims ...types.Dimension) ([]models.JobCount, error) {
	cols, err := dimensionColumns(dims)
	if err != nil {
		return nil, apperrors.NewStoreError("count", err)
	}

	query := `SELECT COUNT(*) FROM jobs`
	if len(cols) > 0 {
		group := strings.Join(cols, ", ")
		query = fmt.Sprintf(`SELECT %s, COUNT(*) FROM jobs GROUP BY %s ORDER BY %s`, group, group, group)
	}

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, apperrors.NewStoreError("count", err)
	}
	defer rows.Close()

	var counts []models.JobCount
	for rows.Next() {
		var (
			c    models.JobCount
			dest = make([]interface{}, 0, len(cols)+1)
		)
		for _, d := range dims {
			switch d {
			case types.DimensionStatus:
				dest = append(dest, &c.Status)
			case types.DimensionName:
				dest = append(dest, &c.Name)
			case types.DimensionProject:
				dest = append(dest, &c.Project)
			}
		}
		dest = append(dest, &c.Count)

		if err := rows.Scan(dest...); err != nil {
			return nil, apperrors.NewStoreError("count", err)
		}
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewStoreError("count", err)
	}
	return counts, nil
}

// SelectWithKnownLatency returns started jobs, most recently finished first
func (r *PostgresJobStore) SelectWithKnownLatency(ctx context.Context, requireFinished bool) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE started_at IS NOT NULL`
	if requireFinished {
		query += ` AND finished_at IS NOT NULL`
	}
	query += ` ORDER BY finished_at DESC NULLS LAST, started_at DESC, id DESC`
	return r.query(ctx, "select_latency", query)
}

// LastFinished returns the most recently finished started job
func (r *PostgresJobStore) LastFinished(ctx context.Context) (*models.Job, error) {
	row := r.db.Pool().QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE started_at IS NOT NULL AND finished_at IS NOT NULL
		ORDER BY finished_at DESC, started_at DESC, id DESC
		LIMIT 1`)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, apperrors.NewStoreError("last_finished", err)
	}
	return job, nil
}

// SelectPendingObservation returns jobs whose field is final and not yet observed
func (r *PostgresJobStore) SelectPendingObservation(ctx context.Context, field types.ObservationField) ([]*models.Job, error) {
	marker, err := markerColumn(field)
	if err != nil {
		return nil, apperrors.NewStoreError("select_pending", err)
	}
	ready, _ := readyCondition(field)

	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE NOT %s AND %s ORDER BY id`, jobColumns, marker, ready)
	return r.query(ctx, "select_pending", query)
}

// MarkObserved sets the observation markers of marks in one transaction
func (r *PostgresJobStore) MarkObserved(ctx context.Context, marks map[types.ObservationField][]int64) error {
	columns, err := markerColumns(marks)
	if err != nil {
		return apperrors.NewStoreError("mark_observed", err)
	}

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return apperrors.NewStoreError("mark_observed", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() {
		_ = tx.Rollback(ctx) // nolint:errcheck // no-op after commit
	}()

	for field, ids := range marks {
		if len(ids) == 0 {
			continue
		}
		query := fmt.Sprintf(`UPDATE jobs SET %s = TRUE WHERE id = ANY($1)`, columns[field])
		if _, err := tx.Exec(ctx, query, ids); err != nil {
			return apperrors.NewStoreError("mark_observed", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return apperrors.NewStoreError("mark_observed", fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// Count returns the number of stored jobs
func (r *PostgresJobStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&n); err != nil {
		return 0, apperrors.NewStoreError("count", err)
	}
	return n, nil
}

// Get returns the job with id
func (r *PostgresJobStore) Get(ctx context.Context, id int64) (*models.Job, error) {
	row := r.db.Pool().QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, apperrors.NewStoreError("get", err)
	}
	return job, nil
}

// Close closes the connection pool
func (r *PostgresJobStore) Close() error {
	r.db.Close()
	return nil
}

func (r *PostgresJobStore) query(ctx context.Context, op, query string, args ...interface{}) ([]*models.Job, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewStoreError(op, err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, apperrors.NewStoreError(op, err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewStoreError(op, err)
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		job    models.Job
		status string
	)
	err := row.Scan(
		&job.ID,
		&job.Project,
		&job.CommitSHA,
		&job.Name,
		&job.Ref,
		&status,
		&job.CreatedAt,
		&job.StartedAt,
		&job.FinishedAt,
		&job.Duration,
		&job.QueuedDuration,
	)
	if err != nil {
		return nil, err
	}

	job.Status, err = types.ParseJobStatus(status)
	if err != nil {
		return nil, err
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.StartedAt = utcPtr(job.StartedAt)
	job.FinishedAt = utcPtr(job.FinishedAt)
	return &job, nil
}
