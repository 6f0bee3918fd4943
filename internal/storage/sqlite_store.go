package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	apperrors "github.com/ci-exporter/internal/errors"
	"github.com/ci-exporter/internal/logging"
	"github.com/ci-exporter/internal/models"
	"github.com/ci-exporter/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// sqliteBatchSize keeps statements under SQLite's bound variable limit
const sqliteBatchSize = 500

// jobRow is the persisted form of models.Job
type jobRow struct {
	ID               int64      `gorm:"column:id;primaryKey;autoIncrement:false"`
	Project          string     `gorm:"column:project;not null;index"`
	CommitSHA        string     `gorm:"column:commit_sha;not null"`
	Name             string     `gorm:"column:name;not null;index"`
	Ref              string     `gorm:"column:ref;not null"`
	Status           string     `gorm:"column:status;not null;index"`
	CreatedAt        time.Time  `gorm:"column:created_at;not null;autoCreateTime:false"`
	StartedAt        *time.Time `gorm:"column:started_at"`
	FinishedAt       *time.Time `gorm:"column:finished_at;index"`
	Duration         *float64   `gorm:"column:duration"`
	QueuedDuration   *float64   `gorm:"column:queued_duration"`
	LatencyObserved  bool       `gorm:"column:latency_observed;not null;default:false"`
	DurationObserved bool       `gorm:"column:duration_observed;not null;default:false"`
}

func (jobRow) TableName() string { return "jobs" }

func toRow(job *models.Job) *jobRow {
	return &jobRow{
		ID:             job.ID,
		Project:        job.Project,
		CommitSHA:      job.CommitSHA,
		Name:           job.Name,
		Ref:            job.Ref,
		Status:         string(job.Status),
		CreatedAt:      job.CreatedAt.UTC(),
		StartedAt:      utcPtr(job.StartedAt),
		FinishedAt:     utcPtr(job.FinishedAt),
		Duration:       job.Duration,
		QueuedDuration: job.QueuedDuration,
	}
}

func (r *jobRow) toJob() (*models.Job, error) {
	status, err := types.ParseJobStatus(r.Status)
	if err != nil {
		return nil, err
	}
	return &models.Job{
		ID:             r.ID,
		Project:        r.Project,
		CommitSHA:      r.CommitSHA,
		Name:           r.Name,
		Ref:            r.Ref,
		Status:         status,
		CreatedAt:      r.CreatedAt.UTC(),
		StartedAt:      utcPtr(r.StartedAt),
		FinishedAt:     utcPtr(r.FinishedAt),
		Duration:       r.Duration,
		QueuedDuration: r.QueuedDuration,
	}, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// SQLiteStore is the embedded job store
type SQLiteStore struct {
	db       *gorm.DB
	path     string
	tempFile bool
}

// NewSQLiteStore opens the SQLite database at path. An empty path creates a
// temporary database file that is removed on Close.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	tempFile := false
	if path == "" {
		f, err := os.CreateTemp("", "ci-exporter-*.db")
		if err != nil {
			return nil, apperrors.NewStoreError("open", fmt.Errorf("failed to create temporary store: %w", err))
		}
		path = f.Name()
		_ = f.Close()
		tempFile = true
	}

	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000&_foreign_keys=on"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, apperrors.NewStoreError("open", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, apperrors.NewStoreError("open", err)
	}
	// one writer; transactions must not interleave
	sqlDB.SetMaxOpenConns(1)

	logging.WithFields(map[string]interface{}{
		"path":      path,
		"temporary": tempFile,
	}).Info("Opened SQLite job store")

	return &SQLiteStore{db: db, path: path, tempFile: tempFile}, nil
}

// Path returns the database file path
func (s *SQLiteStore) Path() string {
	return s.path
}

// Migrate creates the jobs table
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&jobRow{}); err != nil {
		return apperrors.NewStoreError("migrate", err)
	}
	return nil
}

// UpsertMany inserts or replaces jobs atomically
func (s *SQLiteStore) UpsertMany(ctx context.Context, jobs []*models.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	unique, err := dedupe(jobs)
	if err != nil {
		return apperrors.NewStoreError("upsert", err)
	}

	rows := make([]*jobRow, len(unique))
	for i, job := range unique {
		rows[i] = toRow(job)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns(recordColumns),
		}).CreateInBatches(rows, sqliteBatchSize/len(recordColumns)).Error
	})
	if err != nil {
		return apperrors.NewStoreError("upsert", err)
	}
	return nil
}

type countRow struct {
	Status  string
	Name    string
	Project string
	Count   int64
}

// CountBy counts jobs grouped by dims
func (s *SQLiteStore) CountBy(ctx context.Context, dims ...types.Dimension) ([]models.JobCount, error) {
	cols, err := dimensionColumns(dims)
	if err != nil {
		return nil, apperrors.NewStoreError("count", err)
	}

	q := s.db.WithContext(ctx).Model(&jobRow{})
	if len(cols) > 0 {
		group := strings.Join(cols, ", ")
		q = q.Select(group + ", COUNT(*) AS count").Group(group).Order(group)
	} else {
		q = q.Select("COUNT(*) AS count")
	}

	var rows []countRow
	if err := q.Scan(&rows).Error; err != nil {
		return nil, apperrors.NewStoreError("count", err)
	}

	counts := make([]models.JobCount, 0, len(rows))
	for _, r := range rows {
		counts = append(counts, models.JobCount{
			Status:  types.JobStatus(r.Status),
			Name:    r.Name,
			Project: r.Project,
			Count:   r.Count,
		})
	}
	return counts, nil
}

// SelectWithKnownLatency returns started jobs, most recently finished first
func (s *SQLiteStore) SelectWithKnownLatency(ctx context.Context, requireFinished bool) ([]*models.Job, error) {
	q := s.db.WithContext(ctx).Where("started_at IS NOT NULL")
	if requireFinished {
		q = q.Where("finished_at IS NOT NULL")
	}
	q = q.Order("finished_at IS NULL, finished_at DESC, started_at DESC, id DESC")
	return s.find(q, "select_latency")
}

// LastFinished returns the most recently finished started job
func (s *SQLiteStore) LastFinished(ctx context.Context) (*models.Job, error) {
	var row jobRow
	err := s.db.WithContext(ctx).
		Where("started_at IS NOT NULL AND finished_at IS NOT NULL").
		Order("finished_at DESC, started_at DESC, id DESC").
		Limit(1).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, apperrors.NewStoreError("last_finished", err)
	}
	job, err := row.toJob()
	if err != nil {
		return nil, apperrors.NewStoreError("last_finished", err)
	}
	return job, nil
}

// SelectPendingObservation returns jobs whose field is final and not yet observed
func (s *SQLiteStore) SelectPendingObservation(ctx context.Context, field types.ObservationField) ([]*models.Job, error) {
	marker, err := markerColumn(field)
	if err != nil {
		return nil, apperrors.NewStoreError("select_pending", err)
	}
	ready, _ := readyCondition(field)

	q := s.db.WithContext(ctx).Where(marker+" = ?", false).Where(ready).Order("id")
	return s.find(q, "select_pending")
}

func (s *SQLiteStore) find(q *gorm.DB, op string) ([]*models.Job, error) {
	var rows []jobRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, apperrors.NewStoreError(op, err)
	}
	jobs := make([]*models.Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toJob()
		if err != nil {
			return nil, apperrors.NewStoreError(op, err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// MarkObserved sets the observation markers of marks
func (s *SQLiteStore) MarkObserved(ctx context.Context, marks map[types.ObservationField][]int64) error {
	columns, err := markerColumns(marks)
	if err != nil {
		return apperrors.NewStoreError("mark_observed", err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for field, ids := range marks {
			for _, part := range chunk(ids, sqliteBatchSize) {
				if err := tx.Model(&jobRow{}).Where("id IN ?", part).Update(columns[field], true).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return apperrors.NewStoreError("mark_observed", err)
	}
	return nil
}

// Count returns the number of stored jobs
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&jobRow{}).Count(&n).Error; err != nil {
		return 0, apperrors.NewStoreError("count", err)
	}
	return n, nil
}

// Get returns the job with id
func (s *SQLiteStore) Get(ctx context.Context, id int64) (*models.Job, error) {
	var row jobRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, apperrors.NewStoreError("get", err)
	}
	job, err := row.toJob()
	if err != nil {
		return nil, apperrors.NewStoreError("get", err)
	}
	return job, nil
}

// Close closes the database and removes a temporary file
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.Close(); err != nil {
		return err
	}
	if s.tempFile {
		return os.Remove(s.path)
	}
	return nil
}
