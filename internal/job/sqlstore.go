package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// SQLStore implements Store on PostgreSQL via sqlx.
type SQLStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewSQLStore creates a new SQLStore instance
func NewSQLStore(db *sqlx.DB, logger *slog.Logger) *SQLStore {
	return &SQLStore{
		db:     db,
		logger: logger,
	}
}

const jobColumns = `
	job_id, job_type, reference_id, status, progress,
	input_payload, output_payload, external_request_id, external_status,
	error_message, cost_units, progress_log, worker_id,
	created_at, started_at, completed_at, lease_expires_at
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var referenceID, externalRequestID, externalStatus, errorMessage, workerID sql.NullString
	var inputPayload, outputPayload, progressLog []byte
	var startedAt, completedAt, leaseExpiresAt sql.NullTime

	err := row.Scan(
		&j.ID,
		&j.Type,
		&referenceID,
		&j.Status,
		&j.Progress,
		&inputPayload,
		&outputPayload,
		&externalRequestID,
		&externalStatus,
		&errorMessage,
		&j.CostUnits,
		&progressLog,
		&workerID,
		&j.CreatedAt,
		&startedAt,
		&completedAt,
		&leaseExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	j.ReferenceID = referenceID.String
	j.ExternalRequestID = externalRequestID.String
	j.ExternalStatus = externalStatus.String
	j.ErrorMessage = errorMessage.String
	j.WorkerID = workerID.String
	j.InputPayload = inputPayload
	j.OutputPayload = outputPayload
	if startedAt.Valid {
		j.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.Time
	}
	if leaseExpiresAt.Valid {
		j.LeaseExpiresAt = &leaseExpiresAt.Time
	}
	if len(progressLog) > 0 {
		if err := json.Unmarshal(progressLog, &j.ProgressLog); err != nil {
			return nil, fmt.Errorf("failed to decode progress log: %w", err)
		}
	}

	return &j, nil
}

func (s *SQLStore) Insert(ctx context.Context, j *Job) error {
	query := `
		INSERT INTO jobs (
			job_id, job_type, reference_id, status, progress,
			input_payload, cost_units, progress_log, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, '[]', $8)
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		j.ID,
		j.Type,
		j.ReferenceID,
		j.Status,
		j.Progress,
		[]byte(j.InputPayload),
		j.CostUnits,
		j.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}

	return nil
}

func (s *SQLStore) GetByID(ctx context.Context, id string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`

	j, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return j, nil
}

func (s *SQLStore) List(ctx context.Context, filter Filter) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.Type != "" {
		query += fmt.Sprintf(" AND job_type = $%d", argIdx)
		args = append(args, filter.Type)
		argIdx++
	}

	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		query += fmt.Sprintf(" AND status = ANY($%d)", argIdx)
		args = append(args, pq.Array(statuses))
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	// Keyset order for stable pagination
	query += " ORDER BY created_at DESC, job_id DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate job rows: %w", err)
	}

	return jobs, nil
}

func (s *SQLStore) TransitionStatus(ctx context.Context, id string, expected []Status, update Update) (*Job, error) {
	statuses := make([]string, len(expected))
	for i, st := range expected {
		statuses[i] = string(st)
	}

	query := `
		UPDATE jobs
		SET status = $1,
		    worker_id = COALESCE(NULLIF($2, ''), worker_id),
		    output_payload = COALESCE($3, output_payload),
		    error_message = $4,
		    started_at = CASE WHEN $5 THEN NOW() ELSE started_at END,
		    completed_at = CASE WHEN $6 THEN NOW() ELSE completed_at END,
		    updated_at = NOW()
		WHERE job_id = $7
		  AND status = ANY($8)
		RETURNING ` + jobColumns

	var output interface{}
	if update.Output != nil {
		output = []byte(update.Output)
	}

	j, err := scanJob(s.db.QueryRowContext(
		ctx,
		query,
		update.Status,
		update.WorkerID,
		output,
		update.ErrorMessage,
		update.SetStartedAt,
		update.SetCompletedAt,
		id,
		pq.Array(statuses),
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Either the job does not exist or its status changed under us
			if _, getErr := s.GetByID(ctx, id); getErr != nil {
				return nil, getErr
			}
			return nil, ErrAlreadyClaimed
		}
		return nil, fmt.Errorf("failed to transition job status: %w", err)
	}

	s.logger.Debug("Job status transitioned",
		slog.String("job_id", id),
		slog.String("status", string(update.Status)),
	)

	return j, nil
}

func (s *SQLStore) UpdateProgress(ctx context.Context, id string, percent int) error {
	// Guarded so concurrent batch sub-operations never regress progress
	query := `
		UPDATE jobs
		SET progress = $2, updated_at = NOW()
		WHERE job_id = $1 AND status = $3 AND progress <= $2
	`

	if _, err := s.db.ExecContext(ctx, query, id, percent, StatusProcessing); err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}

	return nil
}

func (s *SQLStore) AppendLog(ctx context.Context, id, message string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin log append transaction: %w", err)
	}
	defer tx.Rollback()

	// Row lock serializes concurrent appends from batch sub-operations
	var raw []byte
	err = tx.QueryRowContext(ctx, `SELECT progress_log FROM jobs WHERE job_id = $1 FOR UPDATE`, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to lock job log: %w", err)
	}

	var log Log
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &log); err != nil {
			return fmt.Errorf("failed to decode progress log: %w", err)
		}
	}

	log = log.Append(message, time.Now().UTC())

	encoded, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("failed to encode progress log: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET progress_log = $2, updated_at = NOW() WHERE job_id = $1`, id, encoded); err != nil {
		return fmt.Errorf("failed to write progress log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit log append: %w", err)
	}

	return nil
}

func (s *SQLStore) AddCost(ctx context.Context, id string, units float64) error {
	query := `UPDATE jobs SET cost_units = cost_units + $2, updated_at = NOW() WHERE job_id = $1`

	if _, err := s.db.ExecContext(ctx, query, id, units); err != nil {
		return fmt.Errorf("failed to add job cost: %w", err)
	}

	return nil
}

func (s *SQLStore) UpdateExternalRef(ctx context.Context, id, requestID, status string) error {
	query := `
		UPDATE jobs
		SET external_request_id = $2, external_status = $3, updated_at = NOW()
		WHERE job_id = $1
	`

	if _, err := s.db.ExecContext(ctx, query, id, requestID, status); err != nil {
		return fmt.Errorf("failed to update external ref: %w", err)
	}

	return nil
}

func (s *SQLStore) RenewLease(ctx context.Context, id string, until time.Time) error {
	query := `
		UPDATE jobs
		SET lease_expires_at = $2, updated_at = NOW()
		WHERE job_id = $1 AND status = $3
	`

	result, err := s.db.ExecContext(ctx, query, id, until, StatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to renew job lease: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		s.logger.Warn("Job lease renewal - no rows affected (job may not be processing)",
			slog.String("job_id", id),
		)
	}

	return nil
}

func (s *SQLStore) ListStuck(ctx context.Context, cutoff time.Time) ([]Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = ANY($1)
		  AND COALESCE(started_at, created_at) < $2
	`

	rows, err := s.db.QueryContext(ctx, query, pq.Array([]string{string(StatusQueued), string(StatusProcessing)}), cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate job rows: %w", err)
	}

	return jobs, nil
}
