package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CallRecord is one persisted call session
type CallRecord struct {
	RoomID    string
	CallerID  string
	Status    string
	StartedAt time.Time
	EndedAt   *time.Time
	Duration  *int
}

// CallRecordRepository persists call lifecycle records in Postgres
type CallRecordRepository struct {
	pool *pgxpool.Pool
}

// NewCallRecordRepository creates a repository over the given pool
func NewCallRecordRepository(pool *pgxpool.Pool) *CallRecordRepository {
	return &CallRecordRepository{pool: pool}
}

// CallStarted records the beginning of a call. A re-join of an existing room
// refreshes the record to active rather than inserting a duplicate.
func (r *CallRecordRepository) CallStarted(ctx context.Context, roomID, callerID string) error {
	query := `
		INSERT INTO call_records (room_id, caller_id, status, started_at)
		VALUES ($1, $2, 'active', NOW())
		ON CONFLICT (room_id) DO UPDATE
		SET caller_id = $2, status = 'active', started_at = NOW(), ended_at = NULL, duration = NULL
	`

	if _, err := r.pool.Exec(ctx, query, roomID, callerID); err != nil {
		return fmt.Errorf("failed to record call start: %w", err)
	}
	return nil
}

// CallEnded marks a call as ended and computes its duration
func (r *CallRecordRepository) CallEnded(ctx context.Context, roomID string) error {
	query := `
		UPDATE call_records
		SET status = 'ended',
		    ended_at = NOW(),
		    duration = EXTRACT(EPOCH FROM (NOW() - started_at))::INT
		WHERE room_id = $1 AND status = 'active'
	`

	if _, err := r.pool.Exec(ctx, query, roomID); err != nil {
		return fmt.Errorf("failed to record call end: %w", err)
	}
	return nil
}

// GetByRoom retrieves the record for a room, or nil when none exists
func (r *CallRecordRepository) GetByRoom(ctx context.Context, roomID string) (*CallRecord, error) {
	query := `
		SELECT room_id, caller_id, status, started_at, ended_at, duration
		FROM call_records
		WHERE room_id = $1
	`

	rec := &CallRecord{}
	err := r.pool.QueryRow(ctx, query, roomID).Scan(
		&rec.RoomID,
		&rec.CallerID,
		&rec.Status,
		&rec.StartedAt,
		&rec.EndedAt,
		&rec.Duration,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get call record: %w", err)
	}
	return rec, nil
}

// ListRecent returns the most recently started calls
func (r *CallRecordRepository) ListRecent(ctx context.Context, limit int) ([]*CallRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	query := `
		SELECT room_id, caller_id, status, started_at, ended_at, duration
		FROM call_records
		ORDER BY started_at DESC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list call records: %w", err)
	}
	defer rows.Close()

	var records []*CallRecord
	for rows.Next() {
		rec := &CallRecord{}
		if err := rows.Scan(&rec.RoomID, &rec.CallerID, &rec.Status,
			&rec.StartedAt, &rec.EndedAt, &rec.Duration); err != nil {
			return nil, fmt.Errorf("failed to scan call record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
