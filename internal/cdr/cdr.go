// Package cdr persists call detail records and retries the ones that
// failed to write so at-least-once delivery never costs a lost record;
// call_uuid uniqueness on the cdrs table gives at-most-once from there.
package cdr

import (
    "context"
    "database/sql"
    "encoding/json"
    "time"

    "github.com/telecom/billingcore/internal/models"
    "github.com/telecom/billingcore/pkg/billingerr"
    "github.com/telecom/billingcore/pkg/logger"
)

type Store struct {
    db *sql.DB
}

func NewStore(db *sql.DB) *Store {
    return &Store{db: db}
}

// Write inserts a CDR. A duplicate call_uuid (the hangup event replayed)
// is treated as success: the record already exists, which is exactly the
// at-most-once property callers want.
func (s *Store) Write(ctx context.Context, c *models.CDR) error {
    _, err := s.db.ExecContext(ctx, `
        INSERT INTO cdrs (call_uuid, account_id, caller, callee, start_time,
            answer_time, end_time, duration_seconds, billable_seconds,
            hangup_cause, rate_applied, cost, direction, reservation_id)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE call_uuid = call_uuid
    `, c.CallUUID, c.AccountID, c.Caller, c.Callee, c.StartTime, c.AnswerTime,
        c.EndTime, c.DurationSeconds, c.BillableSeconds, c.HangupCause,
        c.RateApplied, c.Cost, c.Direction, c.ReservationID)
    if err != nil {
        return billingerr.Wrap(err, billingerr.ErrDatabase, "failed to write cdr")
    }
    return nil
}

// Exists reports whether a CDR has already been written for call_uuid.
// The coordinator's duplicate-hangup guard is a cache marker, not this.
func (s *Store) Exists(ctx context.Context, callUUID string) (bool, error) {
    var id int64
    err := s.db.QueryRowContext(ctx, `SELECT id FROM cdrs WHERE call_uuid = ?`, callUUID).Scan(&id)
    if err == sql.ErrNoRows {
        return false, nil
    }
    if err != nil {
        return false, billingerr.Wrap(err, billingerr.ErrDatabase, "failed to check cdr existence")
    }
    return true, nil
}

// ListRecent returns the most recently written CDRs, for CLI inspection.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]models.CDR, error) {
    rows, err := s.db.QueryContext(ctx, `
        SELECT id, call_uuid, account_id, caller, callee, start_time, answer_time,
               end_time, duration_seconds, billable_seconds, hangup_cause,
               rate_applied, cost, direction, reservation_id, created_at
        FROM cdrs ORDER BY created_at DESC LIMIT ?
    `, limit)
    if err != nil {
        return nil, billingerr.Wrap(err, billingerr.ErrDatabase, "failed to list cdrs")
    }
    defer rows.Close()

    var out []models.CDR
    for rows.Next() {
        var c models.CDR
        var answerTime sql.NullTime
        var reservationID sql.NullString
        if err := rows.Scan(&c.ID, &c.CallUUID, &c.AccountID, &c.Caller, &c.Callee,
            &c.StartTime, &answerTime, &c.EndTime, &c.DurationSeconds, &c.BillableSeconds,
            &c.HangupCause, &c.RateApplied, &c.Cost, &c.Direction, &reservationID, &c.CreatedAt); err != nil {
            return nil, billingerr.Wrap(err, billingerr.ErrDatabase, "failed to scan cdr")
        }
        if answerTime.Valid {
            c.AnswerTime = &answerTime.Time
        }
        if reservationID.Valid {
            c.ReservationID = &reservationID.String
        }
        out = append(out, c)
    }
    return out, rows.Err()
}

// FailureQueue durably records CDRs that could not be written so a
// retrier can replay them without blocking the call path on database
// availability.
type FailureQueue struct {
    db *sql.DB
}

func NewFailureQueue(db *sql.DB) *FailureQueue {
    return &FailureQueue{db: db}
}

func (q *FailureQueue) Enqueue(ctx context.Context, c *models.CDR, writeErr error) error {
    payload, err := json.Marshal(c)
    if err != nil {
        return billingerr.Wrap(err, billingerr.ErrInternal, "failed to marshal cdr for retry queue")
    }

    _, err = q.db.ExecContext(ctx, `
        INSERT INTO cdr_write_failures (payload, attempts, last_error, next_retry_at)
        VALUES (?, 1, ?, ?)
    `, payload, writeErr.Error(), time.Now().Add(30*time.Second))
    if err != nil {
        return billingerr.Wrap(err, billingerr.ErrDatabase, "failed to enqueue cdr write failure")
    }
    return nil
}

// Due returns queued failures whose retry delay has elapsed.
func (q *FailureQueue) Due(ctx context.Context, now time.Time, limit int) ([]models.CDRWriteFailure, error) {
    rows, err := q.db.QueryContext(ctx, `
        SELECT id, payload, attempts, last_error, created_at, next_retry_at
        FROM cdr_write_failures WHERE next_retry_at < ? LIMIT ?
    `, now, limit)
    if err != nil {
        return nil, billingerr.Wrap(err, billingerr.ErrDatabase, "failed to query due cdr write failures")
    }
    defer rows.Close()

    var out []models.CDRWriteFailure
    for rows.Next() {
        var f models.CDRWriteFailure
        if err := rows.Scan(&f.ID, &f.Payload, &f.Attempts, &f.LastError, &f.CreatedAt, &f.NextRetryAt); err != nil {
            return nil, billingerr.Wrap(err, billingerr.ErrDatabase, "failed to scan cdr write failure")
        }
        out = append(out, f)
    }
    return out, rows.Err()
}

func (q *FailureQueue) Resolve(ctx context.Context, id int64) error {
    _, err := q.db.ExecContext(ctx, `DELETE FROM cdr_write_failures WHERE id = ?`, id)
    return err
}

func (q *FailureQueue) Reschedule(ctx context.Context, id int64, err error, backoff time.Duration) error {
    _, execErr := q.db.ExecContext(ctx, `
        UPDATE cdr_write_failures SET attempts = attempts + 1, last_error = ?, next_retry_at = ?
        WHERE id = ?
    `, err.Error(), time.Now().Add(backoff), id)
    return execErr
}

// Retrier periodically replays due failures against store.
type Retrier struct {
    queue *FailureQueue
    store *Store
}

func NewRetrier(queue *FailureQueue, store *Store) *Retrier {
    return &Retrier{queue: queue, store: store}
}

// Run polls Due every interval until ctx is cancelled.
func (r *Retrier) Run(ctx context.Context, interval time.Duration) {
    ticker := time.NewTicker(interval)
    defer ticker.Stop()

    for {
        select {
        case <-ctx.Done():
            return
        case <-ticker.C:
            r.runOnce(ctx)
        }
    }
}

func (r *Retrier) runOnce(ctx context.Context) {
    due, err := r.queue.Due(ctx, time.Now(), 50)
    if err != nil {
        logger.WithError(err).Warn("failed to load due cdr write failures")
        return
    }

    for _, f := range due {
        var c models.CDR
        if err := json.Unmarshal(f.Payload, &c); err != nil {
            logger.WithField("id", f.ID).WithError(err).Error("corrupt cdr write failure payload, dropping")
            r.queue.Resolve(ctx, f.ID)
            continue
        }

        if err := r.store.Write(ctx, &c); err != nil {
            backoff := time.Duration(f.Attempts+1) * 30 * time.Second
            if backoff > 30*time.Minute {
                backoff = 30 * time.Minute
            }
            r.queue.Reschedule(ctx, f.ID, err, backoff)
            continue
        }

        r.queue.Resolve(ctx, f.ID)
    }
}
