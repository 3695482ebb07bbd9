// Package reservation implements the reservation store and manager: the
// component that holds funds out of an account's spendable balance for
// the duration of a call and releases, consumes, or expires them.
package reservation

import (
    "context"
    "database/sql"
    "time"

    "github.com/google/uuid"
    "github.com/shopspring/decimal"

    "github.com/telecom/billingcore/internal/account"
    "github.com/telecom/billingcore/internal/cache"
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

func (s *Store) GetByID(ctx context.Context, id string) (*models.Reservation, error) {
    return scanOne(s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
}

func (s *Store) GetByIDForUpdate(ctx context.Context, tx *sql.Tx, id string) (*models.Reservation, error) {
    return scanOne(tx.QueryRowContext(ctx, selectColumns+` WHERE id = ? FOR UPDATE`, id))
}

// GetByCallUUID returns the most recent reservation opened for a call,
// regardless of status. Used to recover CDR context after the cache
// session for a call has already been evicted (e.g. a sweeper already
// expired it before the softswitch's hangup notification arrived).
func (s *Store) GetByCallUUID(ctx context.Context, callUUID string) (*models.Reservation, error) {
    return scanOne(s.db.QueryRowContext(ctx, selectColumns+` WHERE call_uuid = ? ORDER BY created_at DESC LIMIT 1`, callUUID))
}

// ExpiredCandidates returns non-terminal reservations whose TTL has
// elapsed, for the background sweeper.
func (s *Store) ExpiredCandidates(ctx context.Context, now time.Time, limit int) ([]models.Reservation, error) {
    rows, err := s.db.QueryContext(ctx, selectColumns+`
        WHERE expires_at < ? AND status IN ('active', 'partially_consumed')
        LIMIT ?
    `, now, limit)
    if err != nil {
        return nil, billingerr.Wrap(err, billingerr.ErrDatabase, "failed to query expired reservations")
    }
    defer rows.Close()

    var out []models.Reservation
    for rows.Next() {
        r, err := scanRow(rows)
        if err != nil {
            return nil, err
        }
        out = append(out, *r)
    }
    return out, rows.Err()
}

// ListActive returns non-terminal reservations ordered by creation time,
// for CLI inspection.
func (s *Store) ListActive(ctx context.Context, limit int) ([]models.Reservation, error) {
    rows, err := s.db.QueryContext(ctx, selectColumns+`
        WHERE status IN ('active', 'partially_consumed')
        ORDER BY created_at DESC LIMIT ?
    `, limit)
    if err != nil {
        return nil, billingerr.Wrap(err, billingerr.ErrDatabase, "failed to list active reservations")
    }
    defer rows.Close()

    var out []models.Reservation
    for rows.Next() {
        r, err := scanRow(rows)
        if err != nil {
            return nil, err
        }
        out = append(out, *r)
    }
    return out, rows.Err()
}

const selectColumns = `
    SELECT id, account_id, call_uuid, reserved_amount, consumed_amount,
           released_amount, status, reservation_type, destination_prefix,
           rate_per_minute, reserved_minutes, expires_at, created_at, updated_at
    FROM reservations`

type rowScanner interface {
    Scan(dest ...interface{}) error
}

func scanOne(row *sql.Row) (*models.Reservation, error) {
    r, err := scanRow(row)
    if err == sql.ErrNoRows {
        return nil, billingerr.New(billingerr.ErrReservationFailed, "reservation not found")
    }
    return r, err
}

func scanRow(row rowScanner) (*models.Reservation, error) {
    var r models.Reservation
    err := row.Scan(&r.ID, &r.AccountID, &r.CallUUID, &r.ReservedAmount, &r.ConsumedAmount,
        &r.ReleasedAmount, &r.Status, &r.Type, &r.DestinationPrefix, &r.RatePerMinute,
        &r.ReservedMinutes, &r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt)
    if err != nil {
        if err == sql.ErrNoRows {
            return nil, err
        }
        return nil, billingerr.Wrap(err, billingerr.ErrDatabase, "failed to scan reservation")
    }
    return &r, nil
}

func insert(ctx context.Context, tx *sql.Tx, r *models.Reservation) error {
    _, err := tx.ExecContext(ctx, `
        INSERT INTO reservations (id, account_id, call_uuid, reserved_amount,
            consumed_amount, released_amount, status, reservation_type,
            destination_prefix, rate_per_minute, reserved_minutes, expires_at)
        VALUES (?, ?, ?, ?, 0, 0, ?, ?, ?, ?, ?, ?)
    `, r.ID, r.AccountID, r.CallUUID, r.ReservedAmount, r.Status, r.Type,
        r.DestinationPrefix, r.RatePerMinute, r.ReservedMinutes, r.ExpiresAt)
    return err
}

func updateConsumeReleased(ctx context.Context, tx *sql.Tx, id string, consumedDelta, releasedDelta decimal.Decimal, status models.ReservationStatus) error {
    _, err := tx.ExecContext(ctx, `
        UPDATE reservations
        SET consumed_amount = consumed_amount + ?,
            released_amount = released_amount + ?,
            status = ?
        WHERE id = ?
    `, consumedDelta, releasedDelta, status, id)
    return err
}

// Manager implements create/consume/extend/release/expire over
// reservations. Each balance change and its reservation row change share
// one database transaction; the cache-resident active-call session is
// updated after commit.
type Manager struct {
    db          *sql.DB
    reservStore *Store
    acctStore   *account.Store
    cache       *cache.Cache
}

func NewManager(db *sql.DB, reservStore *Store, acctStore *account.Store, c *cache.Cache) *Manager {
    return &Manager{db: db, reservStore: reservStore, acctStore: acctStore, cache: c}
}

// FindByCallUUID looks up the most recent reservation for a call,
// regardless of status, bypassing the cached session.
func (m *Manager) FindByCallUUID(ctx context.Context, callUUID string) (*models.Reservation, error) {
    return m.reservStore.GetByCallUUID(ctx, callUUID)
}

// CreateParams bundles everything needed to open a new reservation.
type CreateParams struct {
    AccountID         int64
    AccountType       models.AccountType
    CallUUID          string
    Caller            string
    Callee            string
    DestinationPrefix string
    RatePerMinute     decimal.Decimal
    ReservedAmount    decimal.Decimal
    ReservedMinutes   int
    TTL               time.Duration
    ReservationType   models.ReservationType
    MaxDurationSeconds int64
    ConnectionFee     decimal.Decimal
    MaxConcurrentCalls int
}

// Create opens a reservation, debits (or increases the debt of) the
// account and inserts the active_calls row inside one database
// transaction, then writes the cache-resident active-call session and
// adds call_uuid to the per-account concurrency set after commit. If the
// process stops between commit and the cache writes, nothing rebuilds
// those cache entries from active_calls.
//
// The account row is locked with SELECT ... FOR UPDATE before the
// concurrency count is taken, so two concurrent Create calls for the
// same account serialize on that lock: the second one only sees the
// count after the first has committed its new active_calls row (or
// rolled back without one), making the check-and-reserve atomic
// instead of racing on a cache read taken outside any lock.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*models.Reservation, error) {
    now := time.Now()
    r := &models.Reservation{
        ID:                uuid.NewString(),
        AccountID:         p.AccountID,
        CallUUID:          p.CallUUID,
        ReservedAmount:    p.ReservedAmount,
        Status:            models.ReservationStatusActive,
        Type:              p.ReservationType,
        DestinationPrefix: p.DestinationPrefix,
        RatePerMinute:     p.RatePerMinute,
        ReservedMinutes:   p.ReservedMinutes,
        ExpiresAt:         now.Add(p.TTL),
        CreatedAt:         now,
        UpdatedAt:         now,
    }

    delta := p.ReservedAmount.Neg()

    err := runTx(ctx, m.db, func(tx *sql.Tx) error {
        if _, err := m.acctStore.LockForUpdate(ctx, tx, p.AccountID); err != nil {
            return err
        }

        if p.MaxConcurrentCalls > 0 {
            var current int
            row := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM active_calls WHERE account_id = ?`, p.AccountID)
            if err := row.Scan(&current); err != nil {
                return billingerr.Wrap(err, billingerr.ErrDatabase, "failed to count active calls")
            }
            if current >= p.MaxConcurrentCalls {
                return billingerr.New(billingerr.ErrConcurrentLimitExceeded, "account has reached its concurrent call limit").
                    WithContext("account_id", p.AccountID).WithContext("max_concurrent_calls", p.MaxConcurrentCalls)
            }
        }

        if err := insert(ctx, tx, r); err != nil {
            return billingerr.Wrap(err, billingerr.ErrDatabase, "failed to insert reservation")
        }

        reservationID := r.ID
        if _, err := account.ApplyDelta(ctx, tx, p.AccountID, delta, &reservationID, models.TransactionTypeReserve); err != nil {
            return err
        }

        if _, err := tx.ExecContext(ctx, `
            INSERT INTO active_calls (call_uuid, account_id, reservation_id, destination_prefix,
                rate_per_minute, started_at, max_duration_seconds)
            VALUES (?, ?, ?, ?, ?, ?, ?)
        `, p.CallUUID, p.AccountID, r.ID, p.DestinationPrefix, p.RatePerMinute, now, p.MaxDurationSeconds); err != nil {
            return billingerr.Wrap(err, billingerr.ErrDatabase, "failed to insert active call row")
        }

        return nil
    })
    if err != nil {
        return nil, err
    }

    session := &models.ActiveCallSession{
        CallUUID:           p.CallUUID,
        AccountID:          p.AccountID,
        AccountType:        p.AccountType,
        ReservationID:      r.ID,
        Caller:             p.Caller,
        Callee:             p.Callee,
        RatePerMinute:      p.RatePerMinute,
        DestinationPrefix:  p.DestinationPrefix,
        StartedAt:          now,
        MaxDurationSeconds: p.MaxDurationSeconds,
    }
    m.cache.Set(ctx, "call_session:"+p.CallUUID, session, 45*time.Minute)

    if _, err := m.cache.AddActive(ctx, p.AccountID, p.CallUUID); err != nil {
        logger.WithContext(ctx).WithError(err).Warn("failed to add call to concurrency set")
    }

    return r, nil
}

// ConsumeResult reports the final split of a settled reservation.
type ConsumeResult struct {
    TotalReserved decimal.Decimal
    Consumed      decimal.Decimal
    Released      decimal.Decimal
}

// Consume settles a reservation at hangup: it charges actualCost (capped
// at the remaining held amount) and refunds the rest.
func (m *Manager) Consume(ctx context.Context, callUUID string, actualCost decimal.Decimal) (*ConsumeResult, error) {
    var result *ConsumeResult
    var accountID int64

    err := runTx(ctx, m.db, func(tx *sql.Tx) error {
        var id string
        row := tx.QueryRowContext(ctx, `SELECT id FROM reservations WHERE call_uuid = ? ORDER BY created_at DESC LIMIT 1 FOR UPDATE`, callUUID)
        if err := row.Scan(&id); err != nil {
            if err == sql.ErrNoRows {
                return billingerr.New(billingerr.ErrReservationFailed, "no reservation for call").WithContext("call_uuid", callUUID)
            }
            return billingerr.Wrap(err, billingerr.ErrDatabase, "failed to look up reservation")
        }

        r, err := m.reservStore.GetByIDForUpdate(ctx, tx, id)
        if err != nil {
            return err
        }

        accountID = r.AccountID

        if r.Status.IsTerminal() {
            result = &ConsumeResult{TotalReserved: r.ReservedAmount, Consumed: r.ConsumedAmount, Released: r.ReleasedAmount}
            return nil
        }

        remaining := r.RemainingAmount()
        consumed := actualCost
        if consumed.GreaterThan(remaining) {
            consumed = remaining
        }
        released := remaining.Sub(consumed)

        if err := updateConsumeReleased(ctx, tx, r.ID, consumed, released, models.ReservationStatusFullyConsumed); err != nil {
            return billingerr.Wrap(err, billingerr.ErrDatabase, "failed to update reservation")
        }

        if released.GreaterThan(decimal.Zero) {
            reservationID := r.ID
            if _, err := account.ApplyDelta(ctx, tx, r.AccountID, released, &reservationID, models.TransactionTypeRefund); err != nil {
                return err
            }
        }

        if _, err := tx.ExecContext(ctx, `DELETE FROM active_calls WHERE call_uuid = ?`, callUUID); err != nil {
            return billingerr.Wrap(err, billingerr.ErrDatabase, "failed to delete active call row")
        }

        result = &ConsumeResult{TotalReserved: r.ReservedAmount, Consumed: consumed, Released: released}
        return nil
    })
    if err != nil {
        return nil, err
    }

    m.cache.Delete(ctx, "call_session:"+callUUID)
    m.cache.RemoveActive(ctx, accountID, callUUID)

    return result, nil
}

// Extend opens an additional reservation for an in-progress call, after
// the same feasibility check authorization uses, and widens the
// active_calls row's max_duration_seconds on success. The cached session
// is left to the caller.
func (m *Manager) Extend(ctx context.Context, callUUID string, accountID int64, accountType models.AccountType,
    destinationPrefix string, ratePerMinute decimal.Decimal, reservedAmount decimal.Decimal,
    reservedMinutes int, ttl time.Duration, maxDeficit decimal.Decimal, extraDurationSeconds int64) error {

    return runTx(ctx, m.db, func(tx *sql.Tx) error {
        acct, err := m.acctStore.LockForUpdate(ctx, tx, accountID)
        if err != nil {
            return err
        }

        feasible := false
        switch accountType {
        case models.AccountTypePrepaid:
            feasible = acct.CanAuthorizePrepaid(reservedAmount)
        case models.AccountTypePostpaid:
            feasible = acct.CanAuthorizePostpaid(reservedAmount, maxDeficit)
        }
        if !feasible {
            return billingerr.New(billingerr.ErrInsufficientBalance, "insufficient balance to extend call")
        }

        r := &models.Reservation{
            ID:                uuid.NewString(),
            AccountID:         accountID,
            CallUUID:          callUUID,
            ReservedAmount:    reservedAmount,
            Status:            models.ReservationStatusActive,
            Type:              models.ReservationTypeExtension,
            DestinationPrefix: destinationPrefix,
            RatePerMinute:     ratePerMinute,
            ReservedMinutes:   reservedMinutes,
            ExpiresAt:         time.Now().Add(ttl),
        }
        if err := insert(ctx, tx, r); err != nil {
            return billingerr.Wrap(err, billingerr.ErrDatabase, "failed to insert extension reservation")
        }

        reservationID := r.ID
        if _, err := account.ApplyDelta(ctx, tx, accountID, reservedAmount.Neg(), &reservationID, models.TransactionTypeExtend); err != nil {
            return err
        }

        if _, err := tx.ExecContext(ctx, `
            UPDATE active_calls SET max_duration_seconds = max_duration_seconds + ?, reservation_id = ?
            WHERE call_uuid = ?
        `, extraDurationSeconds, r.ID, callUUID); err != nil {
            return billingerr.Wrap(err, billingerr.ErrDatabase, "failed to update active call row")
        }

        return nil
    })
}

// Release unconditionally refunds the remaining held amount of a
// reservation and marks it released. Used when a call never answered.
func (m *Manager) Release(ctx context.Context, reservationID string) error {
    return m.settle(ctx, reservationID, models.ReservationStatusReleased, models.TransactionTypeRefund)
}

// Expire has the same effect as Release but marks the reservation
// expired; driven by the background sweeper. A no-op if the reservation
// already reached a terminal status (consume always wins the race).
func (m *Manager) Expire(ctx context.Context, reservationID string) error {
    return m.settle(ctx, reservationID, models.ReservationStatusExpired, models.TransactionTypeRefund)
}

func (m *Manager) settle(ctx context.Context, reservationID string, terminal models.ReservationStatus, txType models.TransactionType) error {
    var callUUID string
    var accountID int64

    err := runTx(ctx, m.db, func(tx *sql.Tx) error {
        r, err := m.reservStore.GetByIDForUpdate(ctx, tx, reservationID)
        if err != nil {
            return err
        }
        callUUID = r.CallUUID
        accountID = r.AccountID

        if r.Status.IsTerminal() {
            return nil
        }

        remaining := r.RemainingAmount()
        if err := updateConsumeReleased(ctx, tx, r.ID, decimal.Zero, remaining, terminal); err != nil {
            return billingerr.Wrap(err, billingerr.ErrDatabase, "failed to settle reservation")
        }

        if remaining.GreaterThan(decimal.Zero) {
            reservationID := r.ID
            if _, err := account.ApplyDelta(ctx, tx, r.AccountID, remaining, &reservationID, txType); err != nil {
                return err
            }
        }

        if _, err := tx.ExecContext(ctx, `DELETE FROM active_calls WHERE call_uuid = ?`, r.CallUUID); err != nil {
            return billingerr.Wrap(err, billingerr.ErrDatabase, "failed to delete active call row")
        }

        return nil
    })
    if err != nil {
        return err
    }

    m.cache.Delete(ctx, "call_session:"+callUUID)
    m.cache.RemoveActive(ctx, accountID, callUUID)
    return nil
}

// RunExpirySweeper polls for non-terminal reservations past their TTL
// and expires each one, refunding the remaining held amount.
func (m *Manager) RunExpirySweeper(ctx context.Context, interval time.Duration, batchSize int) {
    ticker := time.NewTicker(interval)
    defer ticker.Stop()

    for {
        select {
        case <-ctx.Done():
            return
        case <-ticker.C:
            m.sweepOnce(ctx, batchSize)
        }
    }
}

func (m *Manager) sweepOnce(ctx context.Context, batchSize int) {
    candidates, err := m.reservStore.ExpiredCandidates(ctx, time.Now(), batchSize)
    if err != nil {
        logger.WithError(err).Warn("failed to load expired reservation candidates")
        return
    }

    for _, r := range candidates {
        if err := m.Expire(ctx, r.ID); err != nil {
            logger.WithField("reservation_id", r.ID).WithError(err).Error("failed to expire reservation")
        }
    }
}

func runTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
    tx, err := db.BeginTx(ctx, nil)
    if err != nil {
        return billingerr.Wrap(err, billingerr.ErrDatabase, "failed to begin transaction")
    }

    defer func() {
        if p := recover(); p != nil {
            tx.Rollback()
            panic(p)
        }
    }()

    if err := fn(tx); err != nil {
        tx.Rollback()
        return err
    }

    if err := tx.Commit(); err != nil {
        return billingerr.Wrap(err, billingerr.ErrDatabase, "failed to commit transaction")
    }
    return nil
}
