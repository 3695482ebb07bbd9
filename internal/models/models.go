package models

import (
    "time"

    "github.com/shopspring/decimal"
)

type AccountType string

const (
    AccountTypePrepaid  AccountType = "prepaid"
    AccountTypePostpaid AccountType = "postpaid"
)

type AccountStatus string

const (
    AccountStatusActive    AccountStatus = "active"
    AccountStatusSuspended AccountStatus = "suspended"
    AccountStatusClosed    AccountStatus = "closed"
)

// Account is the persistent ledger row. The core mutates Balance only as
// part of a reservation commit; it never creates or deletes accounts.
type Account struct {
    ID                 int64           `json:"id" db:"id"`
    AccountNumber      string          `json:"account_number" db:"account_number"`
    Type               AccountType     `json:"type" db:"type"`
    Balance            decimal.Decimal `json:"balance" db:"balance"`
    CreditLimit        decimal.Decimal `json:"credit_limit" db:"credit_limit"`
    Currency           string          `json:"currency" db:"currency"`
    Status             AccountStatus   `json:"status" db:"status"`
    MaxConcurrentCalls int             `json:"max_concurrent_calls" db:"max_concurrent_calls"`
    CreatedAt          time.Time       `json:"created_at" db:"created_at"`
    UpdatedAt          time.Time       `json:"updated_at" db:"updated_at"`
}

// CanAuthorizePrepaid reports whether a prepaid account can absorb a
// reservation of the given size without its balance going negative.
func (a *Account) CanAuthorizePrepaid(reservedAmount decimal.Decimal) bool {
    return a.Balance.GreaterThanOrEqual(reservedAmount)
}

// CanAuthorizePostpaid reports whether a postpaid account's projected debt,
// after absorbing the reservation, stays within credit_limit plus the
// configured deficit allowance.
func (a *Account) CanAuthorizePostpaid(reservedAmount, maxDeficit decimal.Decimal) bool {
    projectedDebt := a.Balance.Neg().Add(reservedAmount)
    ceiling := a.CreditLimit.Add(maxDeficit)
    return projectedDebt.LessThanOrEqual(ceiling)
}

type RateTariff struct {
    ID                      int64           `json:"id" db:"id"`
    DestinationPrefix       string          `json:"destination_prefix" db:"destination_prefix"`
    DestinationName         string          `json:"destination_name" db:"destination_name"`
    RatePerMinute           decimal.Decimal `json:"rate_per_minute" db:"rate_per_minute"`
    BillingIncrementSeconds int             `json:"billing_increment_seconds" db:"billing_increment_seconds"`
    ConnectionFee           decimal.Decimal `json:"connection_fee" db:"connection_fee"`
    EffectiveStart          time.Time       `json:"effective_start" db:"effective_start"`
    EffectiveEnd            *time.Time      `json:"effective_end,omitempty" db:"effective_end"`
    Priority                int             `json:"priority" db:"priority"`
    CreatedAt               time.Time       `json:"created_at" db:"created_at"`
    UpdatedAt               time.Time       `json:"updated_at" db:"updated_at"`
}

// Covers reports whether the tariff is in effect at instant t.
func (t *RateTariff) Covers(at time.Time) bool {
    if at.Before(t.EffectiveStart) {
        return false
    }
    if t.EffectiveEnd != nil && !at.Before(*t.EffectiveEnd) {
        return false
    }
    return true
}

type ReservationStatus string

const (
    ReservationStatusActive            ReservationStatus = "active"
    ReservationStatusPartiallyConsumed ReservationStatus = "partially_consumed"
    ReservationStatusFullyConsumed     ReservationStatus = "fully_consumed"
    ReservationStatusExpired           ReservationStatus = "expired"
    ReservationStatusReleased          ReservationStatus = "released"
    ReservationStatusCancelled         ReservationStatus = "cancelled"
)

// IsTerminal reports whether status is one of the absorbing states.
func (s ReservationStatus) IsTerminal() bool {
    switch s {
    case ReservationStatusFullyConsumed, ReservationStatusExpired,
        ReservationStatusReleased, ReservationStatusCancelled:
        return true
    default:
        return false
    }
}

type ReservationType string

const (
    ReservationTypeInitial   ReservationType = "initial"
    ReservationTypeExtension ReservationType = "extension"
)

type Reservation struct {
    ID                string            `json:"id" db:"id"`
    AccountID         int64             `json:"account_id" db:"account_id"`
    CallUUID          string            `json:"call_uuid" db:"call_uuid"`
    ReservedAmount    decimal.Decimal   `json:"reserved_amount" db:"reserved_amount"`
    ConsumedAmount    decimal.Decimal   `json:"consumed_amount" db:"consumed_amount"`
    ReleasedAmount    decimal.Decimal   `json:"released_amount" db:"released_amount"`
    Status            ReservationStatus `json:"status" db:"status"`
    Type              ReservationType   `json:"reservation_type" db:"reservation_type"`
    DestinationPrefix string            `json:"destination_prefix" db:"destination_prefix"`
    RatePerMinute     decimal.Decimal   `json:"rate_per_minute" db:"rate_per_minute"`
    ReservedMinutes   int               `json:"reserved_minutes" db:"reserved_minutes"`
    ExpiresAt         time.Time         `json:"expires_at" db:"expires_at"`
    CreatedAt         time.Time         `json:"created_at" db:"created_at"`
    UpdatedAt         time.Time         `json:"updated_at" db:"updated_at"`
}

// RemainingAmount is the portion of the reservation still held out of the
// account's spendable balance: reserved - consumed - released.
func (r *Reservation) RemainingAmount() decimal.Decimal {
    return r.ReservedAmount.Sub(r.ConsumedAmount).Sub(r.ReleasedAmount)
}

// ActiveCallSession is the cache-resident record created on authorization
// and deleted on hangup or TTL expiry. It is never the source of truth for
// the account balance; the database row is.
type ActiveCallSession struct {
    CallUUID           string          `json:"call_uuid"`
    AccountID          int64           `json:"account_id"`
    AccountType        AccountType     `json:"account_type"`
    ReservationID      string          `json:"reservation_id"`
    Caller             string          `json:"caller"`
    Callee             string          `json:"callee"`
    RatePerMinute      decimal.Decimal `json:"rate_per_minute"`
    DestinationPrefix  string          `json:"destination_prefix"`
    StartedAt          time.Time       `json:"started_at"`
    AnsweredAt         *time.Time      `json:"answered_at,omitempty"`
    MaxDurationSeconds int64           `json:"max_duration_seconds"`
}

type CDRDirection string

const (
    CDRDirectionOutbound CDRDirection = "outbound"
    CDRDirectionInbound  CDRDirection = "inbound"
)

type CDR struct {
    ID              int64           `json:"id" db:"id"`
    CallUUID        string          `json:"call_uuid" db:"call_uuid"`
    AccountID       int64           `json:"account_id" db:"account_id"`
    Caller          string          `json:"caller" db:"caller"`
    Callee          string          `json:"callee" db:"callee"`
    StartTime       time.Time       `json:"start_time" db:"start_time"`
    AnswerTime      *time.Time      `json:"answer_time,omitempty" db:"answer_time"`
    EndTime         time.Time       `json:"end_time" db:"end_time"`
    DurationSeconds int             `json:"duration_seconds" db:"duration_seconds"`
    BillableSeconds int             `json:"billable_seconds" db:"billable_seconds"`
    HangupCause     string          `json:"hangup_cause" db:"hangup_cause"`
    RateApplied     decimal.Decimal `json:"rate_applied" db:"rate_applied"`
    Cost            decimal.Decimal `json:"cost" db:"cost"`
    Direction       CDRDirection    `json:"direction" db:"direction"`
    ReservationID   *string         `json:"reservation_id,omitempty" db:"reservation_id"`
    CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

type TransactionType string

const (
    TransactionTypeReserve TransactionType = "reserve"
    TransactionTypeConsume TransactionType = "consume"
    TransactionTypeRefund  TransactionType = "refund"
    TransactionTypeExtend  TransactionType = "extend"
)

// BalanceTransaction is the append-only audit row every balance-mutating
// operation writes in the same database transaction as the mutation
// itself.
type BalanceTransaction struct {
    ID            int64           `json:"id" db:"id"`
    AccountID     int64           `json:"account_id" db:"account_id"`
    ReservationID *string         `json:"reservation_id,omitempty" db:"reservation_id"`
    Amount        decimal.Decimal `json:"amount" db:"amount"`
    Type          TransactionType `json:"type" db:"type"`
    BalanceAfter  decimal.Decimal `json:"balance_after" db:"balance_after"`
    CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// CDRWriteFailure records a CDR that failed to persist so a background
// retrier can replay it without losing the call record.
type CDRWriteFailure struct {
    ID          int64     `json:"id" db:"id"`
    Payload     []byte    `json:"payload" db:"payload"`
    Attempts    int       `json:"attempts" db:"attempts"`
    LastError   string    `json:"last_error" db:"last_error"`
    CreatedAt   time.Time `json:"created_at" db:"created_at"`
    NextRetryAt time.Time `json:"next_retry_at" db:"next_retry_at"`
}
