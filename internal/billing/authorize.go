// Package billing orchestrates rating, account, and reservation to
// authorize calls and drive each one through its softswitch-observed
// lifecycle.
package billing

import (
    "context"
    "math"
    "time"

    "github.com/google/uuid"
    "github.com/shopspring/decimal"

    "github.com/telecom/billingcore/internal/account"
    "github.com/telecom/billingcore/internal/cache"
    "github.com/telecom/billingcore/internal/models"
    "github.com/telecom/billingcore/internal/money"
    "github.com/telecom/billingcore/internal/rating"
    "github.com/telecom/billingcore/internal/reservation"
    "github.com/telecom/billingcore/pkg/billingerr"
    "github.com/telecom/billingcore/pkg/logger"
)

// Limits bundles the tunables the authorization and extension
// calculations share.
type Limits struct {
    InitialReservationMinutes int
    ReservationBufferPercent  int
    MinReservation            decimal.Decimal
    MaxReservation            decimal.Decimal
    MaxDeficit                decimal.Decimal
    ReservationTTL            time.Duration
    MaxConcurrentCalls        int
    IdempotencyLockTTL        time.Duration
}

// AuthorizeInput is the inbound call-setup request.
type AuthorizeInput struct {
    Caller    string
    Callee    string
    CallUUID  string
    Direction models.CDRDirection
}

// AuthorizeResult is both the success and the rejection shape: Authorized
// distinguishes which fields are meaningful. It is JSON-serializable so
// it can be cached verbatim for idempotent replay.
type AuthorizeResult struct {
    Authorized         bool            `json:"authorized"`
    Reason             string          `json:"reason,omitempty"`
    ErrorCode          string          `json:"error_code,omitempty"`
    CallUUID           string          `json:"call_uuid"`
    AccountID          int64           `json:"account_id,omitempty"`
    ReservationID      string          `json:"reservation_id,omitempty"`
    ReservedAmount     decimal.Decimal `json:"reserved_amount,omitempty"`
    MaxDurationSeconds int64           `json:"max_duration_seconds,omitempty"`
    RatePerMinute      decimal.Decimal `json:"rate_per_minute,omitempty"`
    DestinationPrefix  string          `json:"destination_prefix,omitempty"`
}

// Service is the authorization orchestrator: Module F of the billing
// core, steps 1-7.
type Service struct {
    accounts    *account.Store
    rates       *rating.Service
    reservMgr   *reservation.Manager
    cache       *cache.Cache
    limits      Limits
}

func NewService(accounts *account.Store, rates *rating.Service, reservMgr *reservation.Manager, c *cache.Cache, limits Limits) *Service {
    return &Service{accounts: accounts, rates: rates, reservMgr: reservMgr, cache: c, limits: limits}
}

const idempotencyPrefix = "authz_result:"

// Authorize runs the full setup algorithm. A repeated call_uuid returns
// the first call's result without touching the account or reservation
// tables again.
func (s *Service) Authorize(ctx context.Context, in AuthorizeInput) (*AuthorizeResult, error) {
    if in.CallUUID == "" {
        in.CallUUID = uuid.NewString()
    }

    if cached, ok := s.loadCachedResult(ctx, in.CallUUID); ok {
        return cached, nil
    }

    unlock, err := s.cache.Lock(ctx, "authz:"+in.CallUUID, s.limits.IdempotencyLockTTL)
    if err != nil {
        // Someone else is mid-authorization for this call_uuid. Give them
        // a moment to finish and publish the cached result.
        time.Sleep(50 * time.Millisecond)
        if cached, ok := s.loadCachedResult(ctx, in.CallUUID); ok {
            return cached, nil
        }
        return nil, billingerr.New(billingerr.ErrConcurrentLimitExceeded, "authorization already in progress for call_uuid")
    }
    defer unlock()

    result, err := s.authorizeOnce(ctx, in)
    if err != nil {
        s.cacheResult(ctx, in.CallUUID, errResult(in.CallUUID, err))
        return nil, err
    }

    s.cacheResult(ctx, in.CallUUID, result)
    return result, nil
}

func (s *Service) authorizeOnce(ctx context.Context, in AuthorizeInput) (*AuthorizeResult, error) {
    // Step 1: resolve account, must be active.
    acct, err := s.accounts.GetByNumber(ctx, in.Caller)
    if err != nil {
        return nil, err
    }
    if acct.Status != models.AccountStatusActive {
        return nil, billingerr.New(billingerr.ErrAccountSuspended, "account is not active").WithContext("account_number", in.Caller)
    }

    // Step 2: concurrency cap, cheap pre-check only. The cache count is
    // read outside any account lock and can race with a concurrent
    // authorization for the same account, so it only fails fast on the
    // common case; the authoritative check-and-reserve happens inside
    // reservMgr.Create's account-locked transaction below.
    maxConcurrent := acct.MaxConcurrentCalls
    if maxConcurrent <= 0 {
        maxConcurrent = s.limits.MaxConcurrentCalls
    }
    current, err := s.cache.ActiveCount(ctx, acct.ID)
    if err != nil {
        logger.WithContext(ctx).WithError(err).Warn("failed to read concurrency counter, failing open on count only")
    }
    if current >= int64(maxConcurrent) {
        return nil, billingerr.New(billingerr.ErrConcurrentLimitExceeded, "account has reached its concurrent call limit").
            WithContext("account_id", acct.ID).WithContext("max_concurrent_calls", maxConcurrent)
    }

    // Step 3: resolve tariff.
    tariff, err := s.rates.Resolve(ctx, in.Callee, time.Now())
    if err != nil {
        return nil, err
    }

    // Step 4: reservation sizing.
    reservedAmount := sizeReservation(s.limits.InitialReservationMinutes, tariff.RatePerMinute, tariff.ConnectionFee, s.limits)

    // Step 5: feasibility.
    if !feasible(acct, reservedAmount, s.limits.MaxDeficit) {
        available := acct.Balance
        return nil, billingerr.New(billingerr.ErrInsufficientBalance, "insufficient balance for reservation").
            WithContext("required", reservedAmount.String()).WithContext("available", available.String())
    }

    // Step 6: atomic reservation + debit + cache + concurrency set.
    maxDuration := maxDurationSeconds(reservedAmount, tariff.ConnectionFee, tariff.RatePerMinute)

    r, err := s.reservMgr.Create(ctx, reservation.CreateParams{
        AccountID:          acct.ID,
        AccountType:        acct.Type,
        CallUUID:           in.CallUUID,
        Caller:             in.Caller,
        Callee:             in.Callee,
        DestinationPrefix:  tariff.DestinationPrefix,
        RatePerMinute:      tariff.RatePerMinute,
        ReservedAmount:     reservedAmount,
        ReservedMinutes:    s.limits.InitialReservationMinutes,
        TTL:                s.limits.ReservationTTL,
        ReservationType:    models.ReservationTypeInitial,
        MaxDurationSeconds: maxDuration,
        ConnectionFee:      tariff.ConnectionFee,
        MaxConcurrentCalls: maxConcurrent,
    })
    if err != nil {
        return nil, err
    }

    // Step 7: response.
    return &AuthorizeResult{
        Authorized:         true,
        CallUUID:           in.CallUUID,
        AccountID:          acct.ID,
        ReservationID:      r.ID,
        ReservedAmount:     reservedAmount,
        MaxDurationSeconds: maxDuration,
        RatePerMinute:      tariff.RatePerMinute,
        DestinationPrefix:  tariff.DestinationPrefix,
    }, nil
}

// sizeReservation computes the buffered, clamped reservation amount for a
// window of desiredMinutes at the given tariff.
func sizeReservation(desiredMinutes int, ratePerMinute, connectionFee decimal.Decimal, limits Limits) decimal.Decimal {
    raw := decimal.NewFromInt(int64(desiredMinutes)).Mul(ratePerMinute).Add(connectionFee)
    buffered := money.ApplyBufferPercent(raw, limits.ReservationBufferPercent)
    return money.Clamp(buffered, limits.MinReservation, limits.MaxReservation)
}

func feasible(acct *models.Account, reservedAmount, maxDeficit decimal.Decimal) bool {
    switch acct.Type {
    case models.AccountTypePrepaid:
        return acct.CanAuthorizePrepaid(reservedAmount)
    case models.AccountTypePostpaid:
        return acct.CanAuthorizePostpaid(reservedAmount, maxDeficit)
    default:
        return false
    }
}

// maxDurationSeconds derives how many seconds of talk time a reservation
// buys once its connection fee is paid for.
func maxDurationSeconds(reservedAmount, connectionFee, ratePerMinute decimal.Decimal) int64 {
    if ratePerMinute.IsZero() {
        return math.MaxInt32
    }
    minutes := reservedAmount.Sub(connectionFee).Div(ratePerMinute)
    seconds := minutes.Mul(decimal.NewFromInt(60))
    f, _ := seconds.Float64()
    return int64(math.Floor(f))
}

func (s *Service) loadCachedResult(ctx context.Context, callUUID string) (*AuthorizeResult, bool) {
    var cached AuthorizeResult
    hit, _ := s.cache.Get(ctx, idempotencyPrefix+callUUID, &cached)
    if !hit {
        return nil, false
    }
    return &cached, true
}

func (s *Service) cacheResult(ctx context.Context, callUUID string, r *AuthorizeResult) {
    s.cache.Set(ctx, idempotencyPrefix+callUUID, r, s.limits.IdempotencyLockTTL*4)
}

func errResult(callUUID string, err error) *AuthorizeResult {
    r := &AuthorizeResult{Authorized: false, CallUUID: callUUID}
    if ae, ok := err.(*billingerr.AppError); ok {
        r.ErrorCode = string(ae.Code)
        r.Reason = ae.Message
    } else {
        r.ErrorCode = string(billingerr.ErrInternal)
        r.Reason = err.Error()
    }
    return r
}
