package billing

import (
    "context"
    "sync"
    "time"

    "github.com/telecom/billingcore/internal/cache"
    "github.com/telecom/billingcore/internal/cdr"
    "github.com/telecom/billingcore/internal/esl"
    "github.com/telecom/billingcore/internal/models"
    "github.com/telecom/billingcore/internal/money"
    "github.com/telecom/billingcore/internal/rating"
    "github.com/telecom/billingcore/internal/reservation"
    "github.com/telecom/billingcore/pkg/billingerr"
    "github.com/telecom/billingcore/pkg/logger"
)

// CommandSink is the narrow handle the coordinator uses to talk back to
// the softswitch, decoupling it from any one adapter connection.
type CommandSink interface {
    Hangup(ctx context.Context, callUUID, cause string) error
}

type eslSink struct {
    conn *esl.Connection
}

// NewESLSink adapts an esl.Connection into a CommandSink.
func NewESLSink(conn *esl.Connection) CommandSink {
    return &eslSink{conn: conn}
}

func (s *eslSink) Hangup(ctx context.Context, callUUID, cause string) error {
    _, err := s.conn.SendCommand(ctx, "api uuid_kill "+callUUID+" "+cause+"\n\n")
    return err
}

// Coordinator drives each call_uuid through Created -> Answered -> Hungup,
// invoking authorization on setup, a per-call monitor on answer, and
// settlement plus CDR emission on hangup.
type Coordinator struct {
    authz       *Service
    reservMgr   *reservation.Manager
    rates       *rating.Service
    cdrs        *cdr.Store
    failures    *cdr.FailureQueue
    cache       *cache.Cache
    sink        CommandSink
    tickInterval time.Duration

    monitorsMu sync.Mutex
    monitors   map[string]context.CancelFunc
}

func NewCoordinator(authz *Service, reservMgr *reservation.Manager, rates *rating.Service,
    cdrs *cdr.Store, failures *cdr.FailureQueue, c *cache.Cache, sink CommandSink, tickInterval time.Duration) *Coordinator {
    return &Coordinator{
        authz:        authz,
        reservMgr:    reservMgr,
        rates:        rates,
        cdrs:         cdrs,
        failures:     failures,
        cache:        c,
        sink:         sink,
        tickInterval: tickInterval,
        monitors:     make(map[string]context.CancelFunc),
    }
}

// HandleEvent is the softswitch adapter's registered event handler.
func (co *Coordinator) HandleEvent(ev esl.Event) {
    ctx := context.Background()
    callUUID := ev.UniqueID()
    if callUUID == "" {
        return
    }

    switch ev.Name() {
    case "CHANNEL_CREATE":
        co.onCreate(ctx, ev, callUUID)
    case "CHANNEL_ANSWER":
        co.onAnswer(ctx, ev, callUUID)
    case "CHANNEL_HANGUP_COMPLETE":
        co.onHangup(ctx, ev, callUUID)
    }
}

func (co *Coordinator) onCreate(ctx context.Context, ev esl.Event, callUUID string) {
    result, err := co.authz.Authorize(ctx, AuthorizeInput{
        Caller:    ev.Caller(),
        Callee:    ev.Callee(),
        CallUUID:  callUUID,
        Direction: models.CDRDirectionOutbound,
    })
    if err != nil || result == nil || !result.Authorized {
        cause := "CALL_REJECTED"
        if ae, ok := err.(*billingerr.AppError); ok {
            cause = string(ae.Code)
        }
        logger.WithField("call_uuid", callUUID).WithField("cause", cause).Info("call setup denied")
        if hangupErr := co.sink.Hangup(ctx, callUUID, cause); hangupErr != nil {
            logger.WithField("call_uuid", callUUID).WithError(hangupErr).Warn("failed to send hangup for denied call")
        }
        return
    }

    logger.WithField("call_uuid", callUUID).WithField("account_id", result.AccountID).Info("call authorized")
}

func (co *Coordinator) onAnswer(ctx context.Context, ev esl.Event, callUUID string) {
    var session models.ActiveCallSession
    hit, _ := co.cache.Get(ctx, "call_session:"+callUUID, &session)
    if !hit {
        return
    }

    now := time.Now()
    session.AnsweredAt = &now
    co.cache.Set(ctx, "call_session:"+callUUID, &session, 45*time.Minute)

    co.startMonitor(callUUID, session)
}

func (co *Coordinator) onHangup(ctx context.Context, ev esl.Event, callUUID string) {
    first, err := co.cache.SetNX(ctx, "hangup_done:"+callUUID, "1", time.Hour)
    if err != nil {
        logger.WithField("call_uuid", callUUID).WithError(err).Warn("idempotency check failed, proceeding anyway")
    } else if !first {
        return
    }

    co.stopMonitor(callUUID)

    var session models.ActiveCallSession
    hit, _ := co.cache.Get(ctx, "call_session:"+callUUID, &session)
    if !hit {
        co.hangupWithoutSession(ctx, ev, callUUID)
        return
    }

    if session.AnsweredAt == nil {
        if err := co.reservMgr.Release(ctx, session.ReservationID); err != nil {
            logger.WithField("call_uuid", callUUID).WithError(err).Error("failed to release reservation for unanswered call")
        }
        return
    }

    billsec := ev.BillsecSeconds()
    duration := ev.DurationSeconds()

    tariff, err := co.rates.Resolve(ctx, session.Callee, time.Now())
    actualCost := money.Zero
    if err == nil {
        actualCost = rating.Cost(tariff, billsec)
    } else {
        logger.WithField("call_uuid", callUUID).WithError(err).Warn("failed to re-rate at hangup, billing zero")
    }

    settled, err := co.reservMgr.Consume(ctx, callUUID, actualCost)
    if err != nil {
        logger.WithField("call_uuid", callUUID).WithError(err).Error("failed to consume reservation at hangup")
        return
    }

    co.writeCDR(ctx, &models.CDR{
        CallUUID:        callUUID,
        AccountID:       session.AccountID,
        Caller:          session.Caller,
        Callee:          session.Callee,
        StartTime:       session.StartedAt,
        AnswerTime:      session.AnsweredAt,
        EndTime:         time.Now(),
        DurationSeconds: duration,
        BillableSeconds: billsec,
        HangupCause:     ev.HangupCause(),
        RateApplied:     session.RatePerMinute,
        Cost:            settled.Consumed,
        Direction:       models.CDRDirectionOutbound,
        ReservationID:   &session.ReservationID,
        CreatedAt:       time.Now(),
    })
}

// hangupWithoutSession handles CHANNEL_HANGUP_COMPLETE after the
// call_session cache entry is already gone, e.g. the expiry sweeper beat
// the softswitch's own hangup notification and already deleted it on
// settle. The reservation row survives the cache eviction, so it is
// used to recover enough context to still emit a CDR: a zero-cost one
// if the reservation already reached a terminal status, a normally
// consumed one otherwise.
func (co *Coordinator) hangupWithoutSession(ctx context.Context, ev esl.Event, callUUID string) {
    r, err := co.reservMgr.FindByCallUUID(ctx, callUUID)
    if err != nil {
        logger.WithField("call_uuid", callUUID).WithError(err).Warn("hangup for unknown call_uuid, nothing to settle")
        return
    }

    if r.Status.IsTerminal() {
        co.writeCDR(ctx, &models.CDR{
            CallUUID:        callUUID,
            AccountID:       r.AccountID,
            Caller:          ev.Caller(),
            Callee:          ev.Callee(),
            StartTime:       r.CreatedAt,
            EndTime:         time.Now(),
            DurationSeconds: 0,
            BillableSeconds: 0,
            HangupCause:     ev.HangupCause(),
            RateApplied:     r.RatePerMinute,
            Cost:            money.Zero,
            Direction:       models.CDRDirectionOutbound,
            ReservationID:   &r.ID,
            CreatedAt:       time.Now(),
        })
        return
    }

    billsec := ev.BillsecSeconds()
    tariff, rateErr := co.rates.Resolve(ctx, ev.Callee(), time.Now())
    actualCost := money.Zero
    if rateErr == nil {
        actualCost = rating.Cost(tariff, billsec)
    } else {
        logger.WithField("call_uuid", callUUID).WithError(rateErr).Warn("failed to re-rate at hangup, billing zero")
    }

    settled, err := co.reservMgr.Consume(ctx, callUUID, actualCost)
    if err != nil {
        logger.WithField("call_uuid", callUUID).WithError(err).Error("failed to consume reservation at hangup")
        return
    }

    co.writeCDR(ctx, &models.CDR{
        CallUUID:        callUUID,
        AccountID:       r.AccountID,
        Caller:          ev.Caller(),
        Callee:          ev.Callee(),
        StartTime:       r.CreatedAt,
        EndTime:         time.Now(),
        DurationSeconds: ev.DurationSeconds(),
        BillableSeconds: billsec,
        HangupCause:     ev.HangupCause(),
        RateApplied:     r.RatePerMinute,
        Cost:            settled.Consumed,
        Direction:       models.CDRDirectionOutbound,
        ReservationID:   &r.ID,
        CreatedAt:       time.Now(),
    })
}

func (co *Coordinator) writeCDR(ctx context.Context, c *models.CDR) {
    if writeErr := co.cdrs.Write(ctx, c); writeErr != nil {
        logger.WithField("call_uuid", c.CallUUID).WithError(writeErr).Error("failed to write cdr, enqueuing for retry")
        if co.failures != nil {
            if enqueueErr := co.failures.Enqueue(ctx, c, writeErr); enqueueErr != nil {
                logger.WithField("call_uuid", c.CallUUID).WithError(enqueueErr).Error("failed to enqueue cdr for retry")
            }
        }
    }
}

func (co *Coordinator) startMonitor(callUUID string, session models.ActiveCallSession) {
    ctx, cancel := context.WithCancel(context.Background())

    co.monitorsMu.Lock()
    if existing, ok := co.monitors[callUUID]; ok {
        existing()
    }
    co.monitors[callUUID] = cancel
    co.monitorsMu.Unlock()

    go co.runMonitor(ctx, callUUID, session)
}

func (co *Coordinator) stopMonitor(callUUID string) {
    co.monitorsMu.Lock()
    cancel, ok := co.monitors[callUUID]
    if ok {
        delete(co.monitors, callUUID)
    }
    co.monitorsMu.Unlock()

    if ok {
        cancel()
    }
}

// runMonitor ticks every tickInterval, extending the reservation once the
// remaining authorized duration drops below one tick.
func (co *Coordinator) runMonitor(ctx context.Context, callUUID string, session models.ActiveCallSession) {
    ticker := time.NewTicker(co.tickInterval)
    defer ticker.Stop()

    answeredAt := session.StartedAt
    if session.AnsweredAt != nil {
        answeredAt = *session.AnsweredAt
    }

    for {
        select {
        case <-ctx.Done():
            return
        case <-ticker.C:
            elapsed := time.Since(answeredAt).Seconds()
            remaining := float64(session.MaxDurationSeconds) - elapsed
            if remaining >= co.tickInterval.Seconds() {
                continue
            }

            if err := co.extend(ctx, callUUID, &session); err != nil {
                logger.WithField("call_uuid", callUUID).WithError(err).Warn("extension denied, terminating call")
                if hangupErr := co.sink.Hangup(ctx, callUUID, "INSUFFICIENT_BALANCE"); hangupErr != nil {
                    logger.WithField("call_uuid", callUUID).WithError(hangupErr).Warn("failed to send soft-hangup after denied extension")
                }
                return
            }
        }
    }
}

func (co *Coordinator) extend(ctx context.Context, callUUID string, session *models.ActiveCallSession) error {
    tariff, err := co.rates.Resolve(ctx, session.Callee, time.Now())
    if err != nil {
        return err
    }

    limits := co.authz.limits
    reservedAmount := sizeReservation(limits.InitialReservationMinutes, tariff.RatePerMinute, tariff.ConnectionFee, limits)
    extraDuration := maxDurationSeconds(reservedAmount, tariff.ConnectionFee, tariff.RatePerMinute)

    if err := co.reservMgr.Extend(ctx, callUUID, session.AccountID, session.AccountType, tariff.DestinationPrefix,
        tariff.RatePerMinute, reservedAmount, limits.InitialReservationMinutes, limits.ReservationTTL,
        limits.MaxDeficit, extraDuration); err != nil {
        return err
    }

    session.MaxDurationSeconds += extraDuration
    co.cache.Set(ctx, "call_session:"+callUUID, session, 45*time.Minute)
    return nil
}
