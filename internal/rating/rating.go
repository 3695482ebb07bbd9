// Package rating resolves destination numbers to tariffs by longest-
// prefix match and computes call cost, backed by a single-flight
// protected cache in front of the persistent rate table.
package rating

import (
    "context"
    "database/sql"
    "sort"
    "strings"
    "time"

    "github.com/shopspring/decimal"
    "golang.org/x/sync/singleflight"

    "github.com/telecom/billingcore/internal/cache"
    "github.com/telecom/billingcore/internal/money"
    "github.com/telecom/billingcore/internal/models"
    "github.com/telecom/billingcore/pkg/billingerr"
)

// Store is the persistence boundary for rate tariffs.
type Store interface {
    FindCandidates(ctx context.Context, normalizedDestination string) ([]models.RateTariff, error)
}

type SQLStore struct {
    db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
    return &SQLStore{db: db}
}

// FindCandidates returns every tariff whose destination_prefix is a
// prefix of the normalized destination, regardless of effective window;
// filtering by instant happens in the caller so it can be tested without
// a clock dependency.
func (s *SQLStore) FindCandidates(ctx context.Context, normalizedDestination string) ([]models.RateTariff, error) {
    rows, err := s.db.QueryContext(ctx, `
        SELECT id, destination_prefix, destination_name, rate_per_minute,
               billing_increment_seconds, connection_fee, effective_start,
               effective_end, priority, created_at, updated_at
        FROM rate_cards
        WHERE ? LIKE CONCAT(destination_prefix, '%')
    `, normalizedDestination)
    if err != nil {
        return nil, billingerr.Wrap(err, billingerr.ErrDatabase, "failed to query rate cards")
    }
    defer rows.Close()

    var out []models.RateTariff
    for rows.Next() {
        var t models.RateTariff
        var effectiveEnd sql.NullTime
        if err := rows.Scan(&t.ID, &t.DestinationPrefix, &t.DestinationName, &t.RatePerMinute,
            &t.BillingIncrementSeconds, &t.ConnectionFee, &t.EffectiveStart,
            &effectiveEnd, &t.Priority, &t.CreatedAt, &t.UpdatedAt); err != nil {
            return nil, billingerr.Wrap(err, billingerr.ErrDatabase, "failed to scan rate card")
        }
        if effectiveEnd.Valid {
            t.EffectiveEnd = &effectiveEnd.Time
        }
        out = append(out, t)
    }
    return out, rows.Err()
}

// List returns the full rate table ordered by prefix, for CLI inspection.
func (s *SQLStore) List(ctx context.Context, limit int) ([]models.RateTariff, error) {
    rows, err := s.db.QueryContext(ctx, `
        SELECT id, destination_prefix, destination_name, rate_per_minute,
               billing_increment_seconds, connection_fee, effective_start,
               effective_end, priority, created_at, updated_at
        FROM rate_cards ORDER BY destination_prefix LIMIT ?
    `, limit)
    if err != nil {
        return nil, billingerr.Wrap(err, billingerr.ErrDatabase, "failed to list rate cards")
    }
    defer rows.Close()

    var out []models.RateTariff
    for rows.Next() {
        var t models.RateTariff
        var effectiveEnd sql.NullTime
        if err := rows.Scan(&t.ID, &t.DestinationPrefix, &t.DestinationName, &t.RatePerMinute,
            &t.BillingIncrementSeconds, &t.ConnectionFee, &t.EffectiveStart,
            &effectiveEnd, &t.Priority, &t.CreatedAt, &t.UpdatedAt); err != nil {
            return nil, billingerr.Wrap(err, billingerr.ErrDatabase, "failed to scan rate card")
        }
        if effectiveEnd.Valid {
            t.EffectiveEnd = &effectiveEnd.Time
        }
        out = append(out, t)
    }
    return out, rows.Err()
}

// Normalize strips everything but digits from a dialed number.
func Normalize(destination string) string {
    var b strings.Builder
    for _, r := range destination {
        if r >= '0' && r <= '9' {
            b.WriteRune(r)
        }
    }
    return b.String()
}

// Service resolves tariffs with a cache-then-store lookup, collapsing
// concurrent misses for the same key into a single store query.
type Service struct {
    store    Store
    cache    *cache.Cache
    cacheTTL time.Duration
    group    singleflight.Group
}

func NewService(store Store, c *cache.Cache, cacheTTL time.Duration) *Service {
    return &Service{store: store, cache: c, cacheTTL: cacheTTL}
}

// Resolve finds the tariff governing destination at instant `at`,
// applying the longest-prefix / highest-priority / latest-effective-start
// tie-break.
func (s *Service) Resolve(ctx context.Context, destination string, at time.Time) (*models.RateTariff, error) {
    normalized := Normalize(destination)
    if normalized == "" {
        return nil, billingerr.New(billingerr.ErrInvalidRequest, "destination has no digits")
    }

    cacheKey := "rate:" + normalized
    var cached models.RateTariff
    if hit, _ := s.cache.Get(ctx, cacheKey, &cached); hit {
        if cached.Covers(at) {
            return &cached, nil
        }
    }

    result, err, _ := s.group.Do(cacheKey, func() (interface{}, error) {
        candidates, err := s.store.FindCandidates(ctx, normalized)
        if err != nil {
            return nil, err
        }

        best := selectBest(candidates, at)
        if best == nil {
            return nil, billingerr.New(billingerr.ErrRateNotFound, "no tariff matches destination").WithContext("destination", normalized)
        }

        s.cache.Set(ctx, cacheKey, best, s.cacheTTL)
        return best, nil
    })
    if err != nil {
        return nil, err
    }

    return result.(*models.RateTariff), nil
}

// selectBest picks the tariff in effect at `at` with the longest prefix,
// breaking ties by highest priority then latest effective_start.
func selectBest(candidates []models.RateTariff, at time.Time) *models.RateTariff {
    var inEffect []models.RateTariff
    for _, c := range candidates {
        if c.Covers(at) {
            inEffect = append(inEffect, c)
        }
    }
    if len(inEffect) == 0 {
        return nil
    }

    sort.Slice(inEffect, func(i, j int) bool {
        a, b := inEffect[i], inEffect[j]
        if len(a.DestinationPrefix) != len(b.DestinationPrefix) {
            return len(a.DestinationPrefix) > len(b.DestinationPrefix)
        }
        if a.Priority != b.Priority {
            return a.Priority > b.Priority
        }
        return a.EffectiveStart.After(b.EffectiveStart)
    })

    best := inEffect[0]
    return &best
}

// Cost computes the price of a call at the given tariff.
func Cost(tariff *models.RateTariff, billableSeconds int) decimal.Decimal {
    return money.CallCost(billableSeconds, tariff.BillingIncrementSeconds, tariff.RatePerMinute, tariff.ConnectionFee)
}
