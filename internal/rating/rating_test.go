package rating

import (
    "testing"
    "time"

    "github.com/shopspring/decimal"
    "github.com/stretchr/testify/require"

    "github.com/telecom/billingcore/internal/models"
)

func dec(s string) decimal.Decimal {
    v, err := decimal.NewFromString(s)
    if err != nil {
        panic(err)
    }
    return v
}

func tariff(prefix string, priority int, ratePerMinute string, effectiveStart time.Time) models.RateTariff {
    return models.RateTariff{
        DestinationPrefix: prefix,
        RatePerMinute:     dec(ratePerMinute),
        Priority:          priority,
        EffectiveStart:    effectiveStart,
    }
}

func TestNormalize(t *testing.T) {
    require.Equal(t, "15551234567", Normalize("+1 (555) 123-4567"))
    require.Equal(t, "", Normalize("sip:abc@host"))
    require.Equal(t, "442071234567", Normalize("+44-207-123-4567"))
}

func TestSelectBestLongestPrefixWins(t *testing.T) {
    now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
    start := now.Add(-time.Hour)
    candidates := []models.RateTariff{
        tariff("1", 1, "0.05", start),
        tariff("44", 1, "0.03", start),
        tariff("4420", 1, "0.01", start),
    }

    best := selectBest(candidates, now)
    require.NotNil(t, best)
    require.Equal(t, "4420", best.DestinationPrefix)
}

func TestSelectBestPriorityTiebreak(t *testing.T) {
    now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
    start := now.Add(-time.Hour)
    candidates := []models.RateTariff{
        tariff("4420", 1, "0.02", start),
        tariff("4420", 5, "0.015", start),
    }

    best := selectBest(candidates, now)
    require.NotNil(t, best)
    require.True(t, dec("0.015").Equal(best.RatePerMinute))
}

func TestSelectBestEffectiveStartTiebreak(t *testing.T) {
    now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
    older := now.Add(-48 * time.Hour)
    newer := now.Add(-time.Hour)
    candidates := []models.RateTariff{
        tariff("4420", 1, "0.02", older),
        tariff("4420", 1, "0.018", newer),
    }

    best := selectBest(candidates, now)
    require.NotNil(t, best)
    require.True(t, dec("0.018").Equal(best.RatePerMinute))
}

func TestSelectBestExcludesNotYetEffective(t *testing.T) {
    now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
    future := now.Add(time.Hour)
    candidates := []models.RateTariff{
        tariff("4420", 1, "0.02", future),
    }

    require.Nil(t, selectBest(candidates, now))
}

func TestSelectBestExcludesExpired(t *testing.T) {
    now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
    start := now.Add(-48 * time.Hour)
    end := now.Add(-time.Hour)
    expired := tariff("4420", 1, "0.02", start)
    expired.EffectiveEnd = &end

    require.Nil(t, selectBest([]models.RateTariff{expired}, now))
}

func TestSelectBestNoCandidates(t *testing.T) {
    require.Nil(t, selectBest(nil, time.Now()))
}

func TestCost(t *testing.T) {
    tf := &models.RateTariff{
        RatePerMinute:           dec("0.02"),
        BillingIncrementSeconds: 60,
        ConnectionFee:           dec("0.01"),
    }
    cost := Cost(tf, 61)
    require.True(t, dec("0.0500").Equal(cost), "got %s", cost)
}
