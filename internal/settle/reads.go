package settle

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tmakonnen/pesawire/internal/cache"
	"github.com/tmakonnen/pesawire/internal/domain"
)

// Period selects the revenue aggregation window. Windows are aligned to UTC
// day, Monday-start week, and calendar month boundaries.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
	PeriodAll     Period = "all"
)

// ParsePeriod validates a period string from the API surface.
func ParsePeriod(s string) (Period, error) {
	switch Period(s) {
	case PeriodDaily, PeriodWeekly, PeriodMonthly, PeriodAll:
		return Period(s), nil
	}
	return "", fmt.Errorf("unknown period %q", s)
}

// RevenueSummary is a cached aggregate of received funds over a window.
type RevenueSummary struct {
	Period Period          `json:"period"`
	Start  time.Time       `json:"start"`
	End    time.Time       `json:"end"`
	Total  decimal.Decimal `json:"total"`
	Count  int             `json:"count"`
}

// revenueHistoryLimit bounds how much history one aggregation scans.
const revenueHistoryLimit = 200

// CachedBalance serves an account's ledger balance through the cache.
func (s *Service) CachedBalance(ctx context.Context, accountID string) ([]domain.BalanceLine, error) {
	key := s.cache.Key(cache.NSBalance, accountID, "all")
	var lines []domain.BalanceLine
	if s.cache.GetJSON(ctx, key, &lines) {
		return lines, nil
	}
	lines, err := s.ledger.GetBalance(ctx, accountID)
	if err != nil {
		return nil, err
	}
	s.cache.SetJSON(ctx, key, lines, cache.TTLTransactions)
	return lines, nil
}

// CachedHistory serves an account's transaction history through the cache.
// This is the read path the confirmation poller shares with the rest of the
// API, and the one the orchestrator invalidates on settlement.
func (s *Service) CachedHistory(ctx context.Context, accountID string, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	key := s.cache.Key(cache.NSHistory, accountID, fmt.Sprintf("limit=%d", limit))
	var txs []domain.Transaction
	if s.cache.GetJSON(ctx, key, &txs) {
		return txs, nil
	}
	txs, err := s.ledger.GetHistory(ctx, accountID, limit)
	if err != nil {
		return nil, err
	}
	s.cache.SetJSON(ctx, key, txs, cache.TTLTransactions)
	return txs, nil
}

// Revenue sums received transactions inside the period's window. The
// aggregate itself is cached with the short metrics TTL and is never
// force-invalidated; bounded staleness is acceptable here.
func (s *Service) Revenue(ctx context.Context, accountID string, period Period) (*RevenueSummary, error) {
	key := s.cache.Key(cache.NSMetrics, accountID, string(period))
	var summary RevenueSummary
	if s.cache.GetJSON(ctx, key, &summary) {
		return &summary, nil
	}

	txs, err := s.CachedHistory(ctx, accountID, revenueHistoryLimit)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	start := windowStart(now, period)
	total := decimal.Zero
	count := 0
	for _, tx := range txs {
		if tx.Type != domain.TxReceive {
			continue
		}
		if tx.Time.Before(start) || tx.Time.After(now) {
			continue
		}
		total = total.Add(tx.Amount)
		count++
	}

	summary = RevenueSummary{Period: period, Start: start, End: now, Total: total, Count: count}
	s.cache.SetJSON(ctx, key, summary, cache.TTLMetrics)
	return &summary, nil
}

func windowStart(now time.Time, period Period) time.Time {
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	switch period {
	case PeriodDaily:
		return day
	case PeriodWeekly:
		// Monday-start week.
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case PeriodMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Time{}
	}
}
