// Package usage is the append-only billing ledger and its aggregate views.
package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"llmgate/internal/metrics"
	"llmgate/internal/storage"
	"llmgate/internal/tokens"
)

type Accounting struct {
	store   *storage.Store
	est     *tokens.Estimator
	log     zerolog.Logger
	metrics *metrics.Metrics
}

func NewAccounting(store *storage.Store, est *tokens.Estimator, log zerolog.Logger, m *metrics.Metrics) *Accounting {
	if est == nil {
		est = tokens.NewEstimator(nil)
	}
	return &Accounting{store: store, est: est, log: log, metrics: m}
}

// Record appends one ledger entry. A failed write is logged and counted but
// never propagated; billing must not break the request that triggered it.
// The write is detached from caller cancellation: a disconnected stream hands
// us an already-canceled context, and the partial output still gets billed.
func (a *Accounting) Record(ctx context.Context, e storage.UsageEntry) {
	ctx = context.WithoutCancel(ctx)
	if e.TotalTokens == 0 {
		e.TotalTokens = e.PromptTokens + e.CompletionTokens
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if _, err := a.store.InsertUsageEntry(ctx, e); err != nil {
		if a.metrics != nil {
			a.metrics.UsageWriteErrors.Inc()
		}
		a.log.Error().Err(err).
			Str("user_id", e.UserID).
			Int64("model_id", e.ModelID).
			Msg("usage entry dropped")
		return
	}
	if a.metrics != nil {
		a.metrics.UsageEntries.Inc()
	}
}

func (a *Accounting) Totals(ctx context.Context, userID string, since, until *time.Time) (storage.UsageTotals, error) {
	return a.store.SumUsage(ctx, userID, since, until)
}

func (a *Accounting) ByModel(ctx context.Context, userID string, since, until *time.Time) ([]storage.ModelUsage, error) {
	return a.store.UsageByModel(ctx, userID, since, until)
}

func (a *Accounting) ByAgent(ctx context.Context, userID string, since, until *time.Time) ([]storage.AgentUsage, error) {
	return a.store.UsageByAgent(ctx, userID, since, until)
}

func (a *Accounting) Recent(ctx context.Context, userID string, limit uint64) ([]storage.UsageEntry, error) {
	return a.store.ListRecentUsage(ctx, userID, limit)
}

// PurgeOlderThan drops ledger rows older than the retention window and
// reports how many were removed.
func (a *Accounting) PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-age)
	n, err := a.store.PurgeUsageOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge usage: %w", err)
	}
	if n > 0 {
		a.log.Info().Int64("rows", n).Time("cutoff", cutoff).Msg("usage ledger purged")
	}
	return n, nil
}

type Granularity string

const (
	ByHour Granularity = "hour"
	ByDay  Granularity = "day"
)

type TimelineBucket struct {
	At     time.Time
	Tokens int64
}

// Timeline buckets the user's token spend since the given time. Bucketing
// happens here rather than in SQL so both backends agree.
func (a *Accounting) Timeline(ctx context.Context, userID string, since time.Time, g Granularity) ([]TimelineBucket, error) {
	points, err := a.store.UsagePointsSince(ctx, userID, since)
	if err != nil {
		return nil, fmt.Errorf("load usage points: %w", err)
	}

	sums := make(map[time.Time]int64)
	order := make([]time.Time, 0)
	for _, p := range points {
		at := bucketStart(p.At, g)
		if _, seen := sums[at]; !seen {
			order = append(order, at)
		}
		sums[at] += p.Tokens
	}

	out := make([]TimelineBucket, 0, len(order))
	for _, at := range order {
		out = append(out, TimelineBucket{At: at, Tokens: sums[at]})
	}
	return out, nil
}

func bucketStart(at time.Time, g Granularity) time.Time {
	at = at.UTC()
	if g == ByDay {
		return time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)
	}
	return at.Truncate(time.Hour)
}
