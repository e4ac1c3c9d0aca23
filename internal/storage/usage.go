package storage

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// InsertUsageEntry appends one ledger row. CreatedAt is stored as a unix
// timestamp so both backends aggregate it the same way.
func (s *Store) InsertUsageEntry(ctx context.Context, e UsageEntry) (int64, error) {
	at := e.CreatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	q := s.sql.Insert("usage_log").
		Columns("user_id", "model_id", "agent", "prompt_tokens", "completion_tokens",
			"total_tokens", "success", "created_at").
		Values(e.UserID, e.ModelID, e.Agent, e.PromptTokens, e.CompletionTokens,
			e.TotalTokens, boolToInt(e.Success), at.Unix())
	id, err := s.insertReturningID(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("insert usage entry: %w", err)
	}
	return id, nil
}

func usageRange(userID string, since, until *time.Time) sq.And {
	where := sq.And{sq.Eq{"user_id": userID}}
	if since != nil {
		where = append(where, sq.GtOrEq{"created_at": since.Unix()})
	}
	if until != nil {
		where = append(where, sq.Lt{"created_at": until.Unix()})
	}
	return where
}

const usageTotalsExpr = "COALESCE(SUM(prompt_tokens), 0), " +
	"COALESCE(SUM(completion_tokens), 0), " +
	"COALESCE(SUM(total_tokens), 0), " +
	"COUNT(*), " +
	"COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0)"

// SumUsage aggregates the user's ledger over [since, until); nil bounds mean
// unbounded.
func (s *Store) SumUsage(ctx context.Context, userID string, since, until *time.Time) (UsageTotals, error) {
	q := s.sql.Select(usageTotalsExpr).From("usage_log").Where(usageRange(userID, since, until))
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return UsageTotals{}, fmt.Errorf("build sum usage query: %w", err)
	}
	var t UsageTotals
	err = s.q.QueryRowContext(ctx, sqlStr, args...).
		Scan(&t.PromptTokens, &t.CompletionTokens, &t.TotalTokens, &t.Requests, &t.Errors)
	if err != nil {
		return UsageTotals{}, fmt.Errorf("sum usage: %w", err)
	}
	return t, nil
}

// UsageByModel aggregates per model, keeping rows whose model has since been
// deleted (names come back empty in that case).
func (s *Store) UsageByModel(ctx context.Context, userID string, since, until *time.Time) ([]ModelUsage, error) {
	q := s.sql.Select(
		"usage_log.model_id",
		"COALESCE(platform_models.model_name, '')",
		"COALESCE(platform_models.display_name, '')",
		"COALESCE(platforms.name, '')",
		usageTotalsExpr,
	).
		From("usage_log").
		LeftJoin("platform_models ON platform_models.id = usage_log.model_id").
		LeftJoin("platforms ON platforms.id = platform_models.platform_id").
		Where(usageRange(userID, since, until)).
		GroupBy("usage_log.model_id", "platform_models.model_name",
			"platform_models.display_name", "platforms.name").
		OrderBy("SUM(total_tokens) DESC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build usage by model query: %w", err)
	}
	rows, err := s.q.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("usage by model: %w", err)
	}
	defer rows.Close()

	out := make([]ModelUsage, 0)
	for rows.Next() {
		var m ModelUsage
		err := rows.Scan(&m.ModelID, &m.ModelName, &m.DisplayName, &m.PlatformName,
			&m.PromptTokens, &m.CompletionTokens, &m.TotalTokens, &m.Requests, &m.Errors)
		if err != nil {
			return nil, fmt.Errorf("scan usage by model row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage by model rows: %w", err)
	}
	return out, nil
}

func (s *Store) UsageByAgent(ctx context.Context, userID string, since, until *time.Time) ([]AgentUsage, error) {
	q := s.sql.Select("agent", usageTotalsExpr).
		From("usage_log").
		Where(usageRange(userID, since, until)).
		GroupBy("agent").
		OrderBy("SUM(total_tokens) DESC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build usage by agent query: %w", err)
	}
	rows, err := s.q.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("usage by agent: %w", err)
	}
	defer rows.Close()

	out := make([]AgentUsage, 0)
	for rows.Next() {
		var a AgentUsage
		err := rows.Scan(&a.Agent,
			&a.PromptTokens, &a.CompletionTokens, &a.TotalTokens, &a.Requests, &a.Errors)
		if err != nil {
			return nil, fmt.Errorf("scan usage by agent row: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage by agent rows: %w", err)
	}
	return out, nil
}

// UsagePointsSince returns raw (timestamp, total_tokens) points for the user;
// callers bucket them into a timeline.
func (s *Store) UsagePointsSince(ctx context.Context, userID string, since time.Time) ([]UsagePoint, error) {
	q := s.sql.Select("created_at", "total_tokens").
		From("usage_log").
		Where(sq.And{
			sq.Eq{"user_id": userID},
			sq.GtOrEq{"created_at": since.Unix()},
		}).
		OrderBy("created_at ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build usage points query: %w", err)
	}
	rows, err := s.q.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("usage points: %w", err)
	}
	defer rows.Close()

	out := make([]UsagePoint, 0)
	for rows.Next() {
		var unix, tokens int64
		if err := rows.Scan(&unix, &tokens); err != nil {
			return nil, fmt.Errorf("scan usage point row: %w", err)
		}
		out = append(out, UsagePoint{At: time.Unix(unix, 0).UTC(), Tokens: tokens})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage point rows: %w", err)
	}
	return out, nil
}

// PurgeUsageOlderThan deletes ledger rows strictly older than cutoff and
// reports how many went away.
func (s *Store) PurgeUsageOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	q := s.sql.Delete("usage_log").Where(sq.Lt{"created_at": cutoff.Unix()})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build purge usage query: %w", err)
	}
	res, err := s.q.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("purge usage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge usage rows affected: %w", err)
	}
	return n, nil
}

// ListRecentUsage returns the user's newest ledger rows, newest first.
func (s *Store) ListRecentUsage(ctx context.Context, userID string, limit uint64) ([]UsageEntry, error) {
	q := s.sql.Select("id", "user_id", "model_id", "agent", "prompt_tokens",
		"completion_tokens", "total_tokens", "success", "created_at").
		From("usage_log").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("created_at DESC", "id DESC").
		Limit(limit)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build recent usage query: %w", err)
	}
	rows, err := s.q.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("recent usage: %w", err)
	}
	defer rows.Close()

	out := make([]UsageEntry, 0)
	for rows.Next() {
		var e UsageEntry
		var success int
		var unix int64
		err := rows.Scan(&e.ID, &e.UserID, &e.ModelID, &e.Agent, &e.PromptTokens,
			&e.CompletionTokens, &e.TotalTokens, &success, &unix)
		if err != nil {
			return nil, fmt.Errorf("scan recent usage row: %w", err)
		}
		e.Success = success != 0
		e.CreatedAt = time.Unix(unix, 0).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent usage rows: %w", err)
	}
	return out, nil
}
