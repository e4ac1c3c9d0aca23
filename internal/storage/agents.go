package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

const agentColumns = "id, user_id, agent_name, target_type, usage_key, platform_id, model_id"

// UpsertAgentBinding stores or replaces the routing rule for (user, agent).
func (s *Store) UpsertAgentBinding(ctx context.Context, b AgentBinding) error {
	q := s.sql.Insert("agent_bindings").
		Columns("user_id", "agent_name", "target_type", "usage_key", "platform_id", "model_id").
		Values(b.UserID, b.AgentName, b.TargetType, b.UsageKey, b.PlatformID, b.ModelID).
		Suffix("ON CONFLICT(user_id, agent_name) DO UPDATE SET " +
			"target_type = excluded.target_type, " +
			"usage_key = excluded.usage_key, " +
			"platform_id = excluded.platform_id, " +
			"model_id = excluded.model_id")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build upsert binding query: %w", err)
	}
	if _, err := s.q.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert agent binding: %w", err)
	}
	return nil
}

func (s *Store) GetAgentBinding(ctx context.Context, userID, agentName string) (AgentBinding, error) {
	q := s.sql.Select(agentColumns).From("agent_bindings").
		Where(sq.Eq{"user_id": userID, "agent_name": agentName})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return AgentBinding{}, fmt.Errorf("build get binding query: %w", err)
	}
	b, err := scanAgentBinding(s.q.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AgentBinding{}, ErrNotFound
		}
		return AgentBinding{}, fmt.Errorf("get agent binding: %w", err)
	}
	return b, nil
}

func (s *Store) ListAgentBindings(ctx context.Context, userID string) ([]AgentBinding, error) {
	q := s.sql.Select(agentColumns).From("agent_bindings").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("agent_name ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list bindings query: %w", err)
	}
	rows, err := s.q.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list agent bindings: %w", err)
	}
	defer rows.Close()

	out := make([]AgentBinding, 0)
	for rows.Next() {
		b, err := scanAgentBinding(rows)
		if err != nil {
			return nil, fmt.Errorf("scan binding row: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate binding rows: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteAgentBinding(ctx context.Context, userID, agentName string) error {
	q := s.sql.Delete("agent_bindings").
		Where(sq.Eq{"user_id": userID, "agent_name": agentName})
	return s.execAffectingOne(ctx, q, "delete agent binding")
}

func scanAgentBinding(row rowScanner) (AgentBinding, error) {
	var b AgentBinding
	var usageKey sql.NullString
	var platformID, modelID sql.NullInt64
	err := row.Scan(&b.ID, &b.UserID, &b.AgentName, &b.TargetType,
		&usageKey, &platformID, &modelID)
	if err != nil {
		return AgentBinding{}, err
	}
	if usageKey.Valid {
		b.UsageKey = &usageKey.String
	}
	if platformID.Valid {
		b.PlatformID = &platformID.Int64
	}
	if modelID.Valid {
		b.ModelID = &modelID.Int64
	}
	return b, nil
}
