package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

const selectionColumns = "id, user_id, usage_key, usage_label, platform_id, model_id, created_at"

func (s *Store) GetSelection(ctx context.Context, userID, usageKey string) (UsageSelection, error) {
	q := s.sql.Select(selectionColumns).From("usage_selections").
		Where(sq.Eq{"user_id": userID, "usage_key": usageKey})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return UsageSelection{}, fmt.Errorf("build get selection query: %w", err)
	}
	sel, err := scanSelection(s.q.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UsageSelection{}, ErrNotFound
		}
		return UsageSelection{}, fmt.Errorf("get selection: %w", err)
	}
	return sel, nil
}

// InsertSelectionIfAbsent creates the row unless another writer got there
// first. The bool reports whether this call inserted it; on a lost race the
// caller re-reads to pick up the winner.
func (s *Store) InsertSelectionIfAbsent(ctx context.Context, sel UsageSelection) (bool, error) {
	q := s.sql.Insert("usage_selections").
		Columns("user_id", "usage_key", "usage_label", "platform_id", "model_id").
		Values(sel.UserID, sel.UsageKey, sel.UsageLabel, sel.PlatformID, sel.ModelID).
		Suffix("ON CONFLICT(user_id, usage_key) DO NOTHING")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return false, fmt.Errorf("build insert selection query: %w", err)
	}
	res, err := s.q.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return false, fmt.Errorf("insert selection: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert selection rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *Store) InsertSelection(ctx context.Context, sel UsageSelection) (int64, error) {
	q := s.sql.Insert("usage_selections").
		Columns("user_id", "usage_key", "usage_label", "platform_id", "model_id").
		Values(sel.UserID, sel.UsageKey, sel.UsageLabel, sel.PlatformID, sel.ModelID)
	id, err := s.insertReturningID(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("insert selection: %w", err)
	}
	return id, nil
}

func (s *Store) UpdateSelectionTarget(ctx context.Context, userID, usageKey string, platformID, modelID int64) error {
	q := s.sql.Update("usage_selections").
		Set("platform_id", platformID).
		Set("model_id", modelID).
		Where(sq.Eq{"user_id": userID, "usage_key": usageKey})
	return s.execAffectingOne(ctx, q, "update selection target")
}

func (s *Store) RenameSelection(ctx context.Context, userID, usageKey, label string) error {
	q := s.sql.Update("usage_selections").
		Set("usage_label", label).
		Where(sq.Eq{"user_id": userID, "usage_key": usageKey})
	return s.execAffectingOne(ctx, q, "rename selection")
}

func (s *Store) DeleteSelection(ctx context.Context, userID, usageKey string) error {
	q := s.sql.Delete("usage_selections").
		Where(sq.Eq{"user_id": userID, "usage_key": usageKey})
	return s.execAffectingOne(ctx, q, "delete selection")
}

func (s *Store) ListSelections(ctx context.Context, userID string) ([]UsageSelection, error) {
	q := s.sql.Select(selectionColumns).From("usage_selections").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list selections query: %w", err)
	}
	rows, err := s.q.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list selections: %w", err)
	}
	defer rows.Close()

	out := make([]UsageSelection, 0)
	for rows.Next() {
		sel, err := scanSelection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan selection row: %w", err)
		}
		out = append(out, sel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate selection rows: %w", err)
	}
	return out, nil
}

func scanSelection(row rowScanner) (UsageSelection, error) {
	var sel UsageSelection
	err := row.Scan(&sel.ID, &sel.UserID, &sel.UsageKey, &sel.UsageLabel,
		&sel.PlatformID, &sel.ModelID, &sel.CreatedAt)
	if err != nil {
		return UsageSelection{}, err
	}
	return sel, nil
}
