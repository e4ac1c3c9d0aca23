package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

const platformColumns = "id, name, base_url, owner_id, is_sys, enc_api_key, hidden, created_at"

func (s *Store) InsertPlatform(ctx context.Context, p Platform) (int64, error) {
	q := s.sql.Insert("platforms").
		Columns("name", "base_url", "owner_id", "is_sys", "enc_api_key", "hidden").
		Values(p.Name, p.BaseURL, p.OwnerID, boolToInt(p.IsSys), p.EncAPIKey, boolToInt(p.Hidden))
	id, err := s.insertReturningID(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("insert platform: %w", err)
	}
	return id, nil
}

func (s *Store) GetPlatformByID(ctx context.Context, id int64) (Platform, error) {
	return s.getPlatform(ctx, sq.Eq{"id": id})
}

func (s *Store) GetPlatformByName(ctx context.Context, name string) (Platform, error) {
	return s.getPlatform(ctx, sq.Eq{"name": name})
}

func (s *Store) getPlatform(ctx context.Context, where sq.Sqlizer) (Platform, error) {
	q := s.sql.Select(platformColumns).From("platforms").Where(where)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Platform{}, fmt.Errorf("build platform query: %w", err)
	}
	p, err := scanPlatform(s.q.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Platform{}, ErrNotFound
		}
		return Platform{}, fmt.Errorf("get platform: %w", err)
	}
	return p, nil
}

// ListSystemPlatforms returns system platforms in insertion order, which is the
// catalog's default-platform precedence.
func (s *Store) ListSystemPlatforms(ctx context.Context) ([]Platform, error) {
	return s.listPlatforms(ctx, sq.Eq{"is_sys": 1})
}

func (s *Store) ListUserPlatforms(ctx context.Context, userID string) ([]Platform, error) {
	return s.listPlatforms(ctx, sq.Eq{"is_sys": 0, "owner_id": userID})
}

func (s *Store) listPlatforms(ctx context.Context, where sq.Sqlizer) ([]Platform, error) {
	q := s.sql.Select(platformColumns).From("platforms").Where(where).OrderBy("id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list platforms query: %w", err)
	}
	rows, err := s.q.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list platforms: %w", err)
	}
	defer rows.Close()

	out := make([]Platform, 0)
	for rows.Next() {
		p, err := scanPlatform(rows)
		if err != nil {
			return nil, fmt.Errorf("scan platform row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate platform rows: %w", err)
	}
	return out, nil
}

func (s *Store) CountSystemPlatforms(ctx context.Context) (int64, error) {
	q := s.sql.Select("COUNT(*)").From("platforms").Where(sq.Eq{"is_sys": 1})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count platforms query: %w", err)
	}
	var n int64
	if err := s.q.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count system platforms: %w", err)
	}
	return n, nil
}

func (s *Store) UpdatePlatformDetails(ctx context.Context, id int64, name, baseURL string) error {
	q := s.sql.Update("platforms").
		Set("name", name).
		Set("base_url", baseURL).
		Where(sq.Eq{"id": id})
	return s.execAffectingOne(ctx, q, "update platform details")
}

func (s *Store) SetPlatformKey(ctx context.Context, id int64, encKey *string) error {
	q := s.sql.Update("platforms").Set("enc_api_key", encKey).Where(sq.Eq{"id": id})
	return s.execAffectingOne(ctx, q, "set platform key")
}

func (s *Store) SetPlatformHidden(ctx context.Context, id int64, hidden bool) error {
	q := s.sql.Update("platforms").Set("hidden", boolToInt(hidden)).Where(sq.Eq{"id": id})
	return s.execAffectingOne(ctx, q, "set platform hidden")
}

// DeletePlatform removes the platform together with its models and any
// user key overrides, as one transaction.
func (s *Store) DeletePlatform(ctx context.Context, id int64) error {
	return s.WithTx(ctx, func(tx *Store) error {
		for _, del := range []sq.DeleteBuilder{
			tx.sql.Delete("platform_models").Where(sq.Eq{"platform_id": id}),
			tx.sql.Delete("sys_platform_keys").Where(sq.Eq{"platform_id": id}),
		} {
			sqlStr, args, err := del.ToSql()
			if err != nil {
				return fmt.Errorf("build platform cascade query: %w", err)
			}
			if _, err := tx.q.ExecContext(ctx, sqlStr, args...); err != nil {
				return fmt.Errorf("cascade platform delete: %w", err)
			}
		}
		q := tx.sql.Delete("platforms").Where(sq.Eq{"id": id})
		return tx.execAffectingOne(ctx, q, "delete platform")
	})
}

const modelColumns = "id, platform_id, model_name, display_name, extra_params_json, hidden, created_at"

func (s *Store) InsertModel(ctx context.Context, m Model) (int64, error) {
	q := s.sql.Insert("platform_models").
		Columns("platform_id", "model_name", "display_name", "extra_params_json", "hidden").
		Values(m.PlatformID, m.ModelName, m.DisplayName, m.ExtraParamsJSON, boolToInt(m.Hidden))
	id, err := s.insertReturningID(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("insert model: %w", err)
	}
	return id, nil
}

func (s *Store) GetModelByID(ctx context.Context, id int64) (Model, error) {
	q := s.sql.Select(modelColumns).From("platform_models").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Model{}, fmt.Errorf("build model query: %w", err)
	}
	m, err := scanModel(s.q.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Model{}, ErrNotFound
		}
		return Model{}, fmt.Errorf("get model: %w", err)
	}
	return m, nil
}

// ListModelsByPlatform returns the platform's models in insertion order; the
// first row is the platform's default when repair needs a fallback.
func (s *Store) ListModelsByPlatform(ctx context.Context, platformID int64) ([]Model, error) {
	q := s.sql.Select(modelColumns).From("platform_models").
		Where(sq.Eq{"platform_id": platformID}).
		OrderBy("id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list models query: %w", err)
	}
	rows, err := s.q.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()

	out := make([]Model, 0)
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan model row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate model rows: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateModel(ctx context.Context, id int64, displayName string, extraParamsJSON *string) error {
	q := s.sql.Update("platform_models").
		Set("display_name", displayName).
		Set("extra_params_json", extraParamsJSON).
		Where(sq.Eq{"id": id})
	return s.execAffectingOne(ctx, q, "update model")
}

func (s *Store) SetModelHidden(ctx context.Context, id int64, hidden bool) error {
	q := s.sql.Update("platform_models").Set("hidden", boolToInt(hidden)).Where(sq.Eq{"id": id})
	return s.execAffectingOne(ctx, q, "set model hidden")
}

func (s *Store) DeleteModel(ctx context.Context, id int64) error {
	q := s.sql.Delete("platform_models").Where(sq.Eq{"id": id})
	return s.execAffectingOne(ctx, q, "delete model")
}

func (s *Store) DeleteModelsByPlatform(ctx context.Context, platformID int64) error {
	q := s.sql.Delete("platform_models").Where(sq.Eq{"platform_id": platformID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete models query: %w", err)
	}
	if _, err := s.q.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("delete platform models: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlatform(row rowScanner) (Platform, error) {
	var p Platform
	var owner, encKey sql.NullString
	var isSys, hidden int
	if err := row.Scan(&p.ID, &p.Name, &p.BaseURL, &owner, &isSys, &encKey, &hidden, &p.CreatedAt); err != nil {
		return Platform{}, err
	}
	if owner.Valid {
		p.OwnerID = &owner.String
	}
	if encKey.Valid {
		p.EncAPIKey = &encKey.String
	}
	p.IsSys = isSys != 0
	p.Hidden = hidden != 0
	return p, nil
}

func scanModel(row rowScanner) (Model, error) {
	var m Model
	var extra sql.NullString
	var hidden int
	if err := row.Scan(&m.ID, &m.PlatformID, &m.ModelName, &m.DisplayName, &extra, &hidden, &m.CreatedAt); err != nil {
		return Model{}, err
	}
	if extra.Valid {
		m.ExtraParamsJSON = &extra.String
	}
	m.Hidden = hidden != 0
	return m, nil
}

func (s *Store) execAffectingOne(ctx context.Context, q sq.Sqlizer, op string) error {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build %s query: %w", op, err)
	}
	res, err := s.q.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
