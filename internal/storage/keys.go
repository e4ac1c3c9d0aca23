package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// UpsertSysPlatformKey stores or replaces the user's credential override for a
// system platform.
func (s *Store) UpsertSysPlatformKey(ctx context.Context, userID string, platformID int64, encKey string) error {
	q := s.sql.Insert("sys_platform_keys").
		Columns("user_id", "platform_id", "enc_api_key").
		Values(userID, platformID, encKey).
		Suffix("ON CONFLICT(user_id, platform_id) DO UPDATE SET enc_api_key = excluded.enc_api_key")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build upsert key query: %w", err)
	}
	if _, err := s.q.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert sys platform key: %w", err)
	}
	return nil
}

func (s *Store) GetSysPlatformKey(ctx context.Context, userID string, platformID int64) (SysPlatformKey, error) {
	q := s.sql.Select("id", "user_id", "platform_id", "enc_api_key").
		From("sys_platform_keys").
		Where(sq.Eq{"user_id": userID, "platform_id": platformID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return SysPlatformKey{}, fmt.Errorf("build get key query: %w", err)
	}
	var k SysPlatformKey
	err = s.q.QueryRowContext(ctx, sqlStr, args...).
		Scan(&k.ID, &k.UserID, &k.PlatformID, &k.EncAPIKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SysPlatformKey{}, ErrNotFound
		}
		return SysPlatformKey{}, fmt.Errorf("get sys platform key: %w", err)
	}
	return k, nil
}

// DeleteSysPlatformKey removes the override; deleting an absent row is not an
// error.
func (s *Store) DeleteSysPlatformKey(ctx context.Context, userID string, platformID int64) error {
	q := s.sql.Delete("sys_platform_keys").
		Where(sq.Eq{"user_id": userID, "platform_id": platformID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete key query: %w", err)
	}
	if _, err := s.q.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("delete sys platform key: %w", err)
	}
	return nil
}
