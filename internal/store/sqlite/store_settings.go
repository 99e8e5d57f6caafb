package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

const settingKeyFingerprint = "key_fingerprint"

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func setSetting(ctx context.Context, db execer, key, value string) error {
	_, err := db.ExecContext(ctx, `
INSERT INTO server_settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// KeyFingerprint returns the fingerprint of the key that last encrypted the
// stored credentials.
func (s *Store) KeyFingerprint(ctx context.Context) (string, bool, error) {
	var current string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM server_settings WHERE key = ?`, settingKeyFingerprint).Scan(&current)
	if err == nil {
		return current, true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	return "", false, err
}

// EnsureKeyFingerprint records fingerprint when none is stored yet and
// reports whether the stored fingerprint matches it.
func (s *Store) EnsureKeyFingerprint(ctx context.Context, fingerprint string) (bool, string, error) {
	fingerprint = strings.TrimSpace(fingerprint)

	current, ok, err := s.KeyFingerprint(ctx)
	if err != nil {
		return false, "", err
	}
	if ok {
		return current == fingerprint, current, nil
	}
	if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO server_settings(key, value) VALUES(?, ?)`, settingKeyFingerprint, fingerprint); err != nil {
		return false, "", err
	}
	return true, fingerprint, nil
}
