package sqlite

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// Snapshot writes a consistent copy of the whole database to path, which
// must not exist yet.
func (s *Store) Snapshot(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("snapshot %s: %w", path, os.ErrExist)
	}
	if err := ensureParentDir(path); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return fmt.Errorf("snapshot %s: %w", path, err)
	}
	return nil
}

// RestoreSnapshot puts the stored credentials and settings back to their
// state in a file written by [Store.Snapshot]. Servers added after the
// snapshot keep their rows; the request log is left untouched.
func (s *Store) RestoreSnapshot(ctx context.Context, path string) (err error) {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("restore %s: %w", path, err)
	}
	// ATTACH is per connection, so pin one for the whole restore.
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, `ATTACH DATABASE ? AS snap`, path); err != nil {
		return fmt.Errorf("attach snapshot: %w", err)
	}
	defer func() {
		if _, derr := conn.ExecContext(context.Background(), `DETACH DATABASE snap`); derr != nil {
			err = errors.Join(err, fmt.Errorf("detach snapshot: %w", derr))
		}
	}()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`UPDATE servers SET password_encrypted = s.password_encrypted, updated_at = s.updated_at
		 FROM snap.servers AS s WHERE s.id = servers.id`,
		`DELETE FROM server_settings`,
		`INSERT INTO server_settings(key, value) SELECT key, value FROM snap.server_settings`,
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("restore snapshot: %w", err)
		}
	}
	return tx.Commit()
}
