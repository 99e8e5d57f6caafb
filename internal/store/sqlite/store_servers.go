package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/irongate/irongate/internal/domain"
)

const serverColumns = `id, name, host, port, password_encrypted, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanServer(r rowScanner) (domain.ServerTarget, error) {
	var t domain.ServerTarget
	var port int
	if err := r.Scan(&t.ID, &t.Name, &t.Host, &port, &t.EncryptedCredential, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return domain.ServerTarget{}, err
	}
	t.Port = uint16(port)
	return t, nil
}

// CreateServer stores a new target. ciphertext must already be encrypted.
func (s *Store) CreateServer(ctx context.Context, name, host string, port uint16, ciphertext []byte) (domain.ServerTarget, error) {
	if err := domain.ValidateTarget(host, int(port)); err != nil {
		return domain.ServerTarget{}, err
	}
	id, err := newID("srv")
	if err != nil {
		return domain.ServerTarget{}, err
	}
	now := time.Now().UTC()
	t := domain.ServerTarget{
		ID:                  id,
		Name:                name,
		Host:                host,
		Port:                port,
		EncryptedCredential: ciphertext,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO servers(`+serverColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?)`, t.ID, t.Name, t.Host, int(t.Port), t.EncryptedCredential, t.CreatedAt, t.UpdatedAt)
	if isUniqueViolation(err) {
		return domain.ServerTarget{}, fmt.Errorf("%w: %s", domain.ErrServerExists, name)
	}
	return t, err
}

// FindServer looks a target up by ID or name.
func (s *Store) FindServer(ctx context.Context, ref string) (domain.ServerTarget, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM servers WHERE id = ? OR name = ? LIMIT 1`, ref, ref)
	t, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ServerTarget{}, fmt.Errorf("%w: %s", domain.ErrServerNotFound, ref)
	}
	return t, err
}

// ListServers returns every target ordered by name.
func (s *Store) ListServers(ctx context.Context) ([]domain.ServerTarget, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+serverColumns+` FROM servers ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.ServerTarget
	for rows.Next() {
		t, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteServer removes a target and its whitelist request log.
func (s *Store) DeleteServer(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM servers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", domain.ErrServerNotFound, id)
	}
	return nil
}

// SetServerCredential replaces the stored ciphertext of one target.
func (s *Store) SetServerCredential(ctx context.Context, id string, ciphertext []byte) error {
	res, err := s.db.ExecContext(ctx, `UPDATE servers SET password_encrypted = ?, updated_at = ? WHERE id = ?`,
		ciphertext, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", domain.ErrServerNotFound, id)
	}
	return nil
}

// Credentials returns the stored ciphertext of every target.
func (s *Store) Credentials(ctx context.Context) ([]domain.Credential, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, password_encrypted FROM servers ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Credential
	for rows.Next() {
		var c domain.Credential
		if err := rows.Scan(&c.ServerID, &c.Name, &c.Ciphertext); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ReplaceCredentials rewrites every given ciphertext and records the
// fingerprint of the key that produced them, all in one transaction. Either
// every row changes or none does.
func (s *Store) ReplaceCredentials(ctx context.Context, creds []domain.Credential, fingerprint string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `UPDATE servers SET password_encrypted = ?, updated_at = ? WHERE id = ?`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().UTC()
	for _, c := range creds {
		res, err := stmt.ExecContext(ctx, c.Ciphertext, now, c.ServerID)
		if err != nil {
			return fmt.Errorf("update %s: %w", c.Name, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected != 1 {
			return fmt.Errorf("update %s: %w", c.Name, domain.ErrServerNotFound)
		}
	}
	if err := setSetting(ctx, tx, settingKeyFingerprint, fingerprint); err != nil {
		return err
	}
	return tx.Commit()
}
