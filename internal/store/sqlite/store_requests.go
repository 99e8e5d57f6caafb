package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/irongate/irongate/internal/domain"
)

const requestColumns = `id, server_id, username, status, response_log, created_at, updated_at`

func scanRequest(r rowScanner) (domain.WhitelistRequest, error) {
	var w domain.WhitelistRequest
	err := r.Scan(&w.ID, &w.ServerID, &w.Username, &w.Status, &w.ResponseLog, &w.CreatedAt, &w.UpdatedAt)
	return w, err
}

// ClaimWhitelistRequest records a pending request for username on a server.
// A second claim for the same pair fails with [domain.ErrDuplicateRequest]
// unless retry is set, in which case the existing row is reset to pending.
// Usernames compare case-insensitively.
func (s *Store) ClaimWhitelistRequest(ctx context.Context, serverID, username string, retry bool) (domain.WhitelistRequest, error) {
	id, err := newID("wl")
	if err != nil {
		return domain.WhitelistRequest{}, err
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO whitelist_requests(`+requestColumns+`)
VALUES(?, ?, ?, ?, '', ?, ?)`, id, serverID, username, domain.RequestStatusPending, now, now)
	if err == nil {
		return domain.WhitelistRequest{
			ID:        id,
			ServerID:  serverID,
			Username:  username,
			Status:    domain.RequestStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}, nil
	}
	if !isUniqueViolation(err) {
		return domain.WhitelistRequest{}, err
	}
	if !retry {
		return domain.WhitelistRequest{}, fmt.Errorf("%w: %s", domain.ErrDuplicateRequest, username)
	}
	if _, err := s.db.ExecContext(ctx, `
UPDATE whitelist_requests SET status = ?, response_log = '', updated_at = ?
WHERE server_id = ? AND username = ?`, domain.RequestStatusPending, now, serverID, username); err != nil {
		return domain.WhitelistRequest{}, err
	}
	return s.FindWhitelistRequest(ctx, serverID, username)
}

// CompleteWhitelistRequest stores the final status and server response.
func (s *Store) CompleteWhitelistRequest(ctx context.Context, id, status, responseLog string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE whitelist_requests SET status = ?, response_log = ?, updated_at = ? WHERE id = ?`,
		status, responseLog, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// FindWhitelistRequest returns the request for username on a server.
func (s *Store) FindWhitelistRequest(ctx context.Context, serverID, username string) (domain.WhitelistRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM whitelist_requests WHERE server_id = ? AND username = ?`, serverID, username)
	w, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WhitelistRequest{}, sql.ErrNoRows
	}
	return w, err
}

// ListWhitelistRequests returns requests newest first, optionally limited to
// one server.
func (s *Store) ListWhitelistRequests(ctx context.Context, serverID string) ([]domain.WhitelistRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM whitelist_requests`
	var args []any
	if serverID != "" {
		query += ` WHERE server_id = ?`
		args = append(args, serverID)
	}
	query += ` ORDER BY created_at DESC, id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.WhitelistRequest
	for rows.Next() {
		w, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
