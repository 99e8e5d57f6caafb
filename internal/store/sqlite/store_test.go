package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/irongate/irongate/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "irongate.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestServerCRUD(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	created, err := store.CreateServer(ctx, "lobby", "10.0.0.5", 25575, []byte("tok-1"))
	if err != nil {
		t.Fatal(err)
	}
	if created.ID == "" {
		t.Fatal("expected generated id")
	}
	if _, err := store.CreateServer(ctx, "lobby", "10.0.0.6", 25575, []byte("tok-2")); !errors.Is(err, domain.ErrServerExists) {
		t.Fatalf("expected ErrServerExists, got %v", err)
	}
	if _, err := store.CreateServer(ctx, "bad", "example.com", 25575, []byte("tok")); !errors.Is(err, domain.ErrInvalidTarget) {
		t.Fatalf("expected ErrInvalidTarget, got %v", err)
	}

	byName, err := store.FindServer(ctx, "lobby")
	if err != nil {
		t.Fatal(err)
	}
	byID, err := store.FindServer(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if byName.ID != created.ID || byID.Name != "lobby" || byID.Port != 25575 || !bytes.Equal(byID.EncryptedCredential, []byte("tok-1")) {
		t.Fatalf("unexpected lookup result %+v", byID)
	}

	if err := store.SetServerCredential(ctx, created.ID, []byte("tok-3")); err != nil {
		t.Fatal(err)
	}
	list, err := store.ListServers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || string(list[0].EncryptedCredential) != "tok-3" {
		t.Fatalf("unexpected list %+v", list)
	}

	if err := store.DeleteServer(ctx, created.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.FindServer(ctx, "lobby"); !errors.Is(err, domain.ErrServerNotFound) {
		t.Fatalf("expected ErrServerNotFound, got %v", err)
	}
	if err := store.DeleteServer(ctx, created.ID); !errors.Is(err, domain.ErrServerNotFound) {
		t.Fatalf("expected ErrServerNotFound on second delete, got %v", err)
	}
}

func TestReplaceCredentialsIsAtomic(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	a, err := store.CreateServer(ctx, "a", "10.0.0.1", 25575, []byte("old-a"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := store.CreateServer(ctx, "b", "10.0.0.2", 25575, []byte("old-b"))
	if err != nil {
		t.Fatal(err)
	}

	err = store.ReplaceCredentials(ctx, []domain.Credential{
		{ServerID: a.ID, Name: "a", Ciphertext: []byte("new-a")},
		{ServerID: "srv_missing", Name: "ghost", Ciphertext: []byte("new-x")},
	}, "fp-new")
	if !errors.Is(err, domain.ErrServerNotFound) {
		t.Fatalf("expected ErrServerNotFound, got %v", err)
	}
	creds, err := store.Credentials(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(creds[0].Ciphertext) != "old-a" {
		t.Fatalf("partial update leaked: %q", creds[0].Ciphertext)
	}
	if _, ok, _ := store.KeyFingerprint(ctx); ok {
		t.Fatal("fingerprint written by a failed transaction")
	}

	err = store.ReplaceCredentials(ctx, []domain.Credential{
		{ServerID: a.ID, Name: "a", Ciphertext: []byte("new-a")},
		{ServerID: b.ID, Name: "b", Ciphertext: []byte("new-b")},
	}, "fp-new")
	if err != nil {
		t.Fatal(err)
	}
	creds, err = store.Credentials(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(creds[0].Ciphertext) != "new-a" || string(creds[1].Ciphertext) != "new-b" {
		t.Fatalf("unexpected credentials %+v", creds)
	}
	if fp, ok, err := store.KeyFingerprint(ctx); err != nil || !ok || fp != "fp-new" {
		t.Fatalf("got fingerprint %q ok=%v err=%v", fp, ok, err)
	}
}

func TestEnsureKeyFingerprint(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	match, stored, err := store.EnsureKeyFingerprint(ctx, "aaaa")
	if err != nil || !match || stored != "aaaa" {
		t.Fatalf("first call: match=%v stored=%q err=%v", match, stored, err)
	}
	match, stored, err = store.EnsureKeyFingerprint(ctx, "bbbb")
	if err != nil {
		t.Fatal(err)
	}
	if match || stored != "aaaa" {
		t.Fatalf("expected mismatch against aaaa, got match=%v stored=%q", match, stored)
	}
}

func TestSnapshotAndRestore(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	a, err := store.CreateServer(ctx, "a", "10.0.0.1", 25575, []byte("v1"))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := store.EnsureKeyFingerprint(ctx, "fp-1"); err != nil {
		t.Fatal(err)
	}

	snap := filepath.Join(t.TempDir(), "backups", "irongate.db.bak")
	if err := store.Snapshot(ctx, snap); err != nil {
		t.Fatal(err)
	}
	if err := store.Snapshot(ctx, snap); !errors.Is(err, os.ErrExist) {
		t.Fatalf("expected existing snapshot to be refused, got %v", err)
	}

	if err := store.ReplaceCredentials(ctx, []domain.Credential{{ServerID: a.ID, Name: "a", Ciphertext: []byte("v2")}}, "fp-2"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.ClaimWhitelistRequest(ctx, a.ID, "Steve", false); err != nil {
		t.Fatal(err)
	}

	if err := store.RestoreSnapshot(ctx, snap); err != nil {
		t.Fatal(err)
	}
	got, err := store.FindServer(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if string(got.EncryptedCredential) != "v1" {
		t.Fatalf("credential not restored: %q", got.EncryptedCredential)
	}
	if fp, _, _ := store.KeyFingerprint(ctx); fp != "fp-1" {
		t.Fatalf("fingerprint not restored: %q", fp)
	}
	if _, err := store.FindWhitelistRequest(ctx, a.ID, "Steve"); err != nil {
		t.Fatalf("request log should survive restore: %v", err)
	}

	if err := store.RestoreSnapshot(ctx, filepath.Join(t.TempDir(), "missing.db")); err == nil {
		t.Fatal("expected error for missing snapshot")
	}
}

func TestWhitelistRequests(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	srv, err := store.CreateServer(ctx, "lobby", "10.0.0.1", 25575, []byte("tok"))
	if err != nil {
		t.Fatal(err)
	}

	req, err := store.ClaimWhitelistRequest(ctx, srv.ID, "Steve", false)
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != domain.RequestStatusPending {
		t.Fatalf("got status %q", req.Status)
	}
	if err := store.CompleteWhitelistRequest(ctx, req.ID, domain.RequestStatusFailed, "timed out"); err != nil {
		t.Fatal(err)
	}

	if _, err := store.ClaimWhitelistRequest(ctx, srv.ID, "steve", false); !errors.Is(err, domain.ErrDuplicateRequest) {
		t.Fatalf("expected case-insensitive duplicate, got %v", err)
	}
	retried, err := store.ClaimWhitelistRequest(ctx, srv.ID, "Steve", true)
	if err != nil {
		t.Fatal(err)
	}
	if retried.ID != req.ID || retried.Status != domain.RequestStatusPending || retried.ResponseLog != "" {
		t.Fatalf("unexpected retried request %+v", retried)
	}
	if err := store.CompleteWhitelistRequest(ctx, req.ID, domain.RequestStatusProcessed, "Added Steve"); err != nil {
		t.Fatal(err)
	}
	if err := store.CompleteWhitelistRequest(ctx, "wl_missing", domain.RequestStatusProcessed, ""); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}

	list, err := store.ListWhitelistRequests(ctx, srv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Status != domain.RequestStatusProcessed || list[0].ResponseLog != "Added Steve" {
		t.Fatalf("unexpected list %+v", list)
	}

	if err := store.DeleteServer(ctx, srv.ID); err != nil {
		t.Fatal(err)
	}
	all, err := store.ListWhitelistRequests(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 0 {
		t.Fatalf("expected requests removed with server, got %d", len(all))
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	for range 2 {
		if err := store.Migrate(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	// The schema is created once, whole; repeated runs leave it unchanged.
	rows, err := store.db.QueryContext(context.Background(), `SELECT name FROM pragma_table_info('whitelist_requests')`)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatal(err)
		}
		cols = append(cols, name)
	}
	if err := rows.Err(); err != nil {
		t.Fatal(err)
	}
	want := "id,server_id,username,status,response_log,created_at,updated_at"
	if got := strings.Join(cols, ","); got != want {
		t.Fatalf("got columns %q, want %q", got, want)
	}
}
