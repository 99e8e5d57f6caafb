// Package rotation re-encrypts every stored credential under a new key.
//
// A rotation snapshots the credential store and the key-holding config file,
// re-encrypts all credentials in one transaction, verifies each one opens
// under the new key, and only then writes the new key to the config file.
// A failure after the snapshots restores both.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/irongate/irongate/internal/domain"
	"github.com/irongate/irongate/internal/envfile"
	ilog "github.com/irongate/irongate/internal/log"
	"github.com/irongate/irongate/internal/secret"
)

// Store is the credential store being rotated. *sqlite.Store implements it.
type Store interface {
	Credentials(ctx context.Context) ([]domain.Credential, error)
	ReplaceCredentials(ctx context.Context, creds []domain.Credential, fingerprint string) error
	Snapshot(ctx context.Context, path string) error
	RestoreSnapshot(ctx context.Context, path string) error
}

// KeyFile holds the active key. envfile.File implements it.
type KeyFile interface {
	Backup(dir, stamp string) (envfile.Backup, error)
	SetKey(value string) error
}

// Options configures a [Rotator].
type Options struct {
	BackupDir string // required
	StoreName string // base name for store snapshots
	LockPath  string // lock file; empty disables cross-process locking
	Logger    *slog.Logger
	Now       func() time.Time
}

// Rotator runs key rotations. Only one rotation runs at a time per Rotator
// and, with a lock path, per host.
type Rotator struct {
	store Store
	file  KeyFile
	opts  Options
	mu    sync.Mutex
}

// Report summarizes a rotation or verification run. It never holds key
// material; keys appear only as fingerprints.
type Report struct {
	OldFingerprint string
	NewFingerprint string
	Total          int
	Rotated        int
	Verified       int
	StoreBackup    string
	ConfigBackup   string
	Failures       []Failure
}

// Failure is a credential that did not decrypt during verification.
type Failure struct {
	ServerID string
	Name     string
	Err      error
}

// New returns a Rotator for store and file.
func New(store Store, file KeyFile, opts Options) *Rotator {
	if opts.StoreName == "" {
		opts.StoreName = "irongate.db"
	}
	if opts.Logger == nil {
		opts.Logger = ilog.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Rotator{store: store, file: file, opts: opts}
}

// Rotate replaces oldKey with newKey across every stored credential.
func (r *Rotator) Rotate(ctx context.Context, oldKey, newKey string) (Report, error) {
	var rep Report
	if !r.mu.TryLock() {
		return rep, &Error{Stage: StageLock, Err: ErrInProgress}
	}
	defer r.mu.Unlock()

	unlock, err := acquireLock(r.opts.LockPath)
	if err != nil {
		return rep, &Error{Stage: StageLock, Err: err}
	}
	defer unlock()

	oldC, err := secret.New(oldKey)
	if err != nil {
		return rep, &Error{Stage: StageValidate, Err: fmt.Errorf("old key: %w", err)}
	}
	newC, err := secret.New(newKey)
	if err != nil {
		return rep, &Error{Stage: StageValidate, Err: fmt.Errorf("new key: %w", err)}
	}
	rep.OldFingerprint, rep.NewFingerprint = oldC.Fingerprint(), newC.Fingerprint()
	if rep.OldFingerprint == rep.NewFingerprint {
		return rep, &Error{Stage: StageValidate, Err: ErrSameKey}
	}
	if r.opts.BackupDir == "" {
		return rep, &Error{Stage: StageValidate, Err: errors.New("backup directory is not set")}
	}

	log := r.opts.Logger.With("old_key", rep.OldFingerprint, "new_key", rep.NewFingerprint)
	log.Info("key rotation started")

	stamp := r.backupStamp()
	rep.StoreBackup = r.storeBackupPath(stamp)
	if err := r.store.Snapshot(ctx, rep.StoreBackup); err != nil {
		return rep, &Error{Stage: StageBackup, Err: err}
	}
	cfg, err := r.file.Backup(r.opts.BackupDir, stamp)
	if err != nil {
		return rep, &Error{Stage: StageBackup, Err: err}
	}
	rep.ConfigBackup = cfg.Path
	log.Info("backups created", "store_backup", rep.StoreBackup, "config_backup", rep.ConfigBackup)

	fail := func(stage Stage, err error) (Report, error) {
		log.Error("key rotation failed, rolling back", "stage", string(stage), "err", err)
		rctx := context.WithoutCancel(ctx)
		var rbErr error
		if rerr := r.store.RestoreSnapshot(rctx, rep.StoreBackup); rerr != nil {
			rbErr = errors.Join(rbErr, fmt.Errorf("restore store from %s: %w", rep.StoreBackup, rerr))
		}
		if rerr := cfg.Restore(); rerr != nil {
			rbErr = errors.Join(rbErr, fmt.Errorf("restore config from %s: %w", cfg.Path, rerr))
		}
		if rbErr != nil {
			log.Error("rollback failed", "err", rbErr)
			return rep, &Error{Stage: stage, Err: errors.Join(err, ErrRollbackFailed, rbErr)}
		}
		log.Info("rollback complete")
		return rep, &Error{Stage: stage, Err: err, RolledBack: true}
	}

	creds, err := r.store.Credentials(ctx)
	if err != nil {
		return fail(StageRead, err)
	}
	rep.Total = len(creds)

	plain := make(map[string]string, len(creds))
	rotated := make([]domain.Credential, 0, len(creds))
	for _, c := range creds {
		pt, err := oldC.Decrypt(c.Ciphertext)
		if err != nil {
			return fail(StageDecrypt, fmt.Errorf("server %s: %w", c.Name, err))
		}
		ct, err := newC.Encrypt(pt)
		if err != nil {
			return fail(StageEncrypt, fmt.Errorf("server %s: %w", c.Name, err))
		}
		plain[c.ServerID] = pt
		rotated = append(rotated, domain.Credential{ServerID: c.ServerID, Name: c.Name, Ciphertext: ct})
	}

	if err := r.store.ReplaceCredentials(ctx, rotated, rep.NewFingerprint); err != nil {
		return fail(StageStore, err)
	}
	rep.Rotated = len(rotated)

	stored, err := r.store.Credentials(ctx)
	if err != nil {
		return fail(StageVerify, err)
	}
	for _, c := range stored {
		want, ok := plain[c.ServerID]
		if !ok {
			// added concurrently; it was never encrypted under the old key
			return fail(StageVerify, fmt.Errorf("server %s: not part of this rotation", c.Name))
		}
		got, err := newC.Decrypt(c.Ciphertext)
		if err != nil {
			return fail(StageVerify, fmt.Errorf("server %s: %w", c.Name, err))
		}
		if got != want {
			return fail(StageVerify, fmt.Errorf("server %s: %w", c.Name, ErrVerifyMismatch))
		}
		rep.Verified++
	}
	if rep.Verified != rep.Rotated {
		return fail(StageVerify, fmt.Errorf("verified %d of %d credentials", rep.Verified, rep.Rotated))
	}

	if err := r.file.SetKey(newKey); err != nil {
		return fail(StagePersistKey, err)
	}

	log.Info("key rotation complete", "rotated", rep.Rotated)
	return rep, nil
}

// Verify checks that every stored credential opens under key. It changes
// nothing. Undecryptable credentials are listed in the report.
func (r *Rotator) Verify(ctx context.Context, key string) (Report, error) {
	var rep Report
	c, err := secret.New(key)
	if err != nil {
		return rep, &Error{Stage: StageValidate, Err: err}
	}
	rep.OldFingerprint = c.Fingerprint()

	creds, err := r.store.Credentials(ctx)
	if err != nil {
		return rep, &Error{Stage: StageRead, Err: err}
	}
	rep.Total = len(creds)
	for _, cred := range creds {
		if _, err := c.Decrypt(cred.Ciphertext); err != nil {
			rep.Failures = append(rep.Failures, Failure{ServerID: cred.ServerID, Name: cred.Name, Err: err})
			continue
		}
		rep.Verified++
	}
	r.opts.Logger.Info("key verification finished", "key", rep.OldFingerprint, "verified", rep.Verified, "failed", len(rep.Failures))
	return rep, nil
}

// Locked reports whether a rotation currently holds the lock at path.
func Locked(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func acquireLock(path string) (func(), error) {
	if path == "" {
		return func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w (lock file %s)", ErrInProgress, path)
		}
		return nil, fmt.Errorf("create lock file: %w", err)
	}
	_, _ = f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	_ = f.Close()
	return func() { _ = os.Remove(path) }, nil
}

// backupStamp names this rotation's backups. Sub-second precision keeps
// back-to-back rotations apart; a numeric suffix settles the rest.
func (r *Rotator) backupStamp() string {
	base := r.opts.Now().UTC().Format("20060102T150405.000000")
	stamp := base
	for n := 1; ; n++ {
		if _, err := os.Stat(r.storeBackupPath(stamp)); err != nil {
			return stamp
		}
		stamp = base + "-" + strconv.Itoa(n)
	}
}

func (r *Rotator) storeBackupPath(stamp string) string {
	return filepath.Join(r.opts.BackupDir, fmt.Sprintf("%s.%s.bak", r.opts.StoreName, stamp))
}
