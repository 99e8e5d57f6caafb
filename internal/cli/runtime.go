package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/irongate/irongate/internal/config"
	"github.com/irongate/irongate/internal/console"
	"github.com/irongate/irongate/internal/keys"
	ilog "github.com/irongate/irongate/internal/log"
	"github.com/irongate/irongate/internal/metrics"
	"github.com/irongate/irongate/internal/pool"
	"github.com/irongate/irongate/internal/rcon"
	"github.com/irongate/irongate/internal/rotation"
	"github.com/irongate/irongate/internal/secret"
	"github.com/irongate/irongate/internal/store/sqlite"
)

// runtime is the wiring shared by commands that talk to servers.
type runtime struct {
	log     *slog.Logger
	store   *sqlite.Store
	cipher  *secret.Cipher
	pool    *pool.Pool
	handler *console.Handler
}

func (rt *runtime) Close() {
	_ = rt.pool.Close()
	_ = rt.store.Close()
}

func lockPath(dbPath string) string {
	return dbPath + ".rotate.lock"
}

func (a *app) logger(level string) *slog.Logger {
	return ilog.NewWriter(a.stderr, level)
}

// activeCipher loads the process-wide key. A missing or malformed key is a
// configuration error.
func (a *app) activeCipher() (*secret.Cipher, int) {
	if ok, diag := keys.Validate(os.Getenv(keys.EnvVar)); !ok {
		fmt.Fprintln(a.stderr, diag)
		return nil, 2
	}
	c, err := secret.FromEnv()
	if err != nil {
		fmt.Fprintln(a.stderr, err)
		return nil, 2
	}
	return c, 0
}

func (a *app) openStore(dbPath string) (*sqlite.Store, int) {
	store, err := sqlite.Open(dbPath)
	if err != nil {
		fmt.Fprintln(a.stderr, "db error:", err)
		return nil, 1
	}
	return store, 0
}

// checkFingerprint warns when the stored credentials were last written under
// a different key than the active one.
func checkFingerprint(ctx context.Context, log *slog.Logger, store *sqlite.Store, c *secret.Cipher) {
	match, stored, err := store.EnsureKeyFingerprint(ctx, c.Fingerprint())
	if err != nil {
		log.Warn("key fingerprint check failed", "err", err)
		return
	}
	if !match {
		log.Warn("active encryption key differs from the key that encrypted stored credentials",
			"active", c.Fingerprint(), "stored", stored)
	}
}

// newRuntime opens the store, loads the key and builds the pool and console
// handler. It refuses to start while a key rotation holds the lock.
func (a *app) newRuntime(ctx context.Context, common config.Common, rc config.RCON, m *metrics.Collectors) (*runtime, int) {
	log := a.logger(common.LogLevel)
	if rotation.Locked(lockPath(common.DBPath)) {
		fmt.Fprintln(a.stderr, "error:", rotation.ErrInProgress)
		return nil, 1
	}
	c, code := a.activeCipher()
	if code != 0 {
		return nil, code
	}
	store, code := a.openStore(common.DBPath)
	if code != 0 {
		return nil, code
	}
	checkFingerprint(ctx, log, store, c)

	p := pool.New(pool.Options{
		Decrypter: c,
		Factory: pool.RCONFactory(rcon.Options{
			DialTimeout:    rc.DialTimeout,
			CommandTimeout: rc.CommandTimeout,
		}),
		ProbeCommand: rc.ProbeCommand,
		Logger:       log,
		Metrics:      m,
	})
	return &runtime{
		log:     log,
		store:   store,
		cipher:  c,
		pool:    p,
		handler: console.NewHandler(p, log, m),
	}, 0
}

// exitCode maps a command error to a process exit code.
func exitCode(err error) int {
	var se *secret.Error
	if errors.As(err, &se) && se.IsKeyError() {
		return 2
	}
	return 1
}
