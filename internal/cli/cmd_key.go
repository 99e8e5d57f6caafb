package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/irongate/irongate/internal/config"
	"github.com/irongate/irongate/internal/envfile"
	"github.com/irongate/irongate/internal/keys"
	"github.com/irongate/irongate/internal/rotation"
	"github.com/irongate/irongate/internal/secret"
)

const roundTripProbe = "irongate-key-check"

func (a *app) runKey(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(a.stderr, "usage: irongate key <generate|verify|rotate> [flags]")
		return 2
	}
	switch args[0] {
	case "generate":
		return a.runKeyGenerate(args[1:])
	case "verify":
		return a.runKeyVerify(ctx, args[1:])
	case "rotate":
		return a.runKeyRotate(ctx, args[1:])
	default:
		fmt.Fprintln(a.stderr, "unknown key command:", args[0])
		return 2
	}
}

func (a *app) runKeyGenerate(args []string) int {
	cfg, err := config.ParseKeyGenerate(args, a.stderr)
	if err != nil {
		fmt.Fprintln(a.stderr, "key generate error:", err)
		return 2
	}
	key, err := keys.Generate()
	if err != nil {
		fmt.Fprintln(a.stderr, err)
		return 1
	}
	if !cfg.Write {
		fmt.Fprintln(a.stdout, key)
		return 0
	}

	file := envfile.File{Path: cfg.EnvFile, KeyName: keys.EnvVar}
	existing, ok, err := file.Key()
	if err != nil {
		fmt.Fprintln(a.stderr, "read env file:", err)
		return 1
	}
	if ok && strings.TrimSpace(existing) != "" && !cfg.Force {
		fmt.Fprintf(a.stderr, "%s already holds %s; use 'irongate key rotate' to change it (or --force to discard it)\n", cfg.EnvFile, keys.EnvVar)
		return 1
	}
	if err := file.SetKey(key); err != nil {
		fmt.Fprintln(a.stderr, "write env file:", err)
		return 1
	}
	fmt.Fprintf(a.stdout, "wrote %s to %s (fingerprint %s)\n", keys.EnvVar, cfg.EnvFile, keys.Fingerprint(key))
	return 0
}

func (a *app) runKeyVerify(ctx context.Context, args []string) int {
	cfg, err := config.ParseKeyVerify(args, a.stderr)
	if err != nil {
		fmt.Fprintln(a.stderr, "key verify error:", err)
		return 2
	}
	key := cfg.Key
	if key == "" {
		key = os.Getenv(keys.EnvVar)
	}

	info := keys.Inspect(key)
	fmt.Fprintf(a.stdout, "length: %d\n", info.Length)
	fmt.Fprintf(a.stdout, "encoding: %s\n", info.Encoding)
	fmt.Fprintf(a.stdout, "url_safe: %t\n", info.URLSafe)
	fmt.Fprintf(a.stdout, "padding: %t\n", info.HasPadding)
	fmt.Fprintf(a.stdout, "decoded_length: %d\n", info.DecodedLength)

	if ok, diag := keys.Validate(key); !ok {
		fmt.Fprintln(a.stderr, diag)
		return 2
	}
	c, err := secret.New(key)
	if err != nil {
		fmt.Fprintln(a.stderr, err)
		return 2
	}
	fmt.Fprintf(a.stdout, "fingerprint: %s\n", c.Fingerprint())
	if !c.VerifyRoundTrip(roundTripProbe) {
		fmt.Fprintln(a.stderr, "round trip check failed")
		return 1
	}
	fmt.Fprintln(a.stdout, "round_trip: ok")

	if !cfg.TestPasswords {
		return 0
	}
	store, code := a.openStore(cfg.DBPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	r := rotation.New(store, keyFile(cfg.EnvFile), rotation.Options{Logger: a.logger(cfg.LogLevel)})
	rep, err := r.Verify(ctx, key)
	if err != nil {
		fmt.Fprintln(a.stderr, "verify credentials:", err)
		return exitCode(err)
	}
	return a.printVerifyReport(rep)
}

func (a *app) runKeyRotate(ctx context.Context, args []string) int {
	cfg, err := config.ParseKeyRotate(args, a.stderr)
	if err != nil {
		fmt.Fprintln(a.stderr, "key rotate error:", err)
		return 2
	}
	oldKey := cfg.OldKey
	if oldKey == "" {
		oldKey = strings.TrimSpace(os.Getenv(keys.EnvVar))
	}
	if ok, diag := keys.Validate(oldKey); !ok {
		fmt.Fprintln(a.stderr, "old key:", diag)
		return 2
	}

	store, code := a.openStore(cfg.DBPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	log := a.logger(cfg.LogLevel)
	r := rotation.New(store, keyFile(cfg.EnvFile), rotation.Options{
		BackupDir: cfg.BackupDir,
		StoreName: filepath.Base(cfg.DBPath),
		LockPath:  lockPath(cfg.DBPath),
		Logger:    log,
	})

	if cfg.VerifyOnly {
		rep, err := r.Verify(ctx, oldKey)
		if err != nil {
			fmt.Fprintln(a.stderr, "verify credentials:", err)
			return exitCode(err)
		}
		return a.printVerifyReport(rep)
	}

	newKey := cfg.NewKey
	if cfg.GenerateNew {
		if newKey, err = keys.Generate(); err != nil {
			fmt.Fprintln(a.stderr, err)
			return 1
		}
	}
	if ok, diag := keys.Validate(newKey); !ok {
		fmt.Fprintln(a.stderr, "new key:", diag)
		return 2
	}

	if !cfg.Yes {
		if !a.interactive() {
			fmt.Fprintln(a.stderr, "key rotate error: refusing to rotate without confirmation; pass --yes")
			return 2
		}
		ok, err := a.confirm(fmt.Sprintf("Re-encrypt every stored RCON password with key %s?", keys.Fingerprint(newKey)))
		if err != nil {
			fmt.Fprintln(a.stderr, "confirmation:", err)
			return 1
		}
		if !ok {
			fmt.Fprintln(a.stderr, "aborted")
			return 1
		}
	}

	rep, err := r.Rotate(ctx, oldKey, newKey)
	if err != nil {
		a.printRotateFailure(rep, err)
		return exitCode(err)
	}

	fmt.Fprintf(a.stdout, "rotated %d credential(s) from %s to %s\n", rep.Rotated, rep.OldFingerprint, rep.NewFingerprint)
	fmt.Fprintf(a.stdout, "store backup: %s\n", rep.StoreBackup)
	if rep.ConfigBackup != "" {
		fmt.Fprintf(a.stdout, "config backup: %s\n", rep.ConfigBackup)
	}
	fmt.Fprintf(a.stdout, "%s updated in %s\n", keys.EnvVar, cfg.EnvFile)
	if cfg.GenerateNew {
		fmt.Fprintf(a.stdout, "new key: %s\n", newKey)
	}
	fmt.Fprintln(a.stdout, "restart every process using the old key")
	return 0
}

func keyFile(path string) envfile.File {
	return envfile.File{Path: path, KeyName: keys.EnvVar}
}

func (a *app) printVerifyReport(rep rotation.Report) int {
	fmt.Fprintf(a.stdout, "credentials: %d verified, %d failed, %d total (key %s)\n",
		rep.Verified, len(rep.Failures), rep.Total, rep.OldFingerprint)
	for _, f := range rep.Failures {
		var se *secret.Error
		reason := f.Err.Error()
		if errors.As(f.Err, &se) {
			reason = string(se.Code)
		}
		fmt.Fprintf(a.stdout, "  %s\t%s\t%s\n", f.ServerID, f.Name, reason)
	}
	if len(rep.Failures) > 0 {
		return 1
	}
	return 0
}

func (a *app) printRotateFailure(rep rotation.Report, err error) {
	if errors.Is(err, rotation.ErrRollbackFailed) {
		fmt.Fprintln(a.stderr, "CRITICAL: key rotation failed and could not be rolled back.")
		fmt.Fprintln(a.stderr, err)
		if rep.StoreBackup != "" {
			fmt.Fprintf(a.stderr, "Restore the database from %s\n", rep.StoreBackup)
		}
		if rep.ConfigBackup != "" {
			fmt.Fprintf(a.stderr, "Restore the env file from %s\n", rep.ConfigBackup)
		}
		return
	}
	fmt.Fprintln(a.stderr, err)
}
