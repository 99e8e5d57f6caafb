package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/irongate/irongate/internal/config"
	"github.com/irongate/irongate/internal/domain"
	"github.com/irongate/irongate/internal/rotation"
	"github.com/irongate/irongate/internal/secret"
	"github.com/irongate/irongate/internal/store/sqlite"
)

func (a *app) runServer(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(a.stderr, "usage: irongate server <add|list|remove|set-password|import> [flags]")
		return 2
	}
	switch args[0] {
	case "add":
		return a.runServerAdd(ctx, args[1:])
	case "list":
		return a.runServerList(ctx, args[1:])
	case "remove":
		return a.runServerRemove(ctx, args[1:])
	case "set-password":
		return a.runServerSetPassword(ctx, args[1:])
	case "import":
		return a.runServerImport(ctx, args[1:])
	default:
		fmt.Fprintln(a.stderr, "unknown server command:", args[0])
		return 2
	}
}

// credentialWriter opens the store and key for commands that encrypt new
// credentials. Writes are refused while a rotation runs.
func (a *app) credentialWriter(ctx context.Context, common config.Common) (*sqlite.Store, *secret.Cipher, int) {
	if rotation.Locked(lockPath(common.DBPath)) {
		fmt.Fprintln(a.stderr, "error:", rotation.ErrInProgress)
		return nil, nil, 1
	}
	c, code := a.activeCipher()
	if code != 0 {
		return nil, nil, code
	}
	store, code := a.openStore(common.DBPath)
	if code != 0 {
		return nil, nil, code
	}
	checkFingerprint(ctx, a.logger(common.LogLevel), store, c)
	return store, c, 0
}

func (a *app) runServerAdd(ctx context.Context, args []string) int {
	cfg, err := config.ParseServerAdd(args, a.stderr)
	if err != nil {
		fmt.Fprintln(a.stderr, "server add error:", err)
		return 2
	}
	store, c, code := a.credentialWriter(ctx, cfg.Common)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	password, err := a.readPassword(cfg.PasswordFile)
	if err != nil {
		fmt.Fprintln(a.stderr, "server add error:", err)
		return 2
	}
	ct, err := c.Encrypt(password)
	if err != nil {
		fmt.Fprintln(a.stderr, err)
		return exitCode(err)
	}
	t, err := store.CreateServer(ctx, cfg.Name, cfg.Host, uint16(cfg.Port), ct)
	if err != nil {
		fmt.Fprintln(a.stderr, "create server:", err)
		return 1
	}
	fmt.Fprintln(a.stdout, "id:", t.ID)
	fmt.Fprintln(a.stdout, "name:", t.Name)
	fmt.Fprintln(a.stdout, "address:", t.Addr())
	return 0
}

func (a *app) runServerList(ctx context.Context, args []string) int {
	cfg, err := config.ParseCommon("server list", args, a.stderr)
	if err != nil {
		fmt.Fprintln(a.stderr, "server list error:", err)
		return 2
	}
	store, code := a.openStore(cfg.DBPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	servers, err := store.ListServers(ctx)
	if err != nil {
		fmt.Fprintln(a.stderr, "list servers:", err)
		return 1
	}
	for _, s := range servers {
		fmt.Fprintf(a.stdout, "%s\t%s\t%s\tupdated=%s\n", s.ID, s.Name, s.Addr(), s.UpdatedAt.Format("2006-01-02T15:04:05Z"))
	}
	return 0
}

func (a *app) runServerRemove(ctx context.Context, args []string) int {
	cfg, err := config.ParseServerRef("server remove", args, a.stderr, false)
	if err != nil {
		fmt.Fprintln(a.stderr, "server remove error:", err)
		return 2
	}
	store, code := a.openStore(cfg.DBPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	t, err := store.FindServer(ctx, cfg.Server)
	if err != nil {
		fmt.Fprintln(a.stderr, "server remove error:", err)
		return 1
	}
	if err := store.DeleteServer(ctx, t.ID); err != nil {
		fmt.Fprintln(a.stderr, "server remove error:", err)
		return 1
	}
	fmt.Fprintln(a.stdout, "removed:", t.Label())
	return 0
}

func (a *app) runServerSetPassword(ctx context.Context, args []string) int {
	cfg, err := config.ParseServerRef("server set-password", args, a.stderr, true)
	if err != nil {
		fmt.Fprintln(a.stderr, "server set-password error:", err)
		return 2
	}
	store, c, code := a.credentialWriter(ctx, cfg.Common)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	t, err := store.FindServer(ctx, cfg.Server)
	if err != nil {
		fmt.Fprintln(a.stderr, "server set-password error:", err)
		return 1
	}
	password, err := a.readPassword(cfg.PasswordFile)
	if err != nil {
		fmt.Fprintln(a.stderr, "server set-password error:", err)
		return 2
	}
	ct, err := c.Encrypt(password)
	if err != nil {
		fmt.Fprintln(a.stderr, err)
		return exitCode(err)
	}
	if err := store.SetServerCredential(ctx, t.ID, ct); err != nil {
		fmt.Fprintln(a.stderr, "server set-password error:", err)
		return 1
	}
	fmt.Fprintln(a.stdout, "password updated:", t.Label())
	return 0
}

// importFile is the YAML layout accepted by `server import`.
type importFile struct {
	Servers []importServer `yaml:"servers"`
}

type importServer struct {
	Name        string `yaml:"name"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Password    string `yaml:"password"`
	PasswordEnv string `yaml:"password_env"`
}

func loadImportFile(path string) ([]importServer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var doc importFile
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	seen := make(map[string]bool, len(doc.Servers))
	for i := range doc.Servers {
		s := &doc.Servers[i]
		s.Name = strings.TrimSpace(s.Name)
		s.Host = strings.TrimSpace(s.Host)
		if s.Port == 0 {
			s.Port = 25575
		}
		if s.Name == "" {
			return nil, fmt.Errorf("servers[%d]: missing name", i)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("servers[%d]: duplicate name %q", i, s.Name)
		}
		seen[s.Name] = true
		if err := domain.ValidateTarget(s.Host, s.Port); err != nil {
			return nil, fmt.Errorf("servers[%d] %s: %w", i, s.Name, err)
		}
		if s.Password != "" && s.PasswordEnv != "" {
			return nil, fmt.Errorf("servers[%d] %s: password and password_env are mutually exclusive", i, s.Name)
		}
		if s.PasswordEnv != "" {
			s.Password = os.Getenv(s.PasswordEnv)
		}
		if s.Password == "" {
			return nil, fmt.Errorf("servers[%d] %s: missing password", i, s.Name)
		}
	}
	return doc.Servers, nil
}

func (a *app) runServerImport(ctx context.Context, args []string) int {
	cfg, err := config.ParseServerImport(args, a.stderr)
	if err != nil {
		fmt.Fprintln(a.stderr, "server import error:", err)
		return 2
	}
	entries, err := loadImportFile(cfg.File)
	if err != nil {
		fmt.Fprintln(a.stderr, "server import error:", err)
		return 2
	}
	store, c, code := a.credentialWriter(ctx, cfg.Common)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	var imported, skipped int
	for _, e := range entries {
		ct, err := c.Encrypt(e.Password)
		if err != nil {
			fmt.Fprintln(a.stderr, err)
			return exitCode(err)
		}
		t, err := store.CreateServer(ctx, e.Name, e.Host, uint16(e.Port), ct)
		if errors.Is(err, domain.ErrServerExists) {
			fmt.Fprintf(a.stdout, "skipped %s: already registered\n", e.Name)
			skipped++
			continue
		}
		if err != nil {
			fmt.Fprintf(a.stderr, "import %s: %v\n", e.Name, err)
			return 1
		}
		fmt.Fprintf(a.stdout, "imported %s\t%s\t%s\n", t.ID, t.Name, t.Addr())
		imported++
	}
	fmt.Fprintf(a.stdout, "%d imported, %d skipped\n", imported, skipped)
	return 0
}
