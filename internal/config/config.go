// Package config parses per-command flags with defaults taken from the
// environment.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/irongate/irongate/internal/domain"
	"github.com/irongate/irongate/internal/keys"
	"github.com/irongate/irongate/internal/pool"
	"github.com/irongate/irongate/internal/rcon"
)

const (
	defaultDBPath   = "./irongate.db"
	defaultEnvFile  = ".env"
	defaultInterval = 30 * time.Second
	maxParallelism  = 64
)

// EnvPrefix marks the variables imported from an env file.
const EnvPrefix = "IRONGATE_"

// Common holds the settings shared by every command that touches the store.
type Common struct {
	DBPath   string
	LogLevel string
	EnvFile  string
}

// RCON tunes the protocol client and pool.
type RCON struct {
	DialTimeout    time.Duration
	CommandTimeout time.Duration
	ProbeCommand   string
}

type KeyGenerateConfig struct {
	EnvFile string
	Write   bool
	Force   bool
}

type KeyVerifyConfig struct {
	Common
	Key           string
	TestPasswords bool
}

type KeyRotateConfig struct {
	Common
	OldKey      string
	NewKey      string
	GenerateNew bool
	VerifyOnly  bool
	Yes         bool
	BackupDir   string
}

type ServerAddConfig struct {
	Common
	Name         string
	Host         string
	Port         int
	PasswordFile string
}

type ServerRefConfig struct {
	Common
	Server       string
	PasswordFile string
}

type ServerImportConfig struct {
	Common
	File string
}

type PlayersConfig struct {
	Common
	RCON
	Server   string
	All      bool
	Parallel int
	JSON     bool
}

type WhitelistConfig struct {
	Common
	RCON
	Server   string
	Username string
	Retry    bool
}

type WatchConfig struct {
	Common
	RCON
	Interval      time.Duration
	MetricsListen string
	Parallel      int
	Once          bool
	Pprof         bool
}

func commonDefaults() Common {
	return Common{
		DBPath:   envOrDefault(EnvPrefix+"DB_PATH", defaultDBPath),
		LogLevel: envOrDefault(EnvPrefix+"LOG_LEVEL", "info"),
		EnvFile:  envOrDefault(EnvPrefix+"ENV_FILE", defaultEnvFile),
	}
}

func rconDefaults() RCON {
	return RCON{
		DialTimeout:    envDurationOrDefault(EnvPrefix+"RCON_DIAL_TIMEOUT", rcon.DefaultTimeout),
		CommandTimeout: envDurationOrDefault(EnvPrefix+"RCON_COMMAND_TIMEOUT", rcon.DefaultTimeout),
		ProbeCommand:   envOrDefault(EnvPrefix+"RCON_PROBE_COMMAND", pool.DefaultProbeCommand),
	}
}

func newFlagSet(name string, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	if out != nil {
		fs.SetOutput(out)
	}
	return fs
}

func bindCommon(fs *flag.FlagSet, c *Common) {
	fs.StringVar(&c.DBPath, "db", c.DBPath, "SQLite database path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&c.EnvFile, "env-file", c.EnvFile, "Env file holding "+keys.EnvVar)
}

func bindRCON(fs *flag.FlagSet, r *RCON) {
	fs.DurationVar(&r.DialTimeout, "dial-timeout", r.DialTimeout, "RCON connect and login timeout")
	fs.DurationVar(&r.CommandTimeout, "command-timeout", r.CommandTimeout, "RCON per-command timeout")
	fs.StringVar(&r.ProbeCommand, "probe-command", r.ProbeCommand, "Liveness probe sent to pooled connections")
}

func (c *Common) validate() error {
	c.DBPath = strings.TrimSpace(c.DBPath)
	if c.DBPath == "" {
		return errors.New("missing --db or IRONGATE_DB_PATH")
	}
	return nil
}

func (r *RCON) validate() error {
	if r.DialTimeout <= 0 {
		return errors.New("dial timeout must be > 0")
	}
	if r.CommandTimeout <= 0 {
		return errors.New("command timeout must be > 0")
	}
	r.ProbeCommand = strings.TrimSpace(r.ProbeCommand)
	if r.ProbeCommand == "" {
		return errors.New("probe command must not be empty")
	}
	return nil
}

// ParseCommon parses commands that take only the shared settings.
func ParseCommon(name string, args []string, out io.Writer) (Common, error) {
	cfg := commonDefaults()
	fs := newFlagSet(name, out)
	bindCommon(fs, &cfg)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if fs.NArg() > 0 {
		return cfg, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return cfg, cfg.validate()
}

func ParseKeyGenerate(args []string, out io.Writer) (KeyGenerateConfig, error) {
	cfg := KeyGenerateConfig{EnvFile: commonDefaults().EnvFile}
	fs := newFlagSet("key generate", out)
	fs.StringVar(&cfg.EnvFile, "env-file", cfg.EnvFile, "Env file to write the key into")
	fs.BoolVar(&cfg.Write, "write", false, "Store the key in the env file")
	fs.BoolVar(&cfg.Force, "force", false, "Replace an existing key when writing")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if cfg.Force && !cfg.Write {
		return cfg, errors.New("--force requires --write")
	}
	return cfg, nil
}

func ParseKeyVerify(args []string, out io.Writer) (KeyVerifyConfig, error) {
	cfg := KeyVerifyConfig{Common: commonDefaults()}
	fs := newFlagSet("key verify", out)
	bindCommon(fs, &cfg.Common)
	fs.StringVar(&cfg.Key, "key", "", "Key to verify (defaults to the active key)")
	fs.BoolVar(&cfg.TestPasswords, "test-passwords", false, "Decrypt every stored credential with the key")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

func ParseKeyRotate(args []string, out io.Writer) (KeyRotateConfig, error) {
	cfg := KeyRotateConfig{Common: commonDefaults()}
	cfg.BackupDir = envOrDefault(EnvPrefix+"BACKUP_DIR", "")
	fs := newFlagSet("key rotate", out)
	bindCommon(fs, &cfg.Common)
	fs.StringVar(&cfg.OldKey, "old-key", "", "Key the credentials are encrypted with (defaults to the active key)")
	fs.StringVar(&cfg.NewKey, "new-key", "", "Key to re-encrypt the credentials with")
	fs.BoolVar(&cfg.GenerateNew, "generate-new", false, "Generate the new key")
	fs.BoolVar(&cfg.VerifyOnly, "verify-only", false, "Only check that the old key decrypts every credential")
	fs.BoolVar(&cfg.Yes, "yes", false, "Skip the confirmation prompt")
	fs.StringVar(&cfg.BackupDir, "backup-dir", cfg.BackupDir, "Directory for store and env file snapshots")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	cfg.OldKey = strings.TrimSpace(cfg.OldKey)
	cfg.NewKey = strings.TrimSpace(cfg.NewKey)
	if cfg.GenerateNew && cfg.NewKey != "" {
		return cfg, errors.New("--new-key and --generate-new are mutually exclusive")
	}
	if !cfg.VerifyOnly && !cfg.GenerateNew && cfg.NewKey == "" {
		return cfg, errors.New("missing --new-key or --generate-new")
	}
	if strings.TrimSpace(cfg.BackupDir) == "" {
		cfg.BackupDir = filepath.Dir(cfg.DBPath)
	}
	return cfg, nil
}

func ParseServerAdd(args []string, out io.Writer) (ServerAddConfig, error) {
	cfg := ServerAddConfig{Common: commonDefaults(), Port: 25575}
	fs := newFlagSet("server add", out)
	bindCommon(fs, &cfg.Common)
	fs.StringVar(&cfg.Name, "name", "", "Unique server name")
	fs.StringVar(&cfg.Host, "host", "", "Server IPv4 address")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "RCON port")
	fs.StringVar(&cfg.PasswordFile, "password-file", "", "Read the RCON password from a file (- for stdin)")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Name == "" {
		return cfg, errors.New("missing --name")
	}
	cfg.Host = strings.TrimSpace(cfg.Host)
	if err := domain.ValidateTarget(cfg.Host, cfg.Port); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ParseServerRef parses commands addressing one server by id or name, given
// either as --server or as the single positional argument.
func ParseServerRef(name string, args []string, out io.Writer, withPassword bool) (ServerRefConfig, error) {
	return parseServerRef(name, args, out, withPassword, true)
}

// ParseWhitelistList is [ParseServerRef] with an optional server filter.
func ParseWhitelistList(args []string, out io.Writer) (ServerRefConfig, error) {
	return parseServerRef("whitelist list", args, out, false, false)
}

func parseServerRef(name string, args []string, out io.Writer, withPassword, required bool) (ServerRefConfig, error) {
	cfg := ServerRefConfig{Common: commonDefaults()}
	fs := newFlagSet(name, out)
	bindCommon(fs, &cfg.Common)
	fs.StringVar(&cfg.Server, "server", "", "Server id or name")
	if withPassword {
		fs.StringVar(&cfg.PasswordFile, "password-file", "", "Read the RCON password from a file (- for stdin)")
	}
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	if !required && cfg.Server == "" && fs.NArg() == 0 {
		return cfg, nil
	}
	ref, err := positional(fs, cfg.Server, "server")
	if err != nil {
		return cfg, err
	}
	cfg.Server = ref
	return cfg, nil
}

func ParseServerImport(args []string, out io.Writer) (ServerImportConfig, error) {
	cfg := ServerImportConfig{Common: commonDefaults()}
	fs := newFlagSet("server import", out)
	bindCommon(fs, &cfg.Common)
	fs.StringVar(&cfg.File, "file", "", "YAML file listing servers")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	file, err := positional(fs, cfg.File, "file")
	if err != nil {
		return cfg, err
	}
	cfg.File = file
	return cfg, nil
}

func ParsePlayers(args []string, out io.Writer) (PlayersConfig, error) {
	cfg := PlayersConfig{Common: commonDefaults(), RCON: rconDefaults()}
	cfg.Parallel = envIntOrDefault(EnvPrefix+"PARALLELISM", 8)
	fs := newFlagSet("players", out)
	bindCommon(fs, &cfg.Common)
	bindRCON(fs, &cfg.RCON)
	fs.StringVar(&cfg.Server, "server", "", "Server id or name")
	fs.BoolVar(&cfg.All, "all", false, "Query every registered server")
	fs.IntVar(&cfg.Parallel, "parallel", cfg.Parallel, "Servers queried at once with --all")
	fs.BoolVar(&cfg.JSON, "json", false, "Print results as JSON")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if err := cfg.Common.validate(); err != nil {
		return cfg, err
	}
	if err := cfg.RCON.validate(); err != nil {
		return cfg, err
	}
	if err := validateParallel(cfg.Parallel); err != nil {
		return cfg, err
	}
	if cfg.All {
		if cfg.Server != "" || fs.NArg() > 0 {
			return cfg, errors.New("--all does not take a server")
		}
		return cfg, nil
	}
	ref, err := positional(fs, cfg.Server, "server")
	if err != nil {
		return cfg, err
	}
	cfg.Server = ref
	return cfg, nil
}

func ParseWhitelist(args []string, out io.Writer) (WhitelistConfig, error) {
	cfg := WhitelistConfig{Common: commonDefaults(), RCON: rconDefaults()}
	fs := newFlagSet("whitelist add", out)
	bindCommon(fs, &cfg.Common)
	bindRCON(fs, &cfg.RCON)
	fs.StringVar(&cfg.Server, "server", "", "Server id or name")
	fs.StringVar(&cfg.Username, "user", "", "Player name to whitelist")
	fs.BoolVar(&cfg.Retry, "retry", false, "Resend a request that was already recorded")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if err := cfg.Common.validate(); err != nil {
		return cfg, err
	}
	if err := cfg.RCON.validate(); err != nil {
		return cfg, err
	}
	rest := fs.Args()
	if cfg.Server == "" && len(rest) > 0 {
		cfg.Server, rest = rest[0], rest[1:]
	}
	if cfg.Username == "" && len(rest) > 0 {
		cfg.Username, rest = rest[0], rest[1:]
	}
	if len(rest) > 0 {
		return cfg, fmt.Errorf("unexpected arguments: %s", strings.Join(rest, " "))
	}
	cfg.Server = strings.TrimSpace(cfg.Server)
	cfg.Username = strings.TrimSpace(cfg.Username)
	if cfg.Server == "" {
		return cfg, errors.New("missing server")
	}
	if cfg.Username == "" {
		return cfg, errors.New("missing username")
	}
	return cfg, nil
}

func ParseWatch(args []string, out io.Writer) (WatchConfig, error) {
	cfg := WatchConfig{Common: commonDefaults(), RCON: rconDefaults()}
	cfg.Interval = envDurationOrDefault(EnvPrefix+"WATCH_INTERVAL", defaultInterval)
	cfg.MetricsListen = envOrDefault(EnvPrefix+"METRICS_LISTEN", "")
	cfg.Parallel = envIntOrDefault(EnvPrefix+"PARALLELISM", 8)
	cfg.Pprof = envBoolOrDefault(EnvPrefix+"PPROF", false)
	fs := newFlagSet("watch", out)
	bindCommon(fs, &cfg.Common)
	bindRCON(fs, &cfg.RCON)
	fs.DurationVar(&cfg.Interval, "interval", cfg.Interval, "Delay between polls")
	fs.StringVar(&cfg.MetricsListen, "metrics-listen", cfg.MetricsListen, "Serve /metrics on this address")
	fs.IntVar(&cfg.Parallel, "parallel", cfg.Parallel, "Servers queried at once")
	fs.BoolVar(&cfg.Once, "once", false, "Poll once and exit")
	fs.BoolVar(&cfg.Pprof, "pprof", cfg.Pprof, "Serve /debug/pprof/ on the metrics listener")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if err := cfg.Common.validate(); err != nil {
		return cfg, err
	}
	if err := cfg.RCON.validate(); err != nil {
		return cfg, err
	}
	if cfg.Interval < time.Second {
		return cfg, errors.New("interval must be at least 1s")
	}
	if err := validateParallel(cfg.Parallel); err != nil {
		return cfg, err
	}
	if cfg.Pprof && cfg.MetricsListen == "" {
		return cfg, errors.New("--pprof requires --metrics-listen")
	}
	return cfg, nil
}

// EnvFilePath finds the env file to load before any flag set is built, so
// --env-file takes effect for the values it provides.
func EnvFilePath(args []string) string {
	for i, a := range args {
		if a == "--" {
			break
		}
		name, value, hasValue := strings.Cut(strings.TrimLeft(a, "-"), "=")
		if !strings.HasPrefix(a, "-") || name != "env-file" {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return envOrDefault(EnvPrefix+"ENV_FILE", defaultEnvFile)
}

func positional(fs *flag.FlagSet, current, what string) (string, error) {
	rest := fs.Args()
	if current == "" && len(rest) > 0 {
		current, rest = rest[0], rest[1:]
	}
	if len(rest) > 0 {
		return "", fmt.Errorf("unexpected arguments: %s", strings.Join(rest, " "))
	}
	current = strings.TrimSpace(current)
	if current == "" {
		return "", fmt.Errorf("missing %s", what)
	}
	return current, nil
}

func validateParallel(n int) error {
	if n < 1 || n > maxParallelism {
		return fmt.Errorf("parallelism must be between 1 and %d", maxParallelism)
	}
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBoolOrDefault(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDurationOrDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
