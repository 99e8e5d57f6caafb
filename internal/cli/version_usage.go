package cli

import (
	"fmt"

	"github.com/irongate/irongate/internal/versionutil"
)

func (a *app) printUsage() {
	fmt.Fprintln(a.stdout, `irongate - RCON administration for game servers with encrypted credentials

Usage:
  irongate key generate [--write]             Generate an encryption key (optionally store it in .env)
  irongate key verify [--test-passwords]      Inspect the active key and check stored credentials
  irongate key rotate --new-key KEY           Re-encrypt every credential under a new key
  irongate key rotate --generate-new          Rotate to a freshly generated key
  irongate key rotate --verify-only           Check that the old key opens every credential
  irongate server add --name N --host IP      Register a server (password prompted or --password-file)
  irongate server list                        List registered servers
  irongate server remove SERVER               Remove a server and its request log
  irongate server set-password SERVER         Replace the stored RCON password
  irongate server import FILE                 Register servers from a YAML file
  irongate players SERVER | --all [--json]    List players online
  irongate whitelist add SERVER USER [--retry]
                                              Whitelist a player and reload the whitelist
  irongate whitelist list [SERVER]            Show recorded whitelist requests
  irongate watch [--metrics-listen ADDR]      Poll every server periodically
  irongate version                            Print version
  irongate help                               Show this help

Environment Variables:
  RCON_ENCRYPTION_KEY             Active encryption key (44-char URL-safe base64)
  IRONGATE_DB_PATH                SQLite database path (default: ./irongate.db)
  IRONGATE_ENV_FILE               Env file loaded at startup (default: .env)
  IRONGATE_LOG_LEVEL              Log level: debug|info|warn|error (default: info)
  IRONGATE_RCON_DIAL_TIMEOUT      Connect and login timeout (default: 5s)
  IRONGATE_RCON_COMMAND_TIMEOUT   Per-command timeout (default: 5s)
  IRONGATE_RCON_PROBE_COMMAND     Liveness probe for pooled connections (default: version)
  IRONGATE_BACKUP_DIR             Rotation snapshot directory (default: database directory)
  IRONGATE_METRICS_LISTEN         Address serving /metrics during watch
  IRONGATE_PARALLELISM            Servers polled at once (default: 8)
  IRONGATE_WATCH_INTERVAL         Delay between watch polls (default: 30s)
  IRONGATE_PPROF                  Serve /debug/pprof/ on the metrics listener`)
}

// Version is set at build time via -ldflags.
var Version = versionutil.Dev

func (a *app) printVersion() {
	fmt.Fprintln(a.stdout, "irongate", versionutil.Resolve(Version))
}
