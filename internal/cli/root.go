// Package cli implements the irongate command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/irongate/irongate/internal/config"
	"github.com/irongate/irongate/internal/envfile"
	"github.com/irongate/irongate/internal/keys"
)

// Run is the main CLI entry point. It parses args and dispatches to the
// appropriate subcommand, returning a process exit code.
func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return newApp(os.Stdin, os.Stdout, os.Stderr).run(ctx, args)
}

// app carries the process streams so commands can be driven from tests.
type app struct {
	stdin       io.Reader
	stdout      io.Writer
	stderr      io.Writer
	interactive func() bool
	readSecret  func(label string) (string, error)
}

func newApp(stdin io.Reader, stdout, stderr io.Writer) *app {
	a := &app{stdin: stdin, stdout: stdout, stderr: stderr}
	a.interactive = isInteractiveInput
	a.readSecret = a.promptSecret
	return a
}

func (a *app) run(ctx context.Context, args []string) int {
	if len(args) == 0 {
		a.printUsage()
		return 2
	}

	envPath := config.EnvFilePath(args[1:])
	if err := envfile.Apply(envPath, importedEnv); err != nil {
		fmt.Fprintln(a.stderr, "env file error:", err)
		return 2
	}

	switch args[0] {
	case "key":
		return a.runKey(ctx, args[1:])
	case "server":
		return a.runServer(ctx, args[1:])
	case "players":
		return a.runPlayers(ctx, args[1:])
	case "whitelist":
		return a.runWhitelist(ctx, args[1:])
	case "watch":
		return a.runWatch(ctx, args[1:])
	case "version", "--version", "-v":
		a.printVersion()
		return 0
	case "-h", "--help", "help":
		a.printUsage()
		return 0
	default:
		fmt.Fprintln(a.stderr, "unknown command:", args[0])
		a.printUsage()
		return 2
	}
}

// importedEnv selects the env file entries exported into the process.
func importedEnv(key string) bool {
	return key == keys.EnvVar || strings.HasPrefix(key, config.EnvPrefix)
}
