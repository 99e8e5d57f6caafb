package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

func isInteractiveInput() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// promptSecret reads a line from the terminal without echo. The line is
// returned as typed; leading and trailing spaces belong to the secret.
func (a *app) promptSecret(label string) (string, error) {
	if _, err := fmt.Fprint(a.stderr, label); err != nil {
		return "", err
	}
	defer func() { _, _ = fmt.Fprintln(a.stderr) }()
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// readPassword resolves an RCON password from a file, stdin ("-") or an
// interactive prompt, in that order.
func (a *app) readPassword(path string) (string, error) {
	var (
		password string
		err      error
	)
	switch {
	case path == "-":
		var raw []byte
		raw, err = io.ReadAll(a.stdin)
		password = string(raw)
	case path != "":
		var raw []byte
		raw, err = os.ReadFile(path)
		password = string(raw)
	case a.interactive():
		password, err = a.readSecret("RCON password: ")
	default:
		return "", errors.New("missing password: use --password-file or run interactively")
	}
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	password = trimLineEnding(password)
	if password == "" {
		return "", errors.New("password must not be empty")
	}
	return password, nil
}

// trimLineEnding drops the trailing newline a file, pipe or terminal adds.
// Other whitespace is part of the password.
func trimLineEnding(s string) string {
	return strings.TrimRight(s, "\r\n")
}

// confirm asks for an explicit "yes" on stdin.
func (a *app) confirm(question string) (bool, error) {
	if _, err := fmt.Fprintf(a.stderr, "%s Type 'yes' to continue: ", question); err != nil {
		return false, err
	}
	line, err := bufio.NewReader(a.stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	return strings.EqualFold(strings.TrimSpace(line), "yes"), nil
}
