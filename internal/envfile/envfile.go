// Package envfile reads and updates KEY=VALUE configuration files, the
// place operators keep the active encryption key.
package envfile

import (
	"errors"
	"os"
	"strings"
)

// Entry is one assignment to write.
type Entry struct {
	Key   string
	Value string
}

// Load returns the assignments in path. A missing file yields an empty map.
func Load(path string) (map[string]string, error) {
	out := map[string]string{}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return out, nil
		}
		return nil, err
	}
	for _, line := range splitLines(raw) {
		key, value, ok := parseAssignment(line)
		if !ok {
			continue
		}
		out[key] = value
	}
	return out, nil
}

// Apply exports the assignments in path accepted by allow into the process
// environment. Variables that are already set are left alone.
func Apply(path string, allow func(key string) bool) error {
	values, err := Load(path)
	if err != nil {
		return err
	}
	for key, value := range values {
		if allow != nil && !allow(key) {
			continue
		}
		if existing := strings.TrimSpace(os.Getenv(key)); existing != "" {
			continue
		}
		_ = os.Setenv(key, value)
	}
	return nil
}

// Lookup returns the value of key in path.
func Lookup(path, key string) (string, bool, error) {
	values, err := Load(path)
	if err != nil {
		return "", false, err
	}
	v, ok := values[key]
	return v, ok, nil
}

// Upsert rewrites path with entries replacing existing assignments in
// place and new keys appended under a marker comment. Comments and
// unrelated lines are kept. The file is replaced atomically.
func Upsert(path string, entries []Entry) error {
	byKey := make(map[string]string, len(entries))
	order := make([]string, 0, len(entries))
	for _, entry := range entries {
		key := strings.TrimSpace(entry.Key)
		if key == "" {
			continue
		}
		if _, seen := byKey[key]; !seen {
			order = append(order, key)
		}
		byKey[key] = sanitizeValue(entry.Value)
	}

	raw, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	lines := splitLines(raw)
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}

	updated := make(map[string]bool, len(byKey))
	for i, line := range lines {
		key, _, ok := parseAssignment(line)
		if !ok {
			continue
		}
		value, wanted := byKey[key]
		if !wanted {
			continue
		}
		lines[i] = key + "=" + value
		updated[key] = true
	}

	var pending []string
	for _, key := range order {
		if !updated[key] {
			pending = append(pending, key)
		}
	}
	if len(pending) > 0 {
		if len(lines) > 0 {
			lines = append(lines, "")
		}
		lines = append(lines, "# Added by irongate")
		for _, key := range pending {
			lines = append(lines, key+"="+byKey[key])
		}
	}

	return writeAtomic(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600)
}

func splitLines(raw []byte) []string {
	normalized := strings.ReplaceAll(string(raw), "\r\n", "\n")
	if normalized == "" {
		return nil
	}
	return strings.Split(normalized, "\n")
}

func parseAssignment(line string) (string, string, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return "", "", false
	}
	if strings.HasPrefix(trimmed, "export ") {
		trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, "export "))
	}
	key, value, ok := strings.Cut(trimmed, "=")
	if !ok {
		return "", "", false
	}
	key = strings.TrimSpace(key)
	if key == "" || strings.ContainsAny(key, " \t") {
		return "", "", false
	}
	value = strings.TrimSpace(value)
	if len(value) >= 2 {
		if (strings.HasPrefix(value, "\"") && strings.HasSuffix(value, "\"")) ||
			(strings.HasPrefix(value, "'") && strings.HasSuffix(value, "'")) {
			value = value[1 : len(value)-1]
		}
	}
	return key, value, true
}

func sanitizeValue(v string) string {
	v = strings.ReplaceAll(v, "\n", "")
	v = strings.ReplaceAll(v, "\r", "")
	return strings.TrimSpace(v)
}
