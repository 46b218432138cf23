// Package envfile reads and rewrites flat KEY=value environment files of
// the kind consumed by docker compose.
package envfile

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/moby/sys/atomicwriter"
)

const FileMode = 0o600

// Load reads the file at path and returns its key/value pairs. A missing
// file is not an error; it yields an empty map.
func Load(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("open env file: %w", err)
	}
	defer f.Close()

	values, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse env file %s: %w", path, err)
	}
	return values, nil
}

// Parse reads KEY=value pairs from r. Blank lines and # comments are
// skipped, an optional `export ` prefix is accepted, and single or double
// quoted values are unquoted. When a key repeats, the last value wins.
func Parse(r io.Reader) (map[string]string, error) {
	values := make(map[string]string)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		text = strings.TrimPrefix(text, "export ")

		key, raw, ok := strings.Cut(text, "=")
		if !ok {
			return nil, fmt.Errorf("line %d: missing '='", line)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("line %d: empty key", line)
		}
		values[key] = unquote(strings.TrimSpace(raw))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

// Set rewrites the file at path with the given keys updated in place.
// Lines for keys not in updates are preserved verbatim, comments and
// ordering included; keys absent from the file are appended in sorted
// order. The file is created when missing and always written atomically
// with owner-only permissions.
func Set(path string, updates map[string]string) error {
	if len(updates) == 0 {
		return nil
	}

	var lines []string
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read env file: %w", err)
	}
	if len(data) > 0 {
		lines = strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	}

	pending := make(map[string]string, len(updates))
	for k, v := range updates {
		pending[k] = v
	}

	for i, text := range lines {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		key, _, ok := strings.Cut(strings.TrimPrefix(trimmed, "export "), "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value, wanted := pending[key]
		if !wanted {
			continue
		}
		lines[i] = key + "=" + quoteIfNeeded(value)
		delete(pending, key)
	}

	appended := make([]string, 0, len(pending))
	for key := range pending {
		appended = append(appended, key)
	}
	sort.Strings(appended)
	for _, key := range appended {
		lines = append(lines, key+"="+quoteIfNeeded(pending[key]))
	}

	out := strings.Join(lines, "\n") + "\n"
	if err := atomicwriter.WriteFile(path, []byte(out), FileMode); err != nil {
		return fmt.Errorf("write env file: %w", err)
	}
	return nil
}

func unquote(raw string) string {
	if len(raw) < 2 {
		return raw
	}
	if raw[0] == '\'' && raw[len(raw)-1] == '\'' {
		return raw[1 : len(raw)-1]
	}
	if raw[0] == '"' && raw[len(raw)-1] == '"' {
		inner := raw[1 : len(raw)-1]
		inner = strings.ReplaceAll(inner, `\"`, `"`)
		inner = strings.ReplaceAll(inner, `\\`, `\`)
		return inner
	}
	return raw
}

func quoteIfNeeded(value string) string {
	if value == "" {
		return value
	}
	if strings.ContainsAny(value, " \t#\"'") {
		escaped := strings.ReplaceAll(value, `\`, `\\`)
		escaped = strings.ReplaceAll(escaped, `"`, `\"`)
		return `"` + escaped + `"`
	}
	return value
}
