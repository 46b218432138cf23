// Package logging installs the process-wide slog logger. Output goes to
// stderr so it never mixes with command output, and attributes whose
// keys name a credential are masked before they are written, wherever
// in the program they were logged from.
package logging

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"berth/internal/invoke"
)

const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// secretMarkers flag attribute keys whose values must never reach the
// log stream in cleartext.
var secretMarkers = [...]string{"token", "password", "secret", "credential"}

// Configure installs a process-wide slog default logger.
//
// Supported levels: debug, info, warn, error.
func Configure(level string) error {
	parsed, err := parseLevel(level)
	if err != nil {
		return err
	}

	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:       parsed,
		ReplaceAttr: redactSecrets,
	})
	slog.SetDefault(slog.New(h))
	return nil
}

func parseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", LevelInfo:
		return slog.LevelInfo, nil
	case LevelDebug:
		return slog.LevelDebug, nil
	case LevelWarn:
		return slog.LevelWarn, nil
	case LevelError:
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q", level)
	}
}

// redactSecrets masks the value of any credential-named attribute.
// Matching on the key keeps the handler independent of what a registry
// token happens to look like.
func redactSecrets(_ []string, a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	for _, marker := range secretMarkers {
		if strings.Contains(key, marker) {
			return slog.String(a.Key, invoke.Mask)
		}
	}
	return a
}
