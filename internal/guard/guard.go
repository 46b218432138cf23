// Package guard protects the application env file during mutation. Every
// mutation runs against a fresh timestamped backup, and values the stack
// cannot run without are verified after the mutation and rolled back on
// regression.
package guard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"berth/internal/envfile"

	"github.com/moby/sys/atomicwriter"
)

// CriticalKeys are the env values the deployed stack cannot start
// without. Losing any of them orphans the data volumes, so mutations
// that blank one are rolled back.
var CriticalKeys = []string{
	"POSTGRES_USER",
	"POSTGRES_PASSWORD",
	"REDIS_PASSWORD",
	"RABBITMQ_DEFAULT_USER",
	"RABBITMQ_DEFAULT_PASS",
	"SECRET_KEY_BASE",
	"ENCRYPTION_KEY",
	"ADMIN_PASSWORD",
}

const (
	backupDirName  = "backups"
	backupDirMode  = 0o700
	backupStamp    = "20060102-150405"
	backupFileMode = 0o600
)

// RollbackError reports a mutation that was undone because it blanked
// critical keys. The env file has already been restored from Backup when
// this error is returned.
type RollbackError struct {
	Path   string
	Backup string
	Keys   []string
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("mutation of %s blanked critical keys %s; restored from %s",
		e.Path, strings.Join(e.Keys, ", "), e.Backup)
}

// SafeMutate backs up the env file at path, runs mutate, and verifies
// that no key in keys that held a value before the mutation is empty or
// missing afterwards. On regression or mutate failure the backup is
// restored. The backup is retained on success and its path returned; a
// missing env file is mutated without one.
func SafeMutate(path string, keys []string, mutate func() error) (string, error) {
	before, err := readValues(path, keys)
	if err != nil {
		return "", fmt.Errorf("read env file before mutation: %w", err)
	}

	backup := ""
	if _, statErr := os.Stat(path); statErr == nil {
		backup, err = writeBackup(path)
		if err != nil {
			return "", fmt.Errorf("back up env file: %w", err)
		}
	} else if !os.IsNotExist(statErr) {
		return "", fmt.Errorf("stat env file: %w", statErr)
	}

	if err := mutate(); err != nil {
		if backup != "" {
			if restoreErr := Restore(path, backup); restoreErr != nil {
				return backup, fmt.Errorf("mutate env file: %w (restore failed: %v)", err, restoreErr)
			}
		}
		return backup, fmt.Errorf("mutate env file: %w", err)
	}

	after, err := readValues(path, keys)
	regressed := regressedKeys(before, after)
	if err != nil {
		// The mutation left the file unreadable, which loses every
		// previously held value.
		regressed = heldKeys(before)
	}
	if len(regressed) == 0 {
		return backup, nil
	}

	if backup == "" {
		return "", &RollbackError{Path: path, Keys: regressed}
	}
	if restoreErr := Restore(path, backup); restoreErr != nil {
		return backup, fmt.Errorf("restore %s after critical key regression (%s): %w",
			path, strings.Join(regressed, ", "), restoreErr)
	}
	return backup, &RollbackError{Path: path, Backup: backup, Keys: regressed}
}

// VerifyIntegrity returns the keys that are empty or missing in the env
// file at path, sorted. A nil result means every key holds a value.
func VerifyIntegrity(path string, keys []string) ([]string, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("stat env file: %w", err)
	}
	values, err := envfile.Load(path)
	if err != nil {
		return nil, err
	}

	var missing []string
	for _, key := range keys {
		if strings.TrimSpace(values[key]) == "" {
			missing = append(missing, key)
		}
	}
	sort.Strings(missing)
	return missing, nil
}

// LatestGoodSnapshot returns the newest backup of the env file at path
// whose keys all hold values. Snapshots that fail to parse are skipped.
func LatestGoodSnapshot(path string, keys []string) (string, bool, error) {
	dir := filepath.Join(filepath.Dir(path), backupDirName)
	prefix := filepath.Base(path) + "."

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read backup directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Type().IsRegular() && strings.HasPrefix(entry.Name(), prefix) {
			names = append(names, entry.Name())
		}
	}
	// Stamp-suffixed names sort chronologically; walk newest first.
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	for _, name := range names {
		candidate := filepath.Join(dir, name)
		values, err := envfile.Load(candidate)
		if err != nil {
			continue
		}
		intact := true
		for _, key := range keys {
			if strings.TrimSpace(values[key]) == "" {
				intact = false
				break
			}
		}
		if intact {
			return candidate, true, nil
		}
	}
	return "", false, nil
}

// Restore overwrites the env file at path with the snapshot contents.
func Restore(path, snapshot string) error {
	data, err := os.ReadFile(snapshot)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	if err := atomicwriter.WriteFile(path, data, backupFileMode); err != nil {
		return fmt.Errorf("restore env file: %w", err)
	}
	return nil
}

func writeBackup(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	dir := filepath.Join(filepath.Dir(path), backupDirName)
	if err := os.MkdirAll(dir, backupDirMode); err != nil {
		return "", err
	}
	if err := os.Chmod(dir, backupDirMode); err != nil {
		return "", err
	}

	stamp := time.Now().Format(backupStamp)
	name := filepath.Base(path) + "." + stamp
	candidate := filepath.Join(dir, name)
	for i := 1; ; i++ {
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			break
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s-%d", name, i))
	}

	if err := atomicwriter.WriteFile(candidate, data, backupFileMode); err != nil {
		return "", err
	}
	return candidate, nil
}

func readValues(path string, keys []string) (map[string]string, error) {
	values, err := envfile.Load(path)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		out[key] = values[key]
	}
	return out, nil
}

func regressedKeys(before, after map[string]string) []string {
	var regressed []string
	for key, value := range before {
		if strings.TrimSpace(value) == "" {
			continue
		}
		if strings.TrimSpace(after[key]) == "" {
			regressed = append(regressed, key)
		}
	}
	sort.Strings(regressed)
	return regressed
}

func heldKeys(values map[string]string) []string {
	var held []string
	for key, value := range values {
		if strings.TrimSpace(value) != "" {
			held = append(held, key)
		}
	}
	sort.Strings(held)
	return held
}
