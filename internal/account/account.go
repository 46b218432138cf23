// Package account inspects and provisions the dedicated service account
// the stack runs under.
package account

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
)

const homeDirMode = 0o750

// Exists reports whether the OS account is present. Absence is a
// provisioning signal for the caller, never an error.
func Exists(name string) bool {
	_, err := user.Lookup(name)
	return err == nil
}

// IDs returns the numeric uid and gid of the account.
func IDs(name string) (int, int, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return 0, 0, fmt.Errorf("lookup user %q: %w", name, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return 0, 0, fmt.Errorf("parse uid for %q: %w", name, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return 0, 0, fmt.Errorf("parse gid for %q: %w", name, err)
	}
	return uid, gid, nil
}

// Home returns the home directory recorded for the account in the user
// database.
func Home(name string) (string, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return "", fmt.Errorf("lookup user %q: %w", name, err)
	}
	return u.HomeDir, nil
}

// GroupIDs returns the numeric ids of every group the account belongs
// to, primary group included. A privilege drop installs these as the
// supplementary groups so docker-socket access survives the switch.
func GroupIDs(name string) ([]int, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return nil, fmt.Errorf("lookup user %q: %w", name, err)
	}
	raw, err := u.GroupIds()
	if err != nil {
		return nil, fmt.Errorf("list groups for %q: %w", name, err)
	}

	ids := make([]int, 0, len(raw))
	for _, s := range raw {
		id, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("parse group id %q for %q: %w", s, name, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// RepairHome creates the account's home directory when missing and
// resets ownership and mode. A lost home directory must not block an
// otherwise valid privilege drop.
func RepairHome(home string, uid, gid int) error {
	if err := os.MkdirAll(home, homeDirMode); err != nil {
		return fmt.Errorf("create home directory: %w", err)
	}
	if err := os.Chown(home, uid, gid); err != nil {
		return fmt.Errorf("set home directory owner: %w", err)
	}
	if err := os.Chmod(home, homeDirMode); err != nil {
		return fmt.Errorf("set home directory permissions: %w", err)
	}
	return nil
}
