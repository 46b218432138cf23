//go:build linux

package account

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Ensure creates the system group and account when missing, points the
// account at home, and adds it to dockerGroup for engine-socket access.
// Requires root.
func Ensure(ctx context.Context, name, group, dockerGroup, home string) error {
	if err := ensureSystemGroup(ctx, group); err != nil {
		return err
	}
	if err := ensureSystemUser(ctx, name, group, home); err != nil {
		return err
	}
	if err := ensureSystemGroup(ctx, dockerGroup); err != nil {
		return err
	}
	if err := ensureGroupMembership(ctx, name, dockerGroup); err != nil {
		return err
	}
	return nil
}

func ensureSystemGroup(ctx context.Context, groupName string) error {
	if exec.CommandContext(ctx, "getent", "group", groupName).Run() == nil {
		return nil
	}
	out, err := exec.CommandContext(ctx, "groupadd", "--system", groupName).CombinedOutput()
	if err != nil {
		return fmt.Errorf("create group %q: %w: %s", groupName, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func ensureSystemUser(ctx context.Context, userName, groupName, homeDir string) error {
	if exec.CommandContext(ctx, "id", "-u", userName).Run() == nil {
		return nil
	}

	shell := "/usr/sbin/nologin"
	if _, err := os.Stat(shell); err != nil {
		shell = "/sbin/nologin"
	}
	out, err := exec.CommandContext(ctx,
		"useradd",
		"--system",
		"--create-home",
		"--gid", groupName,
		"--home-dir", homeDir,
		"--shell", shell,
		userName,
	).CombinedOutput()
	if err != nil {
		return fmt.Errorf("create user %q: %w: %s", userName, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func ensureGroupMembership(ctx context.Context, userName, groupName string) error {
	out, err := exec.CommandContext(ctx, "usermod", "-aG", groupName, userName).CombinedOutput()
	if err != nil {
		return fmt.Errorf("add user %q to group %q: %w: %s", userName, groupName, err, strings.TrimSpace(string(out)))
	}
	return nil
}
