//go:build linux

package handoff

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"berth/internal/account"
	"berth/internal/freshness"
	"berth/internal/invoke"
	"berth/pkg/sdk/defaults"
)

const (
	backupStampLayout = "20060102-150405"
	loginTimeout      = 30 * time.Second
)

// Prepare resolves the identity and paths one privilege drop needs. It
// repairs the account home on the way and refuses to run on a process
// that already carries the handoff marker.
func Prepare(accountName string) (*Prepared, error) {
	if err := GuardLoop(); err != nil {
		return nil, err
	}

	uid, gid, err := account.IDs(accountName)
	if err != nil {
		return nil, fmt.Errorf("resolve account %q: %w", accountName, err)
	}
	groups, err := account.GroupIDs(accountName)
	if err != nil {
		return nil, fmt.Errorf("resolve groups of %q: %w", accountName, err)
	}
	home, err := account.Home(accountName)
	if err != nil {
		return nil, fmt.Errorf("resolve home of %q: %w", accountName, err)
	}
	if strings.TrimSpace(home) == "" {
		home = defaults.HomeDir()
	}
	if err := account.RepairHome(home, uid, gid); err != nil {
		return nil, fmt.Errorf("repair home %s: %w", home, err)
	}

	root, bin, err := locateInstall()
	if err != nil {
		return nil, err
	}
	relBin, err := filepath.Rel(root, bin)
	if err != nil {
		return nil, fmt.Errorf("locate binary under install root: %w", err)
	}
	target := TargetDir(home, root)

	return &Prepared{
		Account:     accountName,
		UID:         uid,
		GID:         gid,
		Groups:      groups,
		Home:        home,
		InstallRoot: root,
		Target:      target,
		TargetBin:   filepath.Join(target, relBin),
	}, nil
}

// SyncInstall brings the account's copy of the install tree up to date
// and reports whether anything was copied. The freshness verdict is
// obtained before any copy; a stale copy is set aside under a
// timestamped name first, so the previous tree stays recoverable.
func (p *Prepared) SyncInstall() (bool, error) {
	newer, err := freshness.SourceNewer(p.InstallRoot, p.Target, freshness.DefaultSampleLimit)
	if err != nil {
		return false, fmt.Errorf("compare install trees: %w", err)
	}

	if newer {
		if _, err := os.Stat(p.Target); err == nil {
			backup := p.Target + ".bak-" + time.Now().Format(backupStampLayout)
			if err := os.Rename(p.Target, backup); err != nil {
				return false, fmt.Errorf("set aside stale install copy: %w", err)
			}
			slog.Info("updating stale install copy", "target", p.Target, "backup", backup)
		} else if !os.IsNotExist(err) {
			return false, fmt.Errorf("stat install copy: %w", err)
		}
		if err := copyTree(p.InstallRoot, p.Target, p.UID, p.GID); err != nil {
			return false, fmt.Errorf("copy install tree: %w", err)
		}
	}

	// Running stale or inaccessible code is worse than stopping.
	if err := os.Chmod(p.TargetBin, 0o755); err != nil {
		return newer, fmt.Errorf("make target binary executable: %w", err)
	}
	if err := os.Chown(p.TargetBin, p.UID, p.GID); err != nil {
		return newer, fmt.Errorf("own target binary: %w", err)
	}
	return newer, nil
}

// StageCredential validates the registry token and writes it where only
// the account can read it, then warms the registry session. Pre-auth
// failure is not fatal: the overlay still carries the token.
func (p *Prepared) StageCredential(ctx context.Context, token string) error {
	if err := ValidateToken(token); err != nil {
		return fmt.Errorf("registry token rejected: %w", err)
	}
	if err := stageToken(p.Home, token, p.UID, p.GID); err != nil {
		return err
	}
	if err := p.preauthRegistry(ctx, token); err != nil {
		slog.Warn("registry pre-auth failed, continuing", "registry", defaults.RegistryHost, "error", err)
	}
	return nil
}

// Exec drops privileges and replaces the current process with the same
// invocation running from the account's copy. On success it does not
// return: the new image inherits this pid and its streams. Every
// returned error therefore means the switch did not happen.
func (p *Prepared) Exec(inv invoke.Invocation, token string, flags Flags) error {
	encoded := inv.Encode()
	env := buildEnvironment(p.Account, p.Home, encoded, token, flags, os.Getenv)

	// The encoded command is decoded exactly once: here, into the argv
	// the replacement image starts with.
	decoded, err := invoke.Decode(encoded)
	if err != nil {
		return fmt.Errorf("reconstruct invocation: %w", err)
	}
	argv := append([]string{p.TargetBin}, decoded.Args...)

	slog.Info("dropping privileges",
		"account", p.Account,
		"target", p.Target,
		"command", inv.Redacted(token),
	)

	if err := unix.Setgroups(p.Groups); err != nil {
		return fmt.Errorf("set supplementary groups: %w", err)
	}
	if err := unix.Setgid(p.GID); err != nil {
		return fmt.Errorf("setgid %d: %w", p.GID, err)
	}
	if err := unix.Setuid(p.UID); err != nil {
		return fmt.Errorf("setuid %d: %w", p.UID, err)
	}
	if err := os.Chdir(p.Target); err != nil {
		return fmt.Errorf("enter %s as %q: %w", p.Target, p.Account, err)
	}

	err = unix.Exec(p.TargetBin, argv, env)
	return fmt.Errorf("exec %s as %q: %v: %w", p.TargetBin, p.Account, err, ErrExecReturned)
}

// copyTree recursively copies a directory, preserving permissions and
// handing ownership to uid/gid. Negative ids leave ownership alone.
func copyTree(src, dst string, uid, gid int) error {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dst, srcInfo.Mode().Perm()); err != nil {
		return err
	}
	if err := os.Chown(dst, uid, gid); err != nil {
		return err
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())

		switch {
		case entry.IsDir():
			if err := copyTree(srcPath, dstPath, uid, gid); err != nil {
				return err
			}
		case entry.Type()&os.ModeSymlink != 0:
			link, err := os.Readlink(srcPath)
			if err != nil {
				return err
			}
			if err := os.Symlink(link, dstPath); err != nil {
				return err
			}
			if err := os.Lchown(dstPath, uid, gid); err != nil {
				return err
			}
		default:
			if err := copyFile(srcPath, dstPath); err != nil {
				return err
			}
			if err := os.Chown(dstPath, uid, gid); err != nil {
				return err
			}
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	srcInfo, err := srcFile.Stat()
	if err != nil {
		return err
	}
	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, srcInfo.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(dstFile, srcFile); err != nil {
		_ = dstFile.Close()
		return err
	}
	return dstFile.Close()
}

// stageToken writes the credential where only the service account can
// read it. The account's own startup consumes and deletes the file, so
// its lifetime never depends on this process surviving.
func stageToken(home, token string, uid, gid int) error {
	dir := defaults.RuntimeDir(home)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create runtime directory: %w", err)
	}
	if err := os.Chown(dir, uid, gid); err != nil {
		return fmt.Errorf("own runtime directory: %w", err)
	}

	path := defaults.TokenPath(home)
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		return fmt.Errorf("stage registry token: %w", err)
	}
	if err := os.Chown(path, uid, gid); err != nil {
		return fmt.Errorf("own registry token: %w", err)
	}
	return nil
}

// preauthRegistry logs the service account into the image registry so
// the dropped process starts with a warm session. The token travels on
// stdin, never on an argument vector, and is masked in any output that
// comes back.
func (p *Prepared) preauthRegistry(ctx context.Context, token string) error {
	groups32 := make([]uint32, len(p.Groups))
	for i, g := range p.Groups {
		groups32[i] = uint32(g)
	}

	ctx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", "login", defaults.RegistryHost,
		"--username", p.Account, "--password-stdin")
	cmd.Stdin = strings.NewReader(token)
	cmd.Dir = p.Home
	cmd.Env = []string{
		"PATH=" + pathOrDefault(os.Getenv("PATH")),
		"HOME=" + p.Home,
		"USER=" + p.Account,
		"LOGNAME=" + p.Account,
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{
			Uid:    uint32(p.UID),
			Gid:    uint32(p.GID),
			Groups: groups32,
		},
	}

	out, err := cmd.CombinedOutput()
	if err != nil {
		detail := strings.ReplaceAll(strings.TrimSpace(string(out)), token, invoke.Mask)
		return fmt.Errorf("docker login %s: %v: %s", defaults.RegistryHost, err, detail)
	}
	return nil
}
