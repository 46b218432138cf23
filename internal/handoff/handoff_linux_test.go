package handoff

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"berth/pkg/sdk/defaults"
)

// Ownership-preserving ids: chown(-1, -1) succeeds unprivileged.
const keepOwner = -1

func seedInstallTree(t *testing.T) string {
	t.Helper()
	src := filepath.Join(t.TempDir(), "berth")
	if err := os.MkdirAll(filepath.Join(src, "bin"), 0o755); err != nil {
		t.Fatal(err)
	}
	files := map[string]struct {
		content string
		mode    os.FileMode
	}{
		"bin/berth":    {"#!binary\n", 0o755},
		"compose.yaml": {"name: berth\n", 0o644},
		".env":         {"POSTGRES_PASSWORD=pw\n", 0o600},
	}
	for rel, f := range files {
		if err := os.WriteFile(filepath.Join(src, rel), []byte(f.content), f.mode); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Symlink("compose.yaml", filepath.Join(src, "compose.link")); err != nil {
		t.Fatal(err)
	}
	return src
}

func TestCopyTreePreservesShape(t *testing.T) {
	t.Parallel()

	src := seedInstallTree(t)
	dst := filepath.Join(t.TempDir(), "copy")
	if err := copyTree(src, dst, keepOwner, keepOwner); err != nil {
		t.Fatalf("copyTree() error = %v", err)
	}

	bin, err := os.Stat(filepath.Join(dst, "bin", "berth"))
	if err != nil {
		t.Fatalf("stat copied binary: %v", err)
	}
	if bin.Mode().Perm() != 0o755 {
		t.Errorf("binary mode = %o, want 0755 preserved", bin.Mode().Perm())
	}

	env, err := os.Stat(filepath.Join(dst, ".env"))
	if err != nil {
		t.Fatalf("stat copied config: %v", err)
	}
	if env.Mode().Perm() != 0o600 {
		t.Errorf("config mode = %o, want 0600 preserved", env.Mode().Perm())
	}

	got, err := os.ReadFile(filepath.Join(dst, "compose.yaml"))
	if err != nil || string(got) != "name: berth\n" {
		t.Errorf("compose content = %q, %v", got, err)
	}

	link, err := os.Readlink(filepath.Join(dst, "compose.link"))
	if err != nil {
		t.Fatalf("readlink: %v", err)
	}
	if link != "compose.yaml" {
		t.Errorf("symlink target = %q, want relative link preserved", link)
	}
}

// preparedFor builds a Prepared over test trees without touching
// ownership.
func preparedFor(src, home string) *Prepared {
	target := TargetDir(home, src)
	return &Prepared{
		Account:     "berth",
		UID:         keepOwner,
		GID:         keepOwner,
		Home:        home,
		InstallRoot: src,
		Target:      target,
		TargetBin:   filepath.Join(target, "bin", "berth"),
	}
}

func TestSyncInstallFreshCopy(t *testing.T) {
	t.Parallel()

	p := preparedFor(seedInstallTree(t), t.TempDir())

	synced, err := p.SyncInstall()
	if err != nil {
		t.Fatalf("SyncInstall() error = %v", err)
	}
	if !synced {
		t.Fatal("SyncInstall() = false, want copy reported on fresh target")
	}
	bin, err := os.Stat(p.TargetBin)
	if err != nil {
		t.Fatalf("target binary missing after fresh sync: %v", err)
	}
	if bin.Mode().Perm() != 0o755 {
		t.Errorf("target binary mode = %o, want 0755", bin.Mode().Perm())
	}

	backups, err := filepath.Glob(p.Target + ".bak-*")
	if err != nil {
		t.Fatal(err)
	}
	if len(backups) != 0 {
		t.Fatalf("fresh sync produced backups: %v", backups)
	}
}

func TestSyncInstallSkipsCurrentCopy(t *testing.T) {
	t.Parallel()

	p := preparedFor(seedInstallTree(t), t.TempDir())

	if _, err := p.SyncInstall(); err != nil {
		t.Fatalf("first SyncInstall() error = %v", err)
	}

	// Local edits in a current copy survive a second sync.
	sentinel := filepath.Join(p.Target, "compose.yaml")
	if err := os.WriteFile(sentinel, []byte("name: tuned\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	synced, err := p.SyncInstall()
	if err != nil {
		t.Fatalf("second SyncInstall() error = %v", err)
	}
	if synced {
		t.Fatal("SyncInstall() = true, want current copy left alone")
	}
	got, err := os.ReadFile(sentinel)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "name: tuned\n" {
		t.Fatalf("compose content = %q, want local edit kept when source is not newer", got)
	}
}

func TestSyncInstallBacksUpStaleCopy(t *testing.T) {
	t.Parallel()

	src := seedInstallTree(t)
	p := preparedFor(src, t.TempDir())

	if _, err := p.SyncInstall(); err != nil {
		t.Fatalf("first SyncInstall() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(p.Target, "compose.yaml"), []byte("name: old\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(filepath.Join(src, "compose.yaml"), future, future); err != nil {
		t.Fatal(err)
	}
	synced, err := p.SyncInstall()
	if err != nil {
		t.Fatalf("second SyncInstall() error = %v", err)
	}
	if !synced {
		t.Fatal("SyncInstall() = false, want stale copy refreshed")
	}

	got, err := os.ReadFile(filepath.Join(p.Target, "compose.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "name: berth\n" {
		t.Fatalf("compose content = %q, want target refreshed from source", got)
	}

	backups, err := filepath.Glob(p.Target + ".bak-*")
	if err != nil {
		t.Fatal(err)
	}
	if len(backups) != 1 {
		t.Fatalf("backups = %v, want exactly one timestamped backup", backups)
	}
	old, err := os.ReadFile(filepath.Join(backups[0], "compose.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if string(old) != "name: old\n" {
		t.Fatalf("backup content = %q, want the pre-update tree", old)
	}
}

func TestStageTokenPermissions(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	if err := stageToken(home, "dckr_pat_abc123", os.Getuid(), os.Getgid()); err != nil {
		t.Fatalf("stageToken() error = %v", err)
	}

	dir, err := os.Stat(defaults.RuntimeDir(home))
	if err != nil {
		t.Fatalf("stat runtime dir: %v", err)
	}
	if dir.Mode().Perm() != 0o700 {
		t.Errorf("runtime dir mode = %o, want 0700", dir.Mode().Perm())
	}

	info, err := os.Stat(defaults.TokenPath(home))
	if err != nil {
		t.Fatalf("stat token: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("token mode = %o, want 0600", info.Mode().Perm())
	}

	data, err := os.ReadFile(defaults.TokenPath(home))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "dckr_pat_abc123\n" {
		t.Errorf("token content = %q", data)
	}
}
