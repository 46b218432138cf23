package freshness

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFileAt(t *testing.T, path string, mtime time.Time) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

func TestSourceNewerMissingTarget(t *testing.T) {
	t.Parallel()

	source := t.TempDir()
	writeFileAt(t, filepath.Join(source, "app.sh"), time.Now())

	newer, err := SourceNewer(source, filepath.Join(t.TempDir(), "absent"), 0)
	if err != nil {
		t.Fatalf("SourceNewer() error = %v", err)
	}
	if !newer {
		t.Fatal("SourceNewer() = false, want true for missing target")
	}
}

func TestSourceNewerMissingSource(t *testing.T) {
	t.Parallel()

	if _, err := SourceNewer(filepath.Join(t.TempDir(), "absent"), t.TempDir(), 0); err == nil {
		t.Fatal("SourceNewer() error = nil, want error for missing source")
	}
}

func TestSourceNewerExactCopyIsCurrent(t *testing.T) {
	t.Parallel()

	base := time.Now().Add(-time.Hour).Truncate(time.Second)

	source := t.TempDir()
	target := t.TempDir()
	for _, name := range []string{"a.txt", filepath.Join("nested", "b.txt")} {
		writeFileAt(t, filepath.Join(source, name), base)
		writeFileAt(t, filepath.Join(target, name), base)
	}

	newer, err := SourceNewer(source, target, 0)
	if err != nil {
		t.Fatalf("SourceNewer() error = %v", err)
	}
	if newer {
		t.Fatal("SourceNewer() = true, want false for an exact copy")
	}
}

func TestSourceNewerTouchedSourceFile(t *testing.T) {
	t.Parallel()

	base := time.Now().Add(-time.Hour).Truncate(time.Second)

	source := t.TempDir()
	target := t.TempDir()
	writeFileAt(t, filepath.Join(source, "a.txt"), base)
	writeFileAt(t, filepath.Join(target, "a.txt"), base)

	writeFileAt(t, filepath.Join(source, "a.txt"), base.Add(time.Minute))

	newer, err := SourceNewer(source, target, 0)
	if err != nil {
		t.Fatalf("SourceNewer() error = %v", err)
	}
	if !newer {
		t.Fatal("SourceNewer() = false, want true after touching a source file")
	}
}

func TestSourceNewerFileMissingFromTarget(t *testing.T) {
	t.Parallel()

	base := time.Now().Add(-time.Hour).Truncate(time.Second)

	source := t.TempDir()
	target := t.TempDir()
	writeFileAt(t, filepath.Join(source, "a.txt"), base)
	writeFileAt(t, filepath.Join(source, "b.txt"), base)
	writeFileAt(t, filepath.Join(target, "a.txt"), base)

	newer, err := SourceNewer(source, target, 0)
	if err != nil {
		t.Fatalf("SourceNewer() error = %v", err)
	}
	if !newer {
		t.Fatal("SourceNewer() = false, want true when a source file is missing from target")
	}
}

func TestSourceNewerIgnoresExtraTargetFiles(t *testing.T) {
	t.Parallel()

	base := time.Now().Add(-time.Hour).Truncate(time.Second)

	source := t.TempDir()
	target := t.TempDir()
	writeFileAt(t, filepath.Join(source, "a.txt"), base)
	writeFileAt(t, filepath.Join(target, "a.txt"), base)
	writeFileAt(t, filepath.Join(target, "extra.log"), base.Add(time.Hour))

	newer, err := SourceNewer(source, target, 0)
	if err != nil {
		t.Fatalf("SourceNewer() error = %v", err)
	}
	if newer {
		t.Fatal("SourceNewer() = true, want false; extra target files do not matter")
	}
}

func TestSourceNewerComparesPerFileNotNewestOverall(t *testing.T) {
	t.Parallel()

	base := time.Now().Add(-time.Hour).Truncate(time.Second)

	// target/b is the newest file anywhere, but source/a is still newer
	// than its own counterpart, which is what counts.
	source := t.TempDir()
	target := t.TempDir()
	writeFileAt(t, filepath.Join(source, "a.txt"), base.Add(10*time.Minute))
	writeFileAt(t, filepath.Join(source, "b.txt"), base)
	writeFileAt(t, filepath.Join(target, "a.txt"), base)
	writeFileAt(t, filepath.Join(target, "b.txt"), base.Add(30*time.Minute))

	newer, err := SourceNewer(source, target, 0)
	if err != nil {
		t.Fatalf("SourceNewer() error = %v", err)
	}
	if !newer {
		t.Fatal("SourceNewer() = false, want true for a per-file newer source")
	}
}

func TestSourceNewerHonorsSampleLimit(t *testing.T) {
	t.Parallel()

	base := time.Now().Add(-time.Hour).Truncate(time.Second)

	// Lexical walk order visits a, b, then c. With the limit at 2 the
	// changed file c is never sampled, so the target looks current.
	source := t.TempDir()
	target := t.TempDir()
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		writeFileAt(t, filepath.Join(source, name), base)
		writeFileAt(t, filepath.Join(target, name), base)
	}
	writeFileAt(t, filepath.Join(source, "c.txt"), base.Add(time.Minute))

	newer, err := SourceNewer(source, target, 2)
	if err != nil {
		t.Fatalf("SourceNewer() error = %v", err)
	}
	if newer {
		t.Fatal("SourceNewer() = true, want false when the change is beyond the sample")
	}

	newer, err = SourceNewer(source, target, 3)
	if err != nil {
		t.Fatalf("SourceNewer() error = %v", err)
	}
	if !newer {
		t.Fatal("SourceNewer() = false, want true once the sample covers the change")
	}
}
