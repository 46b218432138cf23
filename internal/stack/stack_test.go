package stack

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func TestLoadEmbeddedManifest(t *testing.T) {
	t.Parallel()

	project, err := Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if project.Name != "berth" {
		t.Fatalf("project.Name = %q, want %q", project.Name, "berth")
	}

	want := []string{"backend", "engine", "frontend", "postgres", "proxy", "rabbitmq", "redis"}
	if got := project.ServiceNames(); !slices.Equal(got, want) {
		t.Fatalf("ServiceNames() = %v, want %v", got, want)
	}
}

func TestServiceNames(t *testing.T) {
	t.Parallel()

	names, err := ServiceNames(context.Background())
	if err != nil {
		t.Fatalf("ServiceNames() error = %v", err)
	}
	if len(names) != 7 {
		t.Fatalf("len(ServiceNames()) = %d, want 7", len(names))
	}
	if !slices.IsSorted(names) {
		t.Fatalf("ServiceNames() = %v, want sorted", names)
	}
}

func TestContainerNamesFollowProject(t *testing.T) {
	t.Parallel()

	project, err := Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	for _, service := range project.ServiceNames() {
		want := "berth-" + service
		if got := ContainerName(project, service); got != want {
			t.Fatalf("ContainerName(%q) = %q, want %q", service, got, want)
		}
	}

	// Unknown services still get a deterministic name.
	if got := ContainerName(project, "sidecar"); got != "berth-sidecar" {
		t.Fatalf("ContainerName(sidecar) = %q, want %q", got, "berth-sidecar")
	}
}

func TestDependenciesParsed(t *testing.T) {
	t.Parallel()

	project, err := Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	backend, err := project.GetService("backend")
	if err != nil {
		t.Fatalf("GetService(backend) error = %v", err)
	}
	for _, dep := range []string{"postgres", "redis", "rabbitmq"} {
		if _, ok := backend.DependsOn[dep]; !ok {
			t.Fatalf("backend depends_on missing %q: %v", dep, backend.DependsOn)
		}
	}

	postgres, err := project.GetService("postgres")
	if err != nil {
		t.Fatalf("GetService(postgres) error = %v", err)
	}
	if postgres.HealthCheck == nil {
		t.Fatal("postgres healthcheck not parsed")
	}
}

func TestEnsureManifestWritesOnce(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path, err := EnsureManifest(dir)
	if err != nil {
		t.Fatalf("EnsureManifest() error = %v", err)
	}
	if path != filepath.Join(dir, ManifestName) {
		t.Fatalf("EnsureManifest() path = %q, want under %q", path, dir)
	}

	written, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if !bytes.Equal(written, Manifest()) {
		t.Fatal("EnsureManifest() wrote different content than the embedded manifest")
	}
}

func TestEnsureManifestKeepsExistingFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, ManifestName)
	custom := []byte("name: operator-tuned\nservices:\n  proxy:\n    image: nginx\n")
	if err := os.WriteFile(path, custom, 0o644); err != nil {
		t.Fatalf("seed manifest: %v", err)
	}

	if _, err := EnsureManifest(dir); err != nil {
		t.Fatalf("EnsureManifest() error = %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if !bytes.Equal(got, custom) {
		t.Fatal("EnsureManifest() overwrote an operator-managed compose file")
	}
}
