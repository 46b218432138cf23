// Package stack carries the application's compose manifest and answers
// structural questions about it: which services exist and which
// container belongs to which service. The manifest is read, never
// interpreted; bringing the stack up is delegated to `docker compose`
// against the on-disk copy.
package stack

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/compose-spec/compose-go/v2/loader"
	compose "github.com/compose-spec/compose-go/v2/types"
	"github.com/moby/sys/atomicwriter"

	"berth/pkg/sdk/defaults"
)

// ManifestName is the compose file name used in the install tree.
const ManifestName = "compose.yaml"

//go:embed compose.yaml
var manifest []byte

// Manifest returns a copy of the embedded compose document.
func Manifest() []byte {
	out := make([]byte, len(manifest))
	copy(out, manifest)
	return out
}

// Load parses the embedded manifest and pins the project name so
// container labels stay stable regardless of the install directory.
func Load(ctx context.Context) (*compose.Project, error) {
	details := compose.ConfigDetails{
		ConfigFiles: []compose.ConfigFile{
			{Filename: ManifestName, Content: manifest},
		},
	}

	project, err := loader.LoadWithContext(ctx, details)
	if err != nil {
		return nil, fmt.Errorf("parse compose manifest: %w", err)
	}
	if len(project.Services) == 0 {
		return nil, fmt.Errorf("compose manifest has no services")
	}
	project.Name = defaults.ComposeProject

	return project, nil
}

// ServiceNames returns the manifest's service names, sorted.
func ServiceNames(ctx context.Context) ([]string, error) {
	project, err := Load(ctx)
	if err != nil {
		return nil, err
	}
	return project.ServiceNames(), nil
}

// ContainerName maps a service to its canonical container name,
// falling back to the compose default when the manifest pins none.
func ContainerName(project *compose.Project, service string) string {
	if svc, err := project.GetService(service); err == nil {
		if strings.TrimSpace(svc.ContainerName) != "" {
			return svc.ContainerName
		}
	}
	return project.Name + "-" + service
}

// EnsureManifest writes the embedded manifest into dir unless a
// compose file is already there; an existing file is the operator's
// and is never overwritten. Returns the manifest path.
func EnsureManifest(dir string) (string, error) {
	path := filepath.Join(dir, ManifestName)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("stat compose manifest: %w", err)
	}
	if err := atomicwriter.WriteFile(path, manifest, 0o644); err != nil {
		return "", fmt.Errorf("write compose manifest: %w", err)
	}
	return path, nil
}
