package statuscmd

import (
	"errors"
	"testing"

	"berth/internal/docker"
	"berth/internal/inspect"
)

func TestBuildDocExtractsProxyPorts(t *testing.T) {
	t.Parallel()

	report := inspect.Report{
		State:      inspect.StateRunning,
		ConfigPath: "/home/berth/berth-main/.env",
	}
	containers := []docker.ContainerInfo{
		{Service: "backend", Name: "berth-backend", State: "running"},
		{Service: "proxy", Name: "berth-proxy", State: "running", Ports: []string{"443->443/tcp", "80->80/tcp"}},
	}

	doc := buildDoc(report, containers, nil)

	if doc.State != "running" {
		t.Fatalf("doc state = %q, want running", doc.State)
	}
	if len(doc.Containers) != 2 {
		t.Fatalf("doc containers = %d, want 2", len(doc.Containers))
	}
	if got, want := len(doc.ProxyPorts), 2; got != want {
		t.Fatalf("proxy ports = %v, want %d entries", doc.ProxyPorts, want)
	}
	if doc.ProxyPorts[0] != "443->443/tcp" {
		t.Fatalf("proxy port[0] = %q", doc.ProxyPorts[0])
	}
}

func TestBuildDocCarriesIndicatorsAndListError(t *testing.T) {
	t.Parallel()

	report := inspect.Report{
		State: inspect.StateFresh,
		Indicators: inspect.Indicators{
			AccountMissing: true,
			ConfigMissing:  true,
			NoContainers:   true,
		},
		MissingKeys: []string{"SECRET_KEY"},
	}

	doc := buildDoc(report, nil, errors.New("daemon unreachable"))

	if !doc.Indicators.AccountMissing || !doc.Indicators.ConfigMissing || !doc.Indicators.NoContainers {
		t.Fatalf("indicators lost in translation: %+v", doc.Indicators)
	}
	if doc.ContainersError != "daemon unreachable" {
		t.Fatalf("containers error = %q", doc.ContainersError)
	}
	if len(doc.MissingKeys) != 1 || doc.MissingKeys[0] != "SECRET_KEY" {
		t.Fatalf("missing keys = %v", doc.MissingKeys)
	}
	if len(doc.ProxyPorts) != 0 {
		t.Fatalf("proxy ports = %v, want none", doc.ProxyPorts)
	}
}
