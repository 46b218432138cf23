// Package inspect classifies what a host already holds of the
// application. Five independent probes feed a weighted fresh-indicator
// count; hosts below the fresh threshold are classified from the finer
// combination of config file and container status, validated against the
// manifest's service set. Detection never mutates host state and never
// fails: a probe that errors counts as its indicator being true, leaning
// toward the safer, fresher classification.
package inspect

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"berth/internal/account"
	"berth/internal/docker"
	"berth/internal/guard"
	"berth/internal/stack"
	"berth/pkg/sdk/defaults"
)

// FreshIndicatorThreshold is how many fresh indicators classify a host
// as never installed. Inherited from long-standing installer behavior;
// override per call through Options.Threshold.
const FreshIndicatorThreshold = 3

const probeTimeout = 5 * time.Second

// Indicators are the five independent fresh signals.
type Indicators struct {
	RunningPrivileged bool
	AccountMissing    bool
	ConfigMissing     bool
	EngineMissing     bool
	NoContainers      bool
}

// FreshCount tallies the true indicators.
func (i Indicators) FreshCount() int {
	n := 0
	for _, b := range [...]bool{
		i.RunningPrivileged,
		i.AccountMissing,
		i.ConfigMissing,
		i.EngineMissing,
		i.NoContainers,
	} {
		if b {
			n++
		}
	}
	return n
}

// Report is the full detection result.
type Report struct {
	State       State
	Indicators  Indicators
	Containers  docker.Summary
	MissingKeys []string
	ConfigPath  string
}

// Options select what a single detection run looks at.
type Options struct {
	// ConfigPath is the persisted configuration file to probe.
	ConfigPath string
	// ForceFresh classifies the host as fresh regardless of indicators.
	ForceFresh bool
	// Threshold overrides FreshIndicatorThreshold when positive.
	Threshold int
}

// Dependencies inject the host probes. Nil fields use the real host.
type Dependencies struct {
	GetEUID          func() int
	AccountExists    func(name string) bool
	EnginePresent    func() bool
	ListContainers   func(ctx context.Context) (docker.Summary, error)
	VerifyConfig     func(path string) ([]string, error)
	ExpectedServices func(ctx context.Context) ([]string, error)
}

// Detector classifies installation state from injected probes.
type Detector struct {
	geteuid          func() int
	accountExists    func(name string) bool
	enginePresent    func() bool
	listContainers   func(ctx context.Context) (docker.Summary, error)
	verifyConfig     func(path string) ([]string, error)
	expectedServices func(ctx context.Context) ([]string, error)
}

func New() *Detector {
	return NewWithDependencies(Dependencies{})
}

func NewWithDependencies(deps Dependencies) *Detector {
	if deps.GetEUID == nil {
		deps.GetEUID = os.Geteuid
	}
	if deps.AccountExists == nil {
		deps.AccountExists = account.Exists
	}
	if deps.EnginePresent == nil {
		deps.EnginePresent = func() bool {
			_, err := exec.LookPath("docker")
			return err == nil
		}
	}
	if deps.ListContainers == nil {
		deps.ListContainers = func(ctx context.Context) (docker.Summary, error) {
			rt, err := docker.NewRuntime()
			if err != nil {
				return docker.Summary{}, err
			}
			defer rt.Close()
			return rt.ProjectSummary(ctx, defaults.ComposeProject)
		}
	}
	if deps.VerifyConfig == nil {
		deps.VerifyConfig = func(path string) ([]string, error) {
			return guard.VerifyIntegrity(path, guard.CriticalKeys)
		}
	}
	if deps.ExpectedServices == nil {
		deps.ExpectedServices = stack.ServiceNames
	}

	return &Detector{
		geteuid:          deps.GetEUID,
		accountExists:    deps.AccountExists,
		enginePresent:    deps.EnginePresent,
		listContainers:   deps.ListContainers,
		verifyConfig:     deps.VerifyConfig,
		expectedServices: deps.ExpectedServices,
	}
}

// Detect probes the host and classifies it. It never returns an error;
// see the package comment for the failure posture.
func (d *Detector) Detect(ctx context.Context, opts Options) Report {
	if ctx == nil {
		ctx = context.Background()
	}
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = FreshIndicatorThreshold
	}

	report := Report{ConfigPath: opts.ConfigPath}
	report.Indicators.RunningPrivileged = d.geteuid() == 0
	report.Indicators.AccountMissing = !d.accountExists(defaults.ServiceAccount)
	report.Indicators.EngineMissing = !d.enginePresent()

	configPresent := false
	if strings.TrimSpace(opts.ConfigPath) == "" {
		report.Indicators.ConfigMissing = true
	} else if _, err := os.Stat(opts.ConfigPath); err != nil {
		if !os.IsNotExist(err) {
			slog.Debug("config probe failed; treating config as missing", "path", opts.ConfigPath, "error", err)
		}
		report.Indicators.ConfigMissing = true
	} else {
		configPresent = true
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	summary, err := d.listContainers(probeCtx)
	if err != nil {
		slog.Debug("container probe failed; assuming no containers", "error", err)
		report.Indicators.NoContainers = true
	} else {
		report.Containers = summary
		report.Indicators.NoContainers = summary.Total == 0
	}

	expected := 0
	if services, err := d.expectedServices(ctx); err != nil {
		slog.Debug("manifest probe failed; skipping service completeness check", "error", err)
	} else {
		expected = len(services)
	}

	integrityOK := true
	if configPresent {
		missing, err := d.verifyConfig(opts.ConfigPath)
		switch {
		case err != nil:
			slog.Debug("config integrity probe failed", "path", opts.ConfigPath, "error", err)
			integrityOK = false
		case len(missing) > 0:
			report.MissingKeys = missing
			integrityOK = false
		}
	}

	if opts.ForceFresh || report.Indicators.FreshCount() >= threshold {
		report.State = StateFresh
		return report
	}

	containersPresent := !report.Indicators.NoContainers
	switch {
	case !containersPresent && !configPresent:
		report.State = StateBroken
	case !containersPresent:
		if integrityOK {
			report.State = StateConfiguredOnly
		} else {
			report.State = StateBroken
		}
	case !configPresent:
		report.State = StateContainersOnly
	case !integrityOK:
		report.State = StateBroken
	case expected > 0 && report.Containers.Total < expected:
		// A config next to only part of its services is a broken
		// install, not a running one.
		report.State = StateBroken
	case report.Containers.Running == report.Containers.Total && report.Containers.Unhealthy == 0:
		report.State = StateRunning
	case report.Containers.Running == 0:
		report.State = StateStoppedInstalled
	default:
		report.State = StateBroken
	}
	return report
}
