// Package preflight assesses whether a host carries the external tools
// the stack depends on. The assessment is purely diagnostic: it never
// installs or modifies anything, and it never stops at the first
// problem, so one run reports everything the operator has to fix.
package preflight

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"berth/internal/docker"
)

const engineBinary = "docker"

// auxiliaryTools are required by the setup scripts the stack runs on
// the host: transfer, archive, key generation, and JSON handling.
var auxiliaryTools = [...]string{"curl", "tar", "openssl", "jq"}

const daemonPingTimeout = 5 * time.Second

type Status uint8

const (
	// StatusGood means every check passed.
	StatusGood Status = iota + 1
	// StatusWarnings means setup can proceed but something needs attention.
	StatusWarnings
	// StatusMissing means a required tool is absent and blocks setup.
	StatusMissing
)

func (s Status) String() string {
	switch s {
	case StatusGood:
		return "good"
	case StatusWarnings:
		return "warnings"
	case StatusMissing:
		return "missing"
	default:
		return "unknown"
	}
}

// Issue is one operator-facing finding with a fix hint. Blocking
// issues stop setup; the rest are advisory.
type Issue struct {
	Component string
	Detail    string
	Hint      string
	Blocking  bool
}

// Report aggregates every finding of a single assessment. Missing
// entries block setup; warnings do not, and callers branch on that
// distinction rather than on the issue list.
type Report struct {
	Status   Status
	Missing  []string
	Warnings []string
	Issues   []Issue
}

func (r *Report) addMissing(name string, issue Issue) {
	issue.Blocking = true
	r.Missing = append(r.Missing, name)
	r.Issues = append(r.Issues, issue)
}

func (r *Report) addWarning(name string, issue Issue) {
	r.Warnings = append(r.Warnings, name)
	r.Issues = append(r.Issues, issue)
}

// Dependencies inject the host probes. Nil fields use the real host.
type Dependencies struct {
	LookPath     func(file string) (string, error)
	PingDaemon   func(ctx context.Context) error
	ComposeProbe func(ctx context.Context) error
	ClockOffset  func(ctx context.Context) (time.Duration, error)
}

// Assessor runs the prerequisite checks.
type Assessor struct {
	lookPath     func(file string) (string, error)
	pingDaemon   func(ctx context.Context) error
	composeProbe func(ctx context.Context) error
	clockOffset  func(ctx context.Context) (time.Duration, error)
}

func New() *Assessor {
	return NewWithDependencies(Dependencies{})
}

func NewWithDependencies(deps Dependencies) *Assessor {
	if deps.LookPath == nil {
		deps.LookPath = exec.LookPath
	}
	if deps.PingDaemon == nil {
		deps.PingDaemon = func(ctx context.Context) error {
			rt, err := docker.NewRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			return rt.Ping(ctx)
		}
	}
	if deps.ComposeProbe == nil {
		deps.ComposeProbe = func(ctx context.Context) error {
			return exec.CommandContext(ctx, engineBinary, "compose", "version").Run()
		}
	}
	if deps.ClockOffset == nil {
		deps.ClockOffset = queryClockOffset
	}

	return &Assessor{
		lookPath:     deps.LookPath,
		pingDaemon:   deps.PingDaemon,
		composeProbe: deps.ComposeProbe,
		clockOffset:  deps.ClockOffset,
	}
}

// Assess runs every check and reports the combined result. Checks run
// independently so the report names all problems at once; only the
// daemon and compose probes are skipped when the engine binary itself
// is absent, because neither can say anything more than the blocker
// already does.
func (a *Assessor) Assess(ctx context.Context) Report {
	if ctx == nil {
		ctx = context.Background()
	}

	var report Report

	if _, err := a.lookPath(engineBinary); err != nil {
		report.addMissing(engineBinary, Issue{
			Component: "docker",
			Detail:    "container engine binary not found on PATH",
			Hint:      "install Docker Engine and rerun setup",
		})
	} else {
		pingCtx, cancel := context.WithTimeout(ctx, daemonPingTimeout)
		if err := a.pingDaemon(pingCtx); err != nil {
			report.addWarning("docker daemon", Issue{
				Component: "docker",
				Detail:    "engine daemon is not reachable",
				Hint:      "start the docker service and retry",
			})
		}
		cancel()

		if err := a.composeProbe(ctx); err != nil {
			report.addMissing("docker compose", Issue{
				Component: "docker",
				Detail:    "compose subcommand is not available",
				Hint:      "install the docker compose plugin",
			})
		}
	}

	for _, tool := range auxiliaryTools {
		if _, err := a.lookPath(tool); err != nil {
			report.addMissing(tool, Issue{
				Component: tool,
				Detail:    fmt.Sprintf("%s not found on PATH", tool),
				Hint:      fmt.Sprintf("install %s with the system package manager", tool),
			})
		}
	}

	offset, err := a.clockOffset(ctx)
	switch {
	case err != nil:
		report.addWarning("clock", Issue{
			Component: "clock",
			Detail:    "NTP check failed: " + err.Error(),
			Hint:      "ensure NTP access and connectivity",
		})
	case offset.Abs() >= MaxClockOffset:
		report.addWarning("clock", Issue{
			Component: "clock",
			Detail:    fmt.Sprintf("host clock is %s off NTP time", offset),
			Hint:      "ensure NTP is configured and synchronized",
		})
	}

	switch {
	case len(report.Missing) > 0:
		report.Status = StatusMissing
	case len(report.Warnings) > 0:
		report.Status = StatusWarnings
	default:
		report.Status = StatusGood
	}
	return report
}
