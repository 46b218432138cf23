package cmdutil

import (
	"bytes"
	"strings"
	"testing"

	"berth/cmd/berth/ui"
	"berth/internal/preflight"
)

func TestPrintPreflightIssuesSeverityAndHints(t *testing.T) {
	ui.ConfigureInteraction(true)

	var buf bytes.Buffer
	PrintPreflightIssues(&buf, []preflight.Issue{
		{Component: "docker", Detail: "container engine binary not found on PATH", Hint: "install Docker Engine and rerun setup", Blocking: true},
		{Component: "clock", Detail: "host clock is 2s off NTP time", Hint: "ensure NTP is configured and synchronized"},
	})

	out := buf.String()
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("PrintPreflightIssues() wrote %d lines, want 4:\n%s", len(lines), out)
	}
	if !strings.HasPrefix(lines[0], "✗ docker:") {
		t.Fatalf("blocker line = %q, want error prefix", lines[0])
	}
	if !strings.Contains(lines[1], "fix: install Docker Engine") {
		t.Fatalf("blocker hint = %q", lines[1])
	}
	if !strings.HasPrefix(lines[2], "! clock:") {
		t.Fatalf("warning line = %q, want warn prefix", lines[2])
	}
	if !strings.Contains(lines[3], "fix: ensure NTP") {
		t.Fatalf("warning hint = %q", lines[3])
	}
}
