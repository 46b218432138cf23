// Package cmdutil holds helpers shared by the berth subcommands.
package cmdutil

import (
	"fmt"
	"io"
	"os"
	"strings"

	"berth/cmd/berth/ui"
	"berth/internal/account"
	"berth/internal/handoff"
	"berth/internal/preflight"
	"berth/pkg/sdk/defaults"
)

// ConfigDir resolves the directory holding the stack manifest and env
// file for commands that only read. Root prefers the service account's
// synced copy when the account exists; everyone else gets the tree the
// running binary started from. The same resolution drives setup, so
// status and doctor report on the files setup would touch.
func ConfigDir() (string, error) {
	root, err := handoff.InstallDir()
	if err != nil {
		return "", fmt.Errorf("locate install tree: %w", err)
	}
	if os.Geteuid() != 0 {
		return root, nil
	}
	home, err := account.Home(defaults.ServiceAccount)
	if err != nil || strings.TrimSpace(home) == "" {
		return root, nil
	}
	return handoff.TargetDir(home, root), nil
}

// PrintPreflightIssues renders assessment findings with their fix
// hints: blockers as errors, the rest as warnings.
func PrintPreflightIssues(out io.Writer, issues []preflight.Issue) {
	for _, issue := range issues {
		component := strings.TrimSpace(issue.Component)
		if component == "" {
			component = "unknown"
		}

		if issue.Blocking {
			fmt.Fprintln(out, ui.ErrorMsg("%s: %s", component, issue.Detail))
		} else {
			fmt.Fprintln(out, ui.WarnMsg("%s: %s", component, issue.Detail))
		}

		if hint := strings.TrimSpace(issue.Hint); hint != "" {
			fmt.Fprintln(out, ui.Muted("  fix: "+hint))
		}
	}
}
