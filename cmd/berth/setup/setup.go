// Package setupcmd implements "berth setup", the end-to-end installer run.
package setupcmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"berth/cmd/berth/cmdutil"
	"berth/cmd/berth/ui"
	"berth/internal/guard"
	"berth/internal/handoff"
	"berth/internal/invoke"
	"berth/internal/preflight"
	"berth/pkg/sdk/setup"

	"github.com/spf13/cobra"
)

// Cmd returns the "berth setup" command. invocation is the process
// argv captured at startup, preserved verbatim across the privilege
// drop; debugFlag points at the root persistent flag value.
func Cmd(invocation invoke.Invocation, debugFlag *bool) *cobra.Command {
	var (
		token          string
		nonInteractive bool
		forceFresh     bool
		checkUpdates   bool
	)

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Install, repair, or update the stack on this host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ui.ConfigureInteraction(nonInteractive)

			resolved, err := resolveToken(cmd, token)
			if err != nil {
				return err
			}

			telemetryOut := ui.NewTelemetryOutput()
			defer telemetryOut.Close()

			svc := setup.NewWithDependencies(setup.Dependencies{Confirm: ui.Confirm})
			result, err := svc.Run(cmd.Context(), setup.Options{
				Invocation:     invocation,
				Token:          resolved,
				NonInteractive: nonInteractive,
				ForceFresh:     forceFresh,
				CheckUpdates:   checkUpdates,
				Debug:          *debugFlag,
				Tracer:         telemetryOut.Tracer("berth/cmd/setup"),
			})
			if err != nil {
				printRollback(err)
				return err
			}

			printSummary(result)
			return nil
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "Registry token for pulling stack images")
	cmd.Flags().BoolVar(&nonInteractive, "non-interactive", false, "Answer every prompt with its default")
	cmd.Flags().BoolVar(&forceFresh, "force-fresh", false, "Treat the host as never installed")
	cmd.Flags().BoolVar(&checkUpdates, "check-updates", false, "Compare install copies without changing anything")
	return cmd
}

// resolveToken picks the registry credential: flag first, then the
// calling environment, then an interactive masked prompt on privileged
// runs. The credential is optional, so a refused or cancelled prompt
// just leaves registry access anonymous.
func resolveToken(cmd *cobra.Command, flagValue string) (string, error) {
	token := strings.TrimSpace(flagValue)
	if token == "" {
		token = strings.TrimSpace(os.Getenv(handoff.EnvToken))
	}
	if token != "" || os.Geteuid() != 0 {
		return token, nil
	}

	entered, err := ui.PromptSecret(cmd.Context(),
		"registry token (enter or esc to skip)",
		"pass --token or set "+handoff.EnvToken)
	switch {
	case err == nil:
		return entered, nil
	case errors.Is(err, ui.ErrCancelled):
		return "", nil
	default:
		var noPrompt *ui.ErrNoInteraction
		if errors.As(err, &noPrompt) {
			return "", nil
		}
		return "", err
	}
}

// printRollback explains an automatic configuration restore. The error
// itself still propagates so the process exits non-zero.
func printRollback(err error) {
	var rollback *guard.RollbackError
	if !errors.As(err, &rollback) {
		return
	}
	fmt.Println(ui.ErrorMsg("configuration change rolled back"))
	fmt.Print(ui.KeyValues("  ",
		ui.KV("file", rollback.Path),
		ui.KV("regressed", strings.Join(rollback.Keys, ", ")),
		ui.KV("restored from", rollback.Backup),
	))
}

func printSummary(result setup.Result) {
	if result.Strategy == setup.ModeUpdateCheck {
		if result.UpdateAvailable {
			fmt.Println(ui.InfoMsg("update available"))
			fmt.Println(ui.Muted("  run `sudo berth setup` to install it"))
		} else {
			fmt.Println(ui.SuccessMsg("install copy is current"))
		}
		return
	}

	// A real privilege drop replaces the process, so a result that
	// reports a handoff can only come from a simulated replacement.
	if result.HandedOff {
		return
	}

	warnings := make([]preflight.Issue, 0, len(result.Preflight.Issues))
	for _, issue := range result.Preflight.Issues {
		if !issue.Blocking {
			warnings = append(warnings, issue)
		}
	}
	cmdutil.PrintPreflightIssues(os.Stdout, warnings)

	kvs := []ui.Pair{
		ui.KV("state", ui.StateBadge(result.State.String())),
		ui.KV("mode", result.Mode.String()),
		ui.KV("config", result.ConfigPath),
	}
	if len(result.FilledKeys) > 0 {
		kvs = append(kvs, ui.KV("generated", strings.Join(result.FilledKeys, ", ")))
	}
	if result.RestoredFrom != "" {
		kvs = append(kvs, ui.KV("restored from", result.RestoredFrom))
	}
	if result.SnapshotPath != "" {
		kvs = append(kvs, ui.KV("backup", result.SnapshotPath))
	}
	fmt.Println(ui.SuccessMsg("stack is up"))
	fmt.Print(ui.KeyValues("  ", kvs...))
}
