// Package doctorcmd implements "berth doctor", a host prerequisite
// check with fix hints and no side effects.
package doctorcmd

import (
	"context"
	"fmt"
	"os"

	"berth/cmd/berth/cmdutil"
	"berth/cmd/berth/ui"
	"berth/internal/preflight"

	"github.com/spf13/cobra"
)

// Cmd returns the "berth doctor" command.
func Cmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose whether this host can run the stack",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var report preflight.Report
			err := ui.RunWithSpinner(cmd.Context(), "Checking prerequisites", func(ctx context.Context) error {
				report = preflight.New().Assess(ctx)
				return nil
			})
			if err != nil {
				return err
			}

			if report.Status == preflight.StatusGood {
				fmt.Println(ui.SuccessMsg("no issues detected"))
				return nil
			}

			if len(report.Missing) > 0 {
				fmt.Println(ui.ErrorMsg("%d blocking prerequisites missing", len(report.Missing)))
			} else {
				fmt.Println(ui.WarnMsg("host is usable with warnings"))
			}
			cmdutil.PrintPreflightIssues(os.Stdout, report.Issues)
			return nil
		},
	}
}
