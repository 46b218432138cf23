package main

import (
	"fmt"
	"os"

	doctorcmd "berth/cmd/berth/doctor"
	setupcmd "berth/cmd/berth/setup"
	statuscmd "berth/cmd/berth/status"
	"berth/internal/handoff"
	"berth/internal/invoke"
	"berth/internal/logging"
	"berth/internal/support/buildinfo"

	"github.com/spf13/cobra"
)

func main() {
	// Captured before anything can rewrite process state; the setup
	// handoff replays exactly this command line.
	invocation := invoke.Capture()

	var debug bool
	if err := logging.Configure(logging.LevelWarn); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:           "berth",
		Short:         "Installer and operator CLI for the berth container stack",
		Version:       buildinfo.Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelWarn
			if debug || os.Getenv(handoff.EnvDebug) == "1" {
				level = logging.LevelDebug
			}
			return logging.Configure(level)
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	root.AddCommand(setupcmd.Cmd(invocation, &debug))
	root.AddCommand(statuscmd.Cmd())
	root.AddCommand(doctorcmd.Cmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
