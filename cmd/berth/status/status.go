// Package statuscmd implements "berth status", a read-only report of
// what the host holds: detected state, fresh indicators, the managed
// containers, and optionally the journal of past setup runs.
package statuscmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"berth/cmd/berth/cmdutil"
	"berth/cmd/berth/ui"
	"berth/internal/account"
	"berth/internal/docker"
	"berth/internal/inspect"
	"berth/internal/journal"
	"berth/pkg/sdk/defaults"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// proxyService is the compose service whose published ports are the
// stack's public entrypoint.
const proxyService = "proxy"

const historyLimit = 10

// Cmd returns the "berth status" command.
func Cmd() *cobra.Command {
	var (
		output      string
		withHistory bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the stack's state on this host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if output != "text" && output != "yaml" {
				return fmt.Errorf("unknown output format %q (want text or yaml)", output)
			}

			configDir, err := cmdutil.ConfigDir()
			if err != nil {
				return err
			}
			configPath := defaults.EnvFile(configDir)

			var (
				report     inspect.Report
				containers []docker.ContainerInfo
				listErr    error
			)
			err = ui.RunWithSpinner(cmd.Context(), "Inspecting host", func(ctx context.Context) error {
				report = inspect.New().Detect(ctx, inspect.Options{ConfigPath: configPath})
				containers, listErr = listContainers(ctx)
				return nil
			})
			if err != nil {
				return err
			}

			doc := buildDoc(report, containers, listErr)
			if withHistory {
				history, histErr := loadHistory()
				if histErr != nil {
					doc.HistoryError = histErr.Error()
				}
				doc.History = history
			}

			if output == "yaml" {
				data, err := yaml.Marshal(doc)
				if err != nil {
					return fmt.Errorf("marshal status: %w", err)
				}
				fmt.Print(string(data))
				return nil
			}

			printText(doc)
			return nil
		},
	}

	cmd.Flags().StringVar(&output, "output", "text", "Output format: text or yaml")
	cmd.Flags().BoolVar(&withHistory, "history", false, "Append recent setup runs from the journal")
	return cmd
}

type statusDoc struct {
	State           string         `yaml:"state"`
	Config          string         `yaml:"config"`
	Indicators      indicatorsDoc  `yaml:"indicators"`
	MissingKeys     []string       `yaml:"missing_keys,omitempty"`
	Containers      []containerDoc `yaml:"containers"`
	ContainersError string         `yaml:"containers_error,omitempty"`
	ProxyPorts      []string       `yaml:"proxy_ports,omitempty"`
	History         []runDoc       `yaml:"history,omitempty"`
	HistoryError    string         `yaml:"history_error,omitempty"`
}

type indicatorsDoc struct {
	RunningPrivileged bool `yaml:"running_privileged"`
	AccountMissing    bool `yaml:"account_missing"`
	ConfigMissing     bool `yaml:"config_missing"`
	EngineMissing     bool `yaml:"engine_missing"`
	NoContainers      bool `yaml:"no_containers"`
}

type containerDoc struct {
	Service string   `yaml:"service"`
	Name    string   `yaml:"name"`
	State   string   `yaml:"state"`
	Status  string   `yaml:"status,omitempty"`
	Ports   []string `yaml:"ports,omitempty"`
}

type runDoc struct {
	StartedAt string `yaml:"started_at"`
	Mode      string `yaml:"mode"`
	State     string `yaml:"state"`
	Outcome   string `yaml:"outcome"`
	Error     string `yaml:"error,omitempty"`
}

func buildDoc(report inspect.Report, containers []docker.ContainerInfo, listErr error) statusDoc {
	doc := statusDoc{
		State:       report.State.String(),
		Config:      report.ConfigPath,
		MissingKeys: report.MissingKeys,
		Indicators: indicatorsDoc{
			RunningPrivileged: report.Indicators.RunningPrivileged,
			AccountMissing:    report.Indicators.AccountMissing,
			ConfigMissing:     report.Indicators.ConfigMissing,
			EngineMissing:     report.Indicators.EngineMissing,
			NoContainers:      report.Indicators.NoContainers,
		},
	}
	if listErr != nil {
		doc.ContainersError = listErr.Error()
	}

	for _, c := range containers {
		doc.Containers = append(doc.Containers, containerDoc{
			Service: c.Service,
			Name:    c.Name,
			State:   c.State,
			Status:  c.Status,
			Ports:   c.Ports,
		})
		if c.Service == proxyService {
			doc.ProxyPorts = append(doc.ProxyPorts, c.Ports...)
		}
	}
	return doc
}

func listContainers(ctx context.Context) ([]docker.ContainerInfo, error) {
	rt, err := docker.NewRuntime()
	if err != nil {
		return nil, err
	}
	defer rt.Close()
	return rt.ProjectContainers(ctx, defaults.ComposeProject)
}

// loadHistory reads recent runs from the setup journal. The journal is
// probed with a stat first: status must not create the database on a
// host that never ran setup.
func loadHistory() ([]runDoc, error) {
	home, err := journalHome()
	if err != nil {
		return nil, err
	}
	path := defaults.JournalPath(home)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	j, err := journal.Open(path)
	if err != nil {
		return nil, err
	}
	defer j.Close()

	runs, err := j.RecentRuns(historyLimit)
	if err != nil {
		return nil, err
	}

	docs := make([]runDoc, 0, len(runs))
	for _, run := range runs {
		docs = append(docs, runDoc{
			StartedAt: run.StartedAt.Format(time.RFC3339),
			Mode:      run.Mode,
			State:     run.DetectedState,
			Outcome:   run.Outcome,
			Error:     run.Error,
		})
	}
	return docs, nil
}

// journalHome resolves whose journal to read: root reads the service
// account's, everyone else their own.
func journalHome() (string, error) {
	if os.Geteuid() == 0 {
		return account.Home(defaults.ServiceAccount)
	}
	return os.UserHomeDir()
}

func printText(doc statusDoc) {
	fmt.Println(ui.InfoMsg("berth on this host"))

	running := 0
	for _, c := range doc.Containers {
		if c.State == "running" {
			running++
		}
	}

	kvs := []ui.Pair{
		ui.KV("state", ui.StateBadge(doc.State)),
		ui.KV("config", doc.Config),
		ui.KV("account", ui.Bool(!doc.Indicators.AccountMissing)),
		ui.KV("engine", ui.Bool(!doc.Indicators.EngineMissing)),
		ui.KV("containers", fmt.Sprintf("%d/%d running", running, len(doc.Containers))),
	}
	if len(doc.MissingKeys) > 0 {
		kvs = append(kvs, ui.KV("missing keys", strings.Join(doc.MissingKeys, ", ")))
	}
	if len(doc.ProxyPorts) > 0 {
		kvs = append(kvs, ui.KV("proxy ports", strings.Join(doc.ProxyPorts, ", ")))
	}
	fmt.Print(ui.KeyValues("  ", kvs...))

	switch {
	case doc.ContainersError != "":
		fmt.Println(ui.WarnMsg("containers unavailable: %s", doc.ContainersError))
	case len(doc.Containers) == 0:
		fmt.Println(ui.Muted("  no managed containers"))
	default:
		rows := make([][]string, 0, len(doc.Containers))
		for _, c := range doc.Containers {
			rows = append(rows, []string{c.Service, c.Name, c.State, strings.Join(c.Ports, ", ")})
		}
		fmt.Println(ui.Table([]string{"SERVICE", "CONTAINER", "STATE", "PORTS"}, rows))
	}

	if doc.HistoryError != "" {
		fmt.Println(ui.Muted("  history unavailable: " + doc.HistoryError))
	}
	if len(doc.History) > 0 {
		fmt.Println(ui.InfoMsg("recent setup runs"))
		for _, run := range doc.History {
			line := fmt.Sprintf("  %s  %-14s %-16s %s", run.StartedAt, run.Mode, run.State, run.Outcome)
			if run.Error != "" {
				line += " " + ui.Muted("("+run.Error+")")
			}
			fmt.Println(line)
		}
	}
}
