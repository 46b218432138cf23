// Package setup orchestrates one installer run end to end. A privileged
// run inspects the host, provisions the service account, synchronizes
// the install copy, and replaces itself with the same invocation running
// unprivileged. The unprivileged side picks the run back up, materializes
// configuration under mutation guards, brings the compose stack up, and
// records the outcome in the setup journal.
package setup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"berth/internal/account"
	"berth/internal/configgen"
	"berth/internal/docker"
	"berth/internal/freshness"
	"berth/internal/guard"
	"berth/internal/handoff"
	"berth/internal/inspect"
	"berth/internal/invoke"
	"berth/internal/journal"
	"berth/internal/preflight"
	"berth/internal/stack"
	"berth/pkg/sdk/defaults"
	"berth/pkg/sdk/telemetry"
)

const (
	stepDetect        = "detect"
	stepSelectMode    = "select_mode"
	stepPreflight     = "preflight"
	stepEnsureAccount = "ensure_account"
	stepSyncInstall   = "sync_install"
	stepCredential    = "credential"
	stepHandoff       = "handoff"
	stepConsumeToken  = "consume_token"
	stepConfigure     = "configure"
	stepStackUp       = "stack_up"
	stepRecord        = "record"
)

// Options are the operator inputs to one setup run.
type Options struct {
	// Invocation is the original command line, preserved verbatim so it
	// can be replayed across the privilege drop.
	Invocation invoke.Invocation
	// Token is an optional registry credential. It is staged for the
	// service account and never logged in cleartext.
	Token          string
	NonInteractive bool
	ForceFresh     bool
	CheckUpdates   bool
	Debug          bool
	// ConfigDir overrides where the persisted configuration lives.
	// Empty resolves it from the running binary's install tree.
	ConfigDir string
	// Tracer overrides the service tracer for this run.
	Tracer trace.Tracer
}

// Result is what one setup run concluded and changed.
type Result struct {
	State     inspect.State
	Mode      Mode
	Strategy  Mode
	Preflight preflight.Report
	// ConfigPath is the env file this run probed or materialized.
	ConfigPath string
	// FilledKeys are the config keys this run generated values for.
	FilledKeys []string
	// RestoredFrom is the snapshot a repair run restored, when one was.
	RestoredFrom string
	// SnapshotPath is the pre-mutation backup taken this run, if any.
	SnapshotPath string
	// UpdateAvailable is the update-check verdict.
	UpdateAvailable bool
	// InstallSynced reports that the account's install copy was
	// refreshed before the drop.
	InstallSynced bool
	// HandedOff reports that the run ended at the privilege drop. A
	// real drop replaces the process, so only simulated drops ever
	// surface it.
	HandedOff bool
}

// StateDetector classifies what the host already holds.
type StateDetector interface {
	Detect(ctx context.Context, opts inspect.Options) inspect.Report
}

// PrereqAssessor verifies the host can run the stack.
type PrereqAssessor interface {
	Assess(ctx context.Context) preflight.Report
}

// RunJournal records durable setup history.
type RunJournal interface {
	BeginRun(detectedState, mode string) (int64, error)
	FinishRun(id int64, outcome string, runErr error) error
	RecordSnapshot(configPath, snapshotPath, reason string) (int64, error)
	MarkRolledBack(snapshotID int64) error
	Close() error
}

// Dependencies capture every side effect the orchestrator performs.
// Tests inject fakes; nil fields fall back to the real host.
type Dependencies struct {
	Detector StateDetector
	Assessor PrereqAssessor
	Tracer   trace.Tracer

	GetEUID     func() int
	Resume      func() (*handoff.Resumption, error)
	InstallDir  func() (string, error)
	AccountHome func() (string, error)
	CurrentHome func() (string, error)

	EnsureAccount    func(ctx context.Context) error
	PrepareHandoff   func(accountName string) (*handoff.Prepared, error)
	SyncInstall      func(p *handoff.Prepared) (bool, error)
	CompareFreshness func(source, target string) (bool, error)
	StageCredential  func(ctx context.Context, p *handoff.Prepared, token string) error
	ExecHandoff      func(p *handoff.Prepared, inv invoke.Invocation, token string, flags handoff.Flags) error

	ConsumeToken    func(home string) (string, error)
	VerifyConfig    func(path string, keys []string) ([]string, error)
	LatestSnapshot  func(path string, keys []string) (string, bool, error)
	RestoreSnapshot func(path, snapshot string) error
	SafeMutate      func(path string, keys []string, mutate func() error) (string, error)
	Materialize     func(path string, keys []string) ([]string, error)
	EnsureManifest  func(dir string) (string, error)
	StackUp         func(ctx context.Context, dir string) error
	OpenJournal     func(path string) (RunJournal, error)
	Confirm         func(ctx context.Context, prompt string, def bool) (bool, error)
}

// Service runs the setup orchestration.
type Service struct {
	detector StateDetector
	assessor PrereqAssessor
	tracer   trace.Tracer

	geteuid     func() int
	resume      func() (*handoff.Resumption, error)
	installDir  func() (string, error)
	accountHome func() (string, error)
	currentHome func() (string, error)

	ensureAccount    func(ctx context.Context) error
	prepareHandoff   func(accountName string) (*handoff.Prepared, error)
	syncInstall      func(p *handoff.Prepared) (bool, error)
	compareFreshness func(source, target string) (bool, error)
	stageCredential  func(ctx context.Context, p *handoff.Prepared, token string) error
	execHandoff      func(p *handoff.Prepared, inv invoke.Invocation, token string, flags handoff.Flags) error

	consumeToken    func(home string) (string, error)
	verifyConfig    func(path string, keys []string) ([]string, error)
	latestSnapshot  func(path string, keys []string) (string, bool, error)
	restoreSnapshot func(path, snapshot string) error
	safeMutate      func(path string, keys []string, mutate func() error) (string, error)
	materialize     func(path string, keys []string) ([]string, error)
	ensureManifest  func(dir string) (string, error)
	stackUp         func(ctx context.Context, dir string) error
	openJournal     func(path string) (RunJournal, error)
	confirm         func(ctx context.Context, prompt string, def bool) (bool, error)
}

func New() *Service {
	return NewWithDependencies(Dependencies{})
}

func NewWithDependencies(deps Dependencies) *Service {
	if deps.Detector == nil {
		deps.Detector = inspect.New()
	}
	if deps.Assessor == nil {
		deps.Assessor = preflight.New()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("berth/sdk/setup")
	}
	if deps.GetEUID == nil {
		deps.GetEUID = os.Geteuid
	}
	if deps.Resume == nil {
		deps.Resume = handoff.Resume
	}
	if deps.InstallDir == nil {
		deps.InstallDir = handoff.InstallDir
	}
	if deps.AccountHome == nil {
		deps.AccountHome = func() (string, error) {
			return account.Home(defaults.ServiceAccount)
		}
	}
	if deps.CurrentHome == nil {
		deps.CurrentHome = os.UserHomeDir
	}
	if deps.EnsureAccount == nil {
		deps.EnsureAccount = func(ctx context.Context) error {
			return account.Ensure(ctx, defaults.ServiceAccount, defaults.ServiceGroup,
				defaults.DockerGroup, defaults.HomeDir())
		}
	}
	if deps.PrepareHandoff == nil {
		deps.PrepareHandoff = handoff.Prepare
	}
	if deps.SyncInstall == nil {
		deps.SyncInstall = func(p *handoff.Prepared) (bool, error) {
			return p.SyncInstall()
		}
	}
	if deps.CompareFreshness == nil {
		deps.CompareFreshness = func(source, target string) (bool, error) {
			return freshness.SourceNewer(source, target, freshness.DefaultSampleLimit)
		}
	}
	if deps.StageCredential == nil {
		deps.StageCredential = func(ctx context.Context, p *handoff.Prepared, token string) error {
			return p.StageCredential(ctx, token)
		}
	}
	if deps.ExecHandoff == nil {
		deps.ExecHandoff = func(p *handoff.Prepared, inv invoke.Invocation, token string, flags handoff.Flags) error {
			return p.Exec(inv, token, flags)
		}
	}
	if deps.ConsumeToken == nil {
		deps.ConsumeToken = handoff.ConsumeStagedToken
	}
	if deps.VerifyConfig == nil {
		deps.VerifyConfig = guard.VerifyIntegrity
	}
	if deps.LatestSnapshot == nil {
		deps.LatestSnapshot = guard.LatestGoodSnapshot
	}
	if deps.RestoreSnapshot == nil {
		deps.RestoreSnapshot = guard.Restore
	}
	if deps.SafeMutate == nil {
		deps.SafeMutate = guard.SafeMutate
	}
	if deps.Materialize == nil {
		deps.Materialize = configgen.Materialize
	}
	if deps.EnsureManifest == nil {
		deps.EnsureManifest = stack.EnsureManifest
	}
	if deps.StackUp == nil {
		deps.StackUp = runComposeUp
	}
	if deps.OpenJournal == nil {
		deps.OpenJournal = func(path string) (RunJournal, error) {
			return journal.Open(path)
		}
	}
	if deps.Confirm == nil {
		deps.Confirm = func(_ context.Context, _ string, def bool) (bool, error) {
			return def, nil
		}
	}

	return &Service{
		detector:         deps.Detector,
		assessor:         deps.Assessor,
		tracer:           deps.Tracer,
		geteuid:          deps.GetEUID,
		resume:           deps.Resume,
		installDir:       deps.InstallDir,
		accountHome:      deps.AccountHome,
		currentHome:      deps.CurrentHome,
		ensureAccount:    deps.EnsureAccount,
		prepareHandoff:   deps.PrepareHandoff,
		syncInstall:      deps.SyncInstall,
		compareFreshness: deps.CompareFreshness,
		stageCredential:  deps.StageCredential,
		execHandoff:      deps.ExecHandoff,
		consumeToken:     deps.ConsumeToken,
		verifyConfig:     deps.VerifyConfig,
		latestSnapshot:   deps.LatestSnapshot,
		restoreSnapshot:  deps.RestoreSnapshot,
		safeMutate:       deps.SafeMutate,
		materialize:      deps.Materialize,
		ensureManifest:   deps.EnsureManifest,
		stackUp:          deps.StackUp,
		openJournal:      deps.OpenJournal,
		confirm:          deps.Confirm,
	}
}

type step struct {
	id string
	fn func(context.Context) error
}

// Run executes one setup pass. A privileged pass that reaches the
// handoff step does not return: the process is replaced by its
// unprivileged continuation. Every other pass returns what it found and
// did.
func (s *Service) Run(ctx context.Context, opts Options) (Result, error) {
	resumed, err := s.resume()
	if err != nil {
		return Result{}, err
	}
	if resumed != nil {
		opts.NonInteractive = opts.NonInteractive || resumed.Flags.NonInteractive
		opts.ForceFresh = opts.ForceFresh || resumed.Flags.ForceFresh
		opts.CheckUpdates = opts.CheckUpdates || resumed.Flags.CheckUpdates
		opts.Debug = opts.Debug || resumed.Flags.Debug
	}
	credentialPresent := opts.Token != "" || (resumed != nil && resumed.Token != "")

	configDir, err := s.resolveConfigDir(opts.ConfigDir)
	if err != nil {
		return Result{}, err
	}
	configPath := defaults.EnvFile(configDir)
	privileged := s.geteuid() == 0

	tracer := opts.Tracer
	if tracer == nil {
		tracer = s.tracer
	}
	plan := telemetry.Plan{Steps: []telemetry.PlannedStep{
		{ID: stepDetect, Title: "inspecting host state"},
		{ID: stepSelectMode, Title: "selecting setup mode"},
		{ID: stepPreflight, Title: "checking prerequisites"},
	}}
	if privileged {
		plan.Steps = append(plan.Steps,
			telemetry.PlannedStep{ID: stepEnsureAccount, Title: "ensuring service account"},
			telemetry.PlannedStep{ID: stepSyncInstall, Title: "synchronizing install copy"},
			telemetry.PlannedStep{ID: stepCredential, Title: "staging registry credential"},
			telemetry.PlannedStep{ID: stepHandoff, Title: "dropping privileges"},
		)
	} else {
		plan.Steps = append(plan.Steps,
			telemetry.PlannedStep{ID: stepConsumeToken, Title: "consuming staged credential"},
			telemetry.PlannedStep{ID: stepConfigure, Title: "materializing configuration"},
			telemetry.PlannedStep{ID: stepStackUp, Title: "starting the stack"},
			telemetry.PlannedStep{ID: stepRecord, Title: "recording the run"},
		)
	}

	op, err := telemetry.EmitPlan(ctx, tracer, "setup", plan)
	if err != nil {
		return Result{}, err
	}
	var opErr error
	defer func() {
		op.End(opErr)
	}()

	var (
		report          inspect.Report
		preflightReport preflight.Report
		mode            Mode
		strategy        Mode
		prepared        *handoff.Prepared
		token           = opts.Token
		filledKeys      []string
		restoredFrom    string
		backupPath      string
		updateAvailable bool
		synced          bool
		handedOff       bool
	)

	// Failed unprivileged runs still land in the journal; the record
	// step only sees successes.
	defer func() {
		if opErr == nil || privileged {
			return
		}
		s.journalFailure(report, mode, configPath, backupPath, opErr)
	}()

	steps := []step{
		{id: stepDetect, fn: func(stepCtx context.Context) error {
			report = s.detector.Detect(stepCtx, inspect.Options{
				ConfigPath: configPath,
				ForceFresh: opts.ForceFresh,
			})
			slog.Info("host inspected",
				"state", report.State,
				"fresh_indicators", report.Indicators.FreshCount(),
			)
			return nil
		}},
		{id: stepSelectMode, fn: func(context.Context) error {
			flags := ModeFlags{
				CredentialPresent: credentialPresent,
				NonInteractive:    opts.NonInteractive,
				ForceFresh:        opts.ForceFresh,
				CheckUpdates:      opts.CheckUpdates,
			}
			mode = SelectMode(report.State, flags)
			strategy = mode
			if mode == ModeNonInteractive {
				// Non-interactive says how to run, not what to do; the
				// underlying strategy still comes from the host state.
				strategy = SelectMode(report.State, ModeFlags{
					ForceFresh:   opts.ForceFresh,
					CheckUpdates: opts.CheckUpdates,
				})
			}
			slog.Info("mode selected", "state", report.State, "mode", mode, "strategy", strategy)
			return nil
		}},
		{id: stepPreflight, fn: func(stepCtx context.Context) error {
			preflightReport = s.assessor.Assess(stepCtx)
			for _, issue := range preflightReport.Issues {
				slog.Warn("preflight issue",
					"component", issue.Component,
					"detail", issue.Detail,
					"hint", issue.Hint,
				)
			}
			// An update check only reads the filesystem, so missing
			// tools are reported without blocking it.
			if preflightReport.Status == preflight.StatusMissing && strategy != ModeUpdateCheck {
				return fmt.Errorf("missing prerequisites: %s", strings.Join(preflightReport.Missing, ", "))
			}
			return nil
		}},
	}

	if privileged {
		steps = append(steps,
			step{id: stepEnsureAccount, fn: func(stepCtx context.Context) error {
				if strategy == ModeUpdateCheck {
					return nil
				}
				if err := s.ensureAccount(stepCtx); err != nil {
					return fmt.Errorf("ensure service account: %w", err)
				}
				return nil
			}},
			step{id: stepSyncInstall, fn: func(context.Context) error {
				if strategy == ModeUpdateCheck {
					newer, err := s.checkUpdate()
					if err != nil {
						return err
					}
					updateAvailable = newer
					return nil
				}
				p, err := s.prepareHandoff(defaults.ServiceAccount)
				if err != nil {
					return err
				}
				prepared = p
				copied, err := s.syncInstall(p)
				if err != nil {
					return err
				}
				synced = copied
				return nil
			}},
			step{id: stepCredential, fn: func(stepCtx context.Context) error {
				if strategy == ModeUpdateCheck || token == "" {
					return nil
				}
				if err := s.stageCredential(stepCtx, prepared, token); err != nil {
					return fmt.Errorf("stage registry credential: %w", err)
				}
				return nil
			}},
			step{id: stepHandoff, fn: func(context.Context) error {
				if strategy == ModeUpdateCheck {
					return nil
				}
				if err := s.execHandoff(prepared, opts.Invocation, token, handoff.Flags{
					NonInteractive: opts.NonInteractive,
					ForceFresh:     opts.ForceFresh,
					CheckUpdates:   opts.CheckUpdates,
					Debug:          opts.Debug,
				}); err != nil {
					return err
				}
				// A real exec never returns; control only comes back
				// when process replacement was simulated.
				handedOff = true
				return nil
			}},
		)
	} else {
		steps = append(steps,
			step{id: stepConsumeToken, fn: func(context.Context) error {
				home, err := s.currentHome()
				if err != nil {
					return fmt.Errorf("resolve home: %w", err)
				}
				staged, err := s.consumeToken(home)
				if err != nil {
					return fmt.Errorf("consume staged credential: %w", err)
				}
				if staged != "" {
					token = staged
				}
				return nil
			}},
			step{id: stepConfigure, fn: func(stepCtx context.Context) error {
				if strategy == ModeUpdateCheck {
					return fmt.Errorf("update check reads the privileged source tree; run `sudo berth setup --check-updates`")
				}
				if strategy == ModeRepair {
					restored, err := s.maybeRestore(stepCtx, configPath, mode != ModeNonInteractive)
					if err != nil {
						return err
					}
					restoredFrom = restored
				}
				backup, err := s.safeMutate(configPath, guard.CriticalKeys, func() error {
					if _, err := s.ensureManifest(configDir); err != nil {
						return fmt.Errorf("ensure compose manifest: %w", err)
					}
					filled, err := s.materialize(configPath, guard.CriticalKeys)
					if err != nil {
						return err
					}
					filledKeys = filled
					return nil
				})
				// The backup exists even when the mutation was rolled
				// back, and the journal wants to know about it.
				backupPath = backup
				if err != nil {
					return fmt.Errorf("materialize configuration: %w", err)
				}
				return nil
			}},
			step{id: stepStackUp, fn: func(stepCtx context.Context) error {
				if err := s.stackUp(stepCtx, configDir); err != nil {
					return fmt.Errorf("start stack: %w", err)
				}
				return nil
			}},
			step{id: stepRecord, fn: func(context.Context) error {
				return s.recordRun(report, mode, configPath, backupPath)
			}},
		)
	}

	for _, st := range steps {
		opErr = op.RunStep(op.Context(), st.id, st.fn)
		if opErr != nil {
			return Result{}, opErr
		}
	}

	return Result{
		State:           report.State,
		Mode:            mode,
		Strategy:        strategy,
		Preflight:       preflightReport,
		ConfigPath:      configPath,
		FilledKeys:      filledKeys,
		RestoredFrom:    restoredFrom,
		SnapshotPath:    backupPath,
		UpdateAvailable: updateAvailable,
		InstallSynced:   synced,
		HandedOff:       handedOff,
	}, nil
}

// resolveConfigDir finds the directory holding the persisted env file.
// Privileged runs probe the service account's install copy when the
// account exists; everything else probes the running binary's own tree.
func (s *Service) resolveConfigDir(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	root, err := s.installDir()
	if err != nil {
		return "", err
	}
	if s.geteuid() == 0 {
		if home, err := s.accountHome(); err == nil {
			return handoff.TargetDir(home, root), nil
		}
	}
	return root, nil
}

// checkUpdate compares the source tree against the account's install
// copy without copying anything.
func (s *Service) checkUpdate() (bool, error) {
	home, err := s.accountHome()
	if err != nil {
		return false, fmt.Errorf("resolve account home: %w", err)
	}
	root, err := s.installDir()
	if err != nil {
		return false, err
	}
	newer, err := s.compareFreshness(root, handoff.TargetDir(home, root))
	if err != nil {
		return false, fmt.Errorf("compare install trees: %w", err)
	}
	return newer, nil
}

// maybeRestore offers the newest intact snapshot when the config fails
// its integrity check. It returns the restored snapshot path, or empty
// when nothing was restored and materialization regenerates instead.
func (s *Service) maybeRestore(ctx context.Context, configPath string, interactive bool) (string, error) {
	missing, err := s.verifyConfig(configPath, guard.CriticalKeys)
	if err == nil && len(missing) == 0 {
		return "", nil
	}

	snapshot, ok, err := s.latestSnapshot(configPath, guard.CriticalKeys)
	if err != nil {
		return "", fmt.Errorf("scan config snapshots: %w", err)
	}
	if !ok {
		return "", nil
	}

	accept := true
	if interactive {
		accept, err = s.confirm(ctx, fmt.Sprintf("restore configuration from %s?", filepath.Base(snapshot)), true)
		if err != nil {
			return "", err
		}
	}
	if !accept {
		slog.Info("snapshot restore declined, regenerating missing values instead",
			"snapshot", filepath.Base(snapshot))
		return "", nil
	}

	if err := s.restoreSnapshot(configPath, snapshot); err != nil {
		return "", fmt.Errorf("restore config snapshot: %w", err)
	}
	slog.Info("configuration restored", "snapshot", filepath.Base(snapshot))
	return snapshot, nil
}

func (s *Service) recordRun(report inspect.Report, mode Mode, configPath, backupPath string) error {
	home, err := s.currentHome()
	if err != nil {
		return fmt.Errorf("resolve home: %w", err)
	}
	j, err := s.openJournal(defaults.JournalPath(home))
	if err != nil {
		return fmt.Errorf("open setup journal: %w", err)
	}
	defer j.Close()

	runID, err := j.BeginRun(report.State.String(), mode.String())
	if err != nil {
		return fmt.Errorf("record setup run: %w", err)
	}
	if backupPath != "" {
		if _, err := j.RecordSnapshot(configPath, backupPath, "pre-mutation backup"); err != nil {
			return fmt.Errorf("record config snapshot: %w", err)
		}
	}
	if err := j.FinishRun(runID, "succeeded", nil); err != nil {
		return fmt.Errorf("finish setup run: %w", err)
	}
	return nil
}

// journalFailure is best effort: a run that failed because the journal
// itself is unreachable has nothing better to do than log and move on.
func (s *Service) journalFailure(report inspect.Report, mode Mode, configPath, backupPath string, runErr error) {
	home, err := s.currentHome()
	if err != nil {
		slog.Debug("failure not journaled", "error", err)
		return
	}
	j, err := s.openJournal(defaults.JournalPath(home))
	if err != nil {
		slog.Debug("failure not journaled", "error", err)
		return
	}
	defer j.Close()

	runID, err := j.BeginRun(report.State.String(), mode.String())
	if err != nil {
		slog.Debug("failure not journaled", "error", err)
		return
	}
	if backupPath != "" {
		snapshotID, err := j.RecordSnapshot(configPath, backupPath, "pre-mutation backup")
		if err == nil {
			var rollback *guard.RollbackError
			if errors.As(runErr, &rollback) {
				_ = j.MarkRolledBack(snapshotID)
			}
		}
	}
	_ = j.FinishRun(runID, "failed", runErr)
}

// daemonWait bounds how long the stack step tolerates a daemon that is
// enabled but still starting.
const daemonWait = 30 * time.Second

// runComposeUp starts the stack from the install directory. Image pulls
// can run long, so beyond the daemon wait the only deadline is the
// caller's context.
func runComposeUp(ctx context.Context, dir string) error {
	rt, err := docker.NewRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()
	waitCtx, cancel := context.WithTimeout(ctx, daemonWait)
	defer cancel()
	if err := rt.WaitReady(waitCtx); err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, "docker", "compose", "up", "-d", "--remove-orphans")
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker compose up: %v: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
