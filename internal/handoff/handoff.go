// Package handoff re-executes the CLI as the low-privilege service
// account. The switch is a true process replacement: the new image
// inherits the process id, standard streams, and terminal, so prompts
// and Ctrl-C keep working and no privileged parent is left behind.
// Everything the original invocation carried — arguments, mode flags,
// a registry credential — crosses over through a fixed environment
// overlay, with the credential masked in every log line.
//
// The one invariant this package must never break: a process that
// finds the handoff marker already set must not attempt another
// switch. That state means the drop already happened (or the overlay
// leaked), and a second attempt would loop forever.
package handoff

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"unicode"

	"berth/internal/invoke"
	"berth/pkg/sdk/defaults"
)

// Environment overlay variables. The set is fixed; nothing else
// crosses the privilege boundary.
const (
	// EnvMarker carries the target account name and doubles as the
	// switch-already-performed marker.
	EnvMarker = "BERTH_HANDOFF"
	// EnvCommand carries the shell-encoded original invocation.
	EnvCommand = "BERTH_COMMAND"
	// EnvToken carries the registry credential. Masked in all output.
	EnvToken = "BERTH_REGISTRY_TOKEN"

	EnvNonInteractive = "BERTH_NONINTERACTIVE"
	EnvForceFresh     = "BERTH_FORCE_FRESH"
	EnvCheckUpdates   = "BERTH_CHECK_UPDATES"
	EnvDebug          = "BERTH_DEBUG"
)

// ErrHandoffLoop reports a second switch attempt. This is a logic bug,
// never an environmental problem, and must not be retried.
var ErrHandoffLoop = errors.New("privilege handoff already performed")

// ErrExecReturned reports that process replacement returned control to
// the caller, which cannot happen on a successful exec.
var ErrExecReturned = errors.New("process replacement returned control")

// Flags are the boolean modes the overlay carries across the switch.
type Flags struct {
	NonInteractive bool
	ForceFresh     bool
	CheckUpdates   bool
	Debug          bool
}

// Prepared holds everything a privilege drop resolves up front: the
// account's identity, its home, and where the install tree lives and
// lands. Prepare builds it; the staged methods consume it.
type Prepared struct {
	// Account is the service account to become.
	Account string
	UID     int
	GID     int
	Groups  []int
	Home    string
	// InstallRoot is the tree the running binary started from.
	InstallRoot string
	// Target is the account's copy of that tree.
	Target string
	// TargetBin is the binary inside Target that Exec replaces the
	// process with.
	TargetBin string
}

// Resumption is what a process learns when it finds itself on the far
// side of a switch.
type Resumption struct {
	Account string
	Command invoke.Invocation
	Token   string
	Flags   Flags
}

// GuardLoop refuses to switch when the marker is already set. Call it
// before any other switch work.
func GuardLoop() error {
	if marker := os.Getenv(EnvMarker); marker != "" {
		return fmt.Errorf("handoff marker already set for account %q: %w", marker, ErrHandoffLoop)
	}
	return nil
}

// Resume inspects the environment for a completed switch. It returns
// nil when no marker is present. A marker on a still-privileged
// process, or one naming a different account than the process runs
// as, is a loop and fails loudly.
func Resume() (*Resumption, error) {
	marker := os.Getenv(EnvMarker)
	if marker == "" {
		return nil, nil
	}
	if os.Geteuid() == 0 {
		return nil, fmt.Errorf("handoff marker for %q found on a privileged process: %w", marker, ErrHandoffLoop)
	}
	if u, err := user.Current(); err == nil && u.Username != marker {
		return nil, fmt.Errorf("handoff marker names %q but process runs as %q: %w", marker, u.Username, ErrHandoffLoop)
	}

	res := &Resumption{
		Account: marker,
		Token:   os.Getenv(EnvToken),
		Flags:   flagsFromEnv(os.Getenv),
	}
	if encoded := os.Getenv(EnvCommand); encoded != "" {
		cmd, err := invoke.Decode(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode handed-off command: %w", err)
		}
		res.Command = cmd
	}
	return res, nil
}

// ConsumeStagedToken retrieves the credential staged for the service
// account. The staged file wins and is deleted the moment it is read;
// the overlay variable is the fallback. Either way the variable is
// scrubbed so child processes never inherit the raw value.
func ConsumeStagedToken(home string) (string, error) {
	envToken := os.Getenv(EnvToken)
	os.Unsetenv(EnvToken)

	path := defaults.TokenPath(home)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return envToken, nil
		}
		return "", fmt.Errorf("read staged token: %w", err)
	}
	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("remove staged token: %w", err)
	}
	if token := strings.TrimSpace(string(data)); token != "" {
		return token, nil
	}
	return envToken, nil
}

// ValidateToken checks the surface shape of a registry credential
// before it is staged. It knows nothing about whether the registry
// will accept it.
func ValidateToken(token string) error {
	if token == "" {
		return errors.New("token is empty")
	}
	if len(token) < 8 {
		return errors.New("token is implausibly short")
	}
	if len(token) > 512 {
		return errors.New("token is implausibly long")
	}
	for _, r := range token {
		if unicode.IsSpace(r) || unicode.IsControl(r) || r > unicode.MaxASCII {
			return errors.New("token contains whitespace or non-printable characters")
		}
	}
	return nil
}

// buildEnvironment assembles the overlay: a sanitized base pointing at
// the account's identity, plus the fixed handoff variables.
func buildEnvironment(account, home, encodedCommand, token string, flags Flags, getenv func(string) string) []string {
	env := []string{
		"PATH=" + pathOrDefault(getenv("PATH")),
		"HOME=" + home,
		"USER=" + account,
		"LOGNAME=" + account,
	}
	if term := getenv("TERM"); term != "" {
		env = append(env, "TERM="+term)
	}

	env = append(env,
		EnvMarker+"="+account,
		EnvCommand+"="+encodedCommand,
	)
	if token != "" {
		env = append(env, EnvToken+"="+token)
	}
	if flags.NonInteractive {
		env = append(env, EnvNonInteractive+"=1")
	}
	if flags.ForceFresh {
		env = append(env, EnvForceFresh+"=1")
	}
	if flags.CheckUpdates {
		env = append(env, EnvCheckUpdates+"=1")
	}
	if flags.Debug {
		env = append(env, EnvDebug+"=1")
	}
	return env
}

func flagsFromEnv(getenv func(string) string) Flags {
	return Flags{
		NonInteractive: getenv(EnvNonInteractive) == "1",
		ForceFresh:     getenv(EnvForceFresh) == "1",
		CheckUpdates:   getenv(EnvCheckUpdates) == "1",
		Debug:          getenv(EnvDebug) == "1",
	}
}

func pathOrDefault(path string) string {
	if path != "" {
		return path
	}
	return "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
}

// resolveInstallRoot locates the tree the running binary was installed
// into. A bin/ leaf is an internal directory; its parent is the root
// that gets synchronized.
func resolveInstallRoot(exePath string) string {
	dir := filepath.Dir(exePath)
	if filepath.Base(dir) == "bin" {
		return filepath.Dir(dir)
	}
	return dir
}

// locateInstall resolves the running binary past any symlinks and the
// install root it lives under.
func locateInstall() (root, bin string, err error) {
	exe, err := os.Executable()
	if err != nil {
		return "", "", fmt.Errorf("locate running binary: %w", err)
	}
	bin, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return "", "", fmt.Errorf("resolve binary symlinks: %w", err)
	}
	return resolveInstallRoot(bin), bin, nil
}

// InstallDir is the root of the install tree the running binary was
// started from.
func InstallDir() (string, error) {
	root, _, err := locateInstall()
	return root, err
}

// TargetDir is where the account's copy of an install root lives.
func TargetDir(home, installRoot string) string {
	return filepath.Join(home, filepath.Base(installRoot))
}
