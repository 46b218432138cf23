package setup

import "berth/internal/inspect"

// Mode is the orchestration strategy for one setup run.
type Mode uint8

const (
	// ModeInstall provisions a host from scratch.
	ModeInstall Mode = iota
	// ModeResume continues with an existing install, bringing the stack
	// up if needed.
	ModeResume
	// ModeReconfigure regenerates container state from an existing
	// config file.
	ModeReconfigure
	// ModeRepair reconciles a host whose traces match no healthy state.
	ModeRepair
	// ModeUpdateCheck looks for a newer release instead of resuming.
	ModeUpdateCheck
	// ModeNonInteractive runs the full flow without prompts, driven by
	// flags and a supplied credential.
	ModeNonInteractive
)

func (m Mode) String() string {
	switch m {
	case ModeInstall:
		return "install"
	case ModeResume:
		return "resume"
	case ModeReconfigure:
		return "reconfigure"
	case ModeRepair:
		return "repair"
	case ModeUpdateCheck:
		return "update-check"
	case ModeNonInteractive:
		return "non-interactive"
	default:
		return "unknown"
	}
}

// ModeFlags are the operator inputs to mode selection.
type ModeFlags struct {
	CredentialPresent bool
	NonInteractive    bool
	ForceFresh        bool
	CheckUpdates      bool
}

// SelectMode maps the detected state and operator flags to exactly one
// mode. It is a pure function, total over every state and flag
// combination. An explicit non-interactive request or a supplied
// credential wins over everything else; a forced fresh install wins over
// the detected state; the state decides the rest.
func SelectMode(state inspect.State, flags ModeFlags) Mode {
	if flags.NonInteractive || flags.CredentialPresent {
		return ModeNonInteractive
	}
	if flags.ForceFresh {
		return ModeInstall
	}

	switch state {
	case inspect.StateFresh:
		return ModeInstall
	case inspect.StateRunning, inspect.StateStoppedInstalled:
		if flags.CheckUpdates {
			return ModeUpdateCheck
		}
		return ModeResume
	case inspect.StateConfiguredOnly:
		return ModeReconfigure
	case inspect.StateContainersOnly, inspect.StateBroken:
		return ModeRepair
	default:
		// Unknown states are treated like broken ones; repair is the
		// only mode that starts by re-diagnosing.
		return ModeRepair
	}
}
