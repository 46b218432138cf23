package inspect

// State classifies what a host already holds of the application. It is
// computed fresh on every invocation and never persisted.
type State uint8

const (
	// StateFresh means the host shows enough fresh indicators to be
	// treated as never installed.
	StateFresh State = iota
	// StateRunning means the managed containers exist and all of them
	// are up.
	StateRunning
	// StateStoppedInstalled means the install is complete but every
	// managed container is stopped.
	StateStoppedInstalled
	// StateConfiguredOnly means a config file exists but no managed
	// containers were ever created.
	StateConfiguredOnly
	// StateContainersOnly means managed containers exist without a
	// config file, which a normal install never produces.
	StateContainersOnly
	// StateBroken covers every inconsistent remainder: mixed container
	// health, a config file failing its integrity check, or leftover
	// traces that match no other state.
	StateBroken
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateRunning:
		return "running"
	case StateStoppedInstalled:
		return "stopped"
	case StateConfiguredOnly:
		return "configured-only"
	case StateContainersOnly:
		return "containers-only"
	case StateBroken:
		return "broken"
	default:
		return "unknown"
	}
}
