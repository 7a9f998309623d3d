package component

// State is a component's position in its lifecycle.
type State int

const (
	// StateCreated means constructed but not initialized.
	StateCreated State = iota
	// StateInitialized means resources are allocated but work has not begun.
	StateInitialized
	// StateStarted means the component is running.
	StateStarted
	// StateStopped means the component shut down cleanly.
	StateStopped
	// StateFailed means a lifecycle operation failed.
	StateFailed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitialized:
		return "initialized"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
