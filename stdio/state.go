package stdio

// SessionState is the lifecycle position of a Gateway.
type SessionState string

const (
	StateNotStarted   SessionState = "not_started"
	StateInitializing SessionState = "initializing"
	StateReady        SessionState = "ready"
	StateStopping     SessionState = "stopping"
	StateStopped      SessionState = "stopped"
)

// Terminal reports whether no further calls can ever succeed in this state.
func (s SessionState) Terminal() bool {
	return s == StateStopping || s == StateStopped
}
