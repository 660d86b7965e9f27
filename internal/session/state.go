package session

// State is the connection lifecycle state of a session.
type State int32

const (
	Disconnected State = iota
	Connecting
	LogonSent
	Active
	Recovering
	LoggingOut
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case LogonSent:
		return "LOGON_SENT"
	case Active:
		return "ACTIVE"
	case Recovering:
		return "RECOVERING"
	case LoggingOut:
		return "LOGGING_OUT"
	}
	return "UNKNOWN"
}
