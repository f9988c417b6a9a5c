package cpty

// State is the session lifecycle of the gateway. Order placement and
// cancellation are only legal while logged in.
type State string

const (
	StateLoggedOut  State = "LOGGED_OUT"
	StateLoggingIn  State = "LOGGING_IN"
	StateLoggedIn   State = "LOGGED_IN"
	StateLoggingOut State = "LOGGING_OUT"
)
