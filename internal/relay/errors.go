package relay

import "fmt"

// AuthError reports that the relay rejected the runner token. It is terminal
// for the connection attempt and must not be retried automatically.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	if e.Reason == "" {
		return "relay rejected token"
	}
	return fmt.Sprintf("relay rejected token: %s", e.Reason)
}

// NetworkError reports a transport-level failure: dialing, reading, writing,
// or heartbeat expiry. It is the retryable error class.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("relay network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}
