package client

import "fmt"

// ErrNoAuth indicates a protected request was attempted without a usable
// credential and no session restore was in flight. The request never
// reaches the network.
type ErrNoAuth struct {
	Path string
}

func (e ErrNoAuth) Error() string {
	return fmt.Sprintf("authentication required for %s", e.Path)
}

// ErrEndpointDisabled indicates the request was short-circuited by the
// endpoint breaker before hitting the network. Retryable after the
// breaker TTL elapses.
type ErrEndpointDisabled struct {
	Path string
}

func (e ErrEndpointDisabled) Error() string {
	return fmt.Sprintf("endpoint %s is temporarily disabled", e.Path)
}

// ErrEndpointDisabledAfterRetry indicates a request that already went
// through one refresh-retry cycle failed again with 401/403/5xx. The
// breaker entry for the path has been created.
type ErrEndpointDisabledAfterRetry struct {
	Path   string
	Status int
}

func (e ErrEndpointDisabledAfterRetry) Error() string {
	return fmt.Sprintf("endpoint %s disabled after retry (status %d)", e.Path, e.Status)
}

// ErrRefreshFailed indicates the token refresh itself failed (expired or
// missing refresh cookie). The local session has been torn down; no
// server-side logout was attempted.
type ErrRefreshFailed struct {
	Err error
}

func (e ErrRefreshFailed) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session refresh failed: %v", e.Err)
	}
	return "session refresh failed"
}

func (e ErrRefreshFailed) Unwrap() error { return e.Err }

// ErrStatus carries an unexpected HTTP status for callers that want to
// branch on it without parsing messages.
type ErrStatus struct {
	Path   string
	Status int
}

func (e ErrStatus) Error() string {
	return fmt.Sprintf("%s returned status %d", e.Path, e.Status)
}

// IsTemporarilyDisabled reports whether err is one of the breaker-originated
// errors, so UI layers can show a "try again later" message instead of a
// generic failure.
func IsTemporarilyDisabled(err error) bool {
	switch err.(type) {
	case ErrEndpointDisabled, ErrEndpointDisabledAfterRetry:
		return true
	}
	return false
}
