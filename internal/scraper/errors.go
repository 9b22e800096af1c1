package scraper

import (
	"errors"
	"fmt"
)

// AuthErrorKind classifies a login failure
type AuthErrorKind int

const (
	// InvalidCredentials needs the operator to fix the options and restart
	InvalidCredentials AuthErrorKind = iota
	// PortalUnreachable covers DNS, TLS and navigation failures
	PortalUnreachable
	// UnexpectedLayout means the login page did not look like we expect
	UnexpectedLayout
)

func (k AuthErrorKind) String() string {
	switch k {
	case InvalidCredentials:
		return "invalid credentials"
	case PortalUnreachable:
		return "portal unreachable"
	case UnexpectedLayout:
		return "unexpected layout"
	default:
		return fmt.Sprintf("AuthErrorKind(%d)", int(k))
	}
}

// AuthError represents an authentication failure
type AuthError struct {
	Kind AuthErrorKind
	Err  error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return "login failed: " + e.Kind.String()
	}
	return fmt.Sprintf("login failed (%s): %v", e.Kind, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Retryable reports whether a later login attempt may succeed without
// operator action
func (e *AuthError) Retryable() bool {
	return e.Kind != InvalidCredentials
}

// FetchErrorKind classifies a data fetch failure
type FetchErrorKind int

const (
	SessionExpired FetchErrorKind = iota
	PartialData
	Timeout
)

func (k FetchErrorKind) String() string {
	switch k {
	case SessionExpired:
		return "session expired"
	case PartialData:
		return "partial data"
	case Timeout:
		return "timeout"
	default:
		return fmt.Sprintf("FetchErrorKind(%d)", int(k))
	}
}

// FetchError represents a failed fetch. Serial is set when the failure is
// specific to one device.
type FetchError struct {
	Kind   FetchErrorKind
	Serial string
	Err    error
}

func (e *FetchError) Error() string {
	msg := "fetch failed: " + e.Kind.String()
	if e.Serial != "" {
		msg += " for device " + e.Serial
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsInvalidCredentials reports whether err is a fatal login failure
func IsInvalidCredentials(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr) && authErr.Kind == InvalidCredentials
}

// IsFetchKind reports whether err is a FetchError of the given kind
func IsFetchKind(err error, kind FetchErrorKind) bool {
	var fetchErr *FetchError
	return errors.As(err, &fetchErr) && fetchErr.Kind == kind
}
