package sunsynk

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCredentials is returned when the remote rejects the username or
	// password (response code 102).
	ErrInvalidCredentials = errors.New("sunsynk rejected the username or password")
	// ErrRemoteNotFound is returned when the token endpoint answers not found.
	ErrRemoteNotFound = errors.New("sunsynk token endpoint not found")
	// ErrSessionUnusable wraps the fatal error of a session that needs new
	// credentials before it can be used again.
	ErrSessionUnusable = errors.New("sunsynk session unusable until new credentials are supplied")
	// ErrNoCredentials is returned when re-authentication is requested before
	// any username was supplied.
	ErrNoCredentials = errors.New("no sunsynk credentials configured")

	// ErrAuthFailure is returned by data calls when the remote refuses the
	// bearer token.
	ErrAuthFailure = errors.New("sunsynk refused the access token")
)

// TransportError is a network, timeout or malformed-response failure during a
// token exchange.
type TransportError struct {
	Detail string
	Err    error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sunsynk token exchange failed: %s: %v", e.Detail, e.Err)
	}
	return "sunsynk token exchange failed: " + e.Detail
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RequestError is any data-call failure that is not an authentication
// failure.
type RequestError struct {
	Op     string
	Status int
	Err    error
}

func (e *RequestError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("sunsynk %s failed (status %d): %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("sunsynk %s failed: %v", e.Op, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// AuthResult classifies the outcome of a token exchange.
type AuthResult int

const (
	AuthSuccess AuthResult = iota
	AuthInvalidCredentials
	AuthRemoteNotFound
	AuthTransportError
)

func (r AuthResult) String() string {
	switch r {
	case AuthSuccess:
		return "success"
	case AuthInvalidCredentials:
		return "invalid credentials"
	case AuthRemoteNotFound:
		return "remote not found"
	default:
		return "transport error"
	}
}

// AuthOutcome classifies an error returned by Account.
func AuthOutcome(err error) AuthResult {
	switch {
	case err == nil:
		return AuthSuccess
	case errors.Is(err, ErrInvalidCredentials):
		return AuthInvalidCredentials
	case errors.Is(err, ErrRemoteNotFound):
		return AuthRemoteNotFound
	default:
		return AuthTransportError
	}
}

// Fatal reports whether err leaves the session unusable until new credentials
// are supplied.
func Fatal(err error) bool {
	return errors.Is(err, ErrInvalidCredentials) || errors.Is(err, ErrRemoteNotFound) || errors.Is(err, ErrNoCredentials)
}
