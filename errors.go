package xstorage

import (
	"errors"
	"fmt"
	"strings"
)

// AuthFailure classifies why a sign-in was rejected.
type AuthFailure int

const (
	AuthRejected AuthFailure = iota
	AuthWrongCredentials
	AuthInvalidInverterSerial
	AuthCode10
	AuthMalformedResponse
)

func (f AuthFailure) String() string {
	switch f {
	case AuthWrongCredentials:
		return "wrong credentials"
	case AuthInvalidInverterSerial:
		return "invalid inverter serial"
	case AuthCode10:
		return "error code 10"
	case AuthMalformedResponse:
		return "malformed response"
	default:
		return "rejected"
	}
}

// ConnectionError means the device could not be reached at all.
type ConnectionError struct {
	Host string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("cannot connect to %s: %v", e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthenticationError is returned when the device answered the sign-in request
// but did not hand out a token.
type AuthenticationError struct {
	Reason  AuthFailure
	Message string
	Code    string
	Err     error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Message)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// newAuthenticationError derives the failure reason from the server message.
// The device only reports free text, so matching on known fragments is the
// only way to tell bad credentials from a bad serial.
func newAuthenticationError(message, code string) *AuthenticationError {
	reason := AuthRejected
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "wrong credentials"):
		reason = AuthWrongCredentials
	case strings.Contains(lower, "invalid inverter"):
		reason = AuthInvalidInverterSerial
	case code == "10" || strings.Contains(message, "Error during authentication: 10"):
		reason = AuthCode10
	}
	return &AuthenticationError{Reason: reason, Message: message, Code: code}
}

// ProtocolError is a response that is not JSON or does not have the expected shape.
type ProtocolError struct {
	Path   string
	Status int
	Body   string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unexpected response from %s (status %d): %v", e.Path, e.Status, e.Err)
	}
	return fmt.Sprintf("unexpected response from %s (status %d): %s", e.Path, e.Status, truncate(e.Body, 200))
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// APIError is an error object reported by the device in a well formed response.
type APIError struct {
	Path        string
	Status      int
	Code        string
	Description string
}

func (e *APIError) Error() string {
	msg := e.Description
	if msg == "" {
		msg = e.Code
	}
	if msg == "" {
		msg = "unknown error"
	}
	return fmt.Sprintf("%s returned status %d: %s", e.Path, e.Status, msg)
}

// PartialDataError records a section that could not be fetched during a poll
// cycle. It is stored on the snapshot, never returned from Refresh.
type PartialDataError struct {
	Section Section
	Err     error
}

func (e *PartialDataError) Error() string {
	return fmt.Sprintf("section %s unavailable: %v", e.Section, e.Err)
}

func (e *PartialDataError) Unwrap() error { return e.Err }

// ValidationError reports a single invalid input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// SetupErrorKey maps a setup failure onto a stable key that a UI can translate.
func SetupErrorKey(err error) string {
	if err == nil {
		return ""
	}
	var validationErr *ValidationError
	var connErr *ConnectionError
	var authErr *AuthenticationError
	var protoErr *ProtocolError
	switch {
	case errors.As(err, &validationErr):
		return "invalid_field"
	case errors.As(err, &connErr):
		return "cannot_connect"
	case errors.As(err, &authErr):
		switch authErr.Reason {
		case AuthWrongCredentials:
			return "err_wrong_credentials"
		case AuthInvalidInverterSerial:
			return "err_invalid_inverter_sn"
		case AuthCode10:
			return "err_auth_code_10"
		case AuthMalformedResponse:
			return "err_malformed_response"
		}
		return "invalid_auth"
	case errors.As(err, &protoErr):
		return "err_malformed_response"
	}
	return "unknown"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
