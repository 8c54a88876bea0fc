package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnknownProvider     = errors.New("unknown payment provider")
	ErrDuplicateReference  = errors.New("external reference already used for this provider")
	ErrMissingCredentials  = errors.New("provider credentials are not configured")
	ErrReferenceInProgress = errors.New("a payment with this reference is already in progress")
)

// ValidationError reports malformed input. It never reaches the network.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// AuthError reports a failed client-credential exchange with a provider.
type AuthError struct {
	Provider Provider
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s authentication failed: %v", e.Provider, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// GatewayError reports a provider that rejected or failed a request.
// HTTPStatus is zero when the request never got a response.
type GatewayError struct {
	Provider   Provider
	HTTPStatus int
	RawBody    string
	Err        error
}

func (e *GatewayError) Error() string {
	switch {
	case e.HTTPStatus != 0 && e.RawBody != "":
		return fmt.Sprintf("%s gateway error (http %d): %s", e.Provider, e.HTTPStatus, e.RawBody)
	case e.HTTPStatus != 0:
		return fmt.Sprintf("%s gateway error (http %d)", e.Provider, e.HTTPStatus)
	default:
		return fmt.Sprintf("%s gateway error: %v", e.Provider, e.Err)
	}
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Temporary reports whether the failure looks like an outage rather than a
// decline: transport errors and 5xx responses.
func (e *GatewayError) Temporary() bool {
	return e.HTTPStatus == 0 || e.HTTPStatus >= 500
}

type NotFoundError struct {
	TransactionID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("transaction %s not found", e.TransactionID)
}

// TimeoutError is raised by the client controller when polling gives up.
// It is never stored.
type TimeoutError struct {
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("payment was not confirmed within %s", e.Waited)
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
