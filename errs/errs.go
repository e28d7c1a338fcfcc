// Package errs holds the error taxonomy shared by the server and the editor
// client. Callers wrap one of the sentinels with fmt.Errorf("...: %w", ...)
// and classify with errors.Is.
package errs

import (
	"errors"
	"net/http"
)

var (
	// ErrAuth means the credential is missing, invalid or expired. Clients
	// route the user back to login.
	ErrAuth = errors.New("not authorized")
	// ErrForbidden means the credential is valid but does not grant access
	// to the resource.
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound means the document id could not be resolved.
	ErrNotFound = errors.New("not found")
	// ErrValidation means a required field is missing or malformed.
	ErrValidation = errors.New("validation failed")
	// ErrTransientIO covers network and store failures during fetch, save
	// or share.
	ErrTransientIO = errors.New("transient i/o failure")
)

// HTTPStatus maps err onto the status code the REST handlers reply with.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// FromStatus is the inverse of HTTPStatus, used by HTTP clients.
func FromStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized:
		return ErrAuth
	case status == http.StatusForbidden:
		return ErrForbidden
	case status == http.StatusNotFound:
		return ErrNotFound
	case status >= 400 && status < 500:
		return ErrValidation
	default:
		return ErrTransientIO
	}
}

// Error carries a message meant for the end user next to the classified
// cause.
type Error struct {
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// UserMessage returns the message of the first *Error in err's chain, or
// fallback.
func UserMessage(err error, fallback string) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return fallback
}
