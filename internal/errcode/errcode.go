// Package errcode defines the error taxonomy shared by the routing cache, the
// migration recipient and the HTTP layers that carry both across processes.
//
// Every code is a sentinel. Errors produced with New or Wrap are marked with
// their code, so callers test them with errors.Is regardless of how many times
// the error was wrapped on the way up.
package errcode

import (
	"net/http"

	"github.com/cockroachdb/errors"
)

var (
	// NamespaceNotFound means a database or collection does not exist.
	NamespaceNotFound = errors.New("NamespaceNotFound")
	// NoSuchKey means a catalog document lacks a required field.
	NoSuchKey = errors.New("NoSuchKey")
	// FailedToParse means a catalog document has a field of the wrong type.
	FailedToParse = errors.New("FailedToParse")
	// ConflictingOperationInProgress means a concurrent operation prevented
	// this one from completing; the caller retries the whole operation.
	ConflictingOperationInProgress = errors.New("ConflictingOperationInProgress")
	// HostUnreachable means the remote end could not be contacted.
	HostUnreachable = errors.New("HostUnreachable")
	// NotWritablePrimary means the remote end is not the primary.
	NotWritablePrimary = errors.New("NotWritablePrimary")
	// IllegalOperation means the request is not valid in the current state.
	IllegalOperation = errors.New("IllegalOperation")
	// InvalidUUID means a collection exists under a different UUID.
	InvalidUUID = errors.New("InvalidUUID")
	// StaleConfig means the sender routed with an outdated routing table.
	StaleConfig = errors.New("StaleConfig")
	// BadValue means an argument failed validation.
	BadValue = errors.New("BadValue")
)

var codes = []error{
	NamespaceNotFound,
	NoSuchKey,
	FailedToParse,
	ConflictingOperationInProgress,
	HostUnreachable,
	NotWritablePrimary,
	IllegalOperation,
	InvalidUUID,
	StaleConfig,
	BadValue,
}

// New returns an error with the formatted message, marked with code.
func New(code error, format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), code)
}

// Wrap annotates err and marks the result with code.
func Wrap(code error, err error, format string, args ...interface{}) error {
	return errors.Mark(errors.Wrapf(err, format, args...), code)
}

// Of returns the name of the code carried by err, or "InternalError".
func Of(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c) {
			return c.Error()
		}
	}
	return "InternalError"
}

// FromName rebuilds a marked error from a code name received over the wire.
// Unknown names produce an unmarked error.
func FromName(name, msg string) error {
	for _, c := range codes {
		if c.Error() == name {
			return New(c, "%s", msg)
		}
	}
	return errors.Newf("%s: %s", name, msg)
}

// HTTPStatus maps err to the status code used by the HTTP handlers.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, NamespaceNotFound):
		return http.StatusNotFound
	case errors.Is(err, ConflictingOperationInProgress), errors.Is(err, StaleConfig):
		return http.StatusConflict
	case errors.Is(err, BadValue), errors.Is(err, FailedToParse), errors.Is(err, IllegalOperation),
		errors.Is(err, InvalidUUID):
		return http.StatusBadRequest
	case errors.Is(err, HostUnreachable):
		return http.StatusBadGateway
	case errors.Is(err, NotWritablePrimary):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
