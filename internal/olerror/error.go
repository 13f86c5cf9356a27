// Package olerror defines the rejection taxonomy rendered by the oncelink
// server. Every rejection kind carries its own tag so clients can display an
// accurate message; transient store failures are never reported as permanent
// rejections.
package olerror

import "net/http"

// Tags identifying each rejection kind.
const (
	TagNotFound         = "not-found"
	TagForbidden        = "forbidden"
	TagExpired          = "expired"
	TagAlreadyUsed      = "already-used"
	TagStoreUnavailable = "store-unavailable"
	TagInvalidParams    = "invalid-parameters"
)

type (
	// An Error represents the error format that can be rendered by the oncelink server.
	Error struct {
		HTTPCode   int `json:"-"`
		FieldError err `json:"error"`
	}

	err struct {
		Tag     string `json:"tag,omitempty"`
		Message string `json:"message"`
	}
)

// StatusCode returns the HTTP status code.
func StatusCode(err error) int {
	if olerr, ok := err.(*Error); ok && olerr.HTTPCode != 0 {
		return olerr.HTTPCode
	}
	return http.StatusInternalServerError
}

// Tag returns the machine tag of the error, or an empty string for any other
// error type.
func Tag(err error) string {
	if olerr, ok := err.(*Error); ok {
		return olerr.FieldError.Tag
	}
	return ""
}

// New returns a new Error with the given message.
func New(message string) *Error {
	return &Error{FieldError: err{Message: message}}
}

// NewWithTagCode returns a new Error with the given code, tag and message.
func NewWithTagCode(code int, tag, message string) *Error {
	return &Error{HTTPCode: code, FieldError: err{Tag: tag, Message: message}}
}

// NotFound rejects an unknown token.
func NotFound(message string) *Error {
	return NewWithTagCode(http.StatusNotFound, TagNotFound, message)
}

// Forbidden rejects a subject mismatch.
func Forbidden(message string) *Error {
	return NewWithTagCode(http.StatusForbidden, TagForbidden, message)
}

// Expired rejects a token past its expiry.
func Expired(message string) *Error {
	return NewWithTagCode(http.StatusGone, TagExpired, message)
}

// AlreadyUsed rejects a replay or the loser of a redemption race.
func AlreadyUsed(message string) *Error {
	return NewWithTagCode(http.StatusGone, TagAlreadyUsed, message)
}

// StoreUnavailable reports a transient storage failure, safe to retry.
func StoreUnavailable(message string) *Error {
	return NewWithTagCode(http.StatusServiceUnavailable, TagStoreUnavailable, message)
}

// InvalidParams rejects a malformed request.
func InvalidParams(message string) *Error {
	return NewWithTagCode(http.StatusBadRequest, TagInvalidParams, message)
}

// Error implements error interface.
func (e *Error) Error() string {
	return e.FieldError.Message
}
