// Package failure defines the typed failures the storage node reports to its
// callers. Each failure carries a stable code, an HTTP status for the
// presentation layer, and a human readable description.
package failure

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a class of failure.
type Kind struct {
	Code        string
	HTTPCode    int
	Description string
}

// Error lets a Kind be used directly as an errors.Is target.
func (k *Kind) Error() string {
	return k.Code
}

var (
	Unknown = &Kind{
		Code:        "error/unknown",
		HTTPCode:    http.StatusInternalServerError,
		Description: "An unknown error occurred.",
	}
	BadRequest = &Kind{
		Code:        "request/bad-request",
		HTTPCode:    http.StatusBadRequest,
		Description: "Bad Request",
	}
	UnknownResource = &Kind{
		Code:        "request/unknown-resource",
		HTTPCode:    http.StatusNotFound,
		Description: "Unknown Resource",
	}
	MissingRecord = &Kind{
		Code:        "database/missing-record",
		HTTPCode:    http.StatusNotFound,
		Description: "The requested record does not exist.",
	}
	DataExceedsBlockSize = &Kind{
		Code:        "file-storage/exceeds-block-size",
		HTTPCode:    http.StatusRequestEntityTooLarge,
		Description: "Data does not fit into a single block.",
	}
	BlockLimitExceeded = &Kind{
		Code:        "file-storage/block-limit-exceeded",
		HTTPCode:    http.StatusInsufficientStorage,
		Description: "The maximum number of blocks has been reached.",
	}
	UnknownBlock = &Kind{
		Code:        "file-storage/unknown-block",
		HTTPCode:    http.StatusNotFound,
		Description: "The referenced block is not occupied.",
	}
	WriteError = &Kind{
		Code:        "file-storage/write-error",
		HTTPCode:    http.StatusInternalServerError,
		Description: "Writing to the storage medium failed.",
	}
	ReadError = &Kind{
		Code:        "file-storage/read-error",
		HTTPCode:    http.StatusInternalServerError,
		Description: "Reading from the storage medium failed.",
	}
	InvalidOperation = &Kind{
		Code:        "file-storage/invalid-operation",
		HTTPCode:    http.StatusBadRequest,
		Description: "The operation is not allowed.",
	}
)

var kinds = []*Kind{
	Unknown,
	BadRequest,
	UnknownResource,
	MissingRecord,
	DataExceedsBlockSize,
	BlockLimitExceeded,
	UnknownBlock,
	WriteError,
	ReadError,
	InvalidOperation,
}

// Lookup returns the Kind registered under code, or Unknown.
func Lookup(code string) *Kind {
	for _, k := range kinds {
		if k.Code == code {
			return k
		}
	}
	return Unknown
}

// Error is a typed failure. Description defaults to the kind's description.
type Error struct {
	Kind        *Kind
	Message     string
	Description string
	Err         error
}

// New creates a failure of the given kind with a formatted message.
func New(kind *Kind, format string, args ...interface{}) *Error {
	return &Error{
		Kind:        kind,
		Message:     fmt.Sprintf(format, args...),
		Description: kind.Description,
	}
}

// Wrap creates a failure of the given kind caused by err.
func Wrap(kind *Kind, err error, format string, args ...interface{}) *Error {
	e := New(kind, format, args...)
	e.Err = err
	return e
}

// WithDescription overrides the presentation description.
func (e *Error) WithDescription(description string) *Error {
	e.Description = description
	return e
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the failure's Kind, so errors.Is(err, failure.UnknownBlock) works.
func (e *Error) Is(target error) bool {
	if k, ok := target.(*Kind); ok {
		return e.Kind == k
	}
	return false
}

// Code returns the stable failure code.
func (e *Error) Code() string { return e.Kind.Code }

// HTTPCode returns the HTTP status the presentation layer should use.
func (e *Error) HTTPCode() int { return e.Kind.HTTPCode }

// As extracts a typed failure from err. Untyped errors are reported as Unknown.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	var k *Kind
	if errors.As(err, &k) {
		return New(k, "%s", k.Description)
	}
	return Wrap(Unknown, err, "unexpected failure")
}

// KindOf returns the Kind of err, or nil when err is nil.
func KindOf(err error) *Kind {
	if fe := As(err); fe != nil {
		return fe.Kind
	}
	return nil
}

// Resolve maps the outcome of an operation onto what the caller sees: the
// data, or a typed failure. An outcome with neither data nor error is
// reported as UnknownResource.
func Resolve(data interface{}, err error) (interface{}, *Error) {
	if err != nil {
		return nil, As(err)
	}
	if isNil(data) {
		return nil, New(UnknownResource, "unknown endpoint")
	}
	return data, nil
}

func isNil(v interface{}) bool {
	switch d := v.(type) {
	case nil:
		return true
	case []byte:
		return d == nil
	default:
		return false
	}
}
