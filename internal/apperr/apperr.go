// Package apperr defines the typed error kinds service boundaries use to
// translate domain failures into HTTP responses without resorting to
// exceptions-as-control-flow.
package apperr

import "fmt"

// Kind classifies an Error for the purpose of HTTP status mapping.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindUnauthorized Kind = "unauthorized"
	KindForbidden    Kind = "forbidden"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindBusinessRule Kind = "business_rule"
	KindExternal     Kind = "external"
	KindInternal     Kind = "internal"
)

// Error is the structured error type returned from every service-layer
// operation that can fail in a caller-visible way.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Fields  map[string]any
	cause   error
}

// ErrorCode returns the code an HTTP response should put in its top-level
// "error" field: Code when the constructor set one (e.g. "VERSION_CONFLICT"),
// otherwise the error's Kind.
func (e *Error) ErrorCode() string {
	if e.Code != "" {
		return e.Code
	}
	return string(e.Kind)
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// With attaches a field to the error's payload, returning the same error
// for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

func newErr(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Validation(msg string) *Error   { return newErr(KindValidation, msg) }
func Unauthorized(msg string) *Error { return newErr(KindUnauthorized, msg) }
func Forbidden(msg string) *Error    { return newErr(KindForbidden, msg) }
func NotFound(msg string) *Error     { return newErr(KindNotFound, msg) }
func Conflict(msg string) *Error     { return newErr(KindConflict, msg) }
func BusinessRule(msg string) *Error { return newErr(KindBusinessRule, msg) }

// External wraps an error from an out-of-process collaborator (notification
// provider, external API). It never propagates as a panic; callers treat it
// as a recoverable condition reflected back through entity state.
func External(msg string, cause error) *Error {
	return &Error{Kind: KindExternal, Message: msg, cause: cause}
}

// Internal wraps an unexpected failure. The caller should log the full
// error and return only a redacted summary to the client.
func Internal(msg string, cause error) *Error {
	return &Error{Kind: KindInternal, Message: msg, cause: cause}
}

// VersionConflict builds the 409 payload shape spec.md §8 S3 requires: a
// top-level error code of "VERSION_CONFLICT", not the generic "conflict"
// kind, alongside entity/client_version/current_version fields.
func VersionConflict(entity string, clientVersion, currentVersion int64) *Error {
	e := newErr(KindConflict, "VERSION_CONFLICT")
	e.Code = "VERSION_CONFLICT"
	return e.
		With("entity", entity).
		With("client_version", clientVersion).
		With("current_version", currentVersion)
}

// Is allows errors.Is(err, &apperr.Error{Kind: apperr.KindConflict}) style
// checks: two *Error values match when their Kinds are equal.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}
