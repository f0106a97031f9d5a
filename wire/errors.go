package wire

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a runtime failure. Kinds travel on the wire inside
// Response.errorMessage and StreamError.errorMessage as a "kind: detail"
// string, so both sides can agree on recovery behavior.
type Kind string

// Canonical error kinds.
const (
	KindActorNotFound       Kind = "actorNotFound"
	KindInvalidEnvelope     Kind = "invalidEnvelope"
	KindConnectionFailed    Kind = "connectionFailed"
	KindTimeout             Kind = "timeout"
	KindValidationError     Kind = "validationError"
	KindAuthenticationError Kind = "authenticationError"
	KindAuthorizationError  Kind = "authorizationError"
	KindRateLimitExceeded   Kind = "rateLimitExceeded"
	KindHandlerError        Kind = "handlerError"
	KindVersionConflict     Kind = "versionConflict"
	KindMaxRetriesExceeded  Kind = "maxRetriesExceeded"
	KindServerDraining      Kind = "serverDraining"
	KindStreamBufferExpired Kind = "streamBufferExpired"
)

// knownKinds is the set of kinds understood by this runtime version.
var knownKinds = map[Kind]bool{
	KindActorNotFound:       true,
	KindInvalidEnvelope:     true,
	KindConnectionFailed:    true,
	KindTimeout:             true,
	KindValidationError:     true,
	KindAuthenticationError: true,
	KindAuthorizationError:  true,
	KindRateLimitExceeded:   true,
	KindHandlerError:        true,
	KindVersionConflict:     true,
	KindMaxRetriesExceeded:  true,
	KindServerDraining:      true,
	KindStreamBufferExpired: true,
}

// retryableKinds marks the kinds a caller may retry, possibly against a
// different endpoint or after backing off.
var retryableKinds = map[Kind]bool{
	KindConnectionFailed:    true,
	KindTimeout:             true,
	KindRateLimitExceeded:   true,
	KindVersionConflict:     true,
	KindServerDraining:      true,
	KindStreamBufferExpired: true,
}

// Error is the structured failure type surfaced across the runtime.
// It satisfies the error interface and round-trips through the wire
// representation produced by FormatError / ParseErrorMessage.
type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
}

// NewError builds an Error with retryability derived from the kind.
func NewError(kind Kind, message string) *Error {
	return &Error{
		Kind:      kind,
		Message:   message,
		Retryable: retryableKinds[kind],
	}
}

// Errorf builds an Error with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return NewError(kind, fmt.Sprintf(format, args...))
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

// Is reports whether target carries the same kind. This lets errors.Is
// match wrapped Errors against sentinel instances.
func (e *Error) Is(target error) bool {
	var we *Error
	if errors.As(target, &we) {
		return e.Kind == we.Kind
	}
	return false
}

// AsError extracts a *Error from err's chain. Errors without a *Error in
// the chain report ok == false.
func AsError(err error) (*Error, bool) {
	var we *Error
	if errors.As(err, &we) {
		return we, true
	}
	return nil, false
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	if we, ok := AsError(err); ok {
		return we.Kind == kind
	}
	return false
}

// FromError coerces an arbitrary error into a wire Error. Errors that are
// not already wire Errors become handlerError, the dispatch-boundary default.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	if we, ok := AsError(err); ok {
		return we
	}
	return NewError(KindHandlerError, err.Error())
}

// FormatError renders the wire string form ("kind: message").
func FormatError(e *Error) string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

// ParseErrorMessage rebuilds an Error from its wire string form. Strings
// without a recognized kind prefix decode as handlerError, preserving the
// original text as the message.
func ParseErrorMessage(s string) *Error {
	if s == "" {
		return nil
	}
	head, rest, found := strings.Cut(s, ":")
	if knownKinds[Kind(head)] {
		msg := ""
		if found {
			msg = strings.TrimPrefix(rest, " ")
		}
		return NewError(Kind(head), msg)
	}
	return NewError(KindHandlerError, s)
}

// NotFound builds an actorNotFound error naming the missing actor.
func NotFound(id string) *Error {
	return Errorf(KindActorNotFound, "no actor registered under %q", id)
}

// Draining is returned for work arriving at a host that is shutting down.
func Draining() *Error {
	return NewError(KindServerDraining, "host is draining; retry on another endpoint")
}

// VersionConflict reports an optimistic-concurrency failure. Expected and
// actual versions are embedded in the message and recoverable via
// ExtractVersions.
func VersionConflict(expected, actual int64) *Error {
	return Errorf(KindVersionConflict, "expected version %d, found %d", expected, actual)
}

// ExtractVersions pulls the expected/actual pair out of a versionConflict
// error message. ok is false for any other error.
func ExtractVersions(err error) (expected, actual int64, ok bool) {
	we, found := AsError(err)
	if !found || we.Kind != KindVersionConflict {
		return 0, 0, false
	}
	if _, scanErr := fmt.Sscanf(we.Message, "expected version %d, found %d", &expected, &actual); scanErr != nil {
		return 0, 0, false
	}
	return expected, actual, true
}
