package domain

import "fmt"

// Error is the unified error type for HiveForge.
// Each error has a numeric code and human-readable message.
type Error struct {
	Code    int
	Message string
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("hiveforge error %d: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches any *Error carrying the same code, so errors.Is works against
// the sentinels below even after the message was specialised.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new Error.
func NewError(code int, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// WrapError creates an Error that includes a cause.
func WrapError(code int, msg string, cause error) *Error {
	if cause == nil {
		return &Error{Code: code, Message: msg}
	}
	return &Error{Code: code, Message: fmt.Sprintf("%s: %v", msg, cause), cause: cause}
}

// Errorf specialises a sentinel's message while keeping its code.
func Errorf(sentinel *Error, format string, args ...any) *Error {
	return &Error{Code: sentinel.Code, Message: fmt.Sprintf("%s: %s", sentinel.Message, fmt.Sprintf(format, args...))}
}

// ---- Mailbox errors (-32010 to -32039) ----

var (
	ErrInvalidRecipient      = &Error{Code: -32010, Message: "invalid recipient id"}
	ErrInvalidMessageID      = &Error{Code: -32011, Message: "invalid message id"}
	ErrMailboxUnavailable    = &Error{Code: -32012, Message: "mailbox storage unavailable"}
	ErrMalformedMessage      = &Error{Code: -32013, Message: "malformed stored message"}
	ErrAckRequiresNumericID  = &Error{Code: -32014, Message: "remote ack requires a numeric message id"}
	ErrRemoteCallFailed      = &Error{Code: -32015, Message: "remote mail call failed"}
	ErrRemoteInvalidResponse = &Error{Code: -32016, Message: "remote mail returned invalid response"}
	ErrUnknownBackend        = &Error{Code: -32017, Message: "unknown mail backend"}
)

// ---- Workflow errors (-32040 to -32069) ----

var (
	ErrThreadNotFound    = &Error{Code: -32040, Message: "thread not found"}
	ErrOutOfOrder        = &Error{Code: -32041, Message: "message does not match thread state"}
	ErrInvalidState      = &Error{Code: -32042, Message: "invalid workflow state value"}
	ErrOptimisticLock    = &Error{Code: -32043, Message: "optimistic lock conflict: state was modified concurrently"}
	ErrUnhandledMessage  = &Error{Code: -32044, Message: "no handler for message type"}
	ErrThreadAlreadyDone = &Error{Code: -32045, Message: "thread already in a terminal state"}
)

// ---- Knowledge store errors (-32070 to -32089) ----

var (
	ErrBeadInvalid  = &Error{Code: -32070, Message: "bead validation failed"}
	ErrBeadNotFound = &Error{Code: -32071, Message: "bead not found"}
)

// ---- Role errors (-32090 to -32109) ----

var (
	ErrRoleUnknown = &Error{Code: -32090, Message: "unknown role"}
	ErrExecFailed  = &Error{Code: -32091, Message: "external role command failed"}
	ErrExecOutput  = &Error{Code: -32092, Message: "external role command produced no JSON output"}
)

// ---- Store / Config errors (-32130 to -32159) ----

var (
	ErrStoreInit       = &Error{Code: -32130, Message: "failed to initialize store"}
	ErrStoreQuery      = &Error{Code: -32131, Message: "store query failed"}
	ErrStoreWrite      = &Error{Code: -32132, Message: "store write failed"}
	ErrSchemaMigration = &Error{Code: -32133, Message: "schema migration failed"}
	ErrSnapshotWrite   = &Error{Code: -32134, Message: "state snapshot write failed"}
	ErrConfigInvalid   = &Error{Code: -32136, Message: "invalid configuration"}
	ErrRateLimited     = &Error{Code: -32137, Message: "rate limit exceeded"}
)
