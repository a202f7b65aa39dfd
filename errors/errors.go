package errors

import (
	"fmt"
	"reflect"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = Register(2, "not found")

	// ErrDuplicate is returned when an entity with the same unique key was
	// already processed. Deposit proofs crediting an already credited
	// output and repeated signature shares fall into this category.
	ErrDuplicate = Register(3, "duplicate")

	// ErrInvalidProof is returned for a deposit proof that is malformed or
	// internally inconsistent. Such a proof is dropped, never retried.
	ErrInvalidProof = Register(4, "invalid proof")

	// ErrUnauthorizedSignatory is returned when a signature share comes
	// from a key that is not a member of the relevant signatory set.
	ErrUnauthorizedSignatory = Register(5, "signatory not in set")

	// ErrInvalidSignature is returned when a share fails cryptographic
	// verification against the signatory key and transaction digest.
	ErrInvalidSignature = Register(6, "invalid signature")

	// ErrStaleCheckpoint is returned when appending a checkpoint whose
	// predecessor is not the current head or whose generation does not
	// increase.
	ErrStaleCheckpoint = Register(7, "stale checkpoint")

	// ErrEmptySet is returned when the validator weights reduce to a
	// signatory set with zero total power. This halts checkpoint
	// progression and must be surfaced to the operator.
	ErrEmptySet = Register(8, "empty signatory set")

	// ErrState is returned when an operation is not valid for the current
	// state of an entity, for example submitting a share to a transaction
	// that is no longer open.
	ErrState = Register(9, "invalid state")

	// ErrExpired is returned for pending transactions that did not reach
	// threshold within their deadline.
	ErrExpired = Register(10, "expired")

	// ErrNetwork is returned for RPC and transport failures. These are
	// transient and safe to retry with backoff.
	ErrNetwork = Register(11, "network")

	// ErrTimeout is returned when a call exceeded its deadline. Transient.
	ErrTimeout = Register(12, "timeout")

	// ErrCorruption is returned when persisted state fails to decode or
	// fails an integrity check on load. Fatal: the component must halt
	// rather than guess.
	ErrCorruption = Register(13, "state corruption")

	// ErrOverflow is returned when an amount computation exceeds the value
	// range, for example a reserve balance that would wrap.
	ErrOverflow = Register(14, "overflow")

	// ErrInput is returned for invalid function input or configuration.
	ErrInput = Register(15, "invalid input")

	// ErrMsg is returned when a message or transaction cannot be encoded
	// or decoded.
	ErrMsg = Register(16, "invalid message")

	// ErrRejected is returned when the Bitcoin network refused a broadcast
	// transaction. Carries the node's reason in the wrapping message.
	ErrRejected = Register(17, "broadcast rejected")

	// ErrPanic is set only when recovering from a panic.
	ErrPanic = Register(111222, "panic")
)

// Register returns a new root error with the given unique code. Root errors
// categorize failures; all runtime errors must wrap one of them so callers
// can match with Is without string comparison.
//
// Reusing a code panics. Call only during package initialization.
func Register(code uint32, description string) *Error {
	if e, ok := usedCodes[code]; ok {
		panic(fmt.Sprintf("error with code %d is already registered: %q", code, e.desc))
	}
	err := &Error{
		code: code,
		desc: description,
	}
	usedCodes[code] = err
	return err
}

// usedCodes guards root error code uniqueness. Code 1 is reserved for
// errors that did not originate in this codebase.
var usedCodes = map[uint32]*Error{
	1: nil,
}

// Error is a root error. Instances created at runtime must wrap one of the
// registered roots so that the failure category survives wrapping.
type Error struct {
	code uint32
	desc string
}

func (e Error) Error() string {
	return e.desc
}

// ABCICode returns the code under which this error category is reported
// over the sidechain's ABCI interface.
func (e Error) ABCICode() uint32 {
	return e.code
}

// New returns an error that has this root as its cause.
func (e *Error) New(description string) error {
	return Wrap(e, description)
}

// Newf is New with formatting.
func (e *Error) Newf(description string, args ...interface{}) error {
	return e.New(fmt.Sprintf(description, args...))
}

// Is checks if the given error wraps this root. It unwraps through any
// number of layers using the Cause method.
func (kind *Error) Is(err error) bool {
	// Reflection is needed to compare against a typed nil.
	if kind == nil {
		if err == nil {
			return true
		}
		return reflect.ValueOf(err).IsNil()
	}

	for {
		if err == kind {
			return true
		}
		if c, ok := err.(causer); ok {
			err = c.Cause()
		} else {
			return false
		}
	}
}

// Wrap extends an error with additional context. The root cause is
// preserved so Is matching still works. A stack trace is attached once, at
// the innermost wrap.
//
// Wrapping nil returns nil.
func Wrap(err error, description string) error {
	if err == nil {
		return nil
	}

	if stackTrace(err) == nil {
		err = errors.WithStack(err)
	}

	return &wrappedError{
		parent: err,
		msg:    description,
	}
}

// Wrapf is Wrap with formatting.
func Wrapf(err error, format string, args ...interface{}) error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

type wrappedError struct {
	msg    string
	parent error
}

func (e *wrappedError) Error() string {
	return fmt.Sprintf("%s: %s", e.msg, e.parent.Error())
}

func (e *wrappedError) Cause() error {
	return e.parent
}

// Recover captures a panic and converts it into an ErrPanic assigned to the
// given error pointer. Use with defer.
func Recover(err *error) {
	if r := recover(); r != nil {
		*err = Wrapf(ErrPanic, "%v", r)
	}
}

// IsTransient reports whether the error is safe to retry: network failures
// and timeouts. Everything else is either invalid input (drop) or fatal
// (halt).
func IsTransient(err error) bool {
	return ErrNetwork.Is(err) || ErrTimeout.Is(err)
}

// IsFatal reports whether the error must halt the affected component and be
// surfaced to the operator instead of being retried or skipped.
func IsFatal(err error) bool {
	return ErrEmptySet.Is(err) || ErrCorruption.Is(err)
}

// causer is implemented by errors that support unwrapping.
type causer interface {
	Cause() error
}

// stackTracer is implemented by errors carrying a call stack.
type stackTracer interface {
	StackTrace() errors.StackTrace
}

func stackTrace(err error) errors.StackTrace {
	for {
		if st, ok := err.(stackTracer); ok {
			return st.StackTrace()
		}
		if c, ok := err.(causer); ok {
			err = c.Cause()
		} else {
			return nil
		}
	}
}
