package shipledger

import (
	"errors"
	"fmt"
)

// Kind is a stable category for programmatic error handling.
// Callers should branch on Kind rather than on error strings.
type Kind string

const (
	// KindFormat means content is neither a plaintext ledger nor a decryptable envelope.
	KindFormat Kind = "Format"
	// KindIO means a file is missing, unreadable, or was not written completely.
	KindIO Kind = "IO"
	// KindInput means producer input was rejected (article, quantity or timestamp).
	KindInput Kind = "Input"
)

// ErrNotCiphertext indicates that bytes handed to Envelope.Open are not a sealed ledger.
var ErrNotCiphertext = errors.New("not an encrypted ledger")

// ErrEmptyLedger is returned when exporting a session with no records.
var ErrEmptyLedger = errors.New("ledger has no records")

// ErrNonContiguous is returned by stores when an append skips or repeats an index.
var ErrNonContiguous = errors.New("non-contiguous append")

// ErrCorruptJournal is returned when a journal cannot be read back to the
// last acknowledged entry.
var ErrCorruptJournal = errors.New("corrupt journal")

// Error is the structured error returned at the Load/Append/Export boundary.
// Message is meant for humans; do not match on it.
type Error struct {
	Kind    Kind
	Op      string // load, append, export, ...
	Path    string // file involved, if any
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Message
	if e.Path != "" {
		msg = fmt.Sprintf("%s %q: %s", e.Op, e.Path, msg)
	} else if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func newError(kind Kind, op, path, msg string, cause error) error {
	return &Error{Kind: kind, Op: op, Path: path, Message: msg, Cause: cause}
}

// IsKind reports whether err is (or wraps) an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
