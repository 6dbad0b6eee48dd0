// Package collection binds the vector store, the HNSW index, and the
// persistence layer into the unit spec.md calls a Collection: it enforces
// the dimension/quantization/normalization invariants and routes every
// mutation through the op log.
package collection

import (
	"fmt"

	"github.com/vectorcore-io/vectorcore/pkg/persistence"
	"github.com/vectorcore-io/vectorcore/pkg/store"
)

// ErrKind classifies every error a Collection (and the packages it composes)
// can return, matching spec.md §7's taxonomy exactly. Callers switch on Kind,
// never on message text.
type ErrKind int

const (
	ErrUnknown ErrKind = iota
	ErrInvalidConfig
	ErrDimensionMismatch
	ErrInvalidParameters
	ErrNotFound
	ErrExists
	ErrDuplicateID
	ErrTombstoned
	ErrCapacityExceeded
	ErrBusy
	ErrTimeout
	ErrShutdown
	ErrCancelled
	ErrCorrupt
	ErrIO
	ErrQuantizerNotFit
)

func (k ErrKind) String() string {
	switch k {
	case ErrInvalidConfig:
		return "InvalidConfig"
	case ErrDimensionMismatch:
		return "DimensionMismatch"
	case ErrInvalidParameters:
		return "InvalidParameters"
	case ErrNotFound:
		return "NotFound"
	case ErrExists:
		return "Exists"
	case ErrDuplicateID:
		return "DuplicateId"
	case ErrTombstoned:
		return "Tombstoned"
	case ErrCapacityExceeded:
		return "CapacityExceeded"
	case ErrBusy:
		return "Busy"
	case ErrTimeout:
		return "Timeout"
	case ErrShutdown:
		return "Shutdown"
	case ErrCancelled:
		return "Cancelled"
	case ErrCorrupt:
		return "Corrupt"
	case ErrIO:
		return "IoError"
	case ErrQuantizerNotFit:
		return "QuantizerNotFit"
	default:
		return "Unknown"
	}
}

// Error is the single error type every Collection operation returns on
// failure: a classified kind, a free-form message, and an optional wrapped
// cause.
type Error struct {
	Kind ErrKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind ErrKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf reports the ErrKind of err, looking through *Error wrapping.
// Errors this package doesn't recognize are ErrUnknown.
func KindOf(err error) ErrKind {
	if err == nil {
		return ErrUnknown
	}
	var ce *Error
	if as(err, &ce) {
		return ce.Kind
	}
	return ErrUnknown
}

func as(err error, target **Error) bool {
	for err != nil {
		if ce, ok := err.(*Error); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// fromStoreErr maps a *store.Error onto the collection-level taxonomy,
// attaching the original as context per spec.md §7's propagation policy
// ("lower-level detail is attached as context").
func fromStoreErr(err error) *Error {
	se, ok := err.(*store.Error)
	if !ok {
		return newErr(ErrIO, "store error", err)
	}

	switch se.Kind {
	case store.ErrNotFound:
		return newErr(ErrNotFound, se.Msg, err)
	case store.ErrDuplicateID:
		return newErr(ErrDuplicateID, se.Msg, err)
	case store.ErrTombstoned:
		return newErr(ErrTombstoned, se.Msg, err)
	case store.ErrIO:
		return newErr(ErrIO, se.Msg, err)
	default:
		return newErr(ErrUnknown, se.Msg, err)
	}
}

// fromPersistenceErr maps a *persistence.Error onto the collection-level
// taxonomy, the op-log/snapshot analogue of fromStoreErr.
func fromPersistenceErr(err error) *Error {
	pe, ok := err.(*persistence.Error)
	if !ok {
		return newErr(ErrIO, "persistence error", err)
	}

	switch pe.Kind {
	case persistence.ErrCorrupt:
		return newErr(ErrCorrupt, pe.Msg, err)
	case persistence.ErrIO:
		return newErr(ErrIO, pe.Msg, err)
	default:
		return newErr(ErrUnknown, pe.Msg, err)
	}
}
