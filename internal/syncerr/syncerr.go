// Package syncerr holds the error taxonomy shared by every sync component.
package syncerr

import (
	"context"
	"errors"
	"fmt"
)

type Kind string

const (
	KindInitialization Kind = "InitializationError"
	KindDocument       Kind = "DocumentError"
	KindFileSystem     Kind = "FileSystemError"
	KindNetwork        Kind = "NetworkError"
	KindState          Kind = "StateError"
	KindCancelled      Kind = "Cancelled"
	KindMemoryLimit    Kind = "MemoryLimitExceeded"
	KindCorrupted      Kind = "Corrupted"
)

type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, syncerr.Network)
// works regardless of op or path.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

var (
	Initialization = &Error{Kind: KindInitialization}
	Document       = &Error{Kind: KindDocument}
	FileSystem     = &Error{Kind: KindFileSystem}
	Network        = &Error{Kind: KindNetwork}
	State          = &Error{Kind: KindState}
	Cancelled      = &Error{Kind: KindCancelled}
	MemoryLimit    = &Error{Kind: KindMemoryLimit}
	Corrupted      = &Error{Kind: KindCorrupted}
)

func New(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) {
		kind = KindCancelled
	}

	return &Error{Kind: kind, Op: op, Err: err}
}

func WrapPath(kind Kind, op, path string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) {
		kind = KindCancelled
	}

	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// KindOf returns the outermost kind in the chain. Plain context
// cancellation maps to Cancelled; anything else unknown is empty.
func KindOf(err error) Kind {
	if e, ok := errors.AsType[*Error](err); ok {
		return e.Kind
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}

	return ""
}

// IsTransient reports whether retrying the failed step can succeed.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	switch KindOf(err) {
	case KindNetwork, KindCorrupted:
		return true
	case KindDocument:
		return errors.Is(err, Network)
	default:
		return false
	}
}
