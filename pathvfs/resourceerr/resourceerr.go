// Package resourceerr defines the error taxonomy shared by every layer of
// the virtual file system: VersionLog, ResourceBuilder, PathManager,
// PathRouter, and the VFS facade all signal failure through an *Error with
// one of the Kind values below, so callers can branch on errors.As without
// depending on package-private sentinel values.
package resourceerr

import (
	"errors"
	"strings"

	"go.uber.org/multierr"
)

// Kind classifies the reason an operation failed.
type Kind int

const (
	// Unknown is the zero value and should not be constructed directly.
	Unknown Kind = iota
	// NotFound indicates the path, version, or resource is absent.
	NotFound
	// Corrupt indicates a version is referenced but its directory is
	// missing or malformed.
	Corrupt
	// IllegalWriteRequest indicates a stream-ref policy violation, such
	// as appending to a blob or creating over an existing completed
	// version without replace semantics.
	IllegalWriteRequest
	// PermissionDenied indicates the write authorities are not covered
	// by any granted permission.
	PermissionDenied
	// IOError indicates a filesystem or underlying-engine failure.
	IOError
	// ExtractorError indicates on-disk metadata could not be parsed.
	ExtractorError
	// Conflict indicates a version id is being reused with a different
	// resource type than it was first created with.
	Conflict
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "NotFound"
	case Corrupt:
		return "Corrupt"
	case IllegalWriteRequest:
		return "IllegalWriteRequest"
	case PermissionDenied:
		return "PermissionDenied"
	case IOError:
		return "IOError"
	case ExtractorError:
		return "ExtractorError"
	case Conflict:
		return "Conflict"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type returned by every exported operation in
// this module. Path is optional context carried along for logging; it is
// not part of error identity (use Kind and errors.Is/As).
type Error struct {
	Kind    Kind
	Message string
	Path    string
	Cause   error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Path != "" {
		b.WriteString(" path=")
		b.WriteString(e.Path)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, resourceerr.New(kind, "", "")) style comparisons by
// Kind alone.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return te.Kind == e.Kind
	}
	return false
}

// New builds an *Error with no wrapped cause.
func New(kind Kind, path, message string) *Error {
	return &Error{Kind: kind, Path: path, Message: message}
}

// Wrap builds an *Error carrying cause as the wrapped error.
func Wrap(kind Kind, path, message string, cause error) *Error {
	return &Error{Kind: kind, Path: path, Message: message, Cause: cause}
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, and false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return Unknown, false
}

// NewCompound aggregates errors from a multi-path batch operation into a
// single compound error. Returns nil if every entry in errs is nil.
func NewCompound(errs ...error) error {
	return multierr.Combine(errs...)
}

// CompoundErrors returns the individual errors making up a compound error
// produced by NewCompound, or a single-element slice if err is a non-nil
// error that is not itself a compound. A nil err yields an empty slice.
func CompoundErrors(err error) []error {
	return multierr.Errors(err)
}
