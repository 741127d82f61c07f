// Package apperr classifies pipeline failures and maps them to process exit codes.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for handling purposes.
type Kind int

const (
	KindInternal Kind = iota
	// KindIO covers failures to open/read the source or create/write the output.
	KindIO
	// KindFrameCorruption means a frame boundary could not be located.
	KindFrameCorruption
	// KindFieldDecode is a recoverable type conversion failure of a single field.
	KindFieldDecode
	// KindOutputConflict means the destination exists and overwrite is not permitted.
	KindOutputConflict
	// KindCancelled means the shell requested an abort.
	KindCancelled
	// KindInvalid covers bad invocations, unknown formats and bad format tables.
	KindInvalid
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindFrameCorruption:
		return "frame_corruption"
	case KindFieldDecode:
		return "field_decode"
	case KindOutputConflict:
		return "output_conflict"
	case KindCancelled:
		return "cancelled"
	case KindInvalid:
		return "invalid"
	default:
		return "internal"
	}
}

// Process exit codes.
const (
	ExitOK             = 0
	ExitInternal       = 1
	ExitInvalid        = 2
	ExitIO             = 3
	ExitFrame          = 4
	ExitOutputConflict = 5
	ExitCancelled      = 6
)

// Error wraps an error with its classification and position.
type Error struct {
	Kind   Kind
	Op     string
	Path   string
	Offset int64 // -1 when not applicable
	Frame  int64 // -1 when not applicable
	Field  string
	Err    error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Op
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Field != "" {
		msg += fmt.Sprintf(" field %q", e.Field)
	}
	if e.Frame >= 0 {
		msg += fmt.Sprintf(" frame %d", e.Frame)
	}
	if e.Offset >= 0 {
		msg += fmt.Sprintf(" at offset %d", e.Offset)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, &Error{Kind: k}) match on kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrIO             = &Error{Kind: KindIO}
	ErrFrameCorrupted = &Error{Kind: KindFrameCorruption}
	ErrFieldDecode    = &Error{Kind: KindFieldDecode}
	ErrOutputConflict = &Error{Kind: KindOutputConflict}
	ErrCancelled      = &Error{Kind: KindCancelled}
	ErrInvalid        = &Error{Kind: KindInvalid}
)

// NewIOError creates an IOError for op on path.
func NewIOError(op, path string, cause error) *Error {
	return &Error{Kind: KindIO, Op: op, Path: path, Offset: -1, Frame: -1, Err: cause}
}

// NewFrameCorruptionError reports a frame boundary that cannot be located.
func NewFrameCorruptionError(frame, offset int64, cause error) *Error {
	return &Error{Kind: KindFrameCorruption, Op: "corrupt frame boundary", Offset: offset, Frame: frame, Err: cause}
}

// NewFieldDecodeError reports a field that failed type conversion.
func NewFieldDecodeError(field string, frame, offset int64, cause error) *Error {
	return &Error{Kind: KindFieldDecode, Op: "decode", Field: field, Offset: offset, Frame: frame, Err: cause}
}

// NewOutputConflictError reports an existing destination file.
func NewOutputConflictError(path string) *Error {
	return &Error{Kind: KindOutputConflict, Op: "output exists", Path: path, Offset: -1, Frame: -1,
		Err: errors.New("refusing to overwrite without overwrite policy")}
}

// NewCancelledError reports an abort requested by the shell.
func NewCancelledError(cause error) *Error {
	if cause == nil {
		cause = context.Canceled
	}
	return &Error{Kind: KindCancelled, Op: "job cancelled", Offset: -1, Frame: -1, Err: cause}
}

// NewInvalidError reports a bad invocation or format table.
func NewInvalidError(op string, cause error) *Error {
	return &Error{Kind: KindInvalid, Op: op, Offset: -1, Frame: -1, Err: cause}
}

// KindOf returns the classification of err. Unclassified context errors map to
// KindCancelled; everything else unclassified is KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindInternal
}

// IsFatal reports whether err must stop the pipeline.
func IsFatal(err error) bool {
	return err != nil && KindOf(err) != KindFieldDecode
}

// ExitCode maps err to the process exit status. A nil error is success.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch KindOf(err) {
	case KindFieldDecode:
		// absorbed into the job result, never ends a job
		return ExitOK
	case KindIO:
		return ExitIO
	case KindFrameCorruption:
		return ExitFrame
	case KindOutputConflict:
		return ExitOutputConflict
	case KindCancelled:
		return ExitCancelled
	case KindInvalid:
		return ExitInvalid
	default:
		return ExitInternal
	}
}
