// Package apperr defines the failure kinds surfaced by the backup engine.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindIO
	KindExternalTool
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindIO:
		return "io"
	case KindExternalTool:
		return "external_tool"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Error is a classified failure. Output carries diagnostic text from an
// external tool when one was involved.
type Error struct {
	Kind   Kind
	Op     string
	Msg    string
	Output string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Msg)
	if e.Err != nil {
		if e.Msg != "" {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		b.WriteString(" (")
		b.WriteString(out)
		b.WriteString(")")
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(op, format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Conflict(op, format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// IO wraps a filesystem failure.
func IO(op string, err error) *Error {
	return &Error{Kind: KindIO, Op: op, Err: err}
}

// ExternalTool wraps a failed invocation of a dump, archive or restore tool.
func ExternalTool(tool string, err error, output string) *Error {
	return &Error{Kind: KindExternalTool, Op: tool, Err: err, Output: output}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
