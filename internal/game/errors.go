package game

import (
	"errors"
	"fmt"

	"roverworld.ai/internal/model"
	"roverworld.ai/internal/protocol"
)

type Kind string

const (
	KindValidation Kind = "validation"
	KindConstraint Kind = "constraint"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
)

// Error is a rule or input failure the caller is told about. Anything that
// is not an *Error is infrastructure or a broken invariant.
type Error struct {
	Kind Kind
	Code string
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func validationf(code, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: code, Msg: fmt.Sprintf(format, args...)}
}

func constraintf(code, format string, args ...any) *Error {
	return &Error{Kind: KindConstraint, Code: code, Msg: fmt.Sprintf(format, args...)}
}

func notFoundf(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Code: protocol.ErrNotFound, Msg: fmt.Sprintf(format, args...)}
}

func conflictf(code, format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Code: code, Msg: fmt.Sprintf(format, args...)}
}

// AsError unwraps err to a game error, if it is one.
func AsError(err error) (*Error, bool) {
	var ge *Error
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// IsInvariant reports whether err is a broken model invariant.
func IsInvariant(err error) bool {
	var ie *model.InvariantError
	return errors.As(err, &ie)
}
