package ctrl

import "fmt"

type ErrorCode int32

const (
	CodeFailure ErrorCode = iota + 1
	CodeNotFound
)

// Error is the typed envelope every API call fails with; callers
// distinguish NotFound from generic failure via Code or errors.As.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	if e.Code == CodeNotFound {
		return "not found: " + e.Message
	}
	return e.Message
}

func notFound(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

func failure(err error) *Error {
	if err == nil {
		return nil
	}
	if typed, ok := err.(*Error); ok {
		return typed
	}
	return &Error{Code: CodeFailure, Message: err.Error()}
}

// IsNotFound reports whether err is the typed not-found error.
func IsNotFound(err error) bool {
	typed, ok := err.(*Error)
	return ok && typed.Code == CodeNotFound
}
