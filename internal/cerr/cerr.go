package cerr

import (
	"errors"
	"fmt"
)

// Sentinel errors for the engine-side failure taxonomy. Callers classify with
// errors.Is; wrapped messages carry the concrete detail.
var (
	ErrConnection         = errors.New("connection error")
	ErrRequestTimeout     = errors.New("request timeout")
	ErrStartupTimeout     = errors.New("startup timeout")
	ErrDriverCrashed      = errors.New("driver crashed")
	ErrCapabilityMismatch = errors.New("capability mismatch")
	ErrIncomplete         = errors.New("orchestration incomplete")
	ErrUserAbort          = errors.New("user abort")
)

// ProtocolError carries the wire error code (400 malformed, 404 unknown method,
// 500 internal) alongside the peer-provided message.
type ProtocolError struct {
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error %d: %s", e.Code, e.Message)
}

// NewProtocolError builds a ProtocolError for the given wire code.
func NewProtocolError(code int, message string) *ProtocolError {
	return &ProtocolError{Code: code, Message: message}
}

// Connectionf wraps ErrConnection with a formatted detail message.
func Connectionf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrConnection}, args...)...)
}

// IsFatalForRole reports whether an iteration error means the role's connection
// is unusable. Timeouts are recoverable: the provider may simply be slow.
func IsFatalForRole(err error) bool {
	return errors.Is(err, ErrConnection) || errors.Is(err, ErrDriverCrashed)
}
