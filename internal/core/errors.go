package core

import "errors"

// Error codes for user-visible failures.
const (
	ErrCodeRoomNotFound  = "room_not_found"
	ErrCodeAccessDenied  = "access_denied"
	ErrCodeRoomClosed    = "room_closed"
	ErrCodeSendFailed    = "send_failed"
	ErrCodeBadRequest    = "bad_request"
	ErrCodeNotConnected  = "not_connected"
	ErrCodeSessionClosed = "session_closed"
)

var (
	ErrRoomNotFound  = errors.New("room not found")
	ErrAccessDenied  = errors.New("room access denied")
	ErrRoomClosed    = errors.New("room closed")
	ErrNotConnected  = errors.New("channel not connected")
	ErrSessionClosed = errors.New("session closed")
	ErrBadRequest    = errors.New("bad request")
)

// CoreError wraps a code and human-readable message.
type CoreError struct {
	Code    string
	Message string
	Err     error
}

func (e *CoreError) Error() string {
	return e.Message
}

func (e *CoreError) Unwrap() error {
	return e.Err
}

// NewError builds a CoreError with a code and sentinel cause.
func NewError(code, msg string, cause error) *CoreError {
	return &CoreError{Code: code, Message: msg, Err: cause}
}

// CodeOf returns the code of the first CoreError in err's chain.
func CodeOf(err error) string {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}
