package protocol

import (
	"errors"
	"fmt"
)

// Stable numeric error codes. Clients branch on these; never renumber.
const (
	CodeBadRequest        = 4000
	CodeUnauthorized      = 4003
	CodeUnknownType       = 4004
	CodeNotSubscribed     = 4005
	CodeNotParticipant    = 4032
	CodeContestNotFound   = 4044
	CodeRoomNotFound      = 4045
	CodeRateLimited       = 4290
	CodeServerError       = 5001
	CodeSubscriptionError = 5002
	CodeExternalService   = 5003
)

// Error is a protocol-visible failure. Everything a handler can report to
// a client is one of these; anything else becomes CodeServerError.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("protocol error %d: %s", e.Code, e.Message)
}

// Errf builds a protocol error with a formatted message.
func Errf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError unwraps err into a protocol Error if it carries one.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// CountsAsViolation reports whether an error code contributes to the
// repeated-protocol-violation strike count. Semantic misses (not found,
// not a participant) and transient server-side failures do not.
func CountsAsViolation(code int) bool {
	switch code {
	case CodeBadRequest, CodeUnauthorized, CodeUnknownType, CodeNotSubscribed, CodeRateLimited:
		return true
	}
	return false
}
