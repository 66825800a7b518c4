package gateway

import "errors"

// Gateway error taxonomy. Every one of these is delivered only to the
// originating session as an "error" event; none is fatal to the process
// and none is ever broadcast to a room.
var (
	ErrAuthRequired      = errors.New("authentication required")
	ErrAuthFailed        = errors.New("authentication failed")
	ErrInvalidPayload    = errors.New("invalid payload")
	ErrRateLimited       = errors.New("too many messages, slow down")
	ErrPersistenceFailed = errors.New("failed to send message")
	ErrUnauthorized      = errors.New("unauthorized")
)
