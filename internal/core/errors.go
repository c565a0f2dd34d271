package core

import "errors"

// Error codes for domain errors.
const (
	ErrCodeRoomNotFound        = "room_not_found"
	ErrCodeUserNotFound        = "user_not_found"
	ErrCodeNotMember           = "not_member"
	ErrCodeAlreadyMember       = "already_member"
	ErrCodeAlreadyExists       = "already_exists"
	ErrCodeRoomLocked          = "room_locked"
	ErrCodeGroupChatCannotLock = "group_chat_cannot_lock"
	ErrCodeUnauthorized        = "unauthorized"
	ErrCodeInvalidRequest      = "invalid_request"
	ErrCodeStoreIO             = "store_io"
)

var (
	ErrRoomNotFound        = coreError(ErrCodeRoomNotFound, "room not found")
	ErrUserNotFound        = coreError(ErrCodeUserNotFound, "user not found")
	ErrNotMember           = coreError(ErrCodeNotMember, "user is not a member of the room")
	ErrAlreadyMember       = coreError(ErrCodeAlreadyMember, "user is already a member of the room")
	ErrAlreadyExists       = coreError(ErrCodeAlreadyExists, "user already exists")
	ErrRoomLocked          = coreError(ErrCodeRoomLocked, "room is locked")
	ErrGroupChatCannotLock = coreError(ErrCodeGroupChatCannotLock, "only rooms with exactly two members can be locked")
	ErrUnauthorized        = coreError(ErrCodeUnauthorized, "unauthorized")
	ErrInvalidRequest      = coreError(ErrCodeInvalidRequest, "invalid request")
	ErrStoreIO             = coreError(ErrCodeStoreIO, "store failure")
)

// CoreError wraps a code and human-readable message.
type CoreError struct {
	Code    string
	Message string
}

func (e *CoreError) Error() string {
	return e.Message
}

func coreError(code, msg string) *CoreError {
	return &CoreError{Code: code, Message: msg}
}

// storeIOError marks err as a store failure while keeping the cause in the chain.
type storeIOError struct {
	op  string
	err error
}

func (e *storeIOError) Error() string {
	return e.op + ": " + e.err.Error()
}

func (e *storeIOError) Unwrap() []error {
	return []error{ErrStoreIO, e.err}
}

func storeIO(op string, err error) error {
	return &storeIOError{op: op, err: err}
}

// Code returns the domain code carried by err, or "" for foreign errors.
func Code(err error) string {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}
