package domain

import (
	"errors"
	"fmt"
)

type CallState string

const (
	CallRinging   CallState = "ringing"
	CallActive    CallState = "active"
	CallRejected  CallState = "rejected"
	CallCancelled CallState = "cancelled"
	CallEnded     CallState = "ended"
)

func (s CallState) Terminal() bool {
	switch s {
	case CallRejected, CallCancelled, CallEnded:
		return true
	}
	return false
}

// CallSnapshot is a copy of a session taken under its lock.
type CallSnapshot struct {
	RoomID   RoomID    `json:"roomId"`
	CallerID UserID    `json:"callerId"`
	CalleeID UserID    `json:"calleeId"`
	State    CallState `json:"state"`
	Version  uint64    `json:"version"`
}

func (s CallSnapshot) Involves(id UserID) bool {
	return s.CallerID == id || s.CalleeID == id
}

var (
	ErrStaleSession    = errors.New("stale or invalid session")
	ErrCallExists      = errors.New("call already in progress for room")
	ErrPeerUnreachable = errors.New("peer not registered")
	ErrNotRegistered   = errors.New("connection not registered")
	ErrRateLimited     = errors.New("rate limited")
	ErrUserNotFound    = errors.New("user not found")
	ErrRoomNotFound    = errors.New("room not found")
	ErrSelfCall        = errors.New("caller and callee are the same user")

	ErrBadPayload       = errors.New("malformed or invalid payload")
	ErrUnknownEvent     = errors.New("unknown event type")
	ErrIdentityMismatch = errors.New("payload identity does not match registered user")
	ErrNotInRoom        = errors.New("connection is not a member of the room")
)

// StaleOperationError reports a call-control message that no longer matches
// the session it addresses. It is never fatal.
type StaleOperationError struct {
	Op     string
	Room   RoomID
	Reason string
}

func (e *StaleOperationError) Error() string {
	return fmt.Sprintf("%s %s: %s: %s", e.Op, e.Room, ErrStaleSession, e.Reason)
}

func (e *StaleOperationError) Is(target error) bool {
	return target == ErrStaleSession
}

func Stale(op string, room RoomID, reason string) error {
	return &StaleOperationError{Op: op, Room: room, Reason: reason}
}
