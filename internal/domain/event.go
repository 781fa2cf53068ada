package domain

import "encoding/json"

// EventType tags every frame on the signal socket.
type EventType string

const (
	EventRegister   EventType = "register-user"
	EventRegistered EventType = "registered"

	EventInitiate EventType = "initiate-call"
	EventIncoming EventType = "incoming-call"
	EventRinging  EventType = "call-ringing"
	EventAccept   EventType = "accept-call"
	EventAccepted EventType = "call-accepted"
	EventReject   EventType = "reject-call"
	EventRejected EventType = "call-rejected"
	EventEnd      EventType = "end-call"
	EventEnded    EventType = "call-ended"

	EventJoinRoom   EventType = "join-room"
	EventRoomJoined EventType = "room-joined"
	EventLeaveRoom  EventType = "leave-room"
	EventRoomLeft   EventType = "room-left"

	EventSignal     EventType = "webrtc-signal"
	EventChat       EventType = "chat-message"
	EventTranscript EventType = "transcript"

	EventPing  EventType = "ping"
	EventPong  EventType = "pong"
	EventError EventType = "error"
)

// Envelope is decoded first to pick the concrete payload.
type Envelope struct {
	Type EventType `json:"type" validate:"required"`
}

type RegisterUser struct {
	Type   EventType `json:"type"`
	UserID UserID    `json:"userId" validate:"required,max=64"`
}

type InitiateCall struct {
	Type     EventType `json:"type"`
	CallerID UserID    `json:"callerId" validate:"required,max=64"`
	CalleeID UserID    `json:"calleeId" validate:"required,max=64"`
	RoomID   RoomID    `json:"roomId" validate:"omitempty,max=128"`
}

type AcceptCall struct {
	Type     EventType `json:"type"`
	RoomID   RoomID    `json:"roomId" validate:"required,max=128"`
	CalleeID UserID    `json:"calleeId" validate:"required,max=64"`
	Version  *uint64   `json:"version,omitempty"`
}

type RejectCall struct {
	Type     EventType `json:"type"`
	CallerID UserID    `json:"callerId" validate:"required,max=64"`
	RoomID   RoomID    `json:"roomId" validate:"required,max=128"`
	Version  *uint64   `json:"version,omitempty"`
}

type EndCall struct {
	Type    EventType `json:"type"`
	RoomID  RoomID    `json:"roomId" validate:"required,max=128"`
	Version *uint64   `json:"version,omitempty"`
}

// RoomRef addresses join-room and leave-room.
type RoomRef struct {
	Type   EventType `json:"type"`
	RoomID RoomID    `json:"roomId" validate:"required,max=128"`
}

// Signal carries an SDP/ICE blob that is never parsed.
type Signal struct {
	Type   EventType       `json:"type"`
	RoomID RoomID          `json:"roomId" validate:"required,max=128"`
	Signal json.RawMessage `json:"signal" validate:"required"`
	Sender UserID          `json:"sender,omitempty"`
}

type Chat struct {
	Type      EventType `json:"type"`
	RoomID    RoomID    `json:"roomId" validate:"required,max=128"`
	Text      string    `json:"text" validate:"required,max=8192"`
	UserID    UserID    `json:"userId,omitempty"`
	Timestamp string    `json:"timestamp,omitempty"`
}

type TranscriptLine struct {
	Type      EventType `json:"type"`
	RoomID    RoomID    `json:"roomId" validate:"required,max=128"`
	Text      string    `json:"text" validate:"required,max=8192"`
	UserID    UserID    `json:"userId,omitempty"`
	UserName  string    `json:"userName,omitempty"`
	Timestamp string    `json:"timestamp,omitempty"`
}

// Outbound notifications.

type IncomingCall struct {
	Type     EventType `json:"type"`
	CallerID UserID    `json:"callerId"`
	RoomID   RoomID    `json:"roomId"`
	Version  uint64    `json:"version"`
}

// CallRingingEvent acknowledges initiate-call to the caller.
type CallRingingEvent struct {
	Type      EventType `json:"type"`
	RoomID    RoomID    `json:"roomId"`
	CalleeID  UserID    `json:"calleeId"`
	Version   uint64    `json:"version"`
	Delivered bool      `json:"delivered"`
}

type CallNotice struct {
	Type    EventType `json:"type"`
	RoomID  RoomID    `json:"roomId"`
	Version uint64    `json:"version"`
}

type CallEndedEvent struct {
	Type    EventType `json:"type"`
	RoomID  RoomID    `json:"roomId"`
	State   CallState `json:"state"`
	EndedBy UserID    `json:"endedBy,omitempty"`
}

type RoomAck struct {
	Type   EventType `json:"type"`
	RoomID RoomID    `json:"roomId"`
}

type ErrorEvent struct {
	Type    EventType `json:"type"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Ref     EventType `json:"ref,omitempty"`
	RoomID  RoomID    `json:"roomId,omitempty"`
}
