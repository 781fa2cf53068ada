package core

import (
	"github.com/dkeye/Ring/internal/domain"
)

// PublishResult reports delivery stats/backpressure to the dispatcher.
type PublishResult struct {
	SendTo  int
	Dropped []Connection
}

// RoomService is the core-facing API of a room.
// It owns the membership set but never touches transport resources.
type RoomService interface {
	ID() domain.RoomID
	MemberCount() int
	Members() []Connection
	Has(id ConnID) bool

	AddMember(c Connection) bool
	RemoveMember(id ConnID) bool
	RemoveAll() []Connection
	Broadcast(from ConnID, data Frame) PublishResult
}

type RoomInfo struct {
	ID          domain.RoomID `json:"id"`
	MemberCount int           `json:"member_count"`
}
