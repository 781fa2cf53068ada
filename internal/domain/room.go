package domain

import (
	"time"

	"github.com/google/uuid"
)

type RoomID string

func NewRoomID() RoomID {
	return RoomID(uuid.NewString())
}

// RoomRecord is the persisted view of a call room.
type RoomRecord struct {
	ID        RoomID
	CreatedBy UserID
	CreatedAt time.Time
	EndedAt   *time.Time
}

type Participant struct {
	RoomID RoomID
	UserID UserID
}
