package domain

import "time"

// ChatMessage is a chat line relayed inside a room.
type ChatMessage struct {
	RoomID   RoomID
	SenderID UserID
	Text     string
	SentAt   time.Time
}

// Transcript is a speech-to-text line relayed inside a room.
type Transcript struct {
	RoomID   RoomID
	UserID   UserID
	UserName string
	Text     string
	SpokenAt time.Time
}
