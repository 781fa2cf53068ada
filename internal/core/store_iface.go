package core

import (
	"context"
	"time"

	"github.com/dkeye/Ring/internal/domain"
)

//go:generate mockgen -destination=mocks/store_mock.go -package=mocks github.com/dkeye/Ring/internal/core Store

// Store is the user directory and call history collaborator.
// Calls may fail independently of in-memory delivery.
type Store interface {
	FindUser(ctx context.Context, id domain.UserID) (*domain.User, error)
	SetUserStatus(ctx context.Context, id domain.UserID, status domain.UserStatus) error

	CreateRoom(ctx context.Context, room domain.RoomRecord) error
	AddParticipant(ctx context.Context, p domain.Participant) error
	EndRoom(ctx context.Context, id domain.RoomID, at time.Time) error

	SaveTranscript(ctx context.Context, t domain.Transcript) error
	SaveMessage(ctx context.Context, msg domain.ChatMessage) error

	Close() error
}
