// Package storetest holds the behaviour every core.Store adapter shares.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/Ring/internal/core"
	"github.com/dkeye/Ring/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Store is a core.Store that can be seeded and read back.
type Store interface {
	core.Store
	PutUser(ctx context.Context, u domain.User) error
	Room(ctx context.Context, id domain.RoomID) (*domain.RoomRecord, error)
	Participants(ctx context.Context, id domain.RoomID) ([]domain.UserID, error)
	Transcripts(ctx context.Context, id domain.RoomID) ([]domain.Transcript, error)
	Messages(ctx context.Context, id domain.RoomID) ([]domain.ChatMessage, error)
}

// Run exercises a fresh store returned by open.
func Run(t *testing.T, open func(t *testing.T) Store) {
	t.Run("directory", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		_, err := s.FindUser(ctx, "alice")
		assert.ErrorIs(t, err, domain.ErrUserNotFound)

		require.NoError(t, s.PutUser(ctx, domain.User{ID: "alice", Name: "Alice", Email: "a@example.org", Status: domain.StatusOffline}))
		require.NoError(t, s.SetUserStatus(ctx, "alice", domain.StatusActive))
		require.NoError(t, s.SetUserStatus(ctx, "nobody", domain.StatusActive), "unknown users are ignored")

		u, err := s.FindUser(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "Alice", u.Name)
		assert.Equal(t, "a@example.org", u.Email)
		assert.Equal(t, domain.StatusActive, u.Status)
	})

	t.Run("room history", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

		require.NoError(t, s.CreateRoom(ctx, domain.RoomRecord{ID: "r1", CreatedBy: "alice", CreatedAt: created}))
		require.NoError(t, s.AddParticipant(ctx, domain.Participant{RoomID: "r1", UserID: "alice"}))
		require.NoError(t, s.AddParticipant(ctx, domain.Participant{RoomID: "r1", UserID: "bob"}))

		room, err := s.Room(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, domain.UserID("alice"), room.CreatedBy)
		assert.True(t, created.Equal(room.CreatedAt))
		assert.Nil(t, room.EndedAt)

		ended := created.Add(3 * time.Minute)
		require.NoError(t, s.EndRoom(ctx, "r1", ended))
		room, err = s.Room(ctx, "r1")
		require.NoError(t, err)
		require.NotNil(t, room.EndedAt)
		assert.True(t, ended.Equal(*room.EndedAt))

		assert.ErrorIs(t, s.EndRoom(ctx, "r404", ended), domain.ErrRoomNotFound)

		who, err := s.Participants(ctx, "r1")
		require.NoError(t, err)
		assert.ElementsMatch(t, []domain.UserID{"alice", "bob"}, who)
	})

	t.Run("reused room id starts a new record", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		first := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
		second := first.Add(time.Hour)

		require.NoError(t, s.CreateRoom(ctx, domain.RoomRecord{ID: "r1", CreatedBy: "alice", CreatedAt: first}))
		require.NoError(t, s.AddParticipant(ctx, domain.Participant{RoomID: "r1", UserID: "alice"}))
		require.NoError(t, s.EndRoom(ctx, "r1", first.Add(time.Minute)))

		require.NoError(t, s.CreateRoom(ctx, domain.RoomRecord{ID: "r1", CreatedBy: "carol", CreatedAt: second}))
		require.NoError(t, s.AddParticipant(ctx, domain.Participant{RoomID: "r1", UserID: "carol"}))

		room, err := s.Room(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, domain.UserID("carol"), room.CreatedBy)
		assert.True(t, second.Equal(room.CreatedAt))
		assert.Nil(t, room.EndedAt)

		ended := second.Add(2 * time.Minute)
		require.NoError(t, s.EndRoom(ctx, "r1", ended))
		room, err = s.Room(ctx, "r1")
		require.NoError(t, err)
		require.NotNil(t, room.EndedAt)
		assert.True(t, ended.Equal(*room.EndedAt))

		who, err := s.Participants(ctx, "r1")
		require.NoError(t, err)
		assert.Contains(t, who, domain.UserID("carol"))
	})

	t.Run("transcripts and chat keep order", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

		for i, text := range []string{"one", "two", "three"} {
			require.NoError(t, s.SaveTranscript(ctx, domain.Transcript{
				RoomID: "r1", UserID: "alice", UserName: "Alice", Text: text, SpokenAt: at.Add(time.Duration(i) * time.Second),
			}))
		}
		require.NoError(t, s.SaveTranscript(ctx, domain.Transcript{RoomID: "r2", UserID: "bob", Text: "elsewhere", SpokenAt: at}))
		require.NoError(t, s.SaveMessage(ctx, domain.ChatMessage{RoomID: "r1", SenderID: "bob", Text: "hi", SentAt: at}))

		lines, err := s.Transcripts(ctx, "r1")
		require.NoError(t, err)
		require.Len(t, lines, 3)
		assert.Equal(t, "one", lines[0].Text)
		assert.Equal(t, "three", lines[2].Text)
		assert.Equal(t, "Alice", lines[1].UserName)

		msgs, err := s.Messages(ctx, "r1")
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, domain.UserID("bob"), msgs[0].SenderID)
		assert.True(t, at.Equal(msgs[0].SentAt))
	})
}
