// Package memory provides an in-memory user directory and call history.
package memory

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dkeye/Ring/internal/domain"
	"github.com/hashicorp/go-memdb"
	"github.com/rs/zerolog/log"
)

type transcriptRow struct {
	Seq uint64
	domain.Transcript
}

type messageRow struct {
	Seq uint64
	domain.ChatMessage
}

// DB is a memory-backed store.
type DB struct {
	db  *memdb.MemDB
	seq atomic.Uint64
}

// New creates a new memory-backed store.
func New() (*DB, error) {
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, fmt.Errorf("create memdb: %w", err)
	}
	log.Info().Str("module", "store.memory").Msg("memory store ready")
	return &DB{db: db}, nil
}

// PutUser inserts or replaces a directory record.
func (d *DB) PutUser(_ context.Context, u domain.User) error {
	txn := d.db.Txn(true)
	defer txn.Abort()
	cp := u
	if err := txn.Insert(tblUsers, &cp); err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	txn.Commit()
	return nil
}

func (d *DB) FindUser(_ context.Context, id domain.UserID) (*domain.User, error) {
	txn := d.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(tblUsers, idxID, string(id))
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%s: %w", id, domain.ErrUserNotFound)
	}
	cp := *raw.(*domain.User)
	return &cp, nil
}

// SetUserStatus updates a known user. Unknown users are left alone; the
// directory is owned elsewhere.
func (d *DB) SetUserStatus(_ context.Context, id domain.UserID, status domain.UserStatus) error {
	txn := d.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(tblUsers, idxID, string(id))
	if err != nil {
		return fmt.Errorf("find user: %w", err)
	}
	if raw == nil {
		return nil
	}
	cp := *raw.(*domain.User)
	cp.Status = status
	if err := txn.Insert(tblUsers, &cp); err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	txn.Commit()
	return nil
}

func (d *DB) CreateRoom(_ context.Context, room domain.RoomRecord) error {
	txn := d.db.Txn(true)
	defer txn.Abort()
	// a reused room id starts a fresh call record
	cp := room
	cp.EndedAt = nil
	if err := txn.Insert(tblRooms, &cp); err != nil {
		return fmt.Errorf("insert room: %w", err)
	}
	txn.Commit()
	return nil
}

func (d *DB) AddParticipant(_ context.Context, p domain.Participant) error {
	txn := d.db.Txn(true)
	defer txn.Abort()
	cp := p
	if err := txn.Insert(tblParticipants, &cp); err != nil {
		return fmt.Errorf("insert participant: %w", err)
	}
	txn.Commit()
	return nil
}

func (d *DB) EndRoom(_ context.Context, id domain.RoomID, at time.Time) error {
	txn := d.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(tblRooms, idxID, string(id))
	if err != nil {
		return fmt.Errorf("find room: %w", err)
	}
	if raw == nil {
		return fmt.Errorf("%s: %w", id, domain.ErrRoomNotFound)
	}
	cp := *raw.(*domain.RoomRecord)
	ended := at.UTC()
	cp.EndedAt = &ended
	if err := txn.Insert(tblRooms, &cp); err != nil {
		return fmt.Errorf("update room: %w", err)
	}
	txn.Commit()
	return nil
}

func (d *DB) SaveTranscript(_ context.Context, t domain.Transcript) error {
	txn := d.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(tblTranscripts, &transcriptRow{Seq: d.seq.Add(1), Transcript: t}); err != nil {
		return fmt.Errorf("insert transcript: %w", err)
	}
	txn.Commit()
	return nil
}

func (d *DB) SaveMessage(_ context.Context, m domain.ChatMessage) error {
	txn := d.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(tblMessages, &messageRow{Seq: d.seq.Add(1), ChatMessage: m}); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	txn.Commit()
	return nil
}

// Room returns the stored room record.
func (d *DB) Room(_ context.Context, id domain.RoomID) (*domain.RoomRecord, error) {
	txn := d.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(tblRooms, idxID, string(id))
	if err != nil {
		return nil, fmt.Errorf("find room: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%s: %w", id, domain.ErrRoomNotFound)
	}
	cp := *raw.(*domain.RoomRecord)
	return &cp, nil
}

// Participants lists the users recorded for a room.
func (d *DB) Participants(_ context.Context, id domain.RoomID) ([]domain.UserID, error) {
	txn := d.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(tblParticipants, idxRoom, string(id))
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	var out []domain.UserID
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*domain.Participant).UserID)
	}
	return out, nil
}

// Transcripts lists a room's transcript in insertion order.
func (d *DB) Transcripts(_ context.Context, id domain.RoomID) ([]domain.Transcript, error) {
	txn := d.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(tblTranscripts, idxRoom, string(id))
	if err != nil {
		return nil, fmt.Errorf("list transcripts: %w", err)
	}
	var out []domain.Transcript
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*transcriptRow).Transcript)
	}
	return out, nil
}

// Messages lists a room's chat in insertion order.
func (d *DB) Messages(_ context.Context, id domain.RoomID) ([]domain.ChatMessage, error) {
	txn := d.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(tblMessages, idxRoom, string(id))
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	var out []domain.ChatMessage
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*messageRow).ChatMessage)
	}
	return out, nil
}

func (d *DB) Close() error {
	return nil
}
