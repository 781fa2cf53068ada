// Package sqlite stores the user directory and call history in a SQLite
// file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dkeye/Ring/internal/domain"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id     TEXT PRIMARY KEY,
	name   TEXT NOT NULL DEFAULT '',
	email  TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'offline'
);
CREATE TABLE IF NOT EXISTS rooms (
	id         TEXT PRIMARY KEY,
	created_by TEXT NOT NULL,
	created_at TEXT NOT NULL,
	ended_at   TEXT
);
CREATE TABLE IF NOT EXISTS room_participants (
	room_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	PRIMARY KEY (room_id, user_id)
);
CREATE TABLE IF NOT EXISTS transcripts (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id   TEXT NOT NULL,
	user_id   TEXT NOT NULL,
	user_name TEXT NOT NULL DEFAULT '',
	text      TEXT NOT NULL,
	spoken_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS transcripts_room ON transcripts (room_id);
CREATE TABLE IF NOT EXISTS messages (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id   TEXT NOT NULL,
	sender_id TEXT NOT NULL,
	text      TEXT NOT NULL,
	sent_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_room ON messages (room_id);
`

const timeLayout = time.RFC3339Nano

// DB wraps a SQLite database.
type DB struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database file at path.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	log.Info().Str("module", "store.sqlite").Str("path", path).Msg("sqlite store ready")
	return &DB{db: db, path: path}, nil
}

// PutUser inserts or replaces a directory record.
func (d *DB) PutUser(ctx context.Context, u domain.User) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO users (id, name, email, status) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, email = excluded.email, status = excluded.status`,
		string(u.ID), u.Name, u.Email, string(u.Status))
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (d *DB) FindUser(ctx context.Context, id domain.UserID) (*domain.User, error) {
	var u domain.User
	var uid, status string
	err := d.db.QueryRowContext(ctx,
		`SELECT id, name, email, status FROM users WHERE id = ?`, string(id)).
		Scan(&uid, &u.Name, &u.Email, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, domain.ErrUserNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	u.ID = domain.UserID(uid)
	u.Status = domain.UserStatus(status)
	return &u, nil
}

// SetUserStatus updates a known user. Unknown users are left alone.
func (d *DB) SetUserStatus(ctx context.Context, id domain.UserID, status domain.UserStatus) error {
	if _, err := d.db.ExecContext(ctx,
		`UPDATE users SET status = ? WHERE id = ?`, string(status), string(id)); err != nil {
		return fmt.Errorf("update user status: %w", err)
	}
	return nil
}

func (d *DB) CreateRoom(ctx context.Context, room domain.RoomRecord) error {
	if _, err := d.db.ExecContext(ctx,
		`INSERT INTO rooms (id, created_by, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET created_by = excluded.created_by, created_at = excluded.created_at, ended_at = NULL`,
		string(room.ID), string(room.CreatedBy), room.CreatedAt.UTC().Format(timeLayout)); err != nil {
		return fmt.Errorf("insert room: %w", err)
	}
	return nil
}

func (d *DB) AddParticipant(ctx context.Context, p domain.Participant) error {
	if _, err := d.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO room_participants (room_id, user_id) VALUES (?, ?)`,
		string(p.RoomID), string(p.UserID)); err != nil {
		return fmt.Errorf("insert participant: %w", err)
	}
	return nil
}

func (d *DB) EndRoom(ctx context.Context, id domain.RoomID, at time.Time) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE rooms SET ended_at = ? WHERE id = ?`, at.UTC().Format(timeLayout), string(id))
	if err != nil {
		return fmt.Errorf("end room: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("end room: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", id, domain.ErrRoomNotFound)
	}
	return nil
}

func (d *DB) SaveTranscript(ctx context.Context, t domain.Transcript) error {
	if _, err := d.db.ExecContext(ctx,
		`INSERT INTO transcripts (room_id, user_id, user_name, text, spoken_at) VALUES (?, ?, ?, ?, ?)`,
		string(t.RoomID), string(t.UserID), t.UserName, t.Text, t.SpokenAt.UTC().Format(timeLayout)); err != nil {
		return fmt.Errorf("insert transcript: %w", err)
	}
	return nil
}

func (d *DB) SaveMessage(ctx context.Context, m domain.ChatMessage) error {
	if _, err := d.db.ExecContext(ctx,
		`INSERT INTO messages (room_id, sender_id, text, sent_at) VALUES (?, ?, ?, ?)`,
		string(m.RoomID), string(m.SenderID), m.Text, m.SentAt.UTC().Format(timeLayout)); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// Room returns the stored room record.
func (d *DB) Room(ctx context.Context, id domain.RoomID) (*domain.RoomRecord, error) {
	var by, created string
	var ended sql.NullString
	err := d.db.QueryRowContext(ctx,
		`SELECT created_by, created_at, ended_at FROM rooms WHERE id = ?`, string(id)).
		Scan(&by, &created, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, domain.ErrRoomNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find room: %w", err)
	}
	rec := &domain.RoomRecord{ID: id, CreatedBy: domain.UserID(by)}
	if rec.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if ended.Valid {
		at, err := time.Parse(timeLayout, ended.String)
		if err != nil {
			return nil, fmt.Errorf("parse ended_at: %w", err)
		}
		rec.EndedAt = &at
	}
	return rec, nil
}

// Participants lists the users recorded for a room.
func (d *DB) Participants(ctx context.Context, id domain.RoomID) ([]domain.UserID, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT user_id FROM room_participants WHERE room_id = ? ORDER BY user_id`, string(id))
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var out []domain.UserID
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		out = append(out, domain.UserID(uid))
	}
	return out, rows.Err()
}

// Transcripts lists a room's transcript in insertion order.
func (d *DB) Transcripts(ctx context.Context, id domain.RoomID) ([]domain.Transcript, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT user_id, user_name, text, spoken_at FROM transcripts WHERE room_id = ? ORDER BY id`, string(id))
	if err != nil {
		return nil, fmt.Errorf("list transcripts: %w", err)
	}
	defer rows.Close()

	var out []domain.Transcript
	for rows.Next() {
		t := domain.Transcript{RoomID: id}
		var uid, at string
		if err := rows.Scan(&uid, &t.UserName, &t.Text, &at); err != nil {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
		t.UserID = domain.UserID(uid)
		if t.SpokenAt, err = time.Parse(timeLayout, at); err != nil {
			return nil, fmt.Errorf("parse spoken_at: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Messages lists a room's chat in insertion order.
func (d *DB) Messages(ctx context.Context, id domain.RoomID) ([]domain.ChatMessage, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT sender_id, text, sent_at FROM messages WHERE room_id = ? ORDER BY id`, string(id))
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []domain.ChatMessage
	for rows.Next() {
		m := domain.ChatMessage{RoomID: id}
		var sender, at string
		if err := rows.Scan(&sender, &m.Text, &at); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.SenderID = domain.UserID(sender)
		if m.SentAt, err = time.Parse(timeLayout, at); err != nil {
			return nil, fmt.Errorf("parse sent_at: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (d *DB) Close() error {
	return d.db.Close()
}
