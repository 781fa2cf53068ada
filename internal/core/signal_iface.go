package core

import "errors"

// Frame is a raw encoded payload.
type Frame []byte

// ConnID identifies one transport connection for its whole lifetime.
type ConnID string

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// Connection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type Connection interface {
	ID() ConnID
	// TrySend never blocks. It fails with ErrBackpressure when the outbound
	// queue is full and ErrConnClosed after Close.
	TrySend(Frame) error
	Close()
}
