// Package coretest provides an in-memory core.Connection for tests.
package coretest

import (
	"encoding/json"
	"sync"

	"github.com/dkeye/Ring/internal/core"
)

// Conn records every frame it is handed.
type Conn struct {
	id core.ConnID

	mu     sync.Mutex
	frames []core.Frame
	fail   error
	closed bool
}

func NewConn(id string) *Conn {
	return &Conn{id: core.ConnID(id)}
}

func (c *Conn) ID() core.ConnID { return c.id }

func (c *Conn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrConnClosed
	}
	if c.fail != nil {
		return c.fail
	}
	c.frames = append(c.frames, append(core.Frame(nil), f...))
	return nil
}

func (c *Conn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// FailWith makes every following TrySend return err. Pass nil to heal.
func (c *Conn) FailWith(err error) {
	c.mu.Lock()
	c.fail = err
	c.mu.Unlock()
}

func (c *Conn) Frames() []core.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]core.Frame(nil), c.frames...)
}

func (c *Conn) Reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

// Types lists the "type" field of every received frame, in order.
func (c *Conn) Types() []string {
	var out []string
	for _, f := range c.Frames() {
		var env struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(f, &env)
		out = append(out, env.Type)
	}
	return out
}

// Count returns how many frames of the given type were received.
func (c *Conn) Count(typ string) int {
	n := 0
	for _, t := range c.Types() {
		if t == typ {
			n++
		}
	}
	return n
}

// Last decodes the most recent frame of the given type into v.
func (c *Conn) Last(typ string, v any) bool {
	frames := c.Frames()
	for i := len(frames) - 1; i >= 0; i-- {
		var env struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(frames[i], &env) == nil && env.Type == typ {
			return json.Unmarshal(frames[i], v) == nil
		}
	}
	return false
}
