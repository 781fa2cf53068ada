package app

import (
	"sync"

	"github.com/dkeye/Ring/internal/core"
	"github.com/dkeye/Ring/internal/domain"
	"github.com/dkeye/Ring/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Registry maps a user identity to its single live connection.
type Registry struct {
	mu      sync.RWMutex
	conns   map[domain.UserID]core.Connection
	metrics *metrics.Metrics
}

func NewRegistry(m *metrics.Metrics) *Registry {
	return &Registry{
		conns:   make(map[domain.UserID]core.Connection),
		metrics: m,
	}
}

// Register overwrites any prior mapping for id. The displaced connection,
// if any, is returned and is not told about it.
func (r *Registry) Register(id domain.UserID, c core.Connection) (prev core.Connection, replaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.conns[id]
	r.conns[id] = c
	r.metrics.SetRegisteredUsers(len(r.conns))
	replaced = ok && prev.ID() != c.ID()
	ev := log.Info().Str("module", "app.registry").Str("user", string(id)).Str("conn", string(c.ID()))
	if replaced {
		ev = ev.Str("replaced", string(prev.ID()))
	}
	ev.Msg("registered user")
	if !replaced {
		prev = nil
	}
	return prev, replaced
}

func (r *Registry) Lookup(id domain.UserID) (core.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Owns reports whether conn is the connection currently registered for id.
func (r *Registry) Owns(id domain.UserID, conn core.ConnID) bool {
	c, ok := r.Lookup(id)
	return ok && c.ID() == conn
}

// Unregister removes the mapping only if it still points at c, so a late
// unregister cannot clobber a newer registration.
func (r *Registry) Unregister(id domain.UserID, c core.Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.conns[id]
	if !ok || cur.ID() != c.ID() {
		log.Debug().Str("module", "app.registry").Str("user", string(id)).Str("conn", string(c.ID())).Msg("unregister skipped, not owner")
		return false
	}
	delete(r.conns, id)
	r.metrics.SetRegisteredUsers(len(r.conns))
	log.Info().Str("module", "app.registry").Str("user", string(id)).Str("conn", string(c.ID())).Msg("unregistered user")
	return true
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
