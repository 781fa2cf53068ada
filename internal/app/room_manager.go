package app

import (
	"sync"

	"github.com/dkeye/Ring/internal/core"
	"github.com/dkeye/Ring/internal/domain"
	"github.com/dkeye/Ring/internal/metrics"
	"github.com/rs/zerolog/log"
)

// RoomRelay owns transport-level room membership. It knows nothing about
// calls: a connection may sit in a room with no call attached.
type RoomRelay struct {
	mu     sync.RWMutex
	rooms  map[domain.RoomID]core.RoomService
	byConn map[core.ConnID]map[domain.RoomID]struct{}

	metrics *metrics.Metrics
}

func NewRoomRelay(m *metrics.Metrics) *RoomRelay {
	return &RoomRelay{
		rooms:   make(map[domain.RoomID]core.RoomService),
		byConn:  make(map[core.ConnID]map[domain.RoomID]struct{}),
		metrics: m,
	}
}

// Join is idempotent and reports whether c was newly added.
func (r *RoomRelay) Join(c core.Connection, id domain.RoomID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[id]
	if !ok {
		room = core.NewRoomService(id)
		r.rooms[id] = room
		r.metrics.SetRooms(len(r.rooms))
	}
	if !room.AddMember(c) {
		return false
	}
	set, ok := r.byConn[c.ID()]
	if !ok {
		set = make(map[domain.RoomID]struct{})
		r.byConn[c.ID()] = set
	}
	set[id] = struct{}{}
	log.Info().Str("module", "app.rooms").Str("conn", string(c.ID())).Str("room", string(id)).Msg("joined room")
	return true
}

// JoinAs joins c to the room on behalf of user and re-checks afterwards that c
// still holds the user's registration. A superseded connection is taken back
// out and ErrNotRegistered is returned.
func (r *RoomRelay) JoinAs(reg *Registry, user domain.UserID, c core.Connection, id domain.RoomID) (bool, error) {
	added := r.Join(c, id)
	if reg.Owns(user, c.ID()) {
		return added, nil
	}
	r.Leave(c, id)
	return false, domain.ErrNotRegistered
}

// Leave is idempotent and safe for connections that never joined.
func (r *RoomRelay) Leave(c core.Connection, id domain.RoomID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ok := r.leaveLocked(c.ID(), id)
	if ok {
		log.Info().Str("module", "app.rooms").Str("conn", string(c.ID())).Str("room", string(id)).Msg("left room")
	}
	return ok
}

// LeaveAll removes c from every room it belongs to.
func (r *RoomRelay) LeaveAll(c core.Connection) []domain.RoomID {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.byConn[c.ID()]
	out := make([]domain.RoomID, 0, len(set))
	for id := range set {
		if r.leaveLocked(c.ID(), id) {
			out = append(out, id)
		}
	}
	if len(out) > 0 {
		log.Info().Str("module", "app.rooms").Str("conn", string(c.ID())).Int("rooms", len(out)).Msg("left all rooms")
	}
	return out
}

func (r *RoomRelay) leaveLocked(conn core.ConnID, id domain.RoomID) bool {
	room, ok := r.rooms[id]
	if !ok || !room.RemoveMember(conn) {
		return false
	}
	if set, ok := r.byConn[conn]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(r.byConn, conn)
		}
	}
	if room.MemberCount() == 0 {
		delete(r.rooms, id)
		r.metrics.SetRooms(len(r.rooms))
	}
	return true
}

// EvictAll removes every member of the room and returns them so the caller
// can notify them.
func (r *RoomRelay) EvictAll(id domain.RoomID) []core.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[id]
	if !ok {
		return nil
	}
	evicted := room.RemoveAll()
	for _, c := range evicted {
		if set, ok := r.byConn[c.ID()]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(r.byConn, c.ID())
			}
		}
	}
	delete(r.rooms, id)
	r.metrics.SetRooms(len(r.rooms))
	log.Info().Str("module", "app.rooms").Str("room", string(id)).Int("evicted", len(evicted)).Msg("room evicted")
	return evicted
}

// Broadcast delivers data to every member except the connection identified
// by exclude. Delivery is best effort and never blocks.
func (r *RoomRelay) Broadcast(id domain.RoomID, exclude core.ConnID, data core.Frame) core.PublishResult {
	r.mu.RLock()
	room, ok := r.rooms[id]
	r.mu.RUnlock()
	if !ok {
		return core.PublishResult{}
	}
	res := room.Broadcast(exclude, data)
	r.metrics.RelayDropped(len(res.Dropped))
	return res
}

func (r *RoomRelay) IsMember(id domain.RoomID, conn core.ConnID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[id]
	return ok && room.Has(conn)
}

func (r *RoomRelay) Members(id domain.RoomID) []core.Connection {
	r.mu.RLock()
	room, ok := r.rooms[id]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return room.Members()
}

func (r *RoomRelay) RoomsOf(conn core.ConnID) []domain.RoomID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byConn[conn]
	out := make([]domain.RoomID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

func (r *RoomRelay) List() []core.RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.RoomInfo, 0, len(r.rooms))
	for id, room := range r.rooms {
		out = append(out, core.RoomInfo{ID: id, MemberCount: room.MemberCount()})
	}
	return out
}
