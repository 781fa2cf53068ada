package app

import (
	"sync"
	"time"

	"github.com/dkeye/Ring/internal/core"
	"github.com/dkeye/Ring/internal/domain"
	"github.com/dkeye/Ring/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Notifier delivers an outbound event to a single connection.
type Notifier interface {
	Notify(c core.Connection, v any) error
}

// History receives call lifecycle records. Implementations must not block.
type History interface {
	CallStarted(room domain.RoomID, caller, callee domain.UserID)
	CallFinished(room domain.RoomID)
}

type callSession struct {
	// immutable after creation, readable under CallManager.mu
	caller domain.UserID
	callee domain.UserID

	mu    sync.Mutex
	snap  domain.CallSnapshot
	done  bool
	timer *time.Timer
}

// CallManager owns the call state machine, one session per room.
// Lock order: session.mu, then CallManager.mu, RoomRelay or Registry.
type CallManager struct {
	registry *Registry
	rooms    *RoomRelay
	notify   Notifier

	History     History
	Metrics     *metrics.Metrics
	RingTimeout time.Duration

	mu    sync.Mutex
	calls map[domain.RoomID]*callSession
}

func NewCallManager(reg *Registry, rooms *RoomRelay, n Notifier) *CallManager {
	return &CallManager{
		registry: reg,
		rooms:    rooms,
		notify:   n,
		calls:    make(map[domain.RoomID]*callSession),
	}
}

// Initiate creates a Ringing session and invites the callee. When the callee
// is not registered the session is still created and ErrPeerUnreachable is
// returned together with the snapshot.
func (m *CallManager) Initiate(from core.Connection, caller, callee domain.UserID, room domain.RoomID) (domain.CallSnapshot, error) {
	if caller == callee {
		return domain.CallSnapshot{}, domain.ErrSelfCall
	}

	s := &callSession{
		caller: caller,
		callee: callee,
		snap: domain.CallSnapshot{
			RoomID:   room,
			CallerID: caller,
			CalleeID: callee,
			State:    domain.CallRinging,
		},
	}

	m.mu.Lock()
	if _, busy := m.calls[room]; busy {
		m.mu.Unlock()
		return domain.CallSnapshot{}, domain.ErrCallExists
	}
	// not yet visible to anyone else, so this never blocks
	s.mu.Lock()
	m.calls[room] = s
	active := len(m.calls)
	m.mu.Unlock()
	defer s.mu.Unlock()

	m.Metrics.SetActiveCalls(active)
	m.Metrics.CallTransition(string(domain.CallRinging))

	if from != nil {
		m.join(caller, from, room)
	}
	if m.History != nil {
		m.History.CallStarted(room, caller, callee)
	}
	if m.RingTimeout > 0 {
		version := s.snap.Version
		s.timer = time.AfterFunc(m.RingTimeout, func() { m.expire(room, version) })
	}

	log.Info().Str("module", "app.calls").
		Str("room", string(room)).Str("caller", string(caller)).Str("callee", string(callee)).
		Msg("call initiated")

	snap := s.snap
	target, ok := m.registry.Lookup(callee)
	if !ok {
		log.Warn().Str("module", "app.calls").Str("room", string(room)).Str("callee", string(callee)).
			Msg("callee not registered, invite not delivered")
		return snap, domain.ErrPeerUnreachable
	}
	m.send(target, domain.IncomingCall{
		Type:     domain.EventIncoming,
		CallerID: caller,
		RoomID:   room,
		Version:  snap.Version,
	})
	return snap, nil
}

// Accept moves a Ringing session to Active. from is the callee's connection
// and joins the room together with the caller's current connection.
func (m *CallManager) Accept(from core.Connection, room domain.RoomID, callee domain.UserID, version *uint64) (domain.CallSnapshot, error) {
	const op = "accept"
	s, err := m.acquire(op, room)
	if err != nil {
		return domain.CallSnapshot{}, err
	}
	defer s.mu.Unlock()

	switch {
	case s.snap.State != domain.CallRinging:
		return s.snap, m.stale(op, room, "session is "+string(s.snap.State))
	case s.snap.CalleeID != callee:
		return s.snap, m.stale(op, room, "callee mismatch")
	case version != nil && *version != s.snap.Version:
		return s.snap, m.stale(op, room, "version mismatch")
	}

	s.snap.State = domain.CallActive
	s.snap.Version++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	m.Metrics.CallTransition(string(domain.CallActive))

	if from != nil {
		m.join(callee, from, room)
	}
	if c, ok := m.registry.Lookup(s.snap.CallerID); ok {
		m.join(s.snap.CallerID, c, room)
		m.send(c, domain.CallNotice{Type: domain.EventAccepted, RoomID: room, Version: s.snap.Version})
	}

	log.Info().Str("module", "app.calls").Str("room", string(room)).Uint64("version", s.snap.Version).
		Msg("call accepted")
	return s.snap, nil
}

// Reject turns down a Ringing session and notifies the caller. Only the
// invited callee may reject.
func (m *CallManager) Reject(room domain.RoomID, caller, by domain.UserID, version *uint64) (domain.CallSnapshot, error) {
	const op = "reject"
	s, err := m.acquire(op, room)
	if err != nil {
		return domain.CallSnapshot{}, err
	}
	defer s.mu.Unlock()

	switch {
	case s.snap.State != domain.CallRinging:
		return s.snap, m.stale(op, room, "session is "+string(s.snap.State))
	case s.snap.CallerID != caller:
		return s.snap, m.stale(op, room, "caller mismatch")
	case s.snap.CalleeID != by:
		return s.snap, m.stale(op, room, "not the callee")
	case version != nil && *version != s.snap.Version:
		return s.snap, m.stale(op, room, "version mismatch")
	}

	m.finishLocked(s, domain.CallRejected)
	// the caller joined on initiate; nobody else is expected to stay
	m.rooms.EvictAll(room)

	if c, ok := m.registry.Lookup(s.snap.CallerID); ok {
		m.send(c, domain.CallNotice{Type: domain.EventRejected, RoomID: room, Version: s.snap.Version})
	}

	log.Info().Str("module", "app.calls").Str("room", string(room)).Msg("call rejected")
	return s.snap, nil
}

// End terminates a Ringing or Active session on behalf of one of its
// participants. Every room member is evicted and told the call ended.
func (m *CallManager) End(room domain.RoomID, by domain.UserID, version *uint64) (domain.CallSnapshot, error) {
	const op = "end"
	s, err := m.acquire(op, room)
	if err != nil {
		return domain.CallSnapshot{}, err
	}
	defer s.mu.Unlock()

	switch {
	case !s.snap.Involves(by):
		return s.snap, m.stale(op, room, "not a participant")
	case version != nil && *version != s.snap.Version:
		return s.snap, m.stale(op, room, "version mismatch")
	}
	m.terminateLocked(s, by)
	return s.snap, nil
}

// OnConnectionLost ends every session the user takes part in and returns the
// rooms that were ended. conn is the connection that went away; sessions are
// left alone once another connection has registered the user.
func (m *CallManager) OnConnectionLost(user domain.UserID, conn core.ConnID) []domain.RoomID {
	const op = "disconnect"
	m.mu.Lock()
	var rooms []domain.RoomID
	for id, s := range m.calls {
		if s.caller == user || s.callee == user {
			rooms = append(rooms, id)
		}
	}
	m.mu.Unlock()

	ended := rooms[:0]
	for _, id := range rooms {
		s, err := m.acquire(op, id)
		if err != nil {
			continue
		}
		if !m.registry.Owns(user, conn) {
			s.mu.Unlock()
			log.Debug().Str("module", "app.calls").Str("room", string(id)).Str("user", string(user)).
				Msg("user re-registered, call kept")
			continue
		}
		if s.snap.Involves(user) {
			m.terminateLocked(s, user)
			ended = append(ended, id)
		}
		s.mu.Unlock()
	}
	if len(ended) > 0 {
		log.Info().Str("module", "app.calls").Str("user", string(user)).Int("calls", len(ended)).
			Msg("calls ended on connection loss")
	}
	return ended
}

func (m *CallManager) expire(room domain.RoomID, version uint64) {
	const op = "timeout"
	s, err := m.acquire(op, room)
	if err != nil {
		return
	}
	defer s.mu.Unlock()

	if s.snap.State != domain.CallRinging || s.snap.Version != version {
		_ = m.stale(op, room, "session moved on")
		return
	}
	log.Info().Str("module", "app.calls").Str("room", string(room)).Msg("unanswered call timed out")
	m.terminateLocked(s, "")
}

// terminateLocked evicts the room and notifies each distinct connection once:
// the evicted members plus the participants' registered connections.
func (m *CallManager) terminateLocked(s *callSession, by domain.UserID) {
	state := domain.CallEnded
	if s.snap.State == domain.CallRinging {
		state = domain.CallCancelled
	}
	room := s.snap.RoomID
	m.finishLocked(s, state)

	recipients := m.rooms.EvictAll(room)
	seen := make(map[core.ConnID]struct{}, len(recipients)+2)
	for _, c := range recipients {
		seen[c.ID()] = struct{}{}
	}
	for _, u := range []domain.UserID{s.snap.CallerID, s.snap.CalleeID} {
		if c, ok := m.registry.Lookup(u); ok {
			if _, dup := seen[c.ID()]; !dup {
				seen[c.ID()] = struct{}{}
				recipients = append(recipients, c)
			}
		}
	}

	ev := domain.CallEndedEvent{Type: domain.EventEnded, RoomID: room, State: state, EndedBy: by}
	for _, c := range recipients {
		m.send(c, ev)
	}

	log.Info().Str("module", "app.calls").Str("room", string(room)).Str("state", string(state)).
		Str("by", string(by)).Int("notified", len(recipients)).Msg("call ended")
}

// finishLocked applies a terminal state and removes the session from the table.
func (m *CallManager) finishLocked(s *callSession, state domain.CallState) {
	s.snap.State = state
	s.snap.Version++
	s.done = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}

	m.mu.Lock()
	if m.calls[s.snap.RoomID] == s {
		delete(m.calls, s.snap.RoomID)
	}
	active := len(m.calls)
	m.mu.Unlock()

	m.Metrics.SetActiveCalls(active)
	m.Metrics.CallTransition(string(state))
	if m.History != nil {
		m.History.CallFinished(s.snap.RoomID)
	}
}

// acquire returns the live session for room with its lock held.
func (m *CallManager) acquire(op string, room domain.RoomID) (*callSession, error) {
	m.mu.Lock()
	s := m.calls[room]
	m.mu.Unlock()
	if s == nil {
		return nil, m.stale(op, room, "no session")
	}
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return nil, m.stale(op, room, "session already finished")
	}
	return s, nil
}

func (m *CallManager) join(user domain.UserID, c core.Connection, room domain.RoomID) {
	if _, err := m.rooms.JoinAs(m.registry, user, c, room); err != nil {
		log.Debug().Str("module", "app.calls").Str("room", string(room)).Str("user", string(user)).
			Str("conn", string(c.ID())).Msg("superseded connection not joined")
	}
}

func (m *CallManager) stale(op string, room domain.RoomID, reason string) error {
	m.Metrics.StaleOperation(op)
	log.Debug().Str("module", "app.calls").Str("op", op).Str("room", string(room)).Str("reason", reason).
		Msg("stale call operation")
	return domain.Stale(op, room, reason)
}

func (m *CallManager) send(c core.Connection, v any) {
	if m.notify == nil {
		return
	}
	if err := m.notify.Notify(c, v); err != nil {
		log.Warn().Err(err).Str("module", "app.calls").Str("conn", string(c.ID())).Msg("notify failed")
	}
}

// Get returns a snapshot of the live session for room.
func (m *CallManager) Get(room domain.RoomID) (domain.CallSnapshot, bool) {
	m.mu.Lock()
	s := m.calls[room]
	m.mu.Unlock()
	if s == nil {
		return domain.CallSnapshot{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return domain.CallSnapshot{}, false
	}
	return s.snap, true
}

func (m *CallManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Close stops pending ring timers. Sessions are left as they are.
func (m *CallManager) Close() {
	m.mu.Lock()
	sessions := make([]*callSession, 0, len(m.calls))
	for _, s := range m.calls {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		s.mu.Unlock()
	}
}
