package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/Ring/internal/core"
	"github.com/dkeye/Ring/internal/domain"
	"github.com/dkeye/Ring/internal/metrics"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

type recordJob struct {
	op string
	fn func(ctx context.Context, s core.Store) error
}

// Recorder writes history to the store from a small worker pool. Submitting
// never blocks: when the queue is full the record is dropped and logged.
type Recorder struct {
	store   core.Store
	timeout time.Duration
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	jobs   chan recordJob
	wg     conc.WaitGroup

	namesMu sync.RWMutex
	names   map[domain.UserID]string
}

func NewRecorder(store core.Store, workers, queue int, timeout time.Duration, m *metrics.Metrics) *Recorder {
	if workers <= 0 {
		workers = 1
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	r := &Recorder{
		store:   store,
		timeout: timeout,
		metrics: m,
		jobs:    make(chan recordJob, queue),
		names:   make(map[domain.UserID]string),
	}
	for i := 0; i < workers; i++ {
		r.wg.Go(r.worker)
	}
	return r
}

func (r *Recorder) worker() {
	for j := range r.jobs {
		r.run(j)
	}
}

func (r *Recorder) run(j recordJob) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	var err error
	var pc panics.Catcher
	pc.Try(func() { err = j.fn(ctx, r.store) })
	if rec := pc.Recovered(); rec != nil {
		err = rec.AsError()
	}
	if err != nil {
		r.metrics.PersistenceFailed(j.op)
		log.Error().Err(err).Str("module", "app.recorder").Str("op", j.op).Msg("persistence failed")
	}
}

func (r *Recorder) submit(op string, fn func(ctx context.Context, s core.Store) error) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}
	select {
	case r.jobs <- recordJob{op: op, fn: fn}:
		return true
	default:
		r.metrics.PersistenceFailed(op)
		log.Warn().Str("module", "app.recorder").Str("op", op).Msg("persistence queue full, dropping record")
		return false
	}
}

// UserOnline marks the user active and caches their display name for
// outgoing transcripts.
func (r *Recorder) UserOnline(id domain.UserID) {
	r.submit("user_status", func(ctx context.Context, s core.Store) error {
		if err := s.SetUserStatus(ctx, id, domain.StatusActive); err != nil {
			return err
		}
		u, err := s.FindUser(ctx, id)
		switch {
		case errors.Is(err, domain.ErrUserNotFound):
			return nil
		case err != nil:
			return err
		}
		r.namesMu.Lock()
		r.names[id] = u.Name
		r.namesMu.Unlock()
		return nil
	})
}

// Name returns the cached display name, or "" when it is not known yet.
func (r *Recorder) Name(id domain.UserID) string {
	if r == nil {
		return ""
	}
	r.namesMu.RLock()
	defer r.namesMu.RUnlock()
	return r.names[id]
}

func (r *Recorder) UserOffline(id domain.UserID) {
	if r != nil {
		r.namesMu.Lock()
		delete(r.names, id)
		r.namesMu.Unlock()
	}
	r.submit("user_status", func(ctx context.Context, s core.Store) error {
		return s.SetUserStatus(ctx, id, domain.StatusOffline)
	})
}

// CallStarted stores the room and both participants.
func (r *Recorder) CallStarted(room domain.RoomID, caller, callee domain.UserID) {
	at := time.Now().UTC()
	r.submit("create_room", func(ctx context.Context, s core.Store) error {
		if err := s.CreateRoom(ctx, domain.RoomRecord{ID: room, CreatedBy: caller, CreatedAt: at}); err != nil {
			return err
		}
		for _, u := range []domain.UserID{caller, callee} {
			if err := s.AddParticipant(ctx, domain.Participant{RoomID: room, UserID: u}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Recorder) CallFinished(room domain.RoomID) {
	at := time.Now().UTC()
	r.submit("end_room", func(ctx context.Context, s core.Store) error {
		return s.EndRoom(ctx, room, at)
	})
}

// Transcript resolves a missing speaker name from the directory before
// saving. Delivery to the room has already happened at this point.
func (r *Recorder) Transcript(t domain.Transcript) {
	r.submit("save_transcript", func(ctx context.Context, s core.Store) error {
		if t.UserName == "" {
			if u, err := s.FindUser(ctx, t.UserID); err == nil {
				t.UserName = u.Name
			}
		}
		return s.SaveTranscript(ctx, t)
	})
}

func (r *Recorder) Message(m domain.ChatMessage) {
	r.submit("save_message", func(ctx context.Context, s core.Store) error {
		return s.SaveMessage(ctx, m)
	})
}

// Close drains queued records and closes the store.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.jobs)
	r.mu.Unlock()

	if rec := r.wg.WaitAndRecover(); rec != nil {
		log.Error().Str("module", "app.recorder").Interface("panic", rec.Value).Msg("recorder worker panicked")
	}
	return r.store.Close()
}
