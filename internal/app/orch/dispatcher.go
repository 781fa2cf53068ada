package orch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dkeye/Ring/internal/app"
	"github.com/dkeye/Ring/internal/core"
	"github.com/dkeye/Ring/internal/domain"
	"github.com/dkeye/Ring/internal/metrics"
	"github.com/go-playground/validator/v10"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/panics"
)

// Dispatcher routes inbound frames of every connection to the registry,
// the call manager and the room relay.
type Dispatcher struct {
	Registry *app.Registry
	Rooms    *app.RoomRelay
	Calls    *app.CallManager
	Recorder *app.Recorder
	Policy   app.Policy
	Limiter  *app.RateLimiter
	Metrics  *metrics.Metrics

	// ICEServers are advertised to clients on registration.
	ICEServers []webrtc.ICEServer

	validate *validator.Validate
	now      func() time.Time
}

// NewDispatcher builds a dispatcher and a call manager that notifies
// through it.
func NewDispatcher(reg *app.Registry, rooms *app.RoomRelay) *Dispatcher {
	d := &Dispatcher{
		Registry: reg,
		Rooms:    rooms,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
	}
	d.Calls = app.NewCallManager(reg, rooms, d)
	return d
}

// Client is the per-connection state. It is owned by the Serve loop and
// never shared.
type Client struct {
	Conn core.Connection
	User domain.UserID
}

func NewClient(conn core.Connection) *Client {
	return &Client{Conn: conn}
}

// Serve consumes the connection's inbox until it is closed or ctx is done,
// then runs the disconnect cascade.
func (d *Dispatcher) Serve(ctx context.Context, conn core.Connection, inbox <-chan core.Frame) {
	cl := NewClient(conn)
	defer d.Disconnect(cl)

	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-inbox:
			if !ok {
				return
			}
			d.Handle(cl, f)
		}
	}
}

// Handle processes one inbound frame. A panic in a handler is contained to
// the frame that caused it.
func (d *Dispatcher) Handle(cl *Client, data core.Frame) {
	var pc panics.Catcher
	pc.Try(func() { d.route(cl, data) })
	if r := pc.Recovered(); r != nil {
		log.Error().Str("module", "orch").Str("conn", string(cl.Conn.ID())).
			Interface("panic", r.Value).Str("stack", string(r.Stack)).Msg("handler panicked")
		d.replyError(cl, "", "", errors.New("internal error"))
	}
}

func (d *Dispatcher) route(cl *Client, data core.Frame) {
	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil || d.validate.Struct(env) != nil {
		log.Warn().Str("module", "orch").Str("conn", string(cl.Conn.ID())).Msg("bad envelope")
		d.replyError(cl, "", "", domain.ErrBadPayload)
		return
	}

	switch env.Type {
	case domain.EventRegister:
		d.handleRegister(cl, data)
		return
	case domain.EventPing:
		d.handlePing(cl)
		return
	}

	if cl.User == "" || !d.Registry.Owns(cl.User, cl.Conn.ID()) {
		d.replyError(cl, env.Type, "", domain.ErrNotRegistered)
		return
	}

	switch env.Type {
	case domain.EventInitiate:
		d.handleInitiate(cl, data)
	case domain.EventAccept:
		d.handleAccept(cl, data)
	case domain.EventReject:
		d.handleReject(cl, data)
	case domain.EventEnd:
		d.handleEnd(cl, data)
	case domain.EventJoinRoom:
		d.handleJoin(cl, data)
	case domain.EventLeaveRoom:
		d.handleLeave(cl, data)
	case domain.EventSignal:
		d.handleSignal(cl, data)
	case domain.EventChat:
		d.handleChat(cl, data)
	case domain.EventTranscript:
		d.handleTranscript(cl, data)
	default:
		log.Warn().Str("module", "orch").Str("type", string(env.Type)).Msg("unknown event")
		d.replyError(cl, env.Type, "", domain.ErrUnknownEvent)
	}
}

// decode unmarshals and validates a typed payload, replying bad_payload on
// failure.
func decode[T any](d *Dispatcher, cl *Client, ref domain.EventType, data core.Frame) (T, bool) {
	var msg T
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("type", string(ref)).Msg("bad json")
		d.replyError(cl, ref, "", domain.ErrBadPayload)
		return msg, false
	}
	if err := d.validate.Struct(msg); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("type", string(ref)).Msg("invalid payload")
		d.replyError(cl, ref, "", domain.ErrBadPayload)
		return msg, false
	}
	return msg, true
}

// Notify encodes v and queues it on c without blocking.
func (d *Dispatcher) Notify(c core.Connection, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.TrySend(b)
}

func (d *Dispatcher) reply(cl *Client, v any) {
	if err := d.Notify(cl.Conn, v); err != nil {
		log.Debug().Err(err).Str("module", "orch").Str("conn", string(cl.Conn.ID())).Msg("reply dropped")
	}
}

func (d *Dispatcher) replyError(cl *Client, ref domain.EventType, room domain.RoomID, err error) {
	d.reply(cl, domain.ErrorEvent{
		Type:    domain.EventError,
		Code:    errorCode(err),
		Message: err.Error(),
		Ref:     ref,
		RoomID:  room,
	})
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrStaleSession):
		return "stale_session"
	case errors.Is(err, domain.ErrCallExists):
		return "call_exists"
	case errors.Is(err, domain.ErrPeerUnreachable):
		return "peer_unreachable"
	case errors.Is(err, domain.ErrNotRegistered):
		return "not_registered"
	case errors.Is(err, domain.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, domain.ErrSelfCall):
		return "self_call"
	case errors.Is(err, domain.ErrBadPayload):
		return "bad_payload"
	case errors.Is(err, domain.ErrUnknownEvent):
		return "unknown_event"
	case errors.Is(err, domain.ErrIdentityMismatch):
		return "identity_mismatch"
	case errors.Is(err, domain.ErrNotInRoom):
		return "not_in_room"
	case errors.Is(err, domain.ErrUserIDEmpty), errors.Is(err, domain.ErrUserIDTooLong):
		return "bad_payload"
	}
	return "internal"
}

func (d *Dispatcher) timestamp() string {
	return d.now().UTC().Format(time.RFC3339)
}

func (d *Dispatcher) handlePing(cl *Client) {
	d.reply(cl, struct {
		Type domain.EventType `json:"type"`
		Time string           `json:"time"`
	}{Type: domain.EventPong, Time: d.timestamp()})
}
