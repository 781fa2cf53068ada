package orch

import (
	"errors"

	"github.com/dkeye/Ring/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type registeredEvent struct {
	Type       domain.EventType   `json:"type"`
	UserID     domain.UserID      `json:"userId"`
	ICEServers []webrtc.ICEServer `json:"iceServers,omitempty"`
}

func (d *Dispatcher) handleRegister(cl *Client, data []byte) {
	msg, ok := decode[domain.RegisterUser](d, cl, domain.EventRegister, data)
	if !ok {
		return
	}

	// rebinding a connection to another identity drops the old one first
	if cl.User != "" && cl.User != msg.UserID {
		d.release(cl)
	}

	prev, replaced := d.Registry.Register(msg.UserID, cl.Conn)
	cl.User = msg.UserID
	if replaced {
		left := d.Rooms.LeaveAll(prev)
		log.Info().Str("module", "orch").Str("user", string(msg.UserID)).
			Str("conn", string(prev.ID())).Int("rooms", len(left)).
			Msg("superseded connection removed from rooms")
	}
	d.Recorder.UserOnline(msg.UserID)

	d.reply(cl, registeredEvent{
		Type:       domain.EventRegistered,
		UserID:     msg.UserID,
		ICEServers: d.ICEServers,
	})
}

func (d *Dispatcher) handleInitiate(cl *Client, data []byte) {
	msg, ok := decode[domain.InitiateCall](d, cl, domain.EventInitiate, data)
	if !ok {
		return
	}
	if msg.CallerID != cl.User {
		d.replyError(cl, domain.EventInitiate, msg.RoomID, domain.ErrIdentityMismatch)
		return
	}
	if !d.Limiter.Allow(cl.User) {
		d.Metrics.RateLimited()
		log.Warn().Str("module", "orch").Str("user", string(cl.User)).Msg("initiate rate limited")
		d.replyError(cl, domain.EventInitiate, msg.RoomID, domain.ErrRateLimited)
		return
	}
	room := msg.RoomID
	if room == "" {
		room = domain.NewRoomID()
	}

	snap, err := d.Calls.Initiate(cl.Conn, msg.CallerID, msg.CalleeID, room)
	switch {
	case err == nil, errors.Is(err, domain.ErrPeerUnreachable):
		d.reply(cl, domain.CallRingingEvent{
			Type:      domain.EventRinging,
			RoomID:    snap.RoomID,
			CalleeID:  snap.CalleeID,
			Version:   snap.Version,
			Delivered: err == nil,
		})
		if err != nil {
			d.replyError(cl, domain.EventInitiate, room, err)
		}
	default:
		d.replyError(cl, domain.EventInitiate, room, err)
	}
}

func (d *Dispatcher) handleAccept(cl *Client, data []byte) {
	msg, ok := decode[domain.AcceptCall](d, cl, domain.EventAccept, data)
	if !ok {
		return
	}
	if msg.CalleeID != cl.User {
		d.replyError(cl, domain.EventAccept, msg.RoomID, domain.ErrIdentityMismatch)
		return
	}
	if _, err := d.Calls.Accept(cl.Conn, msg.RoomID, msg.CalleeID, msg.Version); err != nil {
		d.replyError(cl, domain.EventAccept, msg.RoomID, err)
	}
}

func (d *Dispatcher) handleReject(cl *Client, data []byte) {
	msg, ok := decode[domain.RejectCall](d, cl, domain.EventReject, data)
	if !ok {
		return
	}
	if _, err := d.Calls.Reject(msg.RoomID, msg.CallerID, cl.User, msg.Version); err != nil {
		d.replyError(cl, domain.EventReject, msg.RoomID, err)
	}
}

func (d *Dispatcher) handleEnd(cl *Client, data []byte) {
	msg, ok := decode[domain.EndCall](d, cl, domain.EventEnd, data)
	if !ok {
		return
	}
	if _, err := d.Calls.End(msg.RoomID, cl.User, msg.Version); err != nil {
		d.replyError(cl, domain.EventEnd, msg.RoomID, err)
	}
}

// Disconnect clears every trace of the connection: room membership first,
// then calls it owns, then its identity, so peers are told about the end of
// a call while the user is still reachable.
func (d *Dispatcher) Disconnect(cl *Client) {
	left := d.Rooms.LeaveAll(cl.Conn)
	log.Info().Str("module", "orch").Str("conn", string(cl.Conn.ID())).Str("user", string(cl.User)).
		Int("rooms", len(left)).Msg("connection gone")
	if cl.User != "" {
		d.release(cl)
	}
}

// release ends the calls of the client's identity and unregisters it, but
// only while this connection still owns that identity.
func (d *Dispatcher) release(cl *Client) {
	user := cl.User
	if !d.Registry.Owns(user, cl.Conn.ID()) {
		log.Debug().Str("module", "orch").Str("user", string(user)).Str("conn", string(cl.Conn.ID())).
			Msg("superseded connection, keeping calls")
		cl.User = ""
		return
	}
	d.Rooms.LeaveAll(cl.Conn)
	d.Calls.OnConnectionLost(user, cl.Conn.ID())
	if d.Registry.Unregister(user, cl.Conn) {
		d.Limiter.Forget(user)
		d.Recorder.UserOffline(user)
	}
	cl.User = ""
}
