package orch

import (
	"encoding/json"
	"time"

	"github.com/dkeye/Ring/internal/app"
	"github.com/dkeye/Ring/internal/domain"
	"github.com/rs/zerolog/log"
)

func (d *Dispatcher) handleJoin(cl *Client, data []byte) {
	msg, ok := decode[domain.RoomRef](d, cl, domain.EventJoinRoom, data)
	if !ok {
		return
	}
	if _, err := d.Rooms.JoinAs(d.Registry, cl.User, cl.Conn, msg.RoomID); err != nil {
		d.replyError(cl, domain.EventJoinRoom, msg.RoomID, err)
		return
	}
	d.reply(cl, domain.RoomAck{Type: domain.EventRoomJoined, RoomID: msg.RoomID})
}

func (d *Dispatcher) handleLeave(cl *Client, data []byte) {
	msg, ok := decode[domain.RoomRef](d, cl, domain.EventLeaveRoom, data)
	if !ok {
		return
	}
	d.Rooms.Leave(cl.Conn, msg.RoomID)
	d.reply(cl, domain.RoomAck{Type: domain.EventRoomLeft, RoomID: msg.RoomID})
}

// handleSignal relays an opaque SDP/ICE blob. The first signal for a room
// joins the sender to it.
func (d *Dispatcher) handleSignal(cl *Client, data []byte) {
	msg, ok := decode[domain.Signal](d, cl, domain.EventSignal, data)
	if !ok {
		return
	}
	added, err := d.Rooms.JoinAs(d.Registry, cl.User, cl.Conn, msg.RoomID)
	if err != nil {
		d.replyError(cl, domain.EventSignal, msg.RoomID, err)
		return
	}
	if added {
		log.Debug().Str("module", "orch").Str("room", string(msg.RoomID)).Str("user", string(cl.User)).
			Msg("implicit join on first signal")
	}
	msg.Type = domain.EventSignal
	msg.Sender = cl.User
	d.relay(cl, msg.RoomID, msg)
}

func (d *Dispatcher) handleChat(cl *Client, data []byte) {
	msg, ok := decode[domain.Chat](d, cl, domain.EventChat, data)
	if !ok {
		return
	}
	if !d.Rooms.IsMember(msg.RoomID, cl.Conn.ID()) {
		d.replyError(cl, domain.EventChat, msg.RoomID, domain.ErrNotInRoom)
		return
	}
	msg.Type = domain.EventChat
	msg.UserID = cl.User
	sentAt := d.stamp(&msg.Timestamp)
	d.relay(cl, msg.RoomID, msg)

	d.Recorder.Message(domain.ChatMessage{
		RoomID:   msg.RoomID,
		SenderID: msg.UserID,
		Text:     msg.Text,
		SentAt:   sentAt,
	})
}

func (d *Dispatcher) handleTranscript(cl *Client, data []byte) {
	msg, ok := decode[domain.TranscriptLine](d, cl, domain.EventTranscript, data)
	if !ok {
		return
	}
	if !d.Rooms.IsMember(msg.RoomID, cl.Conn.ID()) {
		d.replyError(cl, domain.EventTranscript, msg.RoomID, domain.ErrNotInRoom)
		return
	}
	msg.Type = domain.EventTranscript
	msg.UserID = cl.User
	if msg.UserName == "" {
		msg.UserName = d.Recorder.Name(cl.User)
	}
	spokenAt := d.stamp(&msg.Timestamp)
	d.relay(cl, msg.RoomID, msg)

	// a name still missing here is looked up again before saving
	d.Recorder.Transcript(domain.Transcript{
		RoomID:   msg.RoomID,
		UserID:   msg.UserID,
		UserName: msg.UserName,
		Text:     msg.Text,
		SpokenAt: spokenAt,
	})
}

// stamp fills an empty timestamp with server time and returns the parsed
// value.
func (d *Dispatcher) stamp(ts *string) time.Time {
	if *ts != "" {
		if t, err := time.Parse(time.RFC3339, *ts); err == nil {
			return t.UTC()
		}
	}
	now := d.now().UTC()
	if *ts == "" {
		*ts = now.Format(time.RFC3339)
	}
	return now
}

// relay broadcasts v to the room without the sender and applies the
// backpressure policy to recipients whose queue was full.
func (d *Dispatcher) relay(cl *Client, room domain.RoomID, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("relay marshal")
		return
	}
	res := d.Rooms.Broadcast(room, cl.Conn.ID(), b)
	if len(res.Dropped) == 0 || d.Policy == nil {
		return
	}
	for _, slow := range res.Dropped {
		switch d.Policy.OnBackPressure(room, slow) {
		case app.KickMember:
			log.Warn().Str("module", "orch").Str("room", string(room)).Str("conn", string(slow.ID())).
				Msg("kicking slow consumer")
			slow.Close()
		case app.DropFrame, app.NoAction:
		}
	}
}
