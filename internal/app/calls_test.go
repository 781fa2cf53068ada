package app_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Ring/internal/app"
	"github.com/dkeye/Ring/internal/core"
	"github.com/dkeye/Ring/internal/core/coretest"
	"github.com/dkeye/Ring/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type jsonNotifier struct{}

func (jsonNotifier) Notify(c core.Connection, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.TrySend(b)
}

type fakeHistory struct {
	mu       sync.Mutex
	started  []domain.RoomID
	finished []domain.RoomID
}

func (h *fakeHistory) CallStarted(room domain.RoomID, _, _ domain.UserID) {
	h.mu.Lock()
	h.started = append(h.started, room)
	h.mu.Unlock()
}

func (h *fakeHistory) CallFinished(room domain.RoomID) {
	h.mu.Lock()
	h.finished = append(h.finished, room)
	h.mu.Unlock()
}

type callFixture struct {
	reg   *app.Registry
	rooms *app.RoomRelay
	calls *app.CallManager
	u1    *coretest.Conn
	u2    *coretest.Conn
}

func newCallFixture(t *testing.T) *callFixture {
	t.Helper()
	f := &callFixture{
		reg:   app.NewRegistry(nil),
		rooms: app.NewRoomRelay(nil),
		u1:    coretest.NewConn("c-u1"),
		u2:    coretest.NewConn("c-u2"),
	}
	f.calls = app.NewCallManager(f.reg, f.rooms, jsonNotifier{})
	f.reg.Register("u1", f.u1)
	f.reg.Register("u2", f.u2)
	t.Cleanup(f.calls.Close)
	return f
}

func ver(v uint64) *uint64 { return &v }

func TestCallScenario(t *testing.T) {
	f := newCallFixture(t)

	_, err := f.calls.Initiate(f.u1, "u1", "u2", "r1")
	require.NoError(t, err)

	var inv domain.IncomingCall
	require.True(t, f.u2.Last("incoming-call", &inv))
	assert.Equal(t, domain.UserID("u1"), inv.CallerID)
	assert.Equal(t, domain.RoomID("r1"), inv.RoomID)

	snap, err := f.calls.Accept(f.u2, "r1", "u2", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.CallActive, snap.State)

	var acc domain.CallNotice
	require.True(t, f.u1.Last("call-accepted", &acc))
	assert.Equal(t, domain.RoomID("r1"), acc.RoomID)

	res := f.rooms.Broadcast("r1", f.u1.ID(), core.Frame(`{"type":"webrtc-signal","roomId":"r1","signal":{"type":"offer"},"sender":"u1"}`))
	assert.Equal(t, 1, res.SendTo)
	assert.Equal(t, 1, f.u2.Count("webrtc-signal"))
	assert.Zero(t, f.u1.Count("webrtc-signal"))

	_, err = f.calls.End("r1", "u1", nil)
	require.NoError(t, err)
	assert.Empty(t, f.rooms.Members("r1"))
	assert.Equal(t, 1, f.u1.Count("call-ended"))
	assert.Equal(t, 1, f.u2.Count("call-ended"))
	_, live := f.calls.Get("r1")
	assert.False(t, live)

	_, err = f.calls.Accept(f.u2, "r1", "u2", nil)
	assert.ErrorIs(t, err, domain.ErrStaleSession)
	assert.Equal(t, 1, f.u1.Count("call-accepted"))
}

func TestCallInitiateGuards(t *testing.T) {
	tests := []struct {
		name     string
		given    func(f *callFixture)
		caller   domain.UserID
		callee   domain.UserID
		wantErr  error
		wantLive bool
	}{
		{
			name:    "given self call when initiate then rejected",
			caller:  "u1",
			callee:  "u1",
			wantErr: domain.ErrSelfCall,
		},
		{
			name: "given live session when initiate then call exists",
			given: func(f *callFixture) {
				_, _ = f.calls.Initiate(f.u1, "u1", "u2", "r1")
			},
			caller:   "u2",
			callee:   "u1",
			wantErr:  domain.ErrCallExists,
			wantLive: true,
		},
		{
			name:     "given offline callee when initiate then session rings anyway",
			caller:   "u1",
			callee:   "ghost",
			wantErr:  domain.ErrPeerUnreachable,
			wantLive: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newCallFixture(t)
			if tt.given != nil {
				tt.given(f)
			}

			_, err := f.calls.Initiate(f.u1, tt.caller, tt.callee, "r1")

			assert.ErrorIs(t, err, tt.wantErr)
			snap, live := f.calls.Get("r1")
			assert.Equal(t, tt.wantLive, live)
			if live {
				assert.Equal(t, domain.CallRinging, snap.State)
			}
		})
	}
}

func TestCallAcceptTwiceNotifiesOnce(t *testing.T) {
	f := newCallFixture(t)
	_, _ = f.calls.Initiate(f.u1, "u1", "u2", "r1")

	_, err := f.calls.Accept(f.u2, "r1", "u2", nil)
	require.NoError(t, err)
	_, err = f.calls.Accept(f.u2, "r1", "u2", nil)

	assert.ErrorIs(t, err, domain.ErrStaleSession)
	assert.Equal(t, 1, f.u1.Count("call-accepted"))
}

func TestCallAcceptMismatch(t *testing.T) {
	tests := []struct {
		name    string
		room    domain.RoomID
		callee  domain.UserID
		version *uint64
	}{
		{name: "unknown room", room: "nope", callee: "u2"},
		{name: "wrong callee", room: "r1", callee: "u1"},
		{name: "old version", room: "r1", callee: "u2", version: ver(7)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newCallFixture(t)
			_, _ = f.calls.Initiate(f.u1, "u1", "u2", "r1")

			_, err := f.calls.Accept(f.u2, tt.room, tt.callee, tt.version)

			var stale *domain.StaleOperationError
			require.True(t, errors.As(err, &stale))
			assert.Equal(t, "accept", stale.Op)
			snap, ok := f.calls.Get("r1")
			require.True(t, ok)
			assert.Equal(t, domain.CallRinging, snap.State)
			assert.Zero(t, f.u1.Count("call-accepted"))
		})
	}
}

func TestCallAcceptWithMatchingVersion(t *testing.T) {
	f := newCallFixture(t)
	snap, _ := f.calls.Initiate(f.u1, "u1", "u2", "r1")

	got, err := f.calls.Accept(f.u2, "r1", "u2", ver(snap.Version))

	require.NoError(t, err)
	assert.Greater(t, got.Version, snap.Version)
	assert.True(t, f.rooms.IsMember("r1", f.u1.ID()))
	assert.True(t, f.rooms.IsMember("r1", f.u2.ID()))
}

func TestCallReject(t *testing.T) {
	f := newCallFixture(t)
	_, _ = f.calls.Initiate(f.u1, "u1", "u2", "r1")

	_, err := f.calls.Reject("r1", "u2", "u2", nil)
	assert.ErrorIs(t, err, domain.ErrStaleSession, "caller must match")

	snap, err := f.calls.Reject("r1", "u1", "u2", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.CallRejected, snap.State)
	assert.Equal(t, 1, f.u1.Count("call-rejected"))

	_, err = f.calls.Reject("r1", "u1", "u2", nil)
	assert.ErrorIs(t, err, domain.ErrStaleSession)
	assert.Equal(t, 1, f.u1.Count("call-rejected"))
	assert.Zero(t, f.calls.Count())
	assert.Empty(t, f.rooms.Members("r1"))
}

func TestCallRejectOnlyByCallee(t *testing.T) {
	f := newCallFixture(t)
	u3 := coretest.NewConn("c-u3")
	f.reg.Register("u3", u3)
	_, _ = f.calls.Initiate(f.u1, "u1", "u2", "r1")

	for _, by := range []domain.UserID{"u3", "u1"} {
		_, err := f.calls.Reject("r1", "u1", by, nil)
		assert.ErrorIs(t, err, domain.ErrStaleSession, string(by))
	}

	snap, live := f.calls.Get("r1")
	require.True(t, live)
	assert.Equal(t, domain.CallRinging, snap.State)
	assert.Zero(t, f.u1.Count("call-rejected"))
}

func TestCallRejectAfterAcceptIsStale(t *testing.T) {
	f := newCallFixture(t)
	_, _ = f.calls.Initiate(f.u1, "u1", "u2", "r1")
	_, _ = f.calls.Accept(f.u2, "r1", "u2", nil)

	_, err := f.calls.Reject("r1", "u1", "u2", nil)

	assert.ErrorIs(t, err, domain.ErrStaleSession)
	snap, _ := f.calls.Get("r1")
	assert.Equal(t, domain.CallActive, snap.State)
}

func TestCallEndFromRingingCancels(t *testing.T) {
	f := newCallFixture(t)
	_, _ = f.calls.Initiate(f.u1, "u1", "u2", "r1")

	snap, err := f.calls.End("r1", "u1", nil)

	require.NoError(t, err)
	assert.Equal(t, domain.CallCancelled, snap.State)
	var ev domain.CallEndedEvent
	require.True(t, f.u2.Last("call-ended", &ev), "ringing callee learns of the cancel")
	assert.Equal(t, domain.CallCancelled, ev.State)
	assert.Equal(t, domain.UserID("u1"), ev.EndedBy)
	assert.Equal(t, 1, f.u1.Count("call-ended"))
}

func TestCallEndIdempotent(t *testing.T) {
	f := newCallFixture(t)

	_, err := f.calls.End("r1", "u1", nil)
	assert.ErrorIs(t, err, domain.ErrStaleSession)

	_, _ = f.calls.Initiate(f.u1, "u1", "u2", "r1")
	_, _ = f.calls.Accept(f.u2, "r1", "u2", nil)
	_, err = f.calls.End("r1", "u2", nil)
	require.NoError(t, err)
	_, err = f.calls.End("r1", "u2", nil)
	assert.ErrorIs(t, err, domain.ErrStaleSession)

	assert.Equal(t, 1, f.u1.Count("call-ended"))
	assert.Equal(t, 1, f.u2.Count("call-ended"))
	assert.Zero(t, f.rooms.Broadcast("r1", "", core.Frame(`{}`)).SendTo)
}

func TestCallEndByStrangerIsStale(t *testing.T) {
	f := newCallFixture(t)
	_, _ = f.calls.Initiate(f.u1, "u1", "u2", "r1")

	_, err := f.calls.End("r1", "mallory", nil)

	assert.ErrorIs(t, err, domain.ErrStaleSession)
	_, live := f.calls.Get("r1")
	assert.True(t, live)
}

func TestCallEndNotifiesEvictedMembersOnce(t *testing.T) {
	f := newCallFixture(t)
	watcher := coretest.NewConn("c-watch")
	_, _ = f.calls.Initiate(f.u1, "u1", "u2", "r1")
	_, _ = f.calls.Accept(f.u2, "r1", "u2", nil)
	f.rooms.Join(watcher, "r1")

	_, err := f.calls.End("r1", "u2", nil)

	require.NoError(t, err)
	for _, c := range []*coretest.Conn{f.u1, f.u2, watcher} {
		assert.Equal(t, 1, c.Count("call-ended"), string(c.ID()))
	}
}

func TestCallOnConnectionLost(t *testing.T) {
	f := newCallFixture(t)
	u3 := coretest.NewConn("c-u3")
	f.reg.Register("u3", u3)
	_, _ = f.calls.Initiate(f.u1, "u1", "u2", "r1")
	_, _ = f.calls.Accept(f.u2, "r1", "u2", nil)
	_, _ = f.calls.Initiate(u3, "u3", "u1", "r2")
	_, _ = f.calls.Initiate(u3, "u3", "u2", "r3")

	ended := f.calls.OnConnectionLost("u1", f.u1.ID())

	assert.ElementsMatch(t, []domain.RoomID{"r1", "r2"}, ended)
	assert.Equal(t, 1, f.u2.Count("call-ended"))
	assert.Equal(t, 1, u3.Count("call-ended"))
	_, live := f.calls.Get("r3")
	assert.True(t, live)
	assert.Equal(t, 1, f.calls.Count())
}

func TestCallOnConnectionLostAfterReRegister(t *testing.T) {
	f := newCallFixture(t)
	_, _ = f.calls.Initiate(f.u1, "u1", "u2", "r1")
	fresh := coretest.NewConn("c-u1-new")
	f.reg.Register("u1", fresh)
	_, _ = f.calls.Initiate(fresh, "u1", "u2", "r2")

	ended := f.calls.OnConnectionLost("u1", f.u1.ID())

	assert.Empty(t, ended)
	assert.Equal(t, 2, f.calls.Count())
	assert.Zero(t, fresh.Count("call-ended"))
	assert.Zero(t, f.u2.Count("call-ended"))

	ended = f.calls.OnConnectionLost("u1", fresh.ID())
	assert.ElementsMatch(t, []domain.RoomID{"r1", "r2"}, ended)
}

func TestCallAcceptFromSupersededConnDoesNotJoin(t *testing.T) {
	f := newCallFixture(t)
	_, _ = f.calls.Initiate(f.u1, "u1", "u2", "r1")
	f.reg.Register("u2", coretest.NewConn("c-u2-new"))

	_, err := f.calls.Accept(f.u2, "r1", "u2", nil)

	require.NoError(t, err)
	assert.False(t, f.rooms.IsMember("r1", f.u2.ID()))
	assert.True(t, f.rooms.IsMember("r1", f.u1.ID()))
}

func TestCallHistory(t *testing.T) {
	f := newCallFixture(t)
	h := &fakeHistory{}
	f.calls.History = h

	_, _ = f.calls.Initiate(f.u1, "u1", "u2", "r1")
	_, _ = f.calls.End("r1", "u1", nil)
	_, _ = f.calls.End("r1", "u1", nil)

	assert.Equal(t, []domain.RoomID{"r1"}, h.started)
	assert.Equal(t, []domain.RoomID{"r1"}, h.finished)
}

func TestCallRingTimeout(t *testing.T) {
	f := newCallFixture(t)
	f.calls.RingTimeout = 20 * time.Millisecond

	_, _ = f.calls.Initiate(f.u1, "u1", "u2", "r1")

	require.Eventually(t, func() bool { return f.calls.Count() == 0 }, time.Second, 5*time.Millisecond)
	var ev domain.CallEndedEvent
	require.True(t, f.u1.Last("call-ended", &ev))
	assert.Equal(t, domain.CallCancelled, ev.State)
	assert.Empty(t, ev.EndedBy)
	assert.Equal(t, 1, f.u2.Count("call-ended"))
}

func TestCallRingTimeoutDisarmedByAccept(t *testing.T) {
	f := newCallFixture(t)
	f.calls.RingTimeout = 20 * time.Millisecond

	_, _ = f.calls.Initiate(f.u1, "u1", "u2", "r1")
	_, err := f.calls.Accept(f.u2, "r1", "u2", nil)
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	snap, live := f.calls.Get("r1")
	require.True(t, live)
	assert.Equal(t, domain.CallActive, snap.State)
	assert.Zero(t, f.u1.Count("call-ended"))
}

func TestCallConcurrentInitiateSingleWinner(t *testing.T) {
	f := newCallFixture(t)
	const n = 32
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			caller := domain.UserID(fmt.Sprintf("caller-%d", i))
			if _, err := f.calls.Initiate(nil, caller, "u2", "r1"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, f.u2.Count("incoming-call"))
}

func TestCallAcceptRacesCallerDisconnect(t *testing.T) {
	for i := 0; i < 200; i++ {
		f := newCallFixture(t)
		_, _ = f.calls.Initiate(f.u1, "u1", "u2", "r1")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = f.calls.Accept(f.u2, "r1", "u2", nil)
		}()
		go func() {
			defer wg.Done()
			f.calls.OnConnectionLost("u1", f.u1.ID())
		}()
		wg.Wait()

		require.Equal(t, 1, f.u2.Count("call-ended"), "iteration %d", i)
		require.LessOrEqual(t, f.u1.Count("call-accepted"), 1)
		require.Zero(t, f.calls.Count())
		require.Empty(t, f.rooms.Members("r1"))
	}
}

func TestCallAcceptRacesReject(t *testing.T) {
	for i := 0; i < 200; i++ {
		f := newCallFixture(t)
		_, _ = f.calls.Initiate(f.u1, "u1", "u2", "r1")

		errs := make([]error, 2)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, errs[0] = f.calls.Accept(f.u2, "r1", "u2", nil)
		}()
		go func() {
			defer wg.Done()
			_, errs[1] = f.calls.Reject("r1", "u1", "u2", nil)
		}()
		wg.Wait()

		wins := 0
		for _, err := range errs {
			if err == nil {
				wins++
			} else {
				require.ErrorIs(t, err, domain.ErrStaleSession)
			}
		}
		require.Equal(t, 1, wins, "iteration %d", i)
		require.Equal(t, 1, f.u1.Count("call-accepted")+f.u1.Count("call-rejected"))
	}
}
