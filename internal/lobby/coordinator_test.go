package lobby

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"relaylobby/internal/pipeline"
	"relaylobby/internal/transport"
	"relaylobby/internal/wire"
)

// fakeTransport scripts the relay side of the coordinator.
type fakeTransport struct {
	mu         sync.Mutex
	sent       [][]byte
	sendErrs   []error // consumed one per SendMessage call
	balance    int64
	createErr  error
	createdMax int
	joined     string
	searches   []string
	unsubs     int
	notify     chan transport.Notification
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{balance: 10, notify: make(chan transport.Notification, 16)}
}

func (f *fakeTransport) SendMessage(ctx context.Context, target string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, payload)
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		return err
	}
	return nil
}

func (f *fakeTransport) Balance(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, nil
}

func (f *fakeTransport) CreateSession(ctx context.Context, name, displayName string, maxMembers int) (transport.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return transport.SessionInfo{}, f.createErr
	}
	f.createdMax = maxMembers
	return transport.SessionInfo{
		ID: "sess-1", Name: name, JoinCode: "ABC123", HostID: "me", MaxMembers: maxMembers,
		Members: []transport.MemberInfo{{ID: "me", DisplayName: displayName}},
	}, nil
}

func (f *fakeTransport) JoinSession(ctx context.Context, anchor, displayName string) (transport.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = anchor
	return transport.SessionInfo{
		ID: anchor, Name: "Arena", HostID: "host", MaxMembers: 4,
		Members: []transport.MemberInfo{
			{ID: "host", DisplayName: "Host"},
			{ID: "me", DisplayName: displayName},
		},
	}, nil
}

func (f *fakeTransport) SearchSessions(onMatch func(transport.Match), prefix string) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches = append(f.searches, prefix)
	onMatch(transport.Match{Anchor: "found-1", Name: prefix + "Arena"})
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.unsubs++
	}, nil
}

func (f *fakeTransport) Notifications() <-chan transport.Notification { return f.notify }

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) lastSent(t *testing.T) wire.Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatal("nothing was sent")
	}
	msg, err := wire.Decode(f.sent[len(f.sent)-1])
	if err != nil {
		t.Fatalf("sent payload does not decode: %v", err)
	}
	return msg
}

func fastPipeline() pipeline.Config {
	return pipeline.Config{
		BackoffUnit:         time.Millisecond,
		FundingPollInterval: time.Millisecond,
		FundingMaxWait:      10 * time.Millisecond,
	}
}

// recvEvent pulls the next event with a timeout so tests never hang.
func recvEvent(t *testing.T, ch <-chan Event, within time.Duration) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(within):
		t.Fatalf("timed out waiting for event")
		return nil // unreachable
	}
}

func recvNoEvent(t *testing.T, ch <-chan Event, within time.Duration) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("expected no event within %v, got %T", within, ev)
	case <-time.After(within):
	}
}

func newTestCoordinator(t *testing.T, f *fakeTransport) *Coordinator {
	t.Helper()
	c := New(f, fastPipeline(), nil)
	t.Cleanup(c.Close)
	return c
}

func TestClampMembers(t *testing.T) {
	cases := []struct{ in, want int }{
		{1, 2}, {0, 2}, {-3, 2}, {2, 2}, {5, 5}, {8, 8}, {9, 8}, {99, 8},
	}
	for _, tc := range cases {
		if got := ClampMembers(tc.in); got != tc.want {
			t.Errorf("ClampMembers(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestCreateWithoutTransportFails(t *testing.T) {
	c := New(nil, fastPipeline(), nil)
	defer c.Close()

	if _, err := c.Create(context.Background(), "Arena", "Nova", 12); !errors.Is(err, ErrNoTransport) {
		t.Fatalf("want ErrNoTransport, got %v", err)
	}
	if _, err := c.Join(context.Background(), "sess-1", "Nova"); !errors.Is(err, ErrNoTransport) {
		t.Fatalf("want ErrNoTransport, got %v", err)
	}
	if _, err := c.StartSearch(""); !errors.Is(err, ErrNoTransport) {
		t.Fatalf("want ErrNoTransport, got %v", err)
	}
}

func TestCreateClampsAndHosts(t *testing.T) {
	f := newFakeTransport()
	c := newTestCoordinator(t, f)

	sess, err := c.Create(context.Background(), "Arena", "Nova", 99)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !sess.Host {
		t.Fatal("creator must be host")
	}
	if f.createdMax != MaxMembers {
		t.Fatalf("transport saw maxMembers=%d, want %d", f.createdMax, MaxMembers)
	}
	if c.Phase() != PhaseHosting {
		t.Fatalf("phase = %v, want hosting", c.Phase())
	}

	ev := recvEvent(t, c.Events(), 100*time.Millisecond)
	created, ok := ev.(Created)
	if !ok {
		t.Fatalf("want Created event, got %T", ev)
	}
	if created.Session.ID != "sess-1" || created.Session.JoinCode != "ABC123" {
		t.Fatalf("unexpected session in event: %+v", created.Session)
	}

	// Funding preparation runs detached and reports on its channel.
	select {
	case err := <-c.FundingReady():
		if err != nil {
			t.Fatalf("funding prep error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("funding prep never completed")
	}
}

func TestCreateWhileActiveFails(t *testing.T) {
	f := newFakeTransport()
	c := newTestCoordinator(t, f)

	if _, err := c.Create(context.Background(), "Arena", "Nova", 4); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := c.Create(context.Background(), "Other", "Nova", 4); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("want ErrSessionActive, got %v", err)
	}
	if _, err := c.Join(context.Background(), "x", "Nova"); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("want ErrSessionActive, got %v", err)
	}
}

func TestCreateFailureEmitsAndReturns(t *testing.T) {
	f := newFakeTransport()
	f.createErr = errors.New("relay rejected")
	c := newTestCoordinator(t, f)

	_, err := c.Create(context.Background(), "Arena", "Nova", 4)
	if err == nil {
		t.Fatal("want error")
	}
	ev := recvEvent(t, c.Events(), 100*time.Millisecond)
	if _, ok := ev.(Error); !ok {
		t.Fatalf("want Error event, got %T", ev)
	}
	if c.Phase() != PhaseIdle {
		t.Fatalf("failed create must stay idle, got %v", c.Phase())
	}
}

func TestJoinTransitions(t *testing.T) {
	f := newFakeTransport()
	c := newTestCoordinator(t, f)

	sess, err := c.Join(context.Background(), "sess-9", "Nova")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if sess.Host {
		t.Fatal("guest must not be host")
	}
	if c.Phase() != PhaseJoined {
		t.Fatalf("phase = %v, want joined", c.Phase())
	}
	if _, ok := recvEvent(t, c.Events(), 100*time.Millisecond).(Joined); !ok {
		t.Fatal("want Joined event")
	}
}

func TestSendChatExhaustionRaisesAndEmits(t *testing.T) {
	f := newFakeTransport()
	boom := errors.New("relay unreachable")
	f.sendErrs = []error{boom, boom, boom}
	c := newTestCoordinator(t, f)

	if _, err := c.Create(context.Background(), "Arena", "Nova", 4); err != nil {
		t.Fatalf("create: %v", err)
	}
	recvEvent(t, c.Events(), 100*time.Millisecond) // Created

	err := c.SendChat(context.Background(), "hello")
	var de *pipeline.DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("want DeliveryError, got %v", err)
	}
	ev := recvEvent(t, c.Events(), 100*time.Millisecond)
	if _, ok := ev.(Error); !ok {
		t.Fatalf("want Error event, got %T", ev)
	}
}

func TestSendReadyStateSwallowsExhaustion(t *testing.T) {
	f := newFakeTransport()
	boom := errors.New("relay unreachable")
	f.sendErrs = []error{boom, boom, boom}
	c := newTestCoordinator(t, f)

	if _, err := c.Create(context.Background(), "Arena", "Nova", 4); err != nil {
		t.Fatalf("create: %v", err)
	}
	recvEvent(t, c.Events(), 100*time.Millisecond) // Created

	if ok := c.SendReadyState(context.Background(), true); ok {
		t.Fatal("exhausted ready-state send must report false")
	}
	recvNoEvent(t, c.Events(), 20*time.Millisecond)

	if ok := c.SendReadyState(context.Background(), true); !ok {
		t.Fatal("recovered ready-state send must report true")
	}
	if msg, ok := f.lastSent(t).(wire.ReadyState); !ok || !msg.IsReady {
		t.Fatalf("want ReadyState{true} on the wire, got %#v", msg)
	}
}

func TestStartGameHostOnly(t *testing.T) {
	f := newFakeTransport()
	c := newTestCoordinator(t, f)

	if _, err := c.Join(context.Background(), "sess-9", "Nova"); err != nil {
		t.Fatalf("join: %v", err)
	}
	recvEvent(t, c.Events(), 100*time.Millisecond) // Joined
	before := f.sentCount()

	if err := c.StartGame(context.Background(), GameStartData{GameID: "g1"}); err != nil {
		t.Fatalf("guest start-game should be a silent no-op, got %v", err)
	}
	if f.sentCount() != before {
		t.Fatal("guest start-game must not send")
	}
	recvNoEvent(t, c.Events(), 20*time.Millisecond)
}

func TestStartGameSendsAndEmitsLocally(t *testing.T) {
	f := newFakeTransport()
	c := newTestCoordinator(t, f)

	if _, err := c.Create(context.Background(), "Arena", "Nova", 4); err != nil {
		t.Fatalf("create: %v", err)
	}
	recvEvent(t, c.Events(), 100*time.Millisecond) // Created

	if err := c.StartGame(context.Background(), GameStartData{GameID: "g1", StartMarker: "mark", Seed: 42}); err != nil {
		t.Fatalf("start game: %v", err)
	}
	msg, ok := f.lastSent(t).(wire.GameStart)
	if !ok || msg.GameID != "g1" || msg.Seed != 42 {
		t.Fatalf("unexpected wire message: %#v", msg)
	}
	ev := recvEvent(t, c.Events(), 100*time.Millisecond)
	started, ok := ev.(GameStarted)
	if !ok || started.GameID != "g1" {
		t.Fatalf("want local GameStarted, got %#v", ev)
	}
}

func TestAbortGameSendsWithoutLocalEvent(t *testing.T) {
	f := newFakeTransport()
	c := newTestCoordinator(t, f)

	if _, err := c.Create(context.Background(), "Arena", "Nova", 4); err != nil {
		t.Fatalf("create: %v", err)
	}
	recvEvent(t, c.Events(), 100*time.Millisecond) // Created

	if err := c.AbortGame(context.Background(), "rage quit"); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if msg, ok := f.lastSent(t).(wire.GameAbort); !ok || msg.Reason != "rage quit" {
		t.Fatalf("unexpected wire message: %#v", msg)
	}
	recvNoEvent(t, c.Events(), 20*time.Millisecond)
}

func TestLeaveAsHostClosesSession(t *testing.T) {
	f := newFakeTransport()
	c := newTestCoordinator(t, f)

	if _, err := c.Create(context.Background(), "Arena", "Nova", 4); err != nil {
		t.Fatalf("create: %v", err)
	}
	recvEvent(t, c.Events(), 100*time.Millisecond) // Created

	c.Leave(context.Background(), "done")
	if _, ok := f.lastSent(t).(wire.CloseSession); !ok {
		t.Fatal("host leave must send CLOSE_SESSION")
	}
	if c.Phase() != PhaseIdle {
		t.Fatalf("phase = %v, want idle", c.Phase())
	}
	if _, ok := recvEvent(t, c.Events(), 100*time.Millisecond).(Closed); !ok {
		t.Fatal("want Closed event")
	}

	// Leaving again is a no-op.
	before := f.sentCount()
	c.Leave(context.Background(), "again")
	if f.sentCount() != before {
		t.Fatal("leave outside a session must not send")
	}
}

func TestLeaveAsGuestSendsLeave(t *testing.T) {
	f := newFakeTransport()
	c := newTestCoordinator(t, f)

	if _, err := c.Join(context.Background(), "sess-9", "Nova"); err != nil {
		t.Fatalf("join: %v", err)
	}
	recvEvent(t, c.Events(), 100*time.Millisecond) // Joined

	c.Leave(context.Background(), "bye")
	if _, ok := f.lastSent(t).(wire.LeaveSession); !ok {
		t.Fatal("guest leave must send LEAVE_SESSION")
	}
}

func TestLeaveIsBestEffort(t *testing.T) {
	f := newFakeTransport()
	c := newTestCoordinator(t, f)

	if _, err := c.Create(context.Background(), "Arena", "Nova", 4); err != nil {
		t.Fatalf("create: %v", err)
	}
	recvEvent(t, c.Events(), 100*time.Millisecond) // Created

	f.mu.Lock()
	f.sendErrs = []error{errors.New("relay gone")}
	f.mu.Unlock()

	c.Leave(context.Background(), "done") // must not panic or block
	if c.Phase() != PhaseIdle {
		t.Fatal("session must tear down locally even when the send fails")
	}
	if _, ok := recvEvent(t, c.Events(), 100*time.Millisecond).(Error); !ok {
		t.Fatal("failed leave must emit an Error event")
	}
}

func TestSearchRestartStopsPrevious(t *testing.T) {
	f := newFakeTransport()
	c := newTestCoordinator(t, f)

	stop, err := c.StartSearch("Ar")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if c.Phase() != PhaseSearching {
		t.Fatalf("phase = %v, want searching", c.Phase())
	}
	if _, ok := recvEvent(t, c.Events(), 100*time.Millisecond).(Found); !ok {
		t.Fatal("want Found event")
	}

	if _, err := c.StartSearch("Lo"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	f.mu.Lock()
	unsubs, searches := f.unsubs, len(f.searches)
	f.mu.Unlock()
	if unsubs != 1 {
		t.Fatalf("restart must unsubscribe the previous search, unsubs=%d", unsubs)
	}
	if searches != 2 {
		t.Fatalf("want 2 searches, got %d", searches)
	}

	// The returned handle and StopSearch are both idempotent.
	stop()
	stop()
	c.StopSearch()
	c.StopSearch()
	f.mu.Lock()
	unsubs = f.unsubs
	f.mu.Unlock()
	if unsubs != 2 {
		t.Fatalf("want 2 total unsubscribes, got %d", unsubs)
	}
	if c.Phase() != PhaseIdle {
		t.Fatalf("phase = %v, want idle", c.Phase())
	}
}

func TestInboundTranslation(t *testing.T) {
	f := newFakeTransport()
	c := newTestCoordinator(t, f)

	if _, err := c.Create(context.Background(), "Arena", "Nova", 4); err != nil {
		t.Fatalf("create: %v", err)
	}
	recvEvent(t, c.Events(), 100*time.Millisecond) // Created

	at := time.Now()
	f.notify <- transport.MemberJoined{SessionID: "sess-1", Member: transport.MemberInfo{ID: "p2", DisplayName: "Rival"}, At: at}
	ev := recvEvent(t, c.Events(), 100*time.Millisecond)
	joined, ok := ev.(MemberJoined)
	if !ok || joined.Member.ID != "p2" {
		t.Fatalf("want MemberJoined for p2, got %#v", ev)
	}
	sess, _ := c.CurrentSession()
	if len(sess.Members) != 2 {
		t.Fatalf("member list not updated: %+v", sess.Members)
	}

	chat, _ := wire.Encode(wire.Chat{Text: "glhf", At: at.UnixMilli()})
	f.notify <- transport.MessageReceived{SessionID: "sess-1", From: "p2", Payload: chat, At: at}
	ev = recvEvent(t, c.Events(), 100*time.Millisecond)
	cm, ok := ev.(ChatMessage)
	if !ok || cm.From != "p2" || cm.Text != "glhf" {
		t.Fatalf("want ChatMessage, got %#v", ev)
	}

	ready, _ := wire.Encode(wire.ReadyState{IsReady: true, At: at.UnixMilli()})
	f.notify <- transport.MessageReceived{SessionID: "sess-1", From: "p2", Payload: ready, At: at}
	ev = recvEvent(t, c.Events(), 100*time.Millisecond)
	rc, ok := ev.(ReadyChanged)
	if !ok || !rc.Ready {
		t.Fatalf("want ReadyChanged{true}, got %#v", ev)
	}
	sess, _ = c.CurrentSession()
	for _, m := range sess.Members {
		if m.ID == "p2" && !m.Ready {
			t.Fatal("member ready flag not updated from inbound notification")
		}
	}

	start, _ := wire.Encode(wire.GameStart{GameID: "g1", Seed: 7, At: at.UnixMilli()})
	f.notify <- transport.MessageReceived{SessionID: "sess-1", From: "p2", Payload: start, At: at}
	ev = recvEvent(t, c.Events(), 100*time.Millisecond)
	if gs, ok := ev.(GameStarted); !ok || gs.GameID != "g1" {
		t.Fatalf("want GameStarted, got %#v", ev)
	}

	f.notify <- transport.SessionClosed{SessionID: "sess-1", Reason: "host left", At: at}
	ev = recvEvent(t, c.Events(), 100*time.Millisecond)
	if _, ok := ev.(Closed); !ok {
		t.Fatalf("want Closed, got %#v", ev)
	}
	if c.Phase() != PhaseIdle {
		t.Fatal("remote close must reset to idle")
	}
}

func TestMalformedInboundPayloadDropped(t *testing.T) {
	f := newFakeTransport()
	c := newTestCoordinator(t, f)

	if _, err := c.Create(context.Background(), "Arena", "Nova", 4); err != nil {
		t.Fatalf("create: %v", err)
	}
	recvEvent(t, c.Events(), 100*time.Millisecond) // Created

	f.notify <- transport.MessageReceived{SessionID: "sess-1", From: "p2", Payload: []byte("{not json")}
	f.notify <- transport.MessageReceived{SessionID: "sess-1", From: "p2", Payload: []byte(`{"type":"MYSTERY"}`)}
	chat, _ := wire.Encode(wire.Chat{Text: "still here"})
	f.notify <- transport.MessageReceived{SessionID: "sess-1", From: "p2", Payload: chat}

	ev := recvEvent(t, c.Events(), 100*time.Millisecond)
	if cm, ok := ev.(ChatMessage); !ok || cm.Text != "still here" {
		t.Fatalf("malformed payloads must be dropped silently; got %#v", ev)
	}
}
