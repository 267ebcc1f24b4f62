package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"relaylobby/internal/transport"
	"relaylobby/internal/wire"
)

func recvFrame(t *testing.T, ch <-chan transport.Frame, within time.Duration) transport.Frame {
	t.Helper()
	select {
	case f, ok := <-ch:
		if !ok {
			t.Fatal("outbox closed unexpectedly")
		}
		return f
	case <-time.After(within):
		t.Fatal("timed out waiting for frame")
		return transport.Frame{} // unreachable
	}
}

func createTestSession(t *testing.T, h *Hub, account, name string, max int) transport.SessionInfo {
	t.Helper()
	reply := make(chan SessionReply, 1)
	h.Inbox() <- CreateSession{AccountID: account, DisplayName: account, Name: name, MaxMembers: max, Reply: reply}
	res := <-reply
	if res.Err != nil {
		t.Fatalf("create session: %v", res.Err)
	}
	return res.Info
}

func joinTestSession(t *testing.T, h *Hub, account, anchor string) transport.SessionInfo {
	t.Helper()
	reply := make(chan SessionReply, 1)
	h.Inbox() <- JoinSession{AccountID: account, DisplayName: account, Anchor: anchor, Reply: reply}
	res := <-reply
	if res.Err != nil {
		t.Fatalf("join session: %v", res.Err)
	}
	return res.Info
}

func deliver(h *Hub, from, target string, payload []byte) error {
	reply := make(chan error, 1)
	h.Inbox() <- Deliver{From: from, Target: target, Payload: payload, Reply: reply}
	return <-reply
}

func TestHubCreateJoinAndFanout(t *testing.T) {
	h := NewHub(context.Background(), nil, 0, nil)
	defer func() { h.Inbox() <- ShutdownHub{} }()

	info := createTestSession(t, h, "alice", "Arena", 4)
	if info.JoinCode == "" || len(info.Members) != 1 {
		t.Fatalf("unexpected session info: %+v", info)
	}

	aliceOut := make(chan transport.Frame, 8)
	h.Inbox() <- Attach{AccountID: "alice", Outbox: aliceOut}

	// Join by code, not id, and check the host hears about it.
	joined := joinTestSession(t, h, "bob", info.JoinCode)
	if joined.ID != info.ID {
		t.Fatal("join by code must resolve the same session")
	}
	f := recvFrame(t, aliceOut, 100*time.Millisecond)
	if f.Kind != transport.FrameMemberJoined || f.Member == nil || f.Member.ID != "bob" {
		t.Fatalf("want member_joined for bob, got %+v", f)
	}

	bobOut := make(chan transport.Frame, 8)
	h.Inbox() <- Attach{AccountID: "bob", Outbox: bobOut}

	chat, _ := wire.Encode(wire.Chat{Text: "glhf", At: 1})
	if err := deliver(h, "alice", info.ID, chat); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	f = recvFrame(t, bobOut, 100*time.Millisecond)
	if f.Kind != transport.FrameMessage || f.From != "alice" {
		t.Fatalf("want message from alice, got %+v", f)
	}
	// The sender does not hear its own message.
	select {
	case f := <-aliceOut:
		t.Fatalf("sender must not receive its own message, got %+v", f)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestHubJoinFull(t *testing.T) {
	h := NewHub(context.Background(), nil, 0, nil)
	defer func() { h.Inbox() <- ShutdownHub{} }()

	info := createTestSession(t, h, "alice", "Duo", 2)
	joinTestSession(t, h, "bob", info.ID)

	reply := make(chan SessionReply, 1)
	h.Inbox() <- JoinSession{AccountID: "carol", DisplayName: "carol", Anchor: info.ID, Reply: reply}
	if res := <-reply; !errors.Is(res.Err, ErrSessionFull) {
		t.Fatalf("want ErrSessionFull, got %v", res.Err)
	}
}

func TestHubLeaveAndCloseControlMessages(t *testing.T) {
	h := NewHub(context.Background(), nil, 0, nil)
	defer func() { h.Inbox() <- ShutdownHub{} }()

	info := createTestSession(t, h, "alice", "Arena", 4)
	joinTestSession(t, h, "bob", info.ID)
	joinTestSession(t, h, "carol", info.ID)

	aliceOut := make(chan transport.Frame, 8)
	h.Inbox() <- Attach{AccountID: "alice", Outbox: aliceOut}
	carolOut := make(chan transport.Frame, 8)
	h.Inbox() <- Attach{AccountID: "carol", Outbox: carolOut}

	leave, _ := wire.Encode(wire.LeaveSession{Reason: "bye", At: 1})
	if err := deliver(h, "bob", info.ID, leave); err != nil {
		t.Fatalf("deliver leave: %v", err)
	}
	f := recvFrame(t, aliceOut, 100*time.Millisecond)
	if f.Kind != transport.FrameMemberLeft || f.Member == nil || f.Member.ID != "bob" {
		t.Fatalf("want member_left for bob, got %+v", f)
	}
	recvFrame(t, carolOut, 100*time.Millisecond) // carol hears it too

	closeMsg, _ := wire.Encode(wire.CloseSession{Reason: "done", At: 2})
	if err := deliver(h, "alice", info.ID, closeMsg); err != nil {
		t.Fatalf("deliver close: %v", err)
	}
	f = recvFrame(t, carolOut, 100*time.Millisecond)
	if f.Kind != transport.FrameSessionClosed || f.Reason != "done" {
		t.Fatalf("want session_closed, got %+v", f)
	}

	// The session is gone.
	if err := deliver(h, "alice", info.ID, closeMsg); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("want ErrSessionNotFound after close, got %v", err)
	}
}

func TestHubSearch(t *testing.T) {
	h := NewHub(context.Background(), nil, 0, nil)
	defer func() { h.Inbox() <- ShutdownHub{} }()

	createTestSession(t, h, "alice", "Arena One", 4)
	createTestSession(t, h, "bob", "Dungeon", 4)
	full := createTestSession(t, h, "carol", "Arena Full", 2)
	joinTestSession(t, h, "dave", full.ID)

	reply := make(chan []transport.Match, 1)
	h.Inbox() <- Search{Prefix: "Arena", Reply: reply}
	matches := <-reply
	if len(matches) != 1 || matches[0].Name != "Arena One" {
		t.Fatalf("want only the open Arena session, got %+v", matches)
	}

	h.Inbox() <- Search{Prefix: "", Reply: reply}
	if matches = <-reply; len(matches) != 2 {
		t.Fatalf("empty prefix must list all open sessions, got %+v", matches)
	}
}

// fakeLedger meters sends in memory so funding failures are testable
// without postgres.
type fakeLedger struct {
	mu      sync.Mutex
	balance int64
	saved   int
}

func (l *fakeLedger) Charge(id string, cost int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balance < cost {
		return ErrInsufficientBalance
	}
	l.balance -= cost
	return nil
}

func (l *fakeLedger) SaveMessage(m StoredMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.saved++
	return nil
}

func TestHubMetersDelivery(t *testing.T) {
	ledger := &fakeLedger{balance: 2}
	h := NewHub(context.Background(), ledger, 1, nil)
	defer func() { h.Inbox() <- ShutdownHub{} }()

	info := createTestSession(t, h, "alice", "Arena", 4)
	joinTestSession(t, h, "bob", info.ID)

	chat, _ := wire.Encode(wire.Chat{Text: "one", At: 1})
	if err := deliver(h, "alice", info.ID, chat); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := deliver(h, "alice", info.ID, chat); err != nil {
		t.Fatalf("second send: %v", err)
	}
	err := deliver(h, "alice", info.ID, chat)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("want ErrInsufficientBalance on empty account, got %v", err)
	}
	if !transport.IsFundingError(err) {
		t.Fatal("the relay's funding error must classify as funding-related client-side")
	}

	ledger.mu.Lock()
	saved := ledger.saved
	ledger.mu.Unlock()
	if saved != 2 {
		t.Fatalf("want 2 logged messages, got %d", saved)
	}
}
