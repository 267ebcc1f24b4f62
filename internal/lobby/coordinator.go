// Package lobby owns the multiplayer session lifecycle over the relay
// mailbox: creating, finding and joining sessions, signaling (chat,
// readiness, game start/abort) through the retrying send pipeline, and
// translating inbound transport notifications into domain events.
package lobby

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"relaylobby/internal/pipeline"
	"relaylobby/internal/transport"
	"relaylobby/internal/wire"
)

var (
	// ErrNoTransport means the coordinator was built without a transport
	// binding; it is a configuration fault, not a delivery fault.
	ErrNoTransport = errors.New("no transport bound")
	// ErrSessionActive rejects create/join while a session already exists.
	ErrSessionActive = errors.New("a session is already active")
	// ErrNoSession rejects sends outside a session.
	ErrNoSession = errors.New("not in a session")
)

const (
	MinMembers = 2
	MaxMembers = 8

	chatAttempts  = 3
	readyAttempts = 3
)

// Phase is the coordinator's lifecycle state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSearching
	PhaseHosting
	PhaseJoined
)

func (p Phase) String() string {
	switch p {
	case PhaseSearching:
		return "searching"
	case PhaseHosting:
		return "hosting"
	case PhaseJoined:
		return "joined"
	default:
		return "idle"
	}
}

type Member struct {
	ID          string
	DisplayName string
	Ready       bool
}

// Session is the local view of the active lobby. Members mutate only from
// inbound notifications; the local ready flag is sent, never asserted.
type Session struct {
	ID         string
	Name       string
	JoinCode   string
	Host       bool
	MaxMembers int
	Members    []Member
}

// GameStartData is what the host announces when the game begins.
type GameStartData struct {
	GameID      string
	StartMarker string
	Seed        int64
}

// Coordinator drives one lobby lifecycle cycle at a time:
// Idle -> Searching -> (Hosting | Joined) -> Idle.
type Coordinator struct {
	tr   transport.Transport
	pipe *pipeline.Pipeline
	log  *zap.Logger

	mu        sync.Mutex
	phase     Phase
	session   *Session
	unsearch  func()
	fundingUp chan error // funding-prep completion, one per session cycle
	events    chan Event
	cancelRun context.CancelFunc
}

// New builds a coordinator over tr. tr may be nil: every operation then
// fails with ErrNoTransport, which keeps the UI layer constructible before
// the relay connection exists.
func New(tr transport.Transport, pcfg pipeline.Config, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Coordinator{
		tr:     tr,
		log:    log,
		events: make(chan Event, 64),
	}
	if tr != nil {
		c.pipe = pipeline.New(tr, pcfg, log)
		ctx, cancel := context.WithCancel(context.Background())
		c.cancelRun = cancel
		go c.run(ctx)
	}
	return c
}

// Events is the coordinator's domain event stream. Single consumer; a full
// channel drops events rather than blocking the transport loop.
func (c *Coordinator) Events() <-chan Event { return c.events }

func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// CurrentSession returns a copy of the active session, if any.
func (c *Coordinator) CurrentSession() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return Session{}, false
	}
	return *c.session, true
}

// FundingReady exposes the detached funding-preparation task's completion:
// it yields its error (or nil) once per create/join. Nil before any session
// was created.
func (c *Coordinator) FundingReady() <-chan error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fundingUp
}

func (c *Coordinator) Close() {
	c.StopSearch()
	if c.cancelRun != nil {
		c.cancelRun()
	}
}

// ClampMembers bounds a requested lobby size to the supported range.
func ClampMembers(n int) int {
	if n < MinMembers {
		return MinMembers
	}
	if n > MaxMembers {
		return MaxMembers
	}
	return n
}

// Create opens a new session as host. Failures are signaled both ways: the
// returned error and an Error event.
func (c *Coordinator) Create(ctx context.Context, name, displayName string, maxMembers int) (Session, error) {
	maxMembers = ClampMembers(maxMembers)

	c.mu.Lock()
	if c.tr == nil {
		c.mu.Unlock()
		return Session{}, ErrNoTransport
	}
	if c.session != nil {
		c.mu.Unlock()
		return Session{}, ErrSessionActive
	}
	c.mu.Unlock()

	info, err := c.tr.CreateSession(ctx, name, displayName, maxMembers)
	if err != nil {
		err = fmt.Errorf("create session: %w", err)
		c.emit(Error{Op: "create", Err: err})
		return Session{}, err
	}
	sess := sessionFromInfo(info, true)
	c.adopt(sess, PhaseHosting)
	c.emit(Created{Session: sess})
	return sess, nil
}

// Join enters an existing session by its discovery anchor.
func (c *Coordinator) Join(ctx context.Context, anchor, displayName string) (Session, error) {
	c.mu.Lock()
	if c.tr == nil {
		c.mu.Unlock()
		return Session{}, ErrNoTransport
	}
	if c.session != nil {
		c.mu.Unlock()
		return Session{}, ErrSessionActive
	}
	c.mu.Unlock()

	info, err := c.tr.JoinSession(ctx, anchor, displayName)
	if err != nil {
		err = fmt.Errorf("join session: %w", err)
		c.emit(Error{Op: "join", Err: err})
		return Session{}, err
	}
	sess := sessionFromInfo(info, false)
	c.adopt(sess, PhaseJoined)
	c.emit(Joined{Session: sess})
	return sess, nil
}

// adopt commits a fresh session, stops any running search, and kicks off
// funding preparation so the later game-start send finds a warm balance.
func (c *Coordinator) adopt(sess Session, phase Phase) {
	c.StopSearch()
	c.mu.Lock()
	copied := sess
	c.session = &copied
	c.phase = phase
	done := make(chan error, 1)
	c.fundingUp = done
	c.mu.Unlock()
	go c.prepareFunding(done)
}

// prepareFunding probes the funding balance off the critical path. A cold
// or empty balance only costs latency on the first send, so failures are
// logged and never surfaced.
func (c *Coordinator) prepareFunding(done chan<- error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	bal, err := c.tr.Balance(ctx)
	switch {
	case err != nil:
		c.log.Warn("funding preparation failed", zap.Error(err))
	case bal <= 0:
		c.log.Warn("funding balance is empty; first send will wait for replenishment")
	default:
		c.log.Debug("funding prepared", zap.Int64("balance", bal))
	}
	done <- err
}

// Leave exits the current session: hosts close it, guests just leave. Best
// effort; a failed send emits an Error event and the session is torn down
// locally either way.
func (c *Coordinator) Leave(ctx context.Context, reason string) {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return
	}

	var msg wire.Message
	if sess.Host {
		msg = wire.CloseSession{Reason: reason, At: now()}
	} else {
		msg = wire.LeaveSession{Reason: reason, At: now()}
	}
	if err := c.send(ctx, sess.ID, msg, 1); err != nil {
		c.log.Warn("leave notification failed", zap.Error(err))
		c.emit(Error{Op: "leave", Err: err})
	}

	c.mu.Lock()
	c.session = nil
	c.phase = PhaseIdle
	c.mu.Unlock()
	c.emit(Closed{Reason: reason, At: time.Now()})
}

// StartSearch begins (or restarts) a session search. The previous search,
// if any, is stopped first. The returned handle unsubscribes; calling it
// more than once is harmless.
func (c *Coordinator) StartSearch(prefix string) (func(), error) {
	c.mu.Lock()
	if c.tr == nil {
		c.mu.Unlock()
		return nil, ErrNoTransport
	}
	c.mu.Unlock()

	c.StopSearch()

	unsub, err := c.tr.SearchSessions(func(m transport.Match) {
		c.emit(Found{Match: m})
	}, prefix)
	if err != nil {
		return nil, fmt.Errorf("start search: %w", err)
	}

	c.mu.Lock()
	c.unsearch = unsub
	if c.phase == PhaseIdle {
		c.phase = PhaseSearching
	}
	c.mu.Unlock()

	return func() { c.StopSearch() }, nil
}

// StopSearch is idempotent.
func (c *Coordinator) StopSearch() {
	c.mu.Lock()
	unsub := c.unsearch
	c.unsearch = nil
	if c.phase == PhaseSearching {
		c.phase = PhaseIdle
	}
	c.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// SendChat delivers a chat line with retry. Exhaustion is safety-critical:
// the error is both returned and emitted.
func (c *Coordinator) SendChat(ctx context.Context, text string) error {
	sess, err := c.requireSession()
	if err != nil {
		return err
	}
	if err := c.send(ctx, sess.ID, wire.Chat{Text: text, At: now()}, chatAttempts); err != nil {
		c.emit(Error{Op: "chat", Err: err})
		return err
	}
	return nil
}

// SendReadyState announces local readiness. Readiness is advisory, so
// delivery exhaustion is swallowed: the false return is the only signal.
func (c *Coordinator) SendReadyState(ctx context.Context, ready bool) bool {
	sess, err := c.requireSession()
	if err != nil {
		c.log.Warn("ready-state not sent", zap.Error(err))
		return false
	}
	if err := c.send(ctx, sess.ID, wire.ReadyState{IsReady: ready, At: now()}, readyAttempts); err != nil {
		c.log.Warn("ready-state delivery failed", zap.Bool("ready", ready), zap.Error(err))
		return false
	}
	return true
}

// StartGame announces the game start to the session. Host only; a guest
// call is a logged no-op. The local GameStarted event fires immediately
// after the send succeeds, so host and guests start off the same signal.
func (c *Coordinator) StartGame(ctx context.Context, data GameStartData) error {
	sess, err := c.requireSession()
	if err != nil {
		return err
	}
	if !sess.Host {
		c.log.Warn("ignoring start-game from non-host")
		return nil
	}
	msg := wire.GameStart{GameID: data.GameID, StartMarker: data.StartMarker, Seed: data.Seed, At: now()}
	if err := c.send(ctx, sess.ID, msg, 0); err != nil {
		return err
	}
	c.emit(GameStarted{GameID: data.GameID, StartMarker: data.StartMarker, Seed: data.Seed, At: time.Now()})
	return nil
}

// AbortGame announces an abort. No local event: the abort takes effect on
// every member, this one included, through the inbound path.
func (c *Coordinator) AbortGame(ctx context.Context, reason string) error {
	sess, err := c.requireSession()
	if err != nil {
		return err
	}
	return c.send(ctx, sess.ID, wire.GameAbort{Reason: reason, At: now()}, 0)
}

func (c *Coordinator) requireSession() (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tr == nil {
		return Session{}, ErrNoTransport
	}
	if c.session == nil {
		return Session{}, ErrNoSession
	}
	return *c.session, nil
}

func (c *Coordinator) send(ctx context.Context, target string, msg wire.Message, attempts int) error {
	payload, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	return c.pipe.Send(ctx, target, payload, attempts)
}

// run translates transport notifications into domain events, 1:1. This is
// a translation boundary: no session policy lives here.
func (c *Coordinator) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-c.tr.Notifications():
			if !ok {
				return
			}
			c.handle(n)
		}
	}
}

func (c *Coordinator) handle(n transport.Notification) {
	switch ntf := n.(type) {
	case transport.MemberJoined:
		m := Member{ID: ntf.Member.ID, DisplayName: ntf.Member.DisplayName, Ready: ntf.Member.Ready}
		c.mutateSession(ntf.SessionID, func(s *Session) {
			for i := range s.Members {
				if s.Members[i].ID == m.ID {
					s.Members[i] = m
					return
				}
			}
			s.Members = append(s.Members, m)
		})
		c.emit(MemberJoined{Member: m, At: ntf.At})

	case transport.MemberLeft:
		c.mutateSession(ntf.SessionID, func(s *Session) {
			for i := range s.Members {
				if s.Members[i].ID == ntf.MemberID {
					s.Members = append(s.Members[:i], s.Members[i+1:]...)
					return
				}
			}
		})
		c.emit(MemberLeft{MemberID: ntf.MemberID, At: ntf.At})

	case transport.SessionUpdated:
		var updated Session
		c.mutateSession(ntf.Session.ID, func(s *Session) {
			s.Name = ntf.Session.Name
			s.MaxMembers = ntf.Session.MaxMembers
			s.Members = membersFromInfo(ntf.Session.Members)
			updated = *s
		})
		c.emit(Updated{Session: updated, At: ntf.At})

	case transport.SessionClosed:
		c.mu.Lock()
		matched := c.session != nil && c.session.ID == ntf.SessionID
		if matched {
			c.session = nil
			c.phase = PhaseIdle
		}
		c.mu.Unlock()
		// A close echo for a session already torn down locally by our own
		// Leave is not news.
		if matched {
			c.emit(Closed{Reason: ntf.Reason, At: ntf.At})
		}

	case transport.MessageReceived:
		c.handleMessage(ntf)
	}
}

// handleMessage decodes a peer payload. Malformed or unknown payloads fail
// closed: logged and dropped, never fatal to the stream.
func (c *Coordinator) handleMessage(ntf transport.MessageReceived) {
	msg, err := wire.Decode(ntf.Payload)
	if err != nil {
		c.log.Warn("dropping inbound payload", zap.String("from", ntf.From), zap.Error(err))
		return
	}
	switch m := msg.(type) {
	case wire.Chat:
		c.emit(ChatMessage{From: ntf.From, Text: m.Text, At: ntf.At})
	case wire.ReadyState:
		c.mutateSession(ntf.SessionID, func(s *Session) {
			for i := range s.Members {
				if s.Members[i].ID == ntf.From {
					s.Members[i].Ready = m.IsReady
				}
			}
		})
		c.emit(ReadyChanged{From: ntf.From, Ready: m.IsReady, At: ntf.At})
	case wire.GameStart:
		c.emit(GameStarted{From: ntf.From, GameID: m.GameID, StartMarker: m.StartMarker, Seed: m.Seed, At: ntf.At})
	case wire.GameAbort:
		c.emit(GameAborted{From: ntf.From, Reason: m.Reason, At: ntf.At})
	default:
		// Session-control messages are consumed by the relay; seeing one
		// here means a misbehaving peer sent it directly.
		c.log.Warn("unexpected inbound message", zap.String("from", ntf.From))
	}
}

func (c *Coordinator) mutateSession(sessionID string, fn func(*Session)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || (sessionID != "" && c.session.ID != sessionID) {
		return
	}
	fn(c.session)
}

// emit never blocks the notification loop: a full event channel drops the
// event, the same way the draft server drops slow websocket clients.
func (c *Coordinator) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Warn("event channel full, dropping event", zap.String("event", fmt.Sprintf("%T", ev)))
	}
}

func sessionFromInfo(info transport.SessionInfo, host bool) Session {
	return Session{
		ID:         info.ID,
		Name:       info.Name,
		JoinCode:   info.JoinCode,
		Host:       host,
		MaxMembers: info.MaxMembers,
		Members:    membersFromInfo(info.Members),
	}
}

func membersFromInfo(infos []transport.MemberInfo) []Member {
	members := make([]Member, 0, len(infos))
	for _, mi := range infos {
		members = append(members, Member{ID: mi.ID, DisplayName: mi.DisplayName, Ready: mi.Ready})
	}
	return members
}

func now() int64 { return time.Now().UnixMilli() }
