package relay

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"relaylobby/internal/transport"
	"relaylobby/internal/wire"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionFull     = errors.New("session full")
)

// Ledger is the metering surface the hub charges sends against. A nil
// ledger runs the hub unmetered, which tests rely on.
type Ledger interface {
	Charge(id string, cost int64) error
	SaveMessage(m StoredMessage) error
}

type HubMsg interface{ isHubMsg() }

type CreateSession struct {
	AccountID   string
	DisplayName string
	Name        string
	MaxMembers  int
	Reply       chan SessionReply
}

type JoinSession struct {
	AccountID   string
	DisplayName string
	Anchor      string // session id or join code
	Reply       chan SessionReply
}

type Deliver struct {
	From    string
	Target  string
	Payload []byte
	Reply   chan error
}

type Attach struct {
	AccountID string
	Outbox    chan transport.Frame
}

type Detach struct {
	AccountID string
}

type Search struct {
	Prefix string
	Reply  chan []transport.Match
}

type ShutdownHub struct{}

func (CreateSession) isHubMsg() {}
func (JoinSession) isHubMsg()   {}
func (Deliver) isHubMsg()       {}
func (Attach) isHubMsg()        {}
func (Detach) isHubMsg()        {}
func (Search) isHubMsg()        {}
func (ShutdownHub) isHubMsg()   {}

type SessionReply struct {
	Info transport.SessionInfo
	Err  error
}

type session struct {
	id         string
	name       string
	joinCode   string
	hostID     string
	maxMembers int
	members    []transport.MemberInfo
}

func (s *session) info() transport.SessionInfo {
	members := make([]transport.MemberInfo, len(s.members))
	copy(members, s.members)
	return transport.SessionInfo{
		ID: s.id, Name: s.name, JoinCode: s.joinCode,
		HostID: s.hostID, MaxMembers: s.maxMembers, Members: members,
	}
}

// Hub routes messages between session members. Single goroutine owns all
// state; everything comes through the inbox.
type Hub struct {
	inbox    chan HubMsg
	sessions map[string]*session
	conns    map[string]chan transport.Frame // accountID -> outbox
	ledger   Ledger
	cost     int64
	log      *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewHub(parent context.Context, ledger Ledger, costPerMessage int64, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:    make(chan HubMsg, 64),
		sessions: make(map[string]*session),
		conns:    make(map[string]chan transport.Frame),
		ledger:   ledger,
		cost:     costPerMessage,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case CreateSession:
				msg.Reply <- h.create(msg)

			case JoinSession:
				msg.Reply <- h.join(msg)

			case Deliver:
				msg.Reply <- h.deliver(msg)

			case Attach:
				h.conns[msg.AccountID] = msg.Outbox

			case Detach:
				if out, ok := h.conns[msg.AccountID]; ok {
					close(out)
					delete(h.conns, msg.AccountID)
				}

			case Search:
				msg.Reply <- h.search(msg.Prefix)

			case ShutdownHub:
				for id, out := range h.conns {
					close(out)
					delete(h.conns, id)
				}
				clear(h.sessions)
				h.cancel()
				return
			}
		}
	}
}

func (h *Hub) create(msg CreateSession) SessionReply {
	code, err := generateCode()
	if err != nil {
		return SessionReply{Err: err}
	}
	s := &session{
		id:         uuid.NewString(),
		name:       msg.Name,
		joinCode:   code,
		hostID:     msg.AccountID,
		maxMembers: msg.MaxMembers,
		members: []transport.MemberInfo{
			{ID: msg.AccountID, DisplayName: msg.DisplayName},
		},
	}
	h.sessions[s.id] = s
	h.log.Info("session created", zap.String("session", s.id), zap.String("name", s.name))
	return SessionReply{Info: s.info()}
}

func (h *Hub) join(msg JoinSession) SessionReply {
	s := h.resolve(msg.Anchor)
	if s == nil {
		return SessionReply{Err: ErrSessionNotFound}
	}
	if len(s.members) >= s.maxMembers {
		return SessionReply{Err: ErrSessionFull}
	}
	member := transport.MemberInfo{ID: msg.AccountID, DisplayName: msg.DisplayName}
	s.members = append(s.members, member)
	h.fanout(s, msg.AccountID, transport.Frame{
		Kind:      transport.FrameMemberJoined,
		SessionID: s.id,
		Member:    &member,
		At:        time.Now().UnixMilli(),
	})
	return SessionReply{Info: s.info()}
}

// deliver charges the sender, logs the message, and either consumes it as
// session control or fans it out to the other members.
func (h *Hub) deliver(msg Deliver) error {
	s := h.sessions[msg.Target]
	if s == nil {
		return ErrSessionNotFound
	}
	if h.ledger != nil {
		if err := h.ledger.Charge(msg.From, h.cost); err != nil {
			return err
		}
		if err := h.ledger.SaveMessage(StoredMessage{
			ID: uuid.NewString(), SessionID: s.id, From: msg.From,
			Payload: msg.Payload, Cost: h.cost,
		}); err != nil {
			h.log.Error("message log write failed", zap.Error(err))
		}
	}

	if decoded, err := wire.Decode(msg.Payload); err == nil {
		switch m := decoded.(type) {
		case wire.LeaveSession:
			h.removeMember(s, msg.From)
			return nil
		case wire.CloseSession:
			if msg.From == s.hostID {
				h.closeSession(s, m.Reason)
				return nil
			}
			// A guest "close" degrades to a leave.
			h.removeMember(s, msg.From)
			return nil
		}
	}

	h.fanout(s, msg.From, transport.Frame{
		Kind:      transport.FrameMessage,
		SessionID: s.id,
		From:      msg.From,
		Payload:   json.RawMessage(msg.Payload),
		At:        time.Now().UnixMilli(),
	})
	return nil
}

func (h *Hub) removeMember(s *session, accountID string) {
	for i := range s.members {
		if s.members[i].ID == accountID {
			member := s.members[i]
			s.members = append(s.members[:i], s.members[i+1:]...)
			h.fanout(s, accountID, transport.Frame{
				Kind:      transport.FrameMemberLeft,
				SessionID: s.id,
				Member:    &member,
				At:        time.Now().UnixMilli(),
			})
			break
		}
	}
	if len(s.members) == 0 {
		delete(h.sessions, s.id)
		return
	}
	if accountID == s.hostID {
		// Host left without closing; the session closes for everyone.
		h.closeSession(s, "host left")
	}
}

func (h *Hub) closeSession(s *session, reason string) {
	h.fanout(s, "", transport.Frame{
		Kind:      transport.FrameSessionClosed,
		SessionID: s.id,
		Reason:    reason,
		At:        time.Now().UnixMilli(),
	})
	delete(h.sessions, s.id)
}

func (h *Hub) search(prefix string) []transport.Match {
	matches := []transport.Match{}
	for _, s := range h.sessions {
		if prefix != "" && !strings.HasPrefix(s.name, prefix) {
			continue
		}
		if len(s.members) >= s.maxMembers {
			continue
		}
		matches = append(matches, transport.Match{
			Anchor: s.id, Name: s.name, JoinCode: s.joinCode,
			Members: len(s.members), MaxMembers: s.maxMembers,
		})
	}
	return matches
}

// fanout pushes a frame to every attached member except skip. Slow or
// absent subscribers are skipped; redelivery comes from the message log.
func (h *Hub) fanout(s *session, skip string, f transport.Frame) {
	for _, m := range s.members {
		if m.ID == skip {
			continue
		}
		out, ok := h.conns[m.ID]
		if !ok {
			continue
		}
		select {
		case out <- f:
		default:
			h.log.Warn("subscriber outbox full, dropping frame",
				zap.String("account", m.ID), zap.String("kind", f.Kind))
		}
	}
}

func (h *Hub) resolve(anchor string) *session {
	if s := h.sessions[anchor]; s != nil {
		return s
	}
	for _, s := range h.sessions {
		if s.joinCode == anchor {
			return s
		}
	}
	return nil
}

func generateCode() (string, error) {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	code := make([]byte, 6)
	for i := 0; i < 6; i++ {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		code[i] = charset[num.Int64()]
	}
	return string(code), nil
}
