package lobby

import (
	"time"

	"relaylobby/internal/transport"
)

// Event is the coordinator's outbound notification stream: a closed union,
// one concrete type per lobby-domain occurrence. Each coordinator owns its
// own channel; there is no process-wide registry.
type Event interface{ isLobbyEvent() }

// Created fires after a session was successfully opened as host.
type Created struct {
	Session Session
}

// Joined fires after a session was successfully joined as a guest.
type Joined struct {
	Session Session
}

// Found fires once per session matched by an active search.
type Found struct {
	Match transport.Match
}

type MemberJoined struct {
	Member Member
	At     time.Time
}

type MemberLeft struct {
	MemberID string
	At       time.Time
}

// Updated carries a full refreshed member list for the active session.
type Updated struct {
	Session Session
	At      time.Time
}

// Closed fires when the session ends, locally or remotely.
type Closed struct {
	Reason string
	At     time.Time
}

type ChatMessage struct {
	From string
	Text string
	At   time.Time
}

type ReadyChanged struct {
	From  string
	Ready bool
	At    time.Time
}

// GameStarted fires on an inbound game-start message, and locally on the
// host right after its own start message was delivered.
type GameStarted struct {
	From        string
	GameID      string
	StartMarker string
	Seed        int64
	At          time.Time
}

// GameAborted fires only on the inbound path; the aborting side emits
// nothing locally.
type GameAborted struct {
	From   string
	Reason string
	At     time.Time
}

// Error reports a failure on a best-effort path, or doubles a returned
// error on operations that signal both ways.
type Error struct {
	Op  string
	Err error
}

func (Created) isLobbyEvent()      {}
func (Joined) isLobbyEvent()       {}
func (Found) isLobbyEvent()        {}
func (MemberJoined) isLobbyEvent() {}
func (MemberLeft) isLobbyEvent()   {}
func (Updated) isLobbyEvent()      {}
func (Closed) isLobbyEvent()       {}
func (ChatMessage) isLobbyEvent()  {}
func (ReadyChanged) isLobbyEvent() {}
func (GameStarted) isLobbyEvent()  {}
func (GameAborted) isLobbyEvent()  {}
func (Error) isLobbyEvent()        {}
