// Package wire defines the messages peers exchange through the relay
// mailbox. The schema is a closed tagged union: every payload carries a
// "type" tag and decodes to exactly one concrete message, or fails.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnknownType = errors.New("unknown message type")

type Type string

const (
	TypeChat         Type = "CHAT"
	TypeReadyState   Type = "READY_STATE"
	TypeGameStart    Type = "GAME_START"
	TypeGameAbort    Type = "GAME_ABORT"
	TypeLeaveSession Type = "LEAVE_SESSION"
	TypeCloseSession Type = "CLOSE_SESSION"
)

type Message interface{ isWireMsg() }

type Chat struct {
	Text string
	At   int64 // unix millis
}

type ReadyState struct {
	IsReady bool
	At      int64
}

type GameStart struct {
	GameID      string
	StartMarker string
	Seed        int64
	At          int64
}

type GameAbort struct {
	Reason string
	At     int64
}

// LeaveSession and CloseSession are session-control messages interpreted
// by the relay itself, not forwarded to peers.
type LeaveSession struct {
	Reason string
	At     int64
}

type CloseSession struct {
	Reason string
	At     int64
}

func (Chat) isWireMsg()         {}
func (ReadyState) isWireMsg()   {}
func (GameStart) isWireMsg()    {}
func (GameAbort) isWireMsg()    {}
func (LeaveSession) isWireMsg() {}
func (CloseSession) isWireMsg() {}

// envelope is the flat JSON shape on the wire; Decode maps it onto the
// typed union the way the ws layer maps ClientMessage onto commands.
type envelope struct {
	Type        Type   `json:"type"`
	Text        string `json:"text,omitempty"`
	IsReady     *bool  `json:"isReady,omitempty"`
	GameID      string `json:"gameId,omitempty"`
	StartMarker string `json:"startMarker,omitempty"`
	Seed        int64  `json:"seed,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

func Encode(m Message) ([]byte, error) {
	var env envelope
	switch msg := m.(type) {
	case Chat:
		env = envelope{Type: TypeChat, Text: msg.Text, Timestamp: msg.At}
	case ReadyState:
		ready := msg.IsReady
		env = envelope{Type: TypeReadyState, IsReady: &ready, Timestamp: msg.At}
	case GameStart:
		env = envelope{Type: TypeGameStart, GameID: msg.GameID, StartMarker: msg.StartMarker, Seed: msg.Seed, Timestamp: msg.At}
	case GameAbort:
		env = envelope{Type: TypeGameAbort, Reason: msg.Reason, Timestamp: msg.At}
	case LeaveSession:
		env = envelope{Type: TypeLeaveSession, Reason: msg.Reason, Timestamp: msg.At}
	case CloseSession:
		env = envelope{Type: TypeCloseSession, Reason: msg.Reason, Timestamp: msg.At}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, m)
	}
	return json.Marshal(env)
}

func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}
	switch env.Type {
	case TypeChat:
		return Chat{Text: env.Text, At: env.Timestamp}, nil
	case TypeReadyState:
		if env.IsReady == nil {
			return nil, errors.New("malformed message: READY_STATE without isReady")
		}
		return ReadyState{IsReady: *env.IsReady, At: env.Timestamp}, nil
	case TypeGameStart:
		if env.GameID == "" {
			return nil, errors.New("malformed message: GAME_START without gameId")
		}
		return GameStart{GameID: env.GameID, StartMarker: env.StartMarker, Seed: env.Seed, At: env.Timestamp}, nil
	case TypeGameAbort:
		return GameAbort{Reason: env.Reason, At: env.Timestamp}, nil
	case TypeLeaveSession:
		return LeaveSession{Reason: env.Reason, At: env.Timestamp}, nil
	case TypeCloseSession:
		return CloseSession{Reason: env.Reason, At: env.Timestamp}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}
