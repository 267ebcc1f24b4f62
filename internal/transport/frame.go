package transport

import (
	"encoding/json"
	"fmt"
	"time"
)

// Frame is the relayd notification stream protocol: one JSON frame per
// notification, tagged by kind. Shared by the relay node and the client.
type Frame struct {
	Kind      string          `json:"kind"`
	SessionID string          `json:"sessionId,omitempty"`
	Member    *MemberInfo     `json:"member,omitempty"`
	Session   *SessionInfo    `json:"session,omitempty"`
	From      string          `json:"from,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	At        int64           `json:"at"` // unix millis
}

const (
	FrameMemberJoined   = "member_joined"
	FrameMemberLeft     = "member_left"
	FrameSessionUpdated = "session_updated"
	FrameSessionClosed  = "session_closed"
	FrameMessage        = "message"
)

func frameTime(ms int64) time.Time {
	if ms == 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}

// DecodeFrame maps a wire frame onto the Notification union.
func DecodeFrame(f Frame) (Notification, error) {
	at := frameTime(f.At)
	switch f.Kind {
	case FrameMemberJoined:
		if f.Member == nil {
			return nil, fmt.Errorf("frame %s without member", f.Kind)
		}
		return MemberJoined{SessionID: f.SessionID, Member: *f.Member, At: at}, nil
	case FrameMemberLeft:
		if f.Member == nil {
			return nil, fmt.Errorf("frame %s without member", f.Kind)
		}
		return MemberLeft{SessionID: f.SessionID, MemberID: f.Member.ID, At: at}, nil
	case FrameSessionUpdated:
		if f.Session == nil {
			return nil, fmt.Errorf("frame %s without session", f.Kind)
		}
		return SessionUpdated{Session: *f.Session, At: at}, nil
	case FrameSessionClosed:
		return SessionClosed{SessionID: f.SessionID, Reason: f.Reason, At: at}, nil
	case FrameMessage:
		return MessageReceived{SessionID: f.SessionID, From: f.From, Payload: f.Payload, At: at}, nil
	default:
		return nil, fmt.Errorf("unknown frame kind %q", f.Kind)
	}
}
