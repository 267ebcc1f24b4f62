// Package transport is the boundary to the relay mailbox. The Transport
// interface is everything the coordination layer is allowed to assume about
// the underlying delivery channel; Client implements it against a relayd
// node. Delivery is at-least-once and costs funding units per message.
package transport

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Error is a single-attempt transport failure. Funding marks errors caused
// by an exhausted funding balance, which the retry pipeline treats
// differently from transient delivery faults.
type Error struct {
	Op      string
	Funding bool
	Err     error
}

func (e *Error) Error() string {
	return "transport: " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// IsFundingError reports whether err indicates the send failed for lack of
// spendable balance. Foreign errors are sniffed by message so errors from
// transports that don't wrap *Error still classify correctly.
func IsFundingError(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Funding
	}
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "insufficient spendable balance") ||
		strings.Contains(msg, "no eligible funding units")
}

type MemberInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Ready       bool   `json:"ready"`
}

type SessionInfo struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	JoinCode   string       `json:"joinCode"`
	HostID     string       `json:"hostId"`
	MaxMembers int          `json:"maxMembers"`
	Members    []MemberInfo `json:"members"`
}

// Match is one search hit for an open session.
type Match struct {
	Anchor     string `json:"anchor"` // session id, usable as a join target
	Name       string `json:"name"`
	JoinCode   string `json:"joinCode"`
	Members    int    `json:"members"`
	MaxMembers int    `json:"maxMembers"`
}

// Notification is the inbound side of the transport: one value per
// relay-observed change, in arrival order.
type Notification interface{ isNotification() }

type MemberJoined struct {
	SessionID string
	Member    MemberInfo
	At        time.Time
}

type MemberLeft struct {
	SessionID string
	MemberID  string
	At        time.Time
}

type SessionUpdated struct {
	Session SessionInfo
	At      time.Time
}

type SessionClosed struct {
	SessionID string
	Reason    string
	At        time.Time
}

type MessageReceived struct {
	SessionID string
	From      string
	Payload   []byte
	At        time.Time
}

func (MemberJoined) isNotification()    {}
func (MemberLeft) isNotification()      {}
func (SessionUpdated) isNotification()  {}
func (SessionClosed) isNotification()   {}
func (MessageReceived) isNotification() {}

// Transport is the collaborator surface the coordinator consumes. A target
// is a session anchor; the relay fans messages out to the other members.
type Transport interface {
	SendMessage(ctx context.Context, target string, payload []byte) error
	Balance(ctx context.Context) (int64, error)
	CreateSession(ctx context.Context, name, displayName string, maxMembers int) (SessionInfo, error)
	JoinSession(ctx context.Context, anchor, displayName string) (SessionInfo, error)
	// SearchSessions invokes onMatch for every open session whose name has
	// the given prefix, now and as new ones appear, until the returned
	// unsubscribe func is called.
	SearchSessions(onMatch func(Match), prefix string) (func(), error)
	Notifications() <-chan Notification
}
