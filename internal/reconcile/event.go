package reconcile

import (
	"fmt"
	"strings"
)

// Action is the canonical classification of a move event. Legacy producers
// tag events with either a free-form string or a numeric code; both map
// onto this enum through the adapter tables below.
type Action int

const (
	ActionUnknown Action = iota
	ActionCoinCollected
	ActionCollision
)

func (a Action) String() string {
	switch a {
	case ActionCoinCollected:
		return "coin_collected"
	case ActionCollision:
		return "collision"
	default:
		return "unknown"
	}
}

var stringActions = map[string]Action{
	"coin":          ActionCoinCollected,
	"coincollected": ActionCoinCollected,
	"collect":       ActionCoinCollected,
	"pickup":        ActionCoinCollected,
	"hit":           ActionCollision,
	"collision":     ActionCollision,
	"crash":         ActionCollision,
	"obstaclehit":   ActionCollision,
}

var numericActions = map[int]Action{
	1: ActionCoinCollected,
	2: ActionCollision,
}

// classifyString normalizes case, underscores and hyphens before lookup,
// so "Coin_Collected" and "coin-collected" land on the same action.
func classifyString(s string) Action {
	key := strings.ToLower(s)
	key = strings.ReplaceAll(key, "_", "")
	key = strings.ReplaceAll(key, "-", "")
	return stringActions[key]
}

func classifyCode(code int) Action {
	return numericActions[code]
}

// NoChangeSentinel marks an absolute-total field that carries no update;
// movement-only events emit it in place of a real total.
const NoChangeSentinel = -1

// EventData is the optional numeric payload of a move event. Absolute
// fields replace the current coin count outright; delta fields contribute
// a signed change. Nil means absent.
type EventData struct {
	Coins          *int     `json:"coins,omitempty"`
	CoinsTotal     *int     `json:"coinsTotal,omitempty"`
	CoinsRemaining *int     `json:"coinsRemaining,omitempty"`
	Value          *int     `json:"value,omitempty"`
	CoinsLost      *int     `json:"coinsLost,omitempty"`
	Progress       *float64 `json:"progress,omitempty"`
}

// absolute resolves the absolute-total candidate, checking recognized
// fields in confidence order and skipping the no-change sentinel.
func (d EventData) absolute() (int, bool) {
	for _, f := range []*int{d.Coins, d.CoinsTotal, d.CoinsRemaining} {
		if f != nil && *f != NoChangeSentinel {
			return *f, true
		}
	}
	return 0, false
}

// MoveEvent is one telemetry record for a remote actor. Either Action or
// ActionCode identifies what happened; ID, or the RefID+Seq composite,
// identifies the event for dedup.
type MoveEvent struct {
	ID         string    `json:"id,omitempty"`
	Actor      string    `json:"actor"`
	RefID      string    `json:"refId,omitempty"`
	Seq        uint64    `json:"seq"`
	Action     string    `json:"action,omitempty"`
	ActionCode int       `json:"actionCode,omitempty"`
	Data       EventData `json:"eventData"`
}

// Identity returns the dedup key: the explicit id when present, else a
// composite of the correlation handle and sequence number.
func (ev MoveEvent) Identity() string {
	if ev.ID != "" {
		return ev.ID
	}
	return fmt.Sprintf("%s#%d", ev.RefID, ev.Seq)
}

// Classify maps the event's legacy action tag onto the canonical enum.
// The string tag wins when both are set.
func (ev MoveEvent) Classify() Action {
	if ev.Action != "" {
		return classifyString(ev.Action)
	}
	if ev.ActionCode != 0 {
		return classifyCode(ev.ActionCode)
	}
	return ActionUnknown
}
