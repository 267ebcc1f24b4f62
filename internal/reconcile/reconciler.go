// Package reconcile folds a remote actor's move-event stream into one
// consistent snapshot. The stream arrives through an at-least-once relay,
// so events may be duplicated, reordered or partial; Apply is safe to call
// with the same event any number of times.
package reconcile

import (
	"go.uber.org/zap"
)

const (
	DefaultStartingCoins = 3
	DefaultCoinValue     = 1
)

type Config struct {
	StartingCoins int // initial coin count; zero value means DefaultStartingCoins
	CoinValue     int // default magnitude when an event carries no explicit delta
}

// Change describes what one applied event did. Callers drive UI and audit
// updates from this without re-deriving state.
type Change struct {
	Coins       int
	Progress    float64
	HasProgress bool
	EndedNow    bool // ended flipped false->true on this event
	Changed     bool // coins or progress actually moved
	MoveID      string
}

// Reconciler owns the authoritative view of one remote actor. Not safe for
// concurrent use; feed it from a single goroutine.
type Reconciler struct {
	actor     string
	coinValue int
	log       *zap.Logger

	coins       int
	progress    float64
	hasProgress bool
	ended       bool
	active      bool // at least one event has mutated state
	applied     map[string]struct{}
}

func New(actor string, cfg Config, log *zap.Logger) *Reconciler {
	if cfg.StartingCoins == 0 {
		cfg.StartingCoins = DefaultStartingCoins
	}
	if cfg.CoinValue <= 0 {
		cfg.CoinValue = DefaultCoinValue
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{
		actor:     actor,
		coinValue: cfg.CoinValue,
		log:       log,
		coins:     cfg.StartingCoins,
		applied:   make(map[string]struct{}),
	}
}

func (r *Reconciler) Coins() int { return r.coins }

// Progress reports the last observed progress fraction; ok is false until
// the first event carrying one arrives.
func (r *Reconciler) Progress() (frac float64, ok bool) { return r.progress, r.hasProgress }

func (r *Reconciler) Ended() bool { return r.ended }

// Apply folds one event into the state. It returns nil for pure no-ops:
// duplicates, and anything after the actor has ended.
func (r *Reconciler) Apply(ev MoveEvent) *Change {
	if r.ended {
		return nil
	}
	id := ev.Identity()
	if _, dup := r.applied[id]; dup {
		return nil
	}
	r.applied[id] = struct{}{}

	changed := false
	if abs, ok := ev.Data.absolute(); ok {
		if abs < 0 {
			abs = 0
		}
		if abs != r.coins {
			r.coins = abs
			changed = true
		}
		r.active = true
	} else if delta := r.delta(ev); delta != 0 {
		next := r.coins + delta
		if next < 0 {
			next = 0
		}
		if next != r.coins {
			r.coins = next
			changed = true
		}
		r.active = true
	}

	if p := ev.Data.Progress; p != nil {
		frac := *p
		if frac < 0 {
			frac = 0
		} else if frac > 1 {
			frac = 1
		}
		if !r.hasProgress || frac != r.progress {
			r.progress = frac
			r.hasProgress = true
			changed = true
		}
		r.active = true
	}

	endedNow := false
	if r.coins == 0 && r.active {
		r.ended = true
		endedNow = true
		r.log.Debug("actor ended", zap.String("actor", r.actor), zap.String("move", id))
	}

	return &Change{
		Coins:       r.coins,
		Progress:    r.progress,
		HasProgress: r.hasProgress,
		EndedNow:    endedNow,
		Changed:     changed,
		MoveID:      id,
	}
}

// delta computes the signed coin contribution for events without an
// absolute total. Explicit delta fields set the magnitude; otherwise the
// configured coin value does. The classification sets the sign; unknown
// actions contribute nothing.
func (r *Reconciler) delta(ev MoveEvent) int {
	action := ev.Classify()
	if action == ActionUnknown {
		if ev.Action != "" || ev.ActionCode != 0 {
			r.log.Debug("unclassified move action",
				zap.String("actor", r.actor),
				zap.String("action", ev.Action),
				zap.Int("code", ev.ActionCode))
		}
		return 0
	}
	magnitude := 0
	explicit := false
	if ev.Data.Value != nil {
		magnitude += *ev.Data.Value
		explicit = true
	}
	if ev.Data.CoinsLost != nil {
		magnitude += *ev.Data.CoinsLost
		explicit = true
	}
	if !explicit {
		magnitude = r.coinValue
	}
	if action == ActionCollision {
		return -magnitude
	}
	return magnitude
}
