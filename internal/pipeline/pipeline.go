// Package pipeline wraps single mailbox sends with bounded retry. Relay
// sends cost funding units and take time to propagate, so a failed attempt
// is retried with exponential backoff — except funding failures, which are
// deterministic until the balance is replenished; for those the pipeline
// polls the balance and retries only once it turns positive.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"relaylobby/internal/transport"
)

const DefaultMaxAttempts = 3

// DeliveryError reports that every attempt failed. Last is the final
// underlying transport error.
type DeliveryError struct {
	Attempts int
	Last     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *DeliveryError) Unwrap() error { return e.Last }

// Sender is the slice of the transport the pipeline needs.
type Sender interface {
	SendMessage(ctx context.Context, target string, payload []byte) error
	Balance(ctx context.Context) (int64, error)
}

type Config struct {
	// BackoffUnit scales the 2^(attempt-1) backoff between attempts.
	BackoffUnit time.Duration
	// FundingPollInterval is the balance poll period after a funding failure.
	FundingPollInterval time.Duration
	// FundingMaxWait caps the total time spent waiting on a replenishment.
	FundingMaxWait time.Duration
}

func DefaultConfig() Config {
	return Config{
		BackoffUnit:         time.Second,
		FundingPollInterval: 2 * time.Second,
		FundingMaxWait:      30 * time.Second,
	}
}

type Pipeline struct {
	tr  Sender
	cfg Config
	log *zap.Logger
}

func New(tr Sender, cfg Config, log *zap.Logger) *Pipeline {
	if cfg.BackoffUnit <= 0 {
		cfg.BackoffUnit = time.Second
	}
	if cfg.FundingPollInterval <= 0 {
		cfg.FundingPollInterval = 2 * time.Second
	}
	if cfg.FundingMaxWait <= 0 {
		cfg.FundingMaxWait = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{tr: tr, cfg: cfg, log: log}
}

// Send delivers payload to target, retrying up to maxAttempts times.
// maxAttempts <= 0 means DefaultMaxAttempts. Per-attempt errors never
// escape; the caller sees nil, ctx.Err, or a *DeliveryError.
func (p *Pipeline) Send(ctx context.Context, target string, payload []byte, maxAttempts int) error {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	var last error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := p.tr.SendMessage(ctx, target, payload)
		if err == nil {
			return nil
		}
		last = err
		if attempt == maxAttempts {
			break
		}
		delay := p.cfg.BackoffUnit << (attempt - 1)
		if transport.IsFundingError(err) {
			p.log.Debug("send failed on funding, waiting for balance",
				zap.String("target", target), zap.Int("attempt", attempt))
			if werr := p.awaitFunding(ctx, delay); werr != nil {
				return werr
			}
		} else {
			p.log.Debug("send failed, backing off",
				zap.String("target", target), zap.Int("attempt", attempt),
				zap.Duration("delay", delay), zap.Error(err))
			if werr := sleep(ctx, delay); werr != nil {
				return werr
			}
		}
	}
	return &DeliveryError{Attempts: maxAttempts, Last: last}
}

// awaitFunding waits the initial backoff, then polls the balance until it
// is positive or FundingMaxWait elapses. Balance errors count as
// still-empty; retrying into a known-empty balance would only burn the
// attempt, so waiting out the cap is the cheaper failure mode.
func (p *Pipeline) awaitFunding(ctx context.Context, initial time.Duration) error {
	if err := sleep(ctx, initial); err != nil {
		return err
	}
	deadline := time.Now().Add(p.cfg.FundingMaxWait)
	for {
		bal, err := p.tr.Balance(ctx)
		if err != nil {
			p.log.Debug("balance poll failed", zap.Error(err))
		} else if bal > 0 {
			return nil
		}
		if time.Now().After(deadline) {
			p.log.Debug("gave up waiting for funding", zap.Duration("waited", p.cfg.FundingMaxWait))
			return nil
		}
		if err := sleep(ctx, p.cfg.FundingPollInterval); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
