// chain.go - Boundary to the execution environment.
//
// Instruction submission is fire-then-poll: Submit returns a signature,
// Confirm is polled at a fixed interval until it settles or the total
// ceiling elapses. The ceiling surfaces as ErrConfirmationTimeout rather
// than an open-ended hang.

package chain

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrConfirmationTimeout is returned when a submission did not settle
	// inside the polling ceiling.
	ErrConfirmationTimeout = errors.New("confirmation timed out")

	// ErrSubmissionFailed is returned when the environment reports the
	// instruction as failed.
	ErrSubmissionFailed = errors.New("instruction failed")
)

// Status is a submission's settlement state.
type Status int

const (
	StatusPending Status = iota
	StatusSuccess
	StatusFailure
)

// Instruction is the submission payload.
type Instruction struct {
	Name     string
	Accounts []string
	Data     []byte
}

// Submitter abstracts the execution environment's submission interface.
type Submitter interface {
	Submit(ctx context.Context, ins Instruction) (signature string, err error)
	Confirm(ctx context.Context, signature string) (Status, error)
}

// Confirmer polls a Submitter until a signature settles.
type Confirmer struct {
	sub      Submitter
	interval time.Duration
	ceiling  time.Duration
	log      zerolog.Logger
}

// NewConfirmer builds a confirmer with a fixed polling interval and a
// total-duration ceiling. Zero values select 500ms and 30s.
func NewConfirmer(sub Submitter, interval, ceiling time.Duration, log zerolog.Logger) *Confirmer {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if ceiling <= 0 {
		ceiling = 30 * time.Second
	}
	return &Confirmer{
		sub:      sub,
		interval: interval,
		ceiling:  ceiling,
		log:      log.With().Str("component", "chain-confirmer").Logger(),
	}
}

// SubmitAndConfirm submits ins and waits for settlement.
func (c *Confirmer) SubmitAndConfirm(ctx context.Context, ins Instruction) (string, error) {
	sig, err := c.sub.Submit(ctx, ins)
	if err != nil {
		return "", err
	}
	if err := c.AwaitConfirmation(ctx, sig); err != nil {
		return sig, err
	}
	return sig, nil
}

// AwaitConfirmation polls Confirm at the fixed interval until the
// signature succeeds, fails, or the ceiling elapses. A cancellation of the
// caller's context is reported as its own error, not as the ceiling.
func (c *Confirmer) AwaitConfirmation(ctx context.Context, signature string) error {
	pollCtx, cancel := context.WithTimeout(ctx, c.ceiling)
	defer cancel()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		status, err := c.sub.Confirm(pollCtx, signature)
		if err == nil {
			switch status {
			case StatusSuccess:
				return nil
			case StatusFailure:
				return ErrSubmissionFailed
			}
		} else {
			c.log.Warn().Str("signature", signature).Err(err).Msg("confirm poll failed")
		}

		select {
		case <-pollCtx.Done():
			if err := ctx.Err(); err != nil {
				return err
			}
			return ErrConfirmationTimeout
		case <-ticker.C:
		}
	}
}
