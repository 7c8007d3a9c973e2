package service

import (
	"context"
	"log/slog"
	"time"

	"gasrelay/observability"
	"gasrelay/observability/logging"
	"gasrelay/relay/chain"
	"gasrelay/relay/txwire"
)

const (
	confirmPollEvery = 2 * time.Second
	confirmDeadline  = 60 * time.Second
)

// StatusSource answers confirmation status for one signature.
type StatusSource interface {
	Status(ctx context.Context, signature string) (chain.SignatureStatus, error)
}

// Confirmer polls signature status after a submit, fire-and-forget. It only
// feeds metrics and logs; the submit response never waits for it.
type Confirmer struct {
	source  StatusSource
	base    context.Context
	metrics *observability.RelayMetrics
}

func NewConfirmer(ctx context.Context, source StatusSource) *Confirmer {
	return &Confirmer{
		source:  source,
		base:    ctx,
		metrics: observability.Relay(),
	}
}

// Watch starts a background poll for the signature.
func (c *Confirmer) Watch(signature string, payer txwire.Pubkey) {
	go c.poll(signature, payer)
}

func (c *Confirmer) poll(signature string, payer txwire.Pubkey) {
	ctx, cancel := context.WithTimeout(c.base, confirmDeadline)
	defer cancel()
	started := time.Now()
	ticker := time.NewTicker(confirmPollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.metrics.Observe("confirm", time.Since(started), "TIMEOUT")
			slog.Warn("confirm: gave up waiting",
				"signature", logging.TruncateKey(signature),
				"payer", logging.TruncateKey(payer.String()),
			)
			return
		case <-ticker.C:
			status, err := c.source.Status(ctx, signature)
			if err != nil {
				continue
			}
			if len(status.Err) > 0 && string(status.Err) != "null" {
				c.metrics.Observe("confirm", time.Since(started), "FAILED_ON_CHAIN")
				slog.Warn("confirm: transaction failed on chain",
					"signature", logging.TruncateKey(signature),
				)
				return
			}
			switch status.ConfirmationStatus {
			case "confirmed", "finalized":
				c.metrics.Observe("confirm", time.Since(started), "")
				slog.Info("confirm: transaction confirmed",
					"signature", logging.TruncateKey(signature),
					"status", status.ConfirmationStatus,
					"took", time.Since(started),
				)
				return
			}
		}
	}
}
