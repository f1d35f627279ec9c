package outbox

import (
	"context"
	"time"

	"teleclaude/internal/domain"
	"teleclaude/internal/log"
	"teleclaude/internal/metrics"
)

// worker drains one adapter's delivery lane. Rows are fetched in batches but
// delivered strictly in row order; a transient failure stops the batch so the
// failed row keeps its place at the head of the lane.
type worker struct {
	svc     *Publisher
	adapter string
	cancel  context.CancelFunc
}

func (w *worker) run(ctx context.Context) {
	s := w.svc
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		rows, err := s.outbox.FetchPending(w.adapter, s.cfg.Queue.FetchLimit, s.clk.Now(), s.cfg.Queue.LockTimeout)
		if err != nil {
			log.ErrorErr(log.CatOutbox, "outbox fetch failed", err, "adapter", w.adapter)
			if !w.sleep(ctx, s.cfg.Queue.BackoffBase) {
				return
			}
			continue
		}
		if len(rows) == 0 {
			if s.release(w.adapter, w) {
				return
			}
			// Rows exist but none is fetchable yet: a stale claim waiting
			// out lock_timeout, or a fresh publish racing the count.
			if !w.sleep(ctx, s.cfg.Queue.BackoffBase) {
				return
			}
			continue
		}

		for _, row := range rows {
			select {
			case <-ctx.Done():
				return
			default:
			}
			claimed, err := s.outbox.Claim(row.ID, s.clk.Now(), s.cfg.Queue.LockTimeout)
			if err != nil {
				log.ErrorErr(log.CatOutbox, "outbox claim failed", err,
					"adapter", w.adapter,
					"rowID", row.ID)
				if !w.sleep(ctx, s.cfg.Queue.BackoffBase) {
					return
				}
				break
			}
			if !claimed {
				continue
			}
			if !w.process(ctx, row) {
				break
			}
		}
	}
}

// process delivers one claimed row and finalizes its state. Returns false
// when the batch must stop so the row is retried before anything behind it.
func (w *worker) process(ctx context.Context, row *domain.OutboxRow) bool {
	s := w.svc
	err := w.deliver(ctx, row)
	if err == nil {
		if markErr := s.outbox.MarkDelivered(row.ID, s.clk.Now()); markErr != nil {
			log.ErrorErr(log.CatOutbox, "mark delivered failed", markErr,
				"adapter", w.adapter,
				"rowID", row.ID)
		}
		metrics.OutboxDelivered.WithLabelValues(w.adapter).Inc()
		log.Debug(log.CatOutbox, "event delivered",
			"adapter", w.adapter,
			"rowID", row.ID,
			"envelopeID", row.EnvelopeID)
		return true
	}

	attempts := row.Attempts + 1
	summary := domain.ErrorSummary(err)
	if domain.IsPermanent(err) || attempts >= s.cfg.Queue.MaxAttempts {
		if markErr := s.outbox.MarkExpired(row.ID, summary, s.clk.Now()); markErr != nil {
			log.ErrorErr(log.CatOutbox, "mark expired failed", markErr,
				"adapter", w.adapter,
				"rowID", row.ID)
		}
		log.Warn(log.CatOutbox, "event expired",
			"adapter", w.adapter,
			"rowID", row.ID,
			"envelopeID", row.EnvelopeID,
			"attempts", attempts,
			"error", summary)
		return true
	}

	backoff := w.backoff(row.Attempts)
	if markErr := s.outbox.MarkFailed(row.ID, summary, s.clk.Now(), backoff); markErr != nil {
		log.ErrorErr(log.CatOutbox, "mark failed failed", markErr,
			"adapter", w.adapter,
			"rowID", row.ID)
	}
	log.Warn(log.CatOutbox, "event delivery failed, backing off",
		"adapter", w.adapter,
		"rowID", row.ID,
		"envelopeID", row.EnvelopeID,
		"attempt", attempts,
		"backoff", backoff,
		"error", summary)
	w.sleep(ctx, backoff)
	return false
}

func (w *worker) deliver(ctx context.Context, row *domain.OutboxRow) error {
	env, err := domain.DecodeEnvelope(row.Payload)
	if err != nil {
		return domain.Permanent("deliver", "outbox payload is not a wire envelope")
	}
	return w.svc.fanout.Deliver(ctx, w.adapter, env)
}

// backoff doubles from the base per prior attempt, capped at the ceiling.
func (w *worker) backoff(priorAttempts int) time.Duration {
	base := w.svc.cfg.Queue.BackoffBase
	ceiling := w.svc.cfg.Queue.BackoffCap
	if priorAttempts > 30 {
		return ceiling
	}
	d := base << uint(priorAttempts)
	if d <= 0 || d > ceiling {
		return ceiling
	}
	return d
}

// sleep waits for d on the service clock. Returns false when the context was
// cancelled first.
func (w *worker) sleep(ctx context.Context, d time.Duration) bool {
	t := w.svc.clk.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C():
		return true
	}
}
