package queue

import (
	"context"
	"strings"
	"time"

	"teleclaude/internal/domain"
	"teleclaude/internal/log"
	"teleclaude/internal/metrics"
)

// worker drains one session's queue. FIFO holds because each session has at
// most one worker, each fetch takes one row, and a failed delivery keeps the
// worker in its backoff instead of moving on to later rows.
type worker struct {
	svc       *Service
	sessionID string
	cancel    context.CancelFunc
}

func (w *worker) run(ctx context.Context) {
	s := w.svc
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		rows, err := s.inbound.FetchPending(w.sessionID, 1, s.clk.Now(), s.cfg.Queue.LockTimeout)
		if err != nil {
			log.ErrorErr(log.CatQueue, "fetch failed", err, "sessionID", w.sessionID)
			if !w.sleep(ctx, s.cfg.Queue.BackoffBase) {
				return
			}
			continue
		}
		if len(rows) == 0 {
			if s.release(w.sessionID, w) {
				return
			}
			// Rows exist but none is fetchable yet: a stale claim waiting
			// out lock_timeout, or a fresh enqueue racing the count.
			if !w.sleep(ctx, s.cfg.Queue.BackoffBase) {
				return
			}
			continue
		}

		row := rows[0]
		claimed, err := s.inbound.Claim(row.ID, s.clk.Now(), s.cfg.Queue.LockTimeout)
		if err != nil {
			log.ErrorErr(log.CatQueue, "claim failed", err,
				"sessionID", w.sessionID, "rowID", row.ID)
			if !w.sleep(ctx, s.cfg.Queue.BackoffBase) {
				return
			}
			continue
		}
		if !claimed {
			continue
		}

		w.process(ctx, row)
	}
}

// process delivers one claimed row and records the outcome. A transient
// failure backs the row off and holds the worker for the same duration so
// later rows cannot leapfrog; a permanent failure or an exhausted retry
// budget expires the row and surfaces a diagnostic event.
func (w *worker) process(ctx context.Context, row *domain.InboundMessage) {
	s := w.svc

	err := w.deliver(ctx, row)
	if err == nil {
		if markErr := s.inbound.MarkDelivered(row.ID, s.clk.Now()); markErr != nil {
			log.ErrorErr(log.CatQueue, "mark delivered failed", markErr,
				"sessionID", row.SessionID, "rowID", row.ID)
		}
		metrics.InboundDelivered.Inc()
		log.Debug(log.CatQueue, "message delivered",
			"sessionID", row.SessionID, "rowID", row.ID)
		return
	}

	attempts := row.AttemptCount + 1
	summary := domain.ErrorSummary(err)

	if domain.IsPermanent(err) || attempts >= s.cfg.Queue.MaxAttempts {
		if markErr := s.inbound.MarkExpired(row.ID, summary, s.clk.Now()); markErr != nil {
			log.ErrorErr(log.CatQueue, "mark expired failed", markErr,
				"sessionID", row.SessionID, "rowID", row.ID)
		}
		metrics.InboundExpired.Inc()
		log.Warn(log.CatQueue, "message expired",
			"sessionID", row.SessionID,
			"rowID", row.ID,
			"attempts", attempts,
			"error", summary)
		w.announceFailure(ctx, row, summary, attempts)
		return
	}

	backoff := w.backoff(row.AttemptCount)
	if markErr := s.inbound.MarkFailed(row.ID, summary, s.clk.Now(), backoff); markErr != nil {
		log.ErrorErr(log.CatQueue, "mark failed failed", markErr,
			"sessionID", row.SessionID, "rowID", row.ID)
	}
	metrics.InboundFailed.Inc()
	log.Warn(log.CatQueue, "delivery failed, backing off",
		"sessionID", row.SessionID,
		"rowID", row.ID,
		"attempt", attempts,
		"backoff", backoff,
		"error", summary)
	w.sleep(ctx, backoff)
}

// deliver injects one message into its session. The steps mirror the
// session's life: wait out initialization, reconcile the pane, resolve voice
// content, mark the adapter thread boundary, stamp metadata, mirror the
// input to the other adapters, inject the keystrokes, confirm.
func (w *worker) deliver(ctx context.Context, row *domain.InboundMessage) error {
	s := w.svc

	sess, err := s.sessions.WaitReady(ctx, row.SessionID)
	if err != nil {
		return err
	}
	sess, err = s.sessions.EnsureLive(ctx, sess)
	if err != nil {
		return err
	}

	content := row.Content
	if row.Type == domain.MessageTypeVoice && content == "" {
		content, err = w.resolveVoice(ctx, row)
		if err != nil {
			return err
		}
	}

	// Boundary marker: the next output update posts fresh instead of
	// editing the message above this input.
	s.fanout.BreakThread(ctx, row.SessionID)

	now := s.clk.Now()
	if err := s.sessions.Registry().UpdateActivity(row.SessionID, row.Origin, now); err != nil {
		return err
	}
	if err := s.sessions.Registry().TouchMessageSent(row.SessionID, now); err != nil {
		return err
	}

	mirrored := *row
	mirrored.Content = content
	s.fanout.MirrorInput(ctx, sess, &mirrored)

	if row.Type == domain.MessageTypeKeys {
		err = s.sessions.SendRaw(ctx, row.SessionID, strings.Fields(content)...)
	} else {
		err = s.sessions.SendText(ctx, row.SessionID, content)
	}
	if err != nil {
		return domain.Transient("deliver", err)
	}

	if err := s.sessions.Registry().UpdateActivity(row.SessionID, row.Origin, s.clk.Now()); err != nil {
		log.ErrorErr(log.CatQueue, "activity update failed after delivery", err,
			"sessionID", row.SessionID)
	}
	s.sessions.EnsureObserver(sess)
	return nil
}

// announceFailure publishes a diagnostic envelope so the origin adapter can
// tell the user their message was dropped.
func (w *worker) announceFailure(ctx context.Context, row *domain.InboundMessage, reason string, attempts int) {
	s := w.svc
	if s.publish == nil {
		return
	}
	env, err := domain.NewEnvelope(domain.EventMessageFailed, domain.MessageFailed{
		SessionID: row.SessionID,
		MessageID: row.ID,
		Origin:    row.Origin,
		Error:     reason,
		Attempts:  attempts,
	}, s.clk.Now())
	if err != nil {
		log.ErrorErr(log.CatQueue, "failed to build failure envelope", err, "rowID", row.ID)
		return
	}
	env.WithGroup("session:" + row.SessionID).WithProducer("queue")
	if err := s.publish(ctx, env); err != nil {
		log.ErrorErr(log.CatQueue, "failed to publish failure envelope", err, "rowID", row.ID)
	}
}

// backoff returns the delay before the next attempt: backoff_base doubled
// per prior attempt, capped at backoff_cap.
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

// sleep waits d on the service clock. Returns false if the context was
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
