package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"teleclaude/internal/domain"
)

// inboundColumns is the list of columns to select for inbound queue queries.
const inboundColumns = `id, session_id, origin, message_type, content, payload,
	actor_id, actor_name, status, created_at, processed_at, attempt_count,
	next_retry_at, last_error, locked_at, source_message_id, source_channel_id`

// InboundRepository persists the durable inbound queue. Per-session FIFO
// order is ascending row id; all state transitions take an explicit now so
// workers and tests control time.
type InboundRepository struct {
	db *sql.DB
}

func newInboundRepository(db *sql.DB) *InboundRepository {
	return &InboundRepository{db: db}
}

// scanInbound scans a row into an InboundModel.
func scanInbound(scanner interface{ Scan(...any) error }) (*InboundModel, error) {
	var model InboundModel
	err := scanner.Scan(
		&model.ID, &model.SessionID, &model.Origin, &model.MessageType,
		&model.Content, &model.Payload, &model.ActorID, &model.ActorName,
		&model.Status, &model.CreatedAt, &model.ProcessedAt, &model.AttemptCount,
		&model.NextRetryAt, &model.LastError, &model.LockedAt,
		&model.SourceMessageID, &model.SourceChannelID,
	)
	return &model, err
}

// Enqueue inserts a new pending row, freezing the message at arrival time.
// When the origin supplied a source message id and a row with the same
// (origin, source_message_id) already exists, no new row is created and the
// existing row's id is returned with created == false.
func (r *InboundRepository) Enqueue(msg *domain.InboundMessage, now time.Time) (int64, bool, error) {
	model := toInboundModel(msg)

	// Enqueue owns the initial row state regardless of what the caller set.
	result, err := r.db.Exec(
		`INSERT OR IGNORE INTO inbound_queue (
			session_id, origin, message_type, content, payload,
			actor_id, actor_name, status, created_at, attempt_count,
			last_error, source_message_id, source_channel_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?, 0, '', ?, ?)`,
		model.SessionID, model.Origin, model.MessageType, model.Content, model.Payload,
		model.ActorID, model.ActorName, toMillis(now),
		model.SourceMessageID, model.SourceChannelID,
	)
	if err != nil {
		return 0, false, fmt.Errorf("failed to enqueue inbound message: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		// Replay of a platform message we already hold.
		var id int64
		err := r.db.QueryRow(
			`SELECT id FROM inbound_queue WHERE origin = ? AND source_message_id = ?`,
			model.Origin, model.SourceMessageID,
		).Scan(&id)
		if err != nil {
			return 0, false, fmt.Errorf("failed to resolve duplicate row: %w", err)
		}
		return id, false, nil
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("failed to get last insert id: %w", err)
	}
	return id, true, nil
}

// Get retrieves one row by id.
func (r *InboundRepository) Get(id int64) (*domain.InboundMessage, error) {
	row := r.db.QueryRow(`SELECT `+inboundColumns+` FROM inbound_queue WHERE id = ?`, id)
	model, err := scanInbound(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get inbound message: %w", err)
	}
	return model.toDomain(), nil
}

// FetchPending returns the next deliverable rows for a session in FIFO
// order: pending and failed rows whose retry gate has passed, plus
// processing rows whose claim is older than lockCutoff (their worker died
// mid-delivery).
func (r *InboundRepository) FetchPending(sessionID string, limit int, now time.Time, lockCutoff time.Duration) ([]*domain.InboundMessage, error) {
	rows, err := r.db.Query(
		`SELECT `+inboundColumns+` FROM inbound_queue
		WHERE session_id = ?
		  AND ((status IN ('pending', 'failed') AND (next_retry_at IS NULL OR next_retry_at <= ?))
		    OR (status = 'processing' AND locked_at IS NOT NULL AND locked_at <= ?))
		ORDER BY id ASC
		LIMIT ?`,
		sessionID, toMillis(now), toMillis(now.Add(-lockCutoff)), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []*domain.InboundMessage
	for rows.Next() {
		model, err := scanInbound(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan inbound row: %w", err)
		}
		msgs = append(msgs, model.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating inbound rows: %w", err)
	}
	return msgs, nil
}

// Claim moves a row to processing with a compare-and-set: it succeeds only
// if the row is still awaiting delivery (pending or failed), or is
// processing under a claim older than lockCutoff. Returns false when
// another worker holds a live claim or the row already reached a terminal
// state.
func (r *InboundRepository) Claim(id int64, now time.Time, lockCutoff time.Duration) (bool, error) {
	result, err := r.db.Exec(
		`UPDATE inbound_queue
		SET status = 'processing', locked_at = ?
		WHERE id = ?
		  AND (status IN ('pending', 'failed')
		    OR (status = 'processing' AND locked_at IS NOT NULL AND locked_at <= ?))`,
		toMillis(now), id, toMillis(now.Add(-lockCutoff)),
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim message: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected == 1, nil
}

// MarkDelivered finalizes a row after successful delivery. A row that
// already reached a terminal state is left untouched: ExpireSession may have
// expired it while its worker was mid-delivery.
func (r *InboundRepository) MarkDelivered(id int64, now time.Time) error {
	_, err := r.db.Exec(
		`UPDATE inbound_queue
		SET status = 'delivered', processed_at = ?, locked_at = NULL, last_error = ''
		WHERE id = ? AND status IN ('pending', 'processing', 'failed')`,
		toMillis(now), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark message delivered: %w", err)
	}
	return nil
}

// MarkFailed records a transient failure: the row moves to failed with a
// bumped attempt count and stays invisible to FetchPending until
// now+backoff. Failed rows are not terminal; the worker picks them up
// again once the gate passes. Terminal rows are left untouched so a
// cancelled worker cannot resurrect a row ExpireSession already abandoned.
func (r *InboundRepository) MarkFailed(id int64, summary string, now time.Time, backoff time.Duration) error {
	_, err := r.db.Exec(
		`UPDATE inbound_queue
		SET status = 'failed', attempt_count = attempt_count + 1,
		    next_retry_at = ?, last_error = ?, locked_at = NULL
		WHERE id = ? AND status IN ('pending', 'processing', 'failed')`,
		toMillis(now.Add(backoff)), summary, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark message failed: %w", err)
	}
	return nil
}

// MarkExpired moves a row to the terminal expired state (permanently
// undeliverable, retry budget exhausted, or its session closed underneath
// it). Rows already terminal are left untouched.
func (r *InboundRepository) MarkExpired(id int64, reason string, now time.Time) error {
	_, err := r.db.Exec(
		`UPDATE inbound_queue
		SET status = 'expired', processed_at = ?, last_error = ?, locked_at = NULL
		WHERE id = ? AND status IN ('pending', 'processing', 'failed')`,
		toMillis(now), reason, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark message expired: %w", err)
	}
	return nil
}

// ExpireSession expires every non-terminal row of a session in one
// statement. Returns the number of rows expired.
func (r *InboundRepository) ExpireSession(sessionID, reason string, now time.Time) (int64, error) {
	result, err := r.db.Exec(
		`UPDATE inbound_queue
		SET status = 'expired', processed_at = ?, last_error = ?, locked_at = NULL
		WHERE session_id = ? AND status IN ('pending', 'processing', 'failed')`,
		toMillis(now), reason, sessionID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to expire session queue: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected, nil
}

// SessionsWithPending lists sessions holding non-terminal rows. The startup
// scan uses this to respawn workers after a restart.
func (r *InboundRepository) SessionsWithPending() ([]string, error) {
	rows, err := r.db.Query(
		`SELECT DISTINCT session_id FROM inbound_queue
		WHERE status IN ('pending', 'processing', 'failed')
		ORDER BY session_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions with pending messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session ids: %w", err)
	}
	return ids, nil
}

// PendingCount returns the number of non-terminal rows for a session.
func (r *InboundRepository) PendingCount(sessionID string) (int, error) {
	var count int
	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM inbound_queue
		WHERE session_id = ? AND status IN ('pending', 'processing', 'failed')`,
		sessionID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending messages: %w", err)
	}
	return count, nil
}

// DeleteTerminalBefore removes terminal rows whose completion predates
// cutoff. Returns the number of rows removed.
func (r *InboundRepository) DeleteTerminalBefore(cutoff time.Time) (int64, error) {
	result, err := r.db.Exec(
		`DELETE FROM inbound_queue
		WHERE status IN ('delivered', 'expired')
		  AND COALESCE(processed_at, created_at) < ?`,
		toMillis(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete terminal messages: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected, nil
}
