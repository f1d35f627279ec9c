package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"teleclaude/internal/domain"
)

// outboxColumns is the list of columns to select for outbound queue queries.
const outboxColumns = `id, envelope_id, target_adapter, payload, status,
	attempts, next_retry_at, last_error, locked_at, processed_at, created_at`

// OutboxRepository persists the durable outbound event queue. Rows are keyed
// by target adapter; per-adapter FIFO order is ascending row id, which gives
// per-(session, adapter) delivery order since session envelopes expand to
// adapter rows in publish order.
type OutboxRepository struct {
	db *sql.DB
}

func newOutboxRepository(db *sql.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

func scanOutbox(scanner interface{ Scan(...any) error }) (*OutboxModel, error) {
	var model OutboxModel
	err := scanner.Scan(
		&model.ID, &model.EnvelopeID, &model.TargetAdapter, &model.Payload,
		&model.Status, &model.Attempts, &model.NextRetryAt, &model.LastError,
		&model.LockedAt, &model.ProcessedAt, &model.CreatedAt,
	)
	return &model, err
}

// Insert appends delivery rows for an envelope, one per target adapter, in a
// single transaction so a crash cannot leave a partially fanned-out publish.
func (r *OutboxRepository) Insert(rows []*domain.OutboxRow, now time.Time) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin outbox insert: %w", err)
	}
	for _, row := range rows {
		model := toOutboxModel(row)
		result, err := tx.Exec(
			`INSERT INTO outbound_event_queue (
				envelope_id, target_adapter, payload, status, attempts,
				last_error, created_at
			) VALUES (?, ?, ?, 'pending', 0, '', ?)`,
			model.EnvelopeID, model.TargetAdapter, model.Payload, toMillis(now),
		)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to insert outbox row: %w", err)
		}
		if id, err := result.LastInsertId(); err == nil {
			row.ID = id
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit outbox insert: %w", err)
	}
	return nil
}

// Get retrieves one row by id.
func (r *OutboxRepository) Get(id int64) (*domain.OutboxRow, error) {
	row := r.db.QueryRow(`SELECT `+outboxColumns+` FROM outbound_event_queue WHERE id = ?`, id)
	model, err := scanOutbox(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get outbox row: %w", err)
	}
	return model.toDomain(), nil
}

// FetchPending returns the next deliverable rows for an adapter in FIFO
// order, including stale-claimed rows whose worker died.
func (r *OutboxRepository) FetchPending(adapter string, limit int, now time.Time, lockCutoff time.Duration) ([]*domain.OutboxRow, error) {
	rows, err := r.db.Query(
		`SELECT `+outboxColumns+` FROM outbound_event_queue
		WHERE target_adapter = ?
		  AND ((status IN ('pending', 'failed') AND (next_retry_at IS NULL OR next_retry_at <= ?))
		    OR (status = 'processing' AND locked_at IS NOT NULL AND locked_at <= ?))
		ORDER BY id ASC
		LIMIT ?`,
		adapter, toMillis(now), toMillis(now.Add(-lockCutoff)), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending outbox rows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.OutboxRow
	for rows.Next() {
		model, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		out = append(out, model.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox rows: %w", err)
	}
	return out, nil
}

// Claim moves a row to processing with the same compare-and-set the inbound
// queue uses.
func (r *OutboxRepository) Claim(id int64, now time.Time, lockCutoff time.Duration) (bool, error) {
	result, err := r.db.Exec(
		`UPDATE outbound_event_queue
		SET status = 'processing', locked_at = ?
		WHERE id = ?
		  AND (status IN ('pending', 'failed')
		    OR (status = 'processing' AND locked_at IS NOT NULL AND locked_at <= ?))`,
		toMillis(now), id, toMillis(now.Add(-lockCutoff)),
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim outbox row: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected == 1, nil
}

// MarkDelivered finalizes a row after the adapter accepted it. Terminal
// rows are left untouched.
func (r *OutboxRepository) MarkDelivered(id int64, now time.Time) error {
	_, err := r.db.Exec(
		`UPDATE outbound_event_queue
		SET status = 'delivered', processed_at = ?, locked_at = NULL, last_error = ''
		WHERE id = ? AND status IN ('pending', 'processing', 'failed')`,
		toMillis(now), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark outbox row delivered: %w", err)
	}
	return nil
}

// MarkFailed records a transient adapter failure; the row retries after
// now+backoff. Terminal rows are left untouched.
func (r *OutboxRepository) MarkFailed(id int64, summary string, now time.Time, backoff time.Duration) error {
	_, err := r.db.Exec(
		`UPDATE outbound_event_queue
		SET status = 'failed', attempts = attempts + 1,
		    next_retry_at = ?, last_error = ?, locked_at = NULL
		WHERE id = ? AND status IN ('pending', 'processing', 'failed')`,
		toMillis(now.Add(backoff)), summary, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark outbox row failed: %w", err)
	}
	return nil
}

// MarkExpired abandons a row (adapter unregistered, retry budget exhausted,
// or delivery can never succeed). Terminal rows are left untouched.
func (r *OutboxRepository) MarkExpired(id int64, reason string, now time.Time) error {
	_, err := r.db.Exec(
		`UPDATE outbound_event_queue
		SET status = 'expired', processed_at = ?, last_error = ?, locked_at = NULL
		WHERE id = ? AND status IN ('pending', 'processing', 'failed')`,
		toMillis(now), reason, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark outbox row expired: %w", err)
	}
	return nil
}

// AdaptersWithPending lists adapters holding non-terminal rows, for the
// startup worker scan.
func (r *OutboxRepository) AdaptersWithPending() ([]string, error) {
	rows, err := r.db.Query(
		`SELECT DISTINCT target_adapter FROM outbound_event_queue
		WHERE status IN ('pending', 'processing', 'failed') AND target_adapter IS NOT NULL
		ORDER BY target_adapter`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list adapters with pending rows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var adapters []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan adapter name: %w", err)
		}
		adapters = append(adapters, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating adapter names: %w", err)
	}
	return adapters, nil
}

// PendingCount returns the number of non-terminal rows for an adapter.
func (r *OutboxRepository) PendingCount(adapter string) (int, error) {
	var count int
	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM outbound_event_queue
		WHERE target_adapter = ? AND status IN ('pending', 'processing', 'failed')`,
		adapter,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending outbox rows: %w", err)
	}
	return count, nil
}

// DeleteTerminalBefore removes terminal rows whose completion predates
// cutoff.
func (r *OutboxRepository) DeleteTerminalBefore(cutoff time.Time) (int64, error) {
	result, err := r.db.Exec(
		`DELETE FROM outbound_event_queue
		WHERE status IN ('delivered', 'expired')
		  AND COALESCE(processed_at, created_at) < ?`,
		toMillis(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete terminal outbox rows: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected, nil
}
