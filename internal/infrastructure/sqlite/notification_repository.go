package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"teleclaude/internal/domain"
)

const notificationColumns = `id, idempotency_key, group_key, envelope_id,
	summary, agent_status, claimed_by, resolved_by, resolved_at, payload,
	created_at, updated_at`

// NotificationRepository persists projected notifications. Projection is
// replay-safe through the unique idempotency key, and bursts sharing a group
// key fold into the newest open row instead of stacking.
type NotificationRepository struct {
	db *sql.DB
}

func newNotificationRepository(db *sql.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

func scanNotification(scanner interface{ Scan(...any) error }) (*NotificationModel, error) {
	var model NotificationModel
	err := scanner.Scan(
		&model.ID, &model.IdempotencyKey, &model.GroupKey, &model.EnvelopeID,
		&model.Summary, &model.AgentStatus, &model.ClaimedBy, &model.ResolvedBy,
		&model.ResolvedAt, &model.Payload, &model.CreatedAt, &model.UpdatedAt,
	)
	return &model, err
}

// Project records a notification for an envelope. Returns true when a new
// row was created; false when the envelope was already projected or was
// folded into an open row of the same group.
func (r *NotificationRepository) Project(env *domain.EventEnvelope, summary string, now time.Time) (bool, error) {
	key := env.IdempotencyKey
	if key == "" {
		key = env.EnvelopeID
	}

	tx, err := r.db.Begin()
	if err != nil {
		return false, fmt.Errorf("failed to begin projection: %w", err)
	}

	var seen bool
	if err := tx.QueryRow(
		`SELECT EXISTS (SELECT 1 FROM notifications WHERE idempotency_key = ?)`, key,
	).Scan(&seen); err != nil {
		_ = tx.Rollback()
		return false, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	if seen {
		_ = tx.Rollback()
		return false, nil
	}

	payload := string(env.Payload)
	if env.GroupKey != "" {
		var openID int64
		err := tx.QueryRow(
			`SELECT id FROM notifications
			WHERE group_key = ? AND agent_status <> 'resolved'
			ORDER BY id DESC LIMIT 1`,
			env.GroupKey,
		).Scan(&openID)
		switch {
		case err == nil:
			if _, err := tx.Exec(
				`UPDATE notifications
				SET envelope_id = ?, summary = ?, payload = ?, updated_at = ?
				WHERE id = ?`,
				env.EnvelopeID, summary, payload, toMillis(now), openID,
			); err != nil {
				_ = tx.Rollback()
				return false, fmt.Errorf("failed to fold notification: %w", err)
			}
			if err := tx.Commit(); err != nil {
				return false, fmt.Errorf("failed to commit projection: %w", err)
			}
			return false, nil
		case !errors.Is(err, sql.ErrNoRows):
			_ = tx.Rollback()
			return false, fmt.Errorf("failed to find open group row: %w", err)
		}
	}

	if _, err := tx.Exec(
		`INSERT INTO notifications (
			idempotency_key, group_key, envelope_id, summary,
			agent_status, payload, created_at, updated_at
		) VALUES (?, ?, ?, ?, 'none', ?, ?, ?)`,
		key, env.GroupKey, env.EnvelopeID, summary, payload,
		toMillis(now), toMillis(now),
	); err != nil {
		_ = tx.Rollback()
		return false, fmt.Errorf("failed to insert notification: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit projection: %w", err)
	}
	return true, nil
}

// Get retrieves one notification by id.
func (r *NotificationRepository) Get(id int64) (*domain.Notification, error) {
	row := r.db.QueryRow(`SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id)
	model, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotificationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}
	return model.toDomain(), nil
}

// UpdateAgentStatus moves a notification through none -> claimed -> resolved.
func (r *NotificationRepository) UpdateAgentStatus(id int64, status domain.AgentStatus, actor string, now time.Time) error {
	if !status.IsValid() {
		return fmt.Errorf("invalid agent status %q", status)
	}

	var result sql.Result
	var err error
	switch status {
	case domain.AgentStatusClaimed:
		result, err = r.db.Exec(
			`UPDATE notifications
			SET agent_status = ?, claimed_by = ?, updated_at = ?
			WHERE id = ?`,
			string(status), actor, toMillis(now), id,
		)
	case domain.AgentStatusResolved:
		result, err = r.db.Exec(
			`UPDATE notifications
			SET agent_status = ?, resolved_by = ?, resolved_at = ?, updated_at = ?
			WHERE id = ?`,
			string(status), actor, toMillis(now), toMillis(now), id,
		)
	default:
		result, err = r.db.Exec(
			`UPDATE notifications SET agent_status = ?, updated_at = ? WHERE id = ?`,
			string(status), toMillis(now), id,
		)
	}
	if err != nil {
		return fmt.Errorf("failed to update agent status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

// ClaimByKey marks an unresolved notification claimed by its idempotency
// key. Resolved rows are left alone.
func (r *NotificationRepository) ClaimByKey(idempotencyKey, by string, now time.Time) error {
	result, err := r.db.Exec(
		`UPDATE notifications
		SET agent_status = 'claimed', claimed_by = ?, updated_at = ?
		WHERE idempotency_key = ? AND agent_status <> 'resolved'`,
		by, toMillis(now), idempotencyKey,
	)
	if err != nil {
		return fmt.Errorf("failed to claim notification: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

// Resolve closes a notification by its idempotency key.
func (r *NotificationRepository) Resolve(idempotencyKey, by string, now time.Time) error {
	result, err := r.db.Exec(
		`UPDATE notifications
		SET agent_status = 'resolved', resolved_by = ?, resolved_at = ?, updated_at = ?
		WHERE idempotency_key = ?`,
		by, toMillis(now), toMillis(now), idempotencyKey,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve notification: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

// ListUnresolved returns open notifications, oldest first.
func (r *NotificationRepository) ListUnresolved(limit int) ([]*domain.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications
		WHERE agent_status <> 'resolved' ORDER BY id ASC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list unresolved notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Notification
	for rows.Next() {
		model, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification row: %w", err)
		}
		out = append(out, model.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notification rows: %w", err)
	}
	return out, nil
}

// DeleteResolvedBefore removes resolved rows whose resolution predates
// cutoff.
func (r *NotificationRepository) DeleteResolvedBefore(cutoff time.Time) (int64, error) {
	result, err := r.db.Exec(
		`DELETE FROM notifications
		WHERE agent_status = 'resolved' AND COALESCE(resolved_at, updated_at) < ?`,
		toMillis(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete resolved notifications: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected, nil
}
