package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"teleclaude/internal/domain"
)

const envelopeColumns = `id, envelope_id, type, payload, group_key,
	idempotency_key, produced_at, producer_id`

// EnvelopeRepository persists the append-only event log. Envelopes are never
// updated after insert.
type EnvelopeRepository struct {
	db *sql.DB
}

func newEnvelopeRepository(db *sql.DB) *EnvelopeRepository {
	return &EnvelopeRepository{db: db}
}

func scanEnvelope(scanner interface{ Scan(...any) error }) (*EnvelopeModel, error) {
	var model EnvelopeModel
	err := scanner.Scan(
		&model.ID, &model.EnvelopeID, &model.Type, &model.Payload,
		&model.GroupKey, &model.IdempotencyKey, &model.ProducedAt, &model.ProducerID,
	)
	return &model, err
}

// Insert appends an envelope to the log and sets its row id.
func (r *EnvelopeRepository) Insert(e *domain.EventEnvelope) error {
	model := toEnvelopeModel(e)
	result, err := r.db.Exec(
		`INSERT INTO event_envelopes (
			envelope_id, type, payload, group_key, idempotency_key,
			produced_at, producer_id
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		model.EnvelopeID, model.Type, model.Payload, model.GroupKey,
		model.IdempotencyKey, model.ProducedAt, model.ProducerID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert envelope: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	e.ID = id
	return nil
}

// GetByEnvelopeID retrieves an envelope by its ULID.
func (r *EnvelopeRepository) GetByEnvelopeID(envelopeID string) (*domain.EventEnvelope, error) {
	row := r.db.QueryRow(
		`SELECT `+envelopeColumns+` FROM event_envelopes WHERE envelope_id = ?`,
		envelopeID,
	)
	model, err := scanEnvelope(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEnvelopeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get envelope: %w", err)
	}
	return model.toDomain(), nil
}

// SeenIdempotencyKey reports whether any envelope other than exclude already
// carries this idempotency key. The dedup cartridge runs after the current
// envelope is logged, so it must not count itself.
func (r *EnvelopeRepository) SeenIdempotencyKey(key, excludeEnvelopeID string) (bool, error) {
	if key == "" {
		return false, nil
	}
	var exists bool
	err := r.db.QueryRow(
		`SELECT EXISTS (
			SELECT 1 FROM event_envelopes
			WHERE idempotency_key = ? AND envelope_id <> ?
		)`,
		key, excludeEnvelopeID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	return exists, nil
}

// Query lists envelopes whose type starts with typePrefix, produced at or
// after since, newest first. An empty prefix matches everything.
func (r *EnvelopeRepository) Query(typePrefix string, since time.Time, limit int) ([]*domain.EventEnvelope, error) {
	query := `SELECT ` + envelopeColumns + ` FROM event_envelopes WHERE produced_at >= ?`
	args := []any{toMillis(since)}

	if typePrefix != "" {
		query += ` AND type LIKE ?`
		args = append(args, typePrefix+"%")
	}

	query += ` ORDER BY id DESC`

	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query envelopes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var envelopes []*domain.EventEnvelope
	for rows.Next() {
		model, err := scanEnvelope(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan envelope row: %w", err)
		}
		envelopes = append(envelopes, model.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating envelope rows: %w", err)
	}
	return envelopes, nil
}

// DeleteBefore removes envelopes produced before cutoff. An envelope still
// referenced by a notification that has not been resolved is kept regardless
// of age so the notification's payload stays dereferenceable.
func (r *EnvelopeRepository) DeleteBefore(cutoff time.Time) (int64, error) {
	result, err := r.db.Exec(
		`DELETE FROM event_envelopes
		WHERE produced_at < ?
		AND NOT EXISTS (
			SELECT 1 FROM notifications n
			WHERE n.envelope_id = event_envelopes.envelope_id
			AND n.agent_status <> 'resolved'
		)`,
		toMillis(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old envelopes: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected, nil
}
