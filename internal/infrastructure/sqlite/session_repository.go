package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"teleclaude/internal/domain"
)

// sessionColumns is the list of columns to select for session queries.
const sessionColumns = `id, session_id, computer, project_path, mux_name,
	origin_adapter, title, system_role, human_role, state, headless,
	adapter_metadata, created_at, last_activity_at, last_input_origin,
	last_message_sent`

// SessionFilter narrows List results. Zero values mean no filter.
type SessionFilter struct {
	Computer      string
	State         domain.SessionState
	IncludeClosed bool
	Limit         int
}

// SessionRepository persists the session registry.
type SessionRepository struct {
	db *sql.DB
}

func newSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func scanSession(scanner interface{ Scan(...any) error }) (*SessionModel, error) {
	var model SessionModel
	err := scanner.Scan(
		&model.ID, &model.SessionID, &model.Computer, &model.ProjectPath,
		&model.MuxName, &model.OriginAdapter, &model.Title, &model.SystemRole,
		&model.HumanRole, &model.State, &model.Headless, &model.AdapterMetadata,
		&model.CreatedAt, &model.LastActivityAt, &model.LastInputOrigin,
		&model.LastMessageSent,
	)
	return &model, err
}

// Save persists a session. New sessions (ID == 0) are inserted and get
// their row id set; existing sessions are updated in full.
func (r *SessionRepository) Save(s *domain.Session) error {
	model := toSessionModel(s)

	if s.ID == 0 {
		result, err := r.db.Exec(
			`INSERT INTO sessions (
				session_id, computer, project_path, mux_name, origin_adapter,
				title, system_role, human_role, state, headless,
				adapter_metadata, created_at, last_activity_at,
				last_input_origin, last_message_sent
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			model.SessionID, model.Computer, model.ProjectPath, model.MuxName,
			model.OriginAdapter, model.Title, model.SystemRole, model.HumanRole,
			model.State, model.Headless, model.AdapterMetadata, model.CreatedAt,
			model.LastActivityAt, model.LastInputOrigin, model.LastMessageSent,
		)
		if err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get last insert id: %w", err)
		}
		s.ID = id
		return nil
	}

	_, err := r.db.Exec(
		`UPDATE sessions SET
			computer = ?, project_path = ?, mux_name = ?, origin_adapter = ?,
			title = ?, system_role = ?, human_role = ?, state = ?, headless = ?,
			adapter_metadata = ?, last_activity_at = ?, last_input_origin = ?,
			last_message_sent = ?
		WHERE id = ?`,
		model.Computer, model.ProjectPath, model.MuxName, model.OriginAdapter,
		model.Title, model.SystemRole, model.HumanRole, model.State, model.Headless,
		model.AdapterMetadata, model.LastActivityAt, model.LastInputOrigin,
		model.LastMessageSent, model.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return nil
}

// GetBySessionID retrieves a session by its opaque id.
func (r *SessionRepository) GetBySessionID(sessionID string) (*domain.Session, error) {
	row := r.db.QueryRow(
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`,
		sessionID,
	)
	model, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return model.toDomain(), nil
}

// GetByMuxName retrieves a session by its multiplexer name on a computer.
func (r *SessionRepository) GetByMuxName(computer, muxName string) (*domain.Session, error) {
	row := r.db.QueryRow(
		`SELECT `+sessionColumns+` FROM sessions WHERE computer = ? AND mux_name = ?`,
		computer, muxName,
	)
	model, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session by mux name: %w", err)
	}
	return model.toDomain(), nil
}

// List retrieves sessions matching the filter, newest first.
func (r *SessionRepository) List(filter SessionFilter) ([]*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1 = 1`
	args := []any{}

	if filter.Computer != "" {
		query += ` AND computer = ?`
		args = append(args, filter.Computer)
	}
	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, string(filter.State))
	} else if !filter.IncludeClosed {
		query += ` AND state <> 'closed'`
	}

	query += ` ORDER BY created_at DESC, id DESC`

	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*domain.Session
	for rows.Next() {
		model, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, model.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}
	return sessions, nil
}

// UpdateState transitions a session's lifecycle state.
func (r *SessionRepository) UpdateState(sessionID string, state domain.SessionState, now time.Time) error {
	if !state.IsValid() {
		return fmt.Errorf("invalid session state %q", state)
	}
	result, err := r.db.Exec(
		`UPDATE sessions SET state = ?, last_activity_at = ? WHERE session_id = ?`,
		string(state), toMillis(now), sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session state: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// UpdateActivity stamps the last activity time and the adapter the input
// came from.
func (r *SessionRepository) UpdateActivity(sessionID, origin string, now time.Time) error {
	_, err := r.db.Exec(
		`UPDATE sessions SET last_activity_at = ?, last_input_origin = ? WHERE session_id = ?`,
		toMillis(now), origin, sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session activity: %w", err)
	}
	return nil
}

// TouchMessageSent stamps the time of the last outbound post for a session.
func (r *SessionRepository) TouchMessageSent(sessionID string, now time.Time) error {
	_, err := r.db.Exec(
		`UPDATE sessions SET last_message_sent = ?, last_activity_at = ? WHERE session_id = ?`,
		toMillis(now), toMillis(now), sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to touch last message sent: %w", err)
	}
	return nil
}

// UpdateAdapterMetadata rewrites one adapter's slice of a session's metadata
// inside a transaction, leaving every other adapter's slice untouched.
func (r *SessionRepository) UpdateAdapterMetadata(sessionID, adapter string, meta json.RawMessage, now time.Time) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin metadata update: %w", err)
	}

	var raw string
	err = tx.QueryRow(
		`SELECT adapter_metadata FROM sessions WHERE session_id = ?`, sessionID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return ErrSessionNotFound
	}
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to read adapter metadata: %w", err)
	}

	all := domain.AdapterMetadata{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &all); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to decode adapter metadata: %w", err)
		}
	}
	if meta == nil {
		delete(all, adapter)
	} else {
		all[adapter] = meta
	}

	encoded, err := json.Marshal(all)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to encode adapter metadata: %w", err)
	}

	if _, err := tx.Exec(
		`UPDATE sessions SET adapter_metadata = ?, last_activity_at = ? WHERE session_id = ?`,
		string(encoded), toMillis(now), sessionID,
	); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to write adapter metadata: %w", err)
	}
	return tx.Commit()
}
