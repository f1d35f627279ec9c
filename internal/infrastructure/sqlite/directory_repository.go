package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"teleclaude/internal/domain"
)

// DirectoryRepository persists the directory tables: computers, projects,
// people, and channels.
type DirectoryRepository struct {
	db *sql.DB
}

func newDirectoryRepository(db *sql.DB) *DirectoryRepository {
	return &DirectoryRepository{db: db}
}

// UpsertComputer registers a computer or refreshes its address and
// last-seen time.
func (r *DirectoryRepository) UpsertComputer(name, address string, now time.Time) error {
	_, err := r.db.Exec(
		`INSERT INTO computers (name, address, last_seen_at, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET address = excluded.address, last_seen_at = excluded.last_seen_at`,
		name, address, toMillis(now), toMillis(now),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert computer: %w", err)
	}
	return nil
}

// TouchComputer refreshes a computer's last-seen time (heartbeat).
func (r *DirectoryRepository) TouchComputer(name string, now time.Time) error {
	result, err := r.db.Exec(
		`UPDATE computers SET last_seen_at = ? WHERE name = ?`,
		toMillis(now), name,
	)
	if err != nil {
		return fmt.Errorf("failed to touch computer: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrComputerNotFound
	}
	return nil
}

// ListComputers returns all known computers ordered by name.
func (r *DirectoryRepository) ListComputers() ([]*domain.Computer, error) {
	rows, err := r.db.Query(
		`SELECT id, name, address, last_seen_at, created_at FROM computers ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list computers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Computer
	for rows.Next() {
		var c domain.Computer
		var lastSeen *int64
		var created int64
		if err := rows.Scan(&c.ID, &c.Name, &c.Address, &lastSeen, &created); err != nil {
			return nil, fmt.Errorf("failed to scan computer row: %w", err)
		}
		c.LastSeenAt = fromMillisPtr(lastSeen)
		c.CreatedAt = fromMillis(created)
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating computer rows: %w", err)
	}
	return out, nil
}

// UpsertProject registers a project path under a computer.
func (r *DirectoryRepository) UpsertProject(computer, name, path string, now time.Time) error {
	_, err := r.db.Exec(
		`INSERT INTO projects (computer, name, path, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (computer, name) DO UPDATE SET path = excluded.path`,
		computer, name, path, toMillis(now),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert project: %w", err)
	}
	return nil
}

// GetProject resolves a project by computer and name.
func (r *DirectoryRepository) GetProject(computer, name string) (*domain.Project, error) {
	var p domain.Project
	var created int64
	err := r.db.QueryRow(
		`SELECT id, computer, name, path, created_at FROM projects
		WHERE computer = ? AND name = ?`,
		computer, name,
	).Scan(&p.ID, &p.Computer, &p.Name, &p.Path, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	p.CreatedAt = fromMillis(created)
	return &p, nil
}

// ListProjects returns projects, optionally filtered to one computer.
func (r *DirectoryRepository) ListProjects(computer string) ([]*domain.Project, error) {
	query := `SELECT id, computer, name, path, created_at FROM projects`
	args := []any{}
	if computer != "" {
		query += ` WHERE computer = ?`
		args = append(args, computer)
	}
	query += ` ORDER BY computer, name`

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Project
	for rows.Next() {
		var p domain.Project
		var created int64
		if err := rows.Scan(&p.ID, &p.Computer, &p.Name, &p.Path, &created); err != nil {
			return nil, fmt.Errorf("failed to scan project row: %w", err)
		}
		p.CreatedAt = fromMillis(created)
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating project rows: %w", err)
	}
	return out, nil
}

// UpsertPerson registers or updates a person by handle.
func (r *DirectoryRepository) UpsertPerson(p *domain.Person, now time.Time) error {
	refs := "{}"
	if len(p.PlatformRefs) > 0 {
		refs = string(p.PlatformRefs)
	}
	_, err := r.db.Exec(
		`INSERT INTO people (handle, display_name, human_role, platform_refs, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (handle) DO UPDATE SET
			display_name = excluded.display_name,
			human_role = excluded.human_role,
			platform_refs = excluded.platform_refs`,
		p.Handle, p.DisplayName, string(p.HumanRole), refs, toMillis(now),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert person: %w", err)
	}
	return nil
}

// GetPersonByPlatformRef finds the person whose platform_refs maps the
// given adapter to ref. Adapters use this to resolve a platform actor to a
// human role at enqueue time.
func (r *DirectoryRepository) GetPersonByPlatformRef(adapter, ref string) (*domain.Person, error) {
	var p domain.Person
	var refs string
	var created int64
	err := r.db.QueryRow(
		`SELECT id, handle, display_name, human_role, platform_refs, created_at
		FROM people WHERE json_extract(platform_refs, '$.' || ?) = ?`,
		adapter, ref,
	).Scan(&p.ID, &p.Handle, &p.DisplayName, &p.HumanRole, &refs, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPersonNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get person by platform ref: %w", err)
	}
	p.PlatformRefs = json.RawMessage(refs)
	p.CreatedAt = fromMillis(created)
	return &p, nil
}

// ListPeople returns all registered people ordered by handle.
func (r *DirectoryRepository) ListPeople() ([]*domain.Person, error) {
	rows, err := r.db.Query(
		`SELECT id, handle, display_name, human_role, platform_refs, created_at
		FROM people ORDER BY handle`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list people: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Person
	for rows.Next() {
		var p domain.Person
		var refs string
		var created int64
		if err := rows.Scan(&p.ID, &p.Handle, &p.DisplayName, &p.HumanRole, &refs, &created); err != nil {
			return nil, fmt.Errorf("failed to scan person row: %w", err)
		}
		p.PlatformRefs = json.RawMessage(refs)
		p.CreatedAt = fromMillis(created)
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating person rows: %w", err)
	}
	return out, nil
}

// UpsertChannel registers a named broadcast channel bound to an adapter.
func (r *DirectoryRepository) UpsertChannel(name, adapter, platformChannelID string, now time.Time) error {
	_, err := r.db.Exec(
		`INSERT INTO channels (name, adapter, platform_channel_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			adapter = excluded.adapter,
			platform_channel_id = excluded.platform_channel_id`,
		name, adapter, platformChannelID, toMillis(now),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert channel: %w", err)
	}
	return nil
}

// GetChannel resolves a channel by name.
func (r *DirectoryRepository) GetChannel(name string) (*domain.Channel, error) {
	var c domain.Channel
	var created int64
	err := r.db.QueryRow(
		`SELECT id, name, adapter, platform_channel_id, created_at
		FROM channels WHERE name = ?`,
		name,
	).Scan(&c.ID, &c.Name, &c.Adapter, &c.PlatformChannelID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChannelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}
	c.CreatedAt = fromMillis(created)
	return &c, nil
}

// ListChannels returns all channels ordered by name.
func (r *DirectoryRepository) ListChannels() ([]*domain.Channel, error) {
	rows, err := r.db.Query(
		`SELECT id, name, adapter, platform_channel_id, created_at FROM channels ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Channel
	for rows.Next() {
		var c domain.Channel
		var created int64
		if err := rows.Scan(&c.ID, &c.Name, &c.Adapter, &c.PlatformChannelID, &created); err != nil {
			return nil, fmt.Errorf("failed to scan channel row: %w", err)
		}
		c.CreatedAt = fromMillis(created)
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating channel rows: %w", err)
	}
	return out, nil
}
