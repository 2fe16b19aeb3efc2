package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/craftdock/craftdock/internal/domain"
	_ "modernc.org/sqlite"
)

// formatTimestamp converts time.Time to SQLite-compatible UTC ISO8601 string
// The Z suffix ensures the Go sqlite driver parses it back as UTC
func formatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

//go:embed schema.sql
var schema string

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Store provides database access
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// Enable foreign keys, WAL mode for better performance, and busy timeout for concurrency
	if _, err := db.Exec("PRAGMA foreign_keys = ON; PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting pragmas: %w", err)
	}

	// Create tables
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Instance methods ---

const instanceColumns = `id, name, description, type, version, port, rcon_port, rcon_password,
	memory_mb, container_id, container_name, status, active,
	created_at, updated_at, last_started_at, last_stopped_at`

// CreateInstance inserts a new instance record and populates its ID
func (s *Store) CreateInstance(ctx context.Context, inst *domain.Instance) error {
	now := time.Now().UTC()
	inst.CreatedAt = now
	inst.UpdatedAt = now

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO instances (name, description, type, version, port, rcon_port, rcon_password,
			memory_mb, container_id, container_name, status, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, inst.Name, nullString(inst.Description), string(inst.Type), inst.Version,
		inst.Port, inst.RconPort, inst.RconPassword, inst.MemoryMB,
		nullString(inst.ContainerID), inst.ContainerName, string(inst.Status),
		inst.Active, formatTimestamp(now), formatTimestamp(now))
	if err != nil {
		return fmt.Errorf("inserting instance: %w", err)
	}

	inst.ID, err = result.LastInsertId()
	return err
}

// GetInstances returns all non-deleted instances
func (s *Store) GetInstances(ctx context.Context) ([]domain.Instance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+instanceColumns+` FROM instances ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []domain.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, *inst)
	}
	return instances, rows.Err()
}

// GetInstanceByID returns an instance by ID
func (s *Store) GetInstanceByID(ctx context.Context, id int64) (*domain.Instance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+instanceColumns+` FROM instances WHERE id = ?
	`, id)
	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return inst, err
}

// GetInstanceByName returns an instance by its unique name
func (s *Store) GetInstanceByName(ctx context.Context, name string) (*domain.Instance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+instanceColumns+` FROM instances WHERE name = ?
	`, name)
	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return inst, err
}

// UpdateInstance updates the mutable settings of a stopped instance
func (s *Store) UpdateInstance(ctx context.Context, inst *domain.Instance) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE instances SET name = ?, description = ?, memory_mb = ?, updated_at = ?
		WHERE id = ?
	`, inst.Name, nullString(inst.Description), inst.MemoryMB, formatTimestamp(now), inst.ID)
	if err != nil {
		return err
	}
	inst.UpdatedAt = now
	return nil
}

// UpdateInstanceStatus transitions an instance's status in one statement.
// The running and stopped states also stamp last_started_at/last_stopped_at
// so observers polling between writes always see a consistent row.
func (s *Store) UpdateInstanceStatus(ctx context.Context, id int64, status domain.InstanceStatus) error {
	now := formatTimestamp(time.Now().UTC())

	var query string
	switch status {
	case domain.StatusRunning:
		query = `UPDATE instances SET status = ?, updated_at = ?, last_started_at = ? WHERE id = ?`
	case domain.StatusStopped:
		query = `UPDATE instances SET status = ?, updated_at = ?, last_stopped_at = ? WHERE id = ?`
	default:
		result, err := s.db.ExecContext(ctx,
			`UPDATE instances SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), now, id)
		if err != nil {
			return err
		}
		return checkAffected(result)
	}

	result, err := s.db.ExecContext(ctx, query, string(status), now, now, id)
	if err != nil {
		return err
	}
	return checkAffected(result)
}

// SetContainerID records the backing container for an instance
func (s *Store) SetContainerID(ctx context.Context, id int64, containerID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE instances SET container_id = ?, updated_at = ? WHERE id = ?
	`, nullString(containerID), formatTimestamp(time.Now().UTC()), id)
	if err != nil {
		return err
	}
	return checkAffected(result)
}

// DeleteInstance removes an instance record
func (s *Store) DeleteInstance(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkAffected(result)
}

// CountInstances returns the number of instance records
func (s *Store) CountInstances(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM instances`).Scan(&n)
	return n, err
}

// UsedPorts returns the game and RCON ports held by existing instances
func (s *Store) UsedPorts(ctx context.Context) (gamePorts, rconPorts map[int]bool, err error) {
	rows, err := s.db.QueryContext(ctx, `SELECT port, rcon_port FROM instances`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	gamePorts = make(map[int]bool)
	rconPorts = make(map[int]bool)
	for rows.Next() {
		var game, rcon int
		if err := rows.Scan(&game, &rcon); err != nil {
			return nil, nil, err
		}
		gamePorts[game] = true
		rconPorts[rcon] = true
	}
	return gamePorts, rconPorts, rows.Err()
}

// --- User methods ---

// User is a panel account
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	IsAdmin      bool      `json:"is_admin"`
	CreatedAt    time.Time `json:"created_at"`
}

// CreateUser inserts a new user
func (s *Store) CreateUser(ctx context.Context, username, passwordHash string, isAdmin bool) (*User, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, is_admin, created_at)
		VALUES (?, ?, ?, ?)
	`, username, passwordHash, isAdmin, formatTimestamp(now))
	if err != nil {
		return nil, fmt.Errorf("inserting user: %w", err)
	}
	id, _ := result.LastInsertId()
	return &User{ID: id, Username: username, PasswordHash: passwordHash, IsAdmin: isAdmin, CreatedAt: now}, nil
}

// GetUserByUsername returns a user by username
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var u User
	var created string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, is_admin, created_at FROM users WHERE username = ?
	`, username).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.IsAdmin, &created)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.CreatedAt, _ = time.Parse(time.RFC3339, created)
	return &u, nil
}

// GetUserByID returns a user by id
func (s *Store) GetUserByID(ctx context.Context, id int64) (*User, error) {
	var u User
	var created string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, is_admin, created_at FROM users WHERE id = ?
	`, id).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.IsAdmin, &created)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.CreatedAt, _ = time.Parse(time.RFC3339, created)
	return &u, nil
}

// ListUsers returns all users
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, password_hash, is_admin, created_at FROM users ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		var created string
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.IsAdmin, &created); err != nil {
			return nil, err
		}
		u.CreatedAt, _ = time.Parse(time.RFC3339, created)
		users = append(users, u)
	}
	return users, rows.Err()
}

// DeleteUser removes a user by username
func (s *Store) DeleteUser(ctx context.Context, username string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE username = ?`, username)
	if err != nil {
		return err
	}
	return checkAffected(result)
}

// --- Permission methods ---

// GrantPermission sets a user's permission level for an instance
func (s *Store) GrantPermission(ctx context.Context, userID, instanceID int64, permission string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_instance_permissions (user_id, instance_id, permission)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id, instance_id) DO UPDATE SET permission = excluded.permission
	`, userID, instanceID, permission)
	return err
}

// RevokePermission removes a user's permission for an instance
func (s *Store) RevokePermission(ctx context.Context, userID, instanceID int64) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM user_instance_permissions WHERE user_id = ? AND instance_id = ?
	`, userID, instanceID)
	return err
}

// GetPermission returns a user's permission level for an instance, or ""
func (s *Store) GetPermission(ctx context.Context, userID, instanceID int64) (string, error) {
	var perm string
	err := s.db.QueryRowContext(ctx, `
		SELECT permission FROM user_instance_permissions WHERE user_id = ? AND instance_id = ?
	`, userID, instanceID).Scan(&perm)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return perm, err
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInstance(row rowScanner) (*domain.Instance, error) {
	var inst domain.Instance
	var typ, status string
	var description, containerID sql.NullString
	var created, updated string
	var lastStarted, lastStopped sql.NullString

	err := row.Scan(&inst.ID, &inst.Name, &description, &typ, &inst.Version,
		&inst.Port, &inst.RconPort, &inst.RconPassword, &inst.MemoryMB,
		&containerID, &inst.ContainerName, &status, &inst.Active,
		&created, &updated, &lastStarted, &lastStopped)
	if err != nil {
		return nil, err
	}

	inst.Description = description.String
	inst.ContainerID = containerID.String
	inst.Type = domain.InstanceType(typ)
	inst.Status = domain.InstanceStatus(status)
	inst.CreatedAt, _ = time.Parse(time.RFC3339, created)
	inst.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	if lastStarted.Valid {
		t, _ := time.Parse(time.RFC3339, lastStarted.String)
		inst.LastStartedAt = &t
	}
	if lastStopped.Valid {
		t, _ := time.Parse(time.RFC3339, lastStopped.String)
		inst.LastStoppedAt = &t
	}
	return &inst, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func checkAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
