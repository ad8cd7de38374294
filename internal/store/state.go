package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// InstanceRecord is the persisted view of one managed agent instance.
type InstanceRecord struct {
	InstanceID     string
	TopicID        int
	Port           int
	WorkDir        string
	Name           string
	SessionID      string
	State          string
	PID            int
	StartedAt      time.Time
	LastActivityAt time.Time
	RestartCount   int
	Env            map[string]string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// PortRecord is a persisted port reservation.
type PortRecord struct {
	Port        int
	InstanceID  string
	AllocatedAt time.Time
}

// StateStore persists instance configurations and port allocations.
type StateStore struct {
	db *sql.DB
}

// OpenStateStore opens (and migrates) the orchestrator state database.
func OpenStateStore(path string) (*StateStore, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if err := applyMigrations(db, stateMigrations, "migrations/state"); err != nil {
		db.Close()
		return nil, err
	}
	return &StateStore{db: db}, nil
}

// Close closes the underlying database.
func (s *StateStore) Close() error { return s.db.Close() }

// UpsertInstance writes the full instance record, inserting or replacing by ID.
func (s *StateStore) UpsertInstance(rec *InstanceRecord) error {
	envJSON, err := marshalEnv(rec.Env)
	if err != nil {
		return err
	}
	now := time.Now()
	_, err = s.db.Exec(`
		INSERT INTO instances (instance_id, topic_id, port, work_dir, name, session_id, state,
			pid, started_at, last_activity_at, restart_count, env_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET
			topic_id = excluded.topic_id,
			port = excluded.port,
			work_dir = excluded.work_dir,
			name = excluded.name,
			session_id = excluded.session_id,
			state = excluded.state,
			pid = excluded.pid,
			started_at = excluded.started_at,
			last_activity_at = excluded.last_activity_at,
			restart_count = excluded.restart_count,
			env_json = excluded.env_json,
			updated_at = excluded.updated_at`,
		rec.InstanceID, rec.TopicID, rec.Port, rec.WorkDir, nullStr(rec.Name), nullStr(rec.SessionID),
		rec.State, nullInt(rec.PID), unixMs(rec.StartedAt), unixMs(rec.LastActivityAt),
		rec.RestartCount, envJSON, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert instance %s: %w", rec.InstanceID, err)
	}
	return nil
}

// UpdateState updates only the state (and optional error-free fields) of an instance.
func (s *StateStore) UpdateState(instanceID, state string, pid int) error {
	_, err := s.db.Exec(`UPDATE instances SET state = ?, pid = ?, updated_at = ? WHERE instance_id = ?`,
		state, nullInt(pid), time.Now().UnixMilli(), instanceID)
	if err != nil {
		return fmt.Errorf("update state %s: %w", instanceID, err)
	}
	return nil
}

// UpdateSessionID records the bound session for an instance.
func (s *StateStore) UpdateSessionID(instanceID, sessionID string) error {
	_, err := s.db.Exec(`UPDATE instances SET session_id = ?, updated_at = ? WHERE instance_id = ?`,
		sessionID, time.Now().UnixMilli(), instanceID)
	if err != nil {
		return fmt.Errorf("update session %s: %w", instanceID, err)
	}
	return nil
}

// TouchActivity updates last_activity_at for an instance.
func (s *StateStore) TouchActivity(instanceID string) error {
	now := time.Now().UnixMilli()
	_, err := s.db.Exec(`UPDATE instances SET last_activity_at = ?, updated_at = ? WHERE instance_id = ?`,
		now, now, instanceID)
	return err
}

// IncrementRestartCount bumps and returns the restart counter.
func (s *StateStore) IncrementRestartCount(instanceID string) (int, error) {
	_, err := s.db.Exec(`UPDATE instances SET restart_count = restart_count + 1, updated_at = ? WHERE instance_id = ?`,
		time.Now().UnixMilli(), instanceID)
	if err != nil {
		return 0, err
	}
	var count int
	err = s.db.QueryRow(`SELECT restart_count FROM instances WHERE instance_id = ?`, instanceID).Scan(&count)
	return count, err
}

// ResetRestartCount zeroes the restart counter after a healthy run.
func (s *StateStore) ResetRestartCount(instanceID string) error {
	_, err := s.db.Exec(`UPDATE instances SET restart_count = 0, updated_at = ? WHERE instance_id = ?`,
		time.Now().UnixMilli(), instanceID)
	return err
}

// GetInstance returns one instance by ID.
func (s *StateStore) GetInstance(instanceID string) (*InstanceRecord, error) {
	return s.scanOne(`SELECT `+instanceCols+` FROM instances WHERE instance_id = ?`, instanceID)
}

// GetInstanceByTopic returns the instance bound to a topic.
func (s *StateStore) GetInstanceByTopic(topicID int) (*InstanceRecord, error) {
	return s.scanOne(`SELECT `+instanceCols+` FROM instances WHERE topic_id = ?`, topicID)
}

// ListInstances returns all instances, optionally filtered by state.
func (s *StateStore) ListInstances(state string) ([]*InstanceRecord, error) {
	query := `SELECT ` + instanceCols + ` FROM instances ORDER BY created_at`
	args := []any{}
	if state != "" {
		query = `SELECT ` + instanceCols + ` FROM instances WHERE state = ? ORDER BY created_at`
		args = append(args, state)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*InstanceRecord
	for rows.Next() {
		rec, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// MarkStaleCrashed flips every instance persisted as running/starting/stopping
// to crashed. Called once at startup before recovery.
func (s *StateStore) MarkStaleCrashed() (int, error) {
	res, err := s.db.Exec(`UPDATE instances SET state = 'crashed', updated_at = ?
		WHERE state IN ('running', 'starting', 'stopping')`, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("mark stale crashed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteInstance removes an instance record and (via FK cascade) its port allocation.
func (s *StateStore) DeleteInstance(instanceID string) error {
	_, err := s.db.Exec(`DELETE FROM instances WHERE instance_id = ?`, instanceID)
	return err
}

// SavePortAllocation persists a port reservation for recovery.
func (s *StateStore) SavePortAllocation(port int, instanceID string) error {
	_, err := s.db.Exec(`
		INSERT INTO port_allocations (port, instance_id, allocated_at) VALUES (?, ?, ?)
		ON CONFLICT(port) DO UPDATE SET instance_id = excluded.instance_id, allocated_at = excluded.allocated_at`,
		port, instanceID, time.Now().UnixMilli())
	return err
}

// DeletePortAllocation removes a persisted reservation.
func (s *StateStore) DeletePortAllocation(port int) error {
	_, err := s.db.Exec(`DELETE FROM port_allocations WHERE port = ?`, port)
	return err
}

// ListPortAllocations returns all persisted reservations.
func (s *StateStore) ListPortAllocations() ([]*PortRecord, error) {
	rows, err := s.db.Query(`SELECT port, instance_id, allocated_at FROM port_allocations ORDER BY port`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*PortRecord
	for rows.Next() {
		var rec PortRecord
		var at int64
		if err := rows.Scan(&rec.Port, &rec.InstanceID, &at); err != nil {
			return nil, err
		}
		rec.AllocatedAt = time.UnixMilli(at)
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}

const instanceCols = `instance_id, topic_id, port, work_dir, name, session_id, state,
	pid, started_at, last_activity_at, restart_count, env_json, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *StateStore) scanOne(query string, args ...any) (*InstanceRecord, error) {
	rec, err := scanInstance(s.db.QueryRow(query, args...))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return rec, err
}

func scanInstance(row rowScanner) (*InstanceRecord, error) {
	var rec InstanceRecord
	var name, sessionID, envJSON sql.NullString
	var pid sql.NullInt64
	var startedAt, lastActivity sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(&rec.InstanceID, &rec.TopicID, &rec.Port, &rec.WorkDir, &name, &sessionID,
		&rec.State, &pid, &startedAt, &lastActivity, &rec.RestartCount, &envJSON, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	rec.Name = name.String
	rec.SessionID = sessionID.String
	rec.PID = int(pid.Int64)
	if startedAt.Valid {
		rec.StartedAt = time.UnixMilli(startedAt.Int64)
	}
	if lastActivity.Valid {
		rec.LastActivityAt = time.UnixMilli(lastActivity.Int64)
	}
	rec.CreatedAt = time.UnixMilli(createdAt)
	rec.UpdatedAt = time.UnixMilli(updatedAt)

	if envJSON.Valid && envJSON.String != "" {
		if err := json.Unmarshal([]byte(envJSON.String), &rec.Env); err != nil {
			return nil, fmt.Errorf("decode env for %s: %w", rec.InstanceID, err)
		}
	}
	return &rec, nil
}

func marshalEnv(env map[string]string) (any, error) {
	if len(env) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode env: %w", err)
	}
	return string(b), nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

func unixMs(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}
