package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Mapping status values.
const (
	MappingActive  = "active"
	MappingClosed  = "closed"
	MappingDeleted = "deleted"
)

// Topic event types.
const (
	EventCreated  = "created"
	EventClosed   = "closed"
	EventReopened = "reopened"
	EventRenamed  = "renamed"
	EventDeleted  = "deleted"
	EventMessage  = "message"
	EventLinked   = "linked"
)

// PlaceholderPrefix marks a mapping whose real sessionID is not yet known.
// Placeholders are promoted on instance:ready or garbage-collected.
const PlaceholderPrefix = "pending_"

// IsPlaceholderSession reports whether a sessionID is a pending placeholder.
func IsPlaceholderSession(sessionID string) bool {
	return strings.HasPrefix(sessionID, PlaceholderPrefix)
}

// Mapping is a durable binding between a forum topic and an agent session.
type Mapping struct {
	ChatID           int64
	TopicID          int
	TopicName        string
	SessionID        string
	WorkDir          string
	StreamingEnabled bool
	Status           string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ClosedAt         time.Time
	CreatorUserID    int64
	IconColor        int
	IconEmojiID      string
}

// Stats are per-mapping message counters.
type Stats struct {
	MessageCount  int
	LastMessageAt time.Time
	ToolCalls     int
	ErrorCount    int
}

// TopicEvent is one append-only lifecycle log entry.
type TopicEvent struct {
	ID        int64
	ChatID    int64
	TopicID   int
	Type      string
	Timestamp time.Time
	UserID    int64
	Metadata  string
}

// TopicStore persists topic↔session mappings, statistics, and lifecycle events.
// Safe for concurrent reads; writes are serialized by the single-connection pool.
type TopicStore struct {
	db *sql.DB
}

// OpenTopicStore opens (and migrates) the topic database.
func OpenTopicStore(path string) (*TopicStore, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if err := applyMigrations(db, topicMigrations, "migrations/topics"); err != nil {
		db.Close()
		return nil, err
	}
	return &TopicStore{db: db}, nil
}

// Close closes the underlying database.
func (s *TopicStore) Close() error { return s.db.Close() }

// CreateMapping inserts a new mapping with an empty stats row.
func (s *TopicStore) CreateMapping(m *Mapping) error {
	if m.Status == "" {
		m.Status = MappingActive
	}
	now := time.Now()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO topic_mappings (chat_id, topic_id, topic_name, session_id, work_dir,
			streaming_enabled, status, created_at, updated_at, creator_user_id, icon_color, icon_emoji_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ChatID, m.TopicID, m.TopicName, m.SessionID, nullStr(m.WorkDir),
		boolInt(m.StreamingEnabled), m.Status, now.UnixMilli(), now.UnixMilli(),
		nullInt64(m.CreatorUserID), nullInt(m.IconColor), nullStr(m.IconEmojiID))
	if err != nil {
		return fmt.Errorf("create mapping %d/%d: %w", m.ChatID, m.TopicID, err)
	}

	_, err = tx.Exec(`INSERT INTO topic_stats (chat_id, topic_id) VALUES (?, ?)`, m.ChatID, m.TopicID)
	if err != nil {
		return fmt.Errorf("create stats %d/%d: %w", m.ChatID, m.TopicID, err)
	}
	return tx.Commit()
}

// GetMapping returns the mapping for (chatID, topicID).
func (s *TopicStore) GetMapping(chatID int64, topicID int) (*Mapping, error) {
	return s.scanMapping(`SELECT `+mappingCols+` FROM topic_mappings WHERE chat_id = ? AND topic_id = ?`,
		chatID, topicID)
}

// GetMappingBySession returns the active mapping bound to a sessionID.
func (s *TopicStore) GetMappingBySession(sessionID string) (*Mapping, error) {
	return s.scanMapping(`SELECT `+mappingCols+` FROM topic_mappings WHERE session_id = ? AND status = 'active'`,
		sessionID)
}

// ListMappings returns mappings, optionally filtered by status.
func (s *TopicStore) ListMappings(status string) ([]*Mapping, error) {
	query := `SELECT ` + mappingCols + ` FROM topic_mappings ORDER BY created_at`
	args := []any{}
	if status != "" {
		query = `SELECT ` + mappingCols + ` FROM topic_mappings WHERE status = ? ORDER BY created_at`
		args = append(args, status)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Mapping
	for rows.Next() {
		m, err := scanMappingRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateSessionID rebinds a mapping to a new sessionID (placeholder promotion,
// reconnection). The single writer for this column is the instance:ready path.
func (s *TopicStore) UpdateSessionID(chatID int64, topicID int, sessionID string) error {
	return s.touch(`UPDATE topic_mappings SET session_id = ?, updated_at = ? WHERE chat_id = ? AND topic_id = ?`,
		sessionID, chatID, topicID)
}

// UpdateStatus moves a mapping between active/closed/deleted.
func (s *TopicStore) UpdateStatus(chatID int64, topicID int, status string) error {
	now := time.Now().UnixMilli()
	var closedAt any
	if status == MappingClosed || status == MappingDeleted {
		closedAt = now
	}
	_, err := s.db.Exec(`UPDATE topic_mappings SET status = ?, closed_at = ?, updated_at = ? WHERE chat_id = ? AND topic_id = ?`,
		status, closedAt, now, chatID, topicID)
	return err
}

// UpdateName renames a mapping (forum_topic_edited).
func (s *TopicStore) UpdateName(chatID int64, topicID int, name string) error {
	return s.touch(`UPDATE topic_mappings SET topic_name = ?, updated_at = ? WHERE chat_id = ? AND topic_id = ?`,
		name, chatID, topicID)
}

// UpdateWorkDir records the working directory of the bound agent.
func (s *TopicStore) UpdateWorkDir(chatID int64, topicID int, workDir string) error {
	return s.touch(`UPDATE topic_mappings SET work_dir = ?, updated_at = ? WHERE chat_id = ? AND topic_id = ?`,
		workDir, chatID, topicID)
}

// SetStreamingEnabled toggles live streaming previews for a topic.
func (s *TopicStore) SetStreamingEnabled(chatID int64, topicID int, enabled bool) error {
	return s.touch(`UPDATE topic_mappings SET streaming_enabled = ?, updated_at = ? WHERE chat_id = ? AND topic_id = ?`,
		boolInt(enabled), chatID, topicID)
}

// DeleteMapping removes a mapping and (via FK cascade) its stats row.
func (s *TopicStore) DeleteMapping(chatID int64, topicID int) error {
	_, err := s.db.Exec(`DELETE FROM topic_mappings WHERE chat_id = ? AND topic_id = ?`, chatID, topicID)
	return err
}

// RecordMessage bumps the per-topic message counter.
func (s *TopicStore) RecordMessage(chatID int64, topicID int) error {
	_, err := s.db.Exec(`UPDATE topic_stats SET message_count = message_count + 1, last_message_at = ?
		WHERE chat_id = ? AND topic_id = ?`, time.Now().UnixMilli(), chatID, topicID)
	return err
}

// RecordToolCall bumps the per-topic tool counter.
func (s *TopicStore) RecordToolCall(chatID int64, topicID int) error {
	_, err := s.db.Exec(`UPDATE topic_stats SET tool_calls = tool_calls + 1
		WHERE chat_id = ? AND topic_id = ?`, chatID, topicID)
	return err
}

// RecordError bumps the per-topic error counter.
func (s *TopicStore) RecordError(chatID int64, topicID int) error {
	_, err := s.db.Exec(`UPDATE topic_stats SET error_count = error_count + 1
		WHERE chat_id = ? AND topic_id = ?`, chatID, topicID)
	return err
}

// GetStats returns the stats row for a mapping.
func (s *TopicStore) GetStats(chatID int64, topicID int) (*Stats, error) {
	var st Stats
	var lastAt sql.NullInt64
	err := s.db.QueryRow(`SELECT message_count, last_message_at, tool_calls, error_count
		FROM topic_stats WHERE chat_id = ? AND topic_id = ?`, chatID, topicID).
		Scan(&st.MessageCount, &lastAt, &st.ToolCalls, &st.ErrorCount)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if lastAt.Valid {
		st.LastMessageAt = time.UnixMilli(lastAt.Int64)
	}
	return &st, nil
}

// AppendEvent writes one lifecycle log entry.
func (s *TopicStore) AppendEvent(ev *TopicEvent) error {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.Exec(`INSERT INTO topic_events (chat_id, topic_id, event_type, timestamp, user_id, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ChatID, ev.TopicID, ev.Type, ts.UnixMilli(), nullInt64(ev.UserID), nullStr(ev.Metadata))
	return err
}

// ListEvents returns the most recent events for a topic, newest first.
func (s *TopicStore) ListEvents(chatID int64, topicID int, limit int) ([]*TopicEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT id, chat_id, topic_id, event_type, timestamp, user_id, metadata_json
		FROM topic_events WHERE chat_id = ? AND topic_id = ? ORDER BY id DESC LIMIT ?`,
		chatID, topicID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TopicEvent
	for rows.Next() {
		var ev TopicEvent
		var ts int64
		var userID sql.NullInt64
		var meta sql.NullString
		if err := rows.Scan(&ev.ID, &ev.ChatID, &ev.TopicID, &ev.Type, &ts, &userID, &meta); err != nil {
			return nil, err
		}
		ev.Timestamp = time.UnixMilli(ts)
		ev.UserID = userID.Int64
		ev.Metadata = meta.String
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// FindIdleMappings returns active mappings with no message activity and no
// mapping update within the horizon.
func (s *TopicStore) FindIdleMappings(horizon time.Duration) ([]*Mapping, error) {
	cutoff := time.Now().Add(-horizon).UnixMilli()
	rows, err := s.db.Query(`
		SELECT `+prefixedMappingCols("m")+`
		FROM topic_mappings m
		JOIN topic_stats st ON st.chat_id = m.chat_id AND st.topic_id = m.topic_id
		WHERE m.status = 'active'
		  AND m.updated_at < ?
		  AND (st.last_message_at IS NULL OR st.last_message_at < ?)`,
		cutoff, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Mapping
	for rows.Next() {
		m, err := scanMappingRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// FindStalePlaceholders returns mappings that still hold a pending_* sessionID
// older than the given age. These never got an instance:ready promotion.
func (s *TopicStore) FindStalePlaceholders(age time.Duration) ([]*Mapping, error) {
	cutoff := time.Now().Add(-age).UnixMilli()
	rows, err := s.db.Query(`SELECT `+mappingCols+` FROM topic_mappings
		WHERE session_id LIKE ? AND updated_at < ?`, PlaceholderPrefix+"%", cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Mapping
	for rows.Next() {
		m, err := scanMappingRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

const mappingCols = `chat_id, topic_id, topic_name, session_id, work_dir, streaming_enabled,
	status, created_at, updated_at, closed_at, creator_user_id, icon_color, icon_emoji_id`

func prefixedMappingCols(alias string) string {
	cols := strings.Split(strings.ReplaceAll(mappingCols, "\n", " "), ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

func (s *TopicStore) scanMapping(query string, args ...any) (*Mapping, error) {
	m, err := scanMappingRow(s.db.QueryRow(query, args...))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return m, err
}

func scanMappingRow(row rowScanner) (*Mapping, error) {
	var m Mapping
	var workDir, emojiID sql.NullString
	var streaming int
	var createdAt, updatedAt int64
	var closedAt, creator, iconColor sql.NullInt64

	err := row.Scan(&m.ChatID, &m.TopicID, &m.TopicName, &m.SessionID, &workDir, &streaming,
		&m.Status, &createdAt, &updatedAt, &closedAt, &creator, &iconColor, &emojiID)
	if err != nil {
		return nil, err
	}

	m.WorkDir = workDir.String
	m.StreamingEnabled = streaming != 0
	m.CreatedAt = time.UnixMilli(createdAt)
	m.UpdatedAt = time.UnixMilli(updatedAt)
	if closedAt.Valid {
		m.ClosedAt = time.UnixMilli(closedAt.Int64)
	}
	m.CreatorUserID = creator.Int64
	m.IconColor = int(iconColor.Int64)
	m.IconEmojiID = emojiID.String
	return &m, nil
}

func (s *TopicStore) touch(query string, arg any, chatID int64, topicID int) error {
	_, err := s.db.Exec(query, arg, time.Now().UnixMilli(), chatID, topicID)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullInt64(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}
