// Package store provides the SQLite-backed durable store for sessions,
// pending requests, and daemon configuration.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("store: not found")

// ErrAlreadyExists is returned by InsertPending when the request_id is a
// replay of one already recorded — insertion is expected to be idempotent.
var ErrAlreadyExists = errors.New("store: already exists")

// SessionStatus enumerates the lifecycle states of a Session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

// PendingKind enumerates the kinds of pending request.
type PendingKind string

const (
	KindPermission PendingKind = "permission"
	KindQuestion   PendingKind = "question"
	KindFailure    PendingKind = "failure"
	KindCompleted  PendingKind = "completed"
	KindStop       PendingKind = "stop"
)

// PendingState enumerates the one-way lifecycle of a PendingRequest.
type PendingState string

const (
	StateWaiting  PendingState = "waiting"
	StateApproved PendingState = "approved"
	StateDenied   PendingState = "denied"
	StateAnswered PendingState = "answered"
	StateTimedOut PendingState = "timed_out"
	// StateExpired applies only to kind=question when question_ttl_seconds > 0.
	StateExpired PendingState = "expired"
)

// Session is a supervised terminal-session record.
type Session struct {
	ID          string
	Name        string
	WorkDir     string
	TmuxSession string
	TmuxPane    string
	ChatID      string
	Status      SessionStatus
	CreatedAt   time.Time
	LastSeenAt  time.Time
}

// PendingRequest is an in-flight or resolved hook event awaiting resolution.
type PendingRequest struct {
	ID              string
	SessionID       string
	Kind            PendingKind
	HookEventName   string
	ToolName        string
	ToolInputJSON   string // redacted JSON, empty if not applicable
	ContextSnippet  string // redacted pane/context snippet
	ChatMessageID   string
	State           PendingState
	ResponsePayload string // JSON, set once a terminal state is reached
	CreatedAt       time.Time
	ExpiresAt       sql.NullTime
}

// Store is the transactional store backing the broker's durable state.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens a WAL-mode SQLite database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("applying store migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}
	return nil
}

func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			work_dir TEXT NOT NULL DEFAULT '',
			tmux_session TEXT NOT NULL DEFAULT '',
			tmux_pane TEXT NOT NULL DEFAULT '',
			chat_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			created_at TEXT NOT NULL,
			last_seen_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS pending_requests (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			hook_event_name TEXT NOT NULL DEFAULT '',
			tool_name TEXT NOT NULL DEFAULT '',
			tool_input_json TEXT NOT NULL DEFAULT '',
			context_snippet TEXT NOT NULL DEFAULT '',
			chat_message_id TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT 'waiting',
			response_payload TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			expires_at TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_pending_session ON pending_requests(session_id);
		CREATE INDEX IF NOT EXISTS idx_pending_state ON pending_requests(state);
		CREATE INDEX IF NOT EXISTS idx_pending_chat_message ON pending_requests(chat_message_id);

		CREATE TABLE IF NOT EXISTS config_kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	return err
}

const timeFormat = time.RFC3339Nano

// UpsertSession creates a session or refreshes last_seen_at if it already exists.
func (s *Store) UpsertSession(id, name, workDir, tmuxSession, tmuxPane, chatID string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()

	var existing Session
	err := s.db.QueryRow(
		"SELECT id, name, work_dir, tmux_session, tmux_pane, chat_id, status, created_at, last_seen_at FROM sessions WHERE id = ?",
		id,
	).Scan(&existing.ID, &existing.Name, &existing.WorkDir, &existing.TmuxSession, &existing.TmuxPane,
		&existing.ChatID, &existing.Status, &existing.CreatedAt, &existing.LastSeenAt)

	switch {
	case err == nil:
		if _, err := s.db.Exec("UPDATE sessions SET last_seen_at = ? WHERE id = ?", now.Format(timeFormat), id); err != nil {
			return Session{}, fmt.Errorf("refresh session: %w", err)
		}
		existing.LastSeenAt = now
		return existing, nil
	case errors.Is(err, sql.ErrNoRows):
		sess := Session{
			ID: id, Name: name, WorkDir: workDir, TmuxSession: tmuxSession, TmuxPane: tmuxPane,
			ChatID: chatID, Status: SessionActive, CreatedAt: now, LastSeenAt: now,
		}
		_, err := s.db.Exec(
			`INSERT INTO sessions (id, name, work_dir, tmux_session, tmux_pane, chat_id, status, created_at, last_seen_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, sess.Name, sess.WorkDir, sess.TmuxSession, sess.TmuxPane, sess.ChatID,
			string(sess.Status), sess.CreatedAt.Format(timeFormat), sess.LastSeenAt.Format(timeFormat),
		)
		if err != nil {
			return Session{}, fmt.Errorf("insert session: %w", err)
		}
		return sess, nil
	default:
		return Session{}, fmt.Errorf("lookup session: %w", err)
	}
}

// EndSession marks a session ended. It never deletes the row.
func (s *Store) EndSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("UPDATE sessions SET status = ? WHERE id = ?", string(SessionEnded), id)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSession fetches a single session by ID.
func (s *Store) GetSession(id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanSessionRow(s.db.QueryRow(
		"SELECT id, name, work_dir, tmux_session, tmux_pane, chat_id, status, created_at, last_seen_at FROM sessions WHERE id = ?", id))
}

func (s *Store) scanSessionRow(row *sql.Row) (Session, error) {
	var sess Session
	var created, lastSeen string
	err := row.Scan(&sess.ID, &sess.Name, &sess.WorkDir, &sess.TmuxSession, &sess.TmuxPane,
		&sess.ChatID, &sess.Status, &created, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("scan session: %w", err)
	}
	sess.CreatedAt, _ = time.Parse(timeFormat, created)
	sess.LastSeenAt, _ = time.Parse(timeFormat, lastSeen)
	return sess, nil
}

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	// Since, if non-zero, restricts to sessions whose last_seen_at is at or
	// after this time (applies to ended sessions — active sessions are
	// always included). A zero value means "active sessions only."
	Since time.Time
	// IncludeAllEnded, if true, ignores Since and returns every ended session.
	IncludeAllEnded bool
}

// ListSessions returns sessions matching filter, most recently seen first.
func (s *Store) ListSessions(filter SessionFilter) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows *sql.Rows
	var err error
	switch {
	case filter.IncludeAllEnded:
		rows, err = s.db.Query(
			"SELECT id, name, work_dir, tmux_session, tmux_pane, chat_id, status, created_at, last_seen_at FROM sessions ORDER BY last_seen_at DESC")
	case !filter.Since.IsZero():
		rows, err = s.db.Query(
			`SELECT id, name, work_dir, tmux_session, tmux_pane, chat_id, status, created_at, last_seen_at FROM sessions
			 WHERE status = ? OR last_seen_at >= ? ORDER BY last_seen_at DESC`,
			string(SessionActive), filter.Since.UTC().Format(timeFormat))
	default:
		rows, err = s.db.Query(
			"SELECT id, name, work_dir, tmux_session, tmux_pane, chat_id, status, created_at, last_seen_at FROM sessions WHERE status = ? ORDER BY last_seen_at DESC",
			string(SessionActive))
	}
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var created, lastSeen string
		if err := rows.Scan(&sess.ID, &sess.Name, &sess.WorkDir, &sess.TmuxSession, &sess.TmuxPane,
			&sess.ChatID, &sess.Status, &created, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.CreatedAt, _ = time.Parse(timeFormat, created)
		sess.LastSeenAt, _ = time.Parse(timeFormat, lastSeen)
		out = append(out, sess)
	}
	return out, rows.Err()
}

// GetSessionByChatMessage finds the session owning the pending request whose
// chat_message_id matches messageID — used for reply routing.
func (s *Store) GetSessionByChatMessage(messageID string) (Session, PendingRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pr, err := s.scanPendingRow(s.db.QueryRow(pendingSelectCols+" WHERE chat_message_id = ? ORDER BY created_at DESC LIMIT 1", messageID))
	if err != nil {
		return Session{}, PendingRequest{}, err
	}
	sess, err := s.scanSessionRow(s.db.QueryRow(
		"SELECT id, name, work_dir, tmux_session, tmux_pane, chat_id, status, created_at, last_seen_at FROM sessions WHERE id = ?", pr.SessionID))
	if err != nil {
		return Session{}, PendingRequest{}, err
	}
	return sess, pr, nil
}

const pendingSelectCols = `SELECT id, session_id, kind, hook_event_name, tool_name, tool_input_json,
	context_snippet, chat_message_id, state, response_payload, created_at, expires_at FROM pending_requests`

func (s *Store) scanPendingRow(row *sql.Row) (PendingRequest, error) {
	var pr PendingRequest
	var created string
	var expires sql.NullString
	err := row.Scan(&pr.ID, &pr.SessionID, &pr.Kind, &pr.HookEventName, &pr.ToolName, &pr.ToolInputJSON,
		&pr.ContextSnippet, &pr.ChatMessageID, &pr.State, &pr.ResponsePayload, &created, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return PendingRequest{}, ErrNotFound
	}
	if err != nil {
		return PendingRequest{}, fmt.Errorf("scan pending request: %w", err)
	}
	pr.CreatedAt, _ = time.Parse(timeFormat, created)
	if expires.Valid {
		t, _ := time.Parse(timeFormat, expires.String)
		pr.ExpiresAt = sql.NullTime{Time: t, Valid: true}
	}
	return pr, nil
}

// InsertPending inserts a new pending request. It fails with ErrAlreadyExists
// if request_id has already been recorded, making hook-handler replay safe.
func (s *Store) InsertPending(req PendingRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	if req.State == "" {
		req.State = StateWaiting
	}

	var expires any
	if req.ExpiresAt.Valid {
		expires = req.ExpiresAt.Time.UTC().Format(timeFormat)
	}

	_, err := s.db.Exec(
		`INSERT INTO pending_requests (id, session_id, kind, hook_event_name, tool_name, tool_input_json,
			context_snippet, chat_message_id, state, response_payload, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.SessionID, string(req.Kind), req.HookEventName, req.ToolName, req.ToolInputJSON,
		req.ContextSnippet, req.ChatMessageID, string(req.State), req.ResponsePayload,
		req.CreatedAt.Format(timeFormat), expires,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert pending request: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite surfaces "UNIQUE constraint failed" in the error text;
	// there is no typed sentinel exported for it.
	return err != nil && containsUniqueText(err.Error())
}

func containsUniqueText(s string) bool {
	const needle = "UNIQUE constraint failed"
	for i := 0; i+len(needle) <= len(s); i++ {
		if s[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

// SetChatMessageID persists the chat message ID used for edit-in-place.
func (s *Store) SetChatMessageID(requestID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("UPDATE pending_requests SET chat_message_id = ? WHERE id = ?", messageID, requestID)
	if err != nil {
		return fmt.Errorf("set chat message id: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetPending fetches a single pending request by ID.
func (s *Store) GetPending(requestID string) (PendingRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanPendingRow(s.db.QueryRow(pendingSelectCols+" WHERE id = ?", requestID))
}

// TransitionPending performs the sole conditional state-update mechanism:
// WHERE state = fromState. It returns (true, nil) if the row was updated,
// (false, nil) if no row matched fromState (already resolved — a no-op the
// router treats as "ignore"), and a non-nil error only on a real storage
// failure.
func (s *Store) TransitionPending(requestID string, fromState, toState PendingState, responsePayload string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE pending_requests SET state = ?, response_payload = ? WHERE id = ? AND state = ?",
		string(toState), responsePayload, requestID, string(fromState),
	)
	if err != nil {
		return false, fmt.Errorf("transition pending request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// LoadWaitingOnStartup returns every PendingRequest whose state is still
// waiting, for fail-safe recovery.
func (s *Store) LoadWaitingOnStartup() ([]PendingRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(pendingSelectCols+" WHERE state = ?", string(StateWaiting))
	if err != nil {
		return nil, fmt.Errorf("load waiting pending requests: %w", err)
	}
	defer rows.Close()

	var out []PendingRequest
	for rows.Next() {
		var pr PendingRequest
		var created string
		var expires sql.NullString
		if err := rows.Scan(&pr.ID, &pr.SessionID, &pr.Kind, &pr.HookEventName, &pr.ToolName, &pr.ToolInputJSON,
			&pr.ContextSnippet, &pr.ChatMessageID, &pr.State, &pr.ResponsePayload, &created, &expires); err != nil {
			return nil, fmt.Errorf("scan pending request: %w", err)
		}
		pr.CreatedAt, _ = time.Parse(timeFormat, created)
		if expires.Valid {
			t, _ := time.Parse(timeFormat, expires.String)
			pr.ExpiresAt = sql.NullTime{Time: t, Valid: true}
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

// GetConfigValue reads a single config_kv value.
func (s *Store) GetConfigValue(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRow("SELECT value FROM config_kv WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get config value: %w", err)
	}
	return value, nil
}

// SetConfigValue upserts a single config_kv value.
func (s *Store) SetConfigValue(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("INSERT INTO config_kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value", key, value)
	if err != nil {
		return fmt.Errorf("set config value: %w", err)
	}
	return nil
}
