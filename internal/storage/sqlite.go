package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// SQLiteStore 基于 SQLite (WAL 模式) 的持久化实现
// SQLiteStore implements Store using SQLite with WAL mode.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore 创建并初始化 SQLite 数据库
// NewSQLiteStore creates and initializes a SQLite database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, fmt.Errorf("sqlite db path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// 启用 WAL 模式和优化 PRAGMA / WAL mode and performance PRAGMAs
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	store := &SQLiteStore{db: db, path: dbPath}
	if err := store.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id            TEXT PRIMARY KEY,
		title         TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL DEFAULT 'idle',
		cwd           TEXT NOT NULL DEFAULT '',
		model         TEXT NOT NULL DEFAULT '',
		temperature   REAL,
		thread_id     TEXT NOT NULL DEFAULT '',
		allowed_tools TEXT NOT NULL DEFAULT '[]',
		input_tokens  INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		pinned        INTEGER NOT NULL DEFAULT 0,
		todos         TEXT NOT NULL DEFAULT '[]',
		file_changes  TEXT NOT NULL DEFAULT '[]',
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS turns (
		rowid      INTEGER PRIMARY KEY AUTOINCREMENT,
		id         TEXT NOT NULL UNIQUE,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		kind       TEXT NOT NULL,
		content    TEXT NOT NULL DEFAULT '',
		tool_name  TEXT NOT NULL DEFAULT '',
		tool_input TEXT NOT NULL DEFAULT '',
		call_id    TEXT NOT NULL DEFAULT '',
		is_error   INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// --- Session operations ---

func (s *SQLiteStore) CreateSession(params CreateSessionParams) (Session, error) {
	now := nowUTC()
	sess := Session{
		ID:           NewSessionID(),
		Title:        strings.TrimSpace(params.Title),
		Status:       StatusIdle,
		CWD:          strings.TrimSpace(params.CWD),
		Model:        strings.TrimSpace(params.Model),
		Temperature:  params.Temperature,
		ThreadID:     strings.TrimSpace(params.ThreadID),
		AllowedTools: append([]string(nil), params.AllowedTools...),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	allowedJSON, err := json.Marshal(sess.AllowedTools)
	if err != nil {
		return Session{}, fmt.Errorf("marshal allowed tools: %w", err)
	}
	if sess.AllowedTools == nil {
		allowedJSON = []byte("[]")
	}
	_, err = s.db.Exec(`
		INSERT INTO sessions (id, title, status, cwd, model, temperature, thread_id, allowed_tools, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Title, sess.Status, sess.CWD, sess.Model,
		nullFloat(sess.Temperature), sess.ThreadID, string(allowedJSON),
		sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}
	if prompt := strings.TrimSpace(params.Prompt); prompt != "" {
		turn := Turn{Kind: TurnUserPrompt, Content: prompt}
		if err := s.RecordTurn(sess.ID, turn); err != nil {
			return Session{}, err
		}
	}
	return sess, nil
}

const sessionColumns = `id, title, status, cwd, model, temperature, thread_id, allowed_tools,
	input_tokens, output_tokens, pinned, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (Session, error) {
	var sess Session
	var temperature sql.NullFloat64
	var allowedJSON string
	var pinned int
	err := row.Scan(&sess.ID, &sess.Title, &sess.Status, &sess.CWD, &sess.Model,
		&temperature, &sess.ThreadID, &allowedJSON,
		&sess.InputTokens, &sess.OutputTokens, &pinned, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return Session{}, err
	}
	if temperature.Valid {
		v := temperature.Float64
		sess.Temperature = &v
	}
	sess.Pinned = pinned != 0
	if allowedJSON != "" && allowedJSON != "[]" {
		_ = json.Unmarshal([]byte(allowedJSON), &sess.AllowedTools)
	}
	return sess, nil
}

func (s *SQLiteStore) Session(id string) (Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Session{}, fmt.Errorf("session id is empty")
	}
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id=?`, id)
	sess, err := scanSession(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) ListSessions() ([]Session, error) {
	rows, err := s.db.Query(`SELECT ` + sessionColumns + ` FROM sessions ORDER BY pinned DESC, updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			continue
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) DeleteSession(id string) error {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) SetPinned(id string, pinned bool) error {
	return s.updateSessionField(id, "pinned", boolToInt(pinned))
}

func (s *SQLiteStore) SetStatus(id, status string) error {
	switch status {
	case StatusIdle, StatusRunning, StatusCompleted, StatusError:
	default:
		return fmt.Errorf("invalid session status %q", status)
	}
	return s.updateSessionField(id, "status", status)
}

func (s *SQLiteStore) SetModel(id, model string) error {
	return s.updateSessionField(id, "model", strings.TrimSpace(model))
}

func (s *SQLiteStore) SetTitle(id, title string) error {
	return s.updateSessionField(id, "title", strings.TrimSpace(title))
}

func (s *SQLiteStore) updateSessionField(id, column string, value any) error {
	res, err := s.db.Exec(
		`UPDATE sessions SET `+column+`=?, updated_at=? WHERE id=?`,
		value, nowUTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update session %s: %w", column, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// AddTokenUsage increments the cumulative counters in a single UPDATE so
// concurrent turns cannot lose updates.
func (s *SQLiteStore) AddTokenUsage(id string, deltaIn, deltaOut int64) error {
	res, err := s.db.Exec(`
		UPDATE sessions
		SET input_tokens = input_tokens + ?, output_tokens = output_tokens + ?, updated_at = ?
		WHERE id = ?`,
		deltaIn, deltaOut, nowUTC(), id,
	)
	if err != nil {
		return fmt.Errorf("add token usage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Turn operations ---

func (s *SQLiteStore) RecordTurn(sessionID string, turn Turn) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return fmt.Errorf("session id is empty")
	}
	if strings.TrimSpace(turn.ID) == "" {
		turn.ID = uuid.NewString()
	}
	if strings.TrimSpace(turn.CreatedAt) == "" {
		turn.CreatedAt = nowUTC()
	}
	// INSERT OR IGNORE makes the append idempotent under duplicate delivery.
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO turns (id, session_id, kind, content, tool_name, tool_input, call_id, is_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		turn.ID, sessionID, turn.Kind, turn.Content, turn.ToolName,
		turn.ToolInput, turn.CallID, boolToInt(turn.IsError), turn.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	if _, err := s.db.Exec(`UPDATE sessions SET updated_at=? WHERE id=?`, nowUTC(), sessionID); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

const turnColumns = `id, session_id, kind, content, tool_name, tool_input, call_id, is_error, created_at`

func (s *SQLiteStore) HistoryPage(sessionID string, limit int, beforeCreatedAt string) (HistoryPage, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + turnColumns + ` FROM turns WHERE session_id=?`
	args := []any{sessionID}
	if strings.TrimSpace(beforeCreatedAt) != "" {
		query += ` AND created_at < ?`
		args = append(args, beforeCreatedAt)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return HistoryPage{}, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var reversed []Turn
	for rows.Next() {
		var turn Turn
		var isError int
		if err := rows.Scan(&turn.ID, &turn.SessionID, &turn.Kind, &turn.Content,
			&turn.ToolName, &turn.ToolInput, &turn.CallID, &isError, &turn.CreatedAt); err != nil {
			return HistoryPage{}, fmt.Errorf("scan turn: %w", err)
		}
		turn.IsError = isError != 0
		reversed = append(reversed, turn)
	}
	if err := rows.Err(); err != nil {
		return HistoryPage{}, fmt.Errorf("iterate turns: %w", err)
	}

	// Reverse back into chronological order.
	page := HistoryPage{Turns: make([]Turn, 0, len(reversed))}
	for i := len(reversed) - 1; i >= 0; i-- {
		page.Turns = append(page.Turns, reversed[i])
	}
	if len(page.Turns) == 0 {
		return page, nil
	}

	oldest := page.Turns[0].CreatedAt
	page.NextCursor = oldest
	var n int
	err = s.db.QueryRow(
		`SELECT COUNT(1) FROM turns WHERE session_id=? AND created_at < ?`,
		sessionID, oldest,
	).Scan(&n)
	if err != nil {
		return HistoryPage{}, fmt.Errorf("check older turns: %w", err)
	}
	page.HasMore = n > 0
	return page, nil
}

// turnRowidAt returns the storage rowid of the turn at chronological index n.
func (s *SQLiteStore) turnRowidAt(sessionID string, n int) (int64, error) {
	if n < 0 {
		return 0, fmt.Errorf("turn index %d out of range", n)
	}
	var rowid int64
	err := s.db.QueryRow(`
		SELECT rowid FROM turns WHERE session_id=?
		ORDER BY created_at ASC, rowid ASC LIMIT 1 OFFSET ?`,
		sessionID, n,
	).Scan(&rowid)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, fmt.Errorf("turn index %d: %w", n, ErrNotFound)
		}
		return 0, fmt.Errorf("locate turn: %w", err)
	}
	return rowid, nil
}

func (s *SQLiteStore) TruncateAfter(sessionID string, n int) error {
	rowid, err := s.turnRowidAt(sessionID, n)
	if err != nil {
		return err
	}
	anchor := struct {
		createdAt string
		rowid     int64
	}{}
	err = s.db.QueryRow(`SELECT created_at, rowid FROM turns WHERE rowid=?`, rowid).
		Scan(&anchor.createdAt, &anchor.rowid)
	if err != nil {
		return fmt.Errorf("load anchor turn: %w", err)
	}
	_, err = s.db.Exec(`
		DELETE FROM turns WHERE session_id=?
		AND (created_at > ? OR (created_at = ? AND rowid > ?))`,
		sessionID, anchor.createdAt, anchor.createdAt, anchor.rowid,
	)
	if err != nil {
		return fmt.Errorf("truncate turns: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ReplaceTurnAt(sessionID string, n int, upd TurnUpdate) error {
	rowid, err := s.turnRowidAt(sessionID, n)
	if err != nil {
		return err
	}
	sets := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if upd.Content != nil {
		sets = append(sets, "content=?")
		args = append(args, *upd.Content)
	}
	if upd.IsError != nil {
		sets = append(sets, "is_error=?")
		args = append(args, boolToInt(*upd.IsError))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, rowid)
	_, err = s.db.Exec(`UPDATE turns SET `+strings.Join(sets, ", ")+` WHERE rowid=?`, args...)
	if err != nil {
		return fmt.Errorf("replace turn: %w", err)
	}
	return nil
}

// --- Todo and file-change blobs ---

func (s *SQLiteStore) SaveTodos(sessionID string, items []TodoItem) error {
	if items == nil {
		items = []TodoItem{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("marshal todos: %w", err)
	}
	return s.updateSessionField(sessionID, "todos", string(data))
}

func (s *SQLiteStore) Todos(sessionID string) ([]TodoItem, error) {
	var blob string
	err := s.db.QueryRow(`SELECT todos FROM sessions WHERE id=?`, sessionID).Scan(&blob)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}
		return nil, fmt.Errorf("load todos: %w", err)
	}
	var items []TodoItem
	if err := json.Unmarshal([]byte(blob), &items); err != nil {
		return nil, fmt.Errorf("parse todos: %w", err)
	}
	return items, nil
}

func (s *SQLiteStore) AddFileChanges(sessionID string, changes []FileChange) error {
	if len(changes) == 0 {
		return nil
	}
	existing, err := s.FileChanges(sessionID)
	if err != nil {
		return err
	}
	byPath := make(map[string]int, len(existing))
	for i, change := range existing {
		byPath[change.Path] = i
	}
	for _, change := range changes {
		path := strings.TrimSpace(change.Path)
		if path == "" {
			continue
		}
		if i, ok := byPath[path]; ok {
			existing[i].Added += change.Added
			existing[i].Deleted += change.Deleted
			continue
		}
		status := change.Status
		if status == "" {
			status = FileChangePending
		}
		existing = append(existing, FileChange{
			Path:    path,
			Added:   change.Added,
			Deleted: change.Deleted,
			Status:  status,
		})
		byPath[path] = len(existing) - 1
	}
	return s.saveFileChanges(sessionID, existing)
}

func (s *SQLiteStore) FileChanges(sessionID string) ([]FileChange, error) {
	var blob string
	err := s.db.QueryRow(`SELECT file_changes FROM sessions WHERE id=?`, sessionID).Scan(&blob)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}
		return nil, fmt.Errorf("load file changes: %w", err)
	}
	var changes []FileChange
	if err := json.Unmarshal([]byte(blob), &changes); err != nil {
		return nil, fmt.Errorf("parse file changes: %w", err)
	}
	return changes, nil
}

// ConfirmFileChanges marks every ledger entry confirmed; confirmed entries
// can no longer be rolled back.
func (s *SQLiteStore) ConfirmFileChanges(sessionID string) error {
	changes, err := s.FileChanges(sessionID)
	if err != nil {
		return err
	}
	for i := range changes {
		changes[i].Status = FileChangeConfirmed
	}
	return s.saveFileChanges(sessionID, changes)
}

func (s *SQLiteStore) ClearFileChanges(sessionID string) error {
	return s.saveFileChanges(sessionID, []FileChange{})
}

func (s *SQLiteStore) saveFileChanges(sessionID string, changes []FileChange) error {
	if changes == nil {
		changes = []FileChange{}
	}
	data, err := json.Marshal(changes)
	if err != nil {
		return fmt.Errorf("marshal file changes: %w", err)
	}
	return s.updateSessionField(sessionID, "file_changes", string(data))
}

// --- Helpers ---

// timeLayout is RFC3339 with fixed-width nanoseconds. RFC3339Nano drops
// trailing zeros, which breaks lexicographic ordering of the cursor column.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func nowUTC() string {
	return time.Now().UTC().Format(timeLayout)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
