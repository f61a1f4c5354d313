package storage

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound reports a missing session or turn.
var ErrNotFound = errors.New("not found")

// Store is the durable record of sessions, their turn history, todo lists
// and file-change ledgers. All failures are local-storage failures; the
// store performs no network calls.
type Store interface {
	// Sessions.
	CreateSession(params CreateSessionParams) (Session, error)
	Session(id string) (Session, error)
	ListSessions() ([]Session, error)
	DeleteSession(id string) error
	SetPinned(id string, pinned bool) error
	SetStatus(id, status string) error
	SetModel(id, model string) error
	SetTitle(id, title string) error
	// AddTokenUsage atomically increments the cumulative token counters.
	AddTokenUsage(id string, deltaIn, deltaOut int64) error

	// Turns. RecordTurn is an idempotent append: a turn whose ID already
	// exists is silently ignored. Ordering is by insertion time.
	RecordTurn(sessionID string, turn Turn) error
	// HistoryPage fetches up to limit turns older than beforeCreatedAt
	// (all newest turns when empty), returned oldest to newest.
	HistoryPage(sessionID string, limit int, beforeCreatedAt string) (HistoryPage, error)
	// TruncateAfter drops every turn after chronological index n.
	TruncateAfter(sessionID string, n int) error
	// ReplaceTurnAt updates the turn at chronological index n.
	ReplaceTurnAt(sessionID string, n int, upd TurnUpdate) error

	// Todo list, replaced wholesale.
	SaveTodos(sessionID string, items []TodoItem) error
	Todos(sessionID string) ([]TodoItem, error)

	// File-change ledger.
	AddFileChanges(sessionID string, changes []FileChange) error
	FileChanges(sessionID string) ([]FileChange, error)
	ConfirmFileChanges(sessionID string) error
	ClearFileChanges(sessionID string) error

	Close() error
}

// NewSessionID allocates a session identifier in the sess_<unix>_<hex> form.
func NewSessionID() string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("sess_%d_%s", time.Now().UTC().Unix(), hex.EncodeToString(buf))
}
