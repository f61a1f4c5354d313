package storage

// Session lifecycle states. Runtime state is never persisted, so a session
// is always idle after a process restart until it is resumed.
const (
	StatusIdle      = "idle"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// Turn kinds.
const (
	TurnUserPrompt = "user_prompt"
	TurnText       = "text"
	TurnToolUse    = "tool_use"
	TurnToolResult = "tool_result"
	TurnRunSummary = "run_summary"
)

// Session is one logical conversation and its workspace/model configuration.
type Session struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Status       string   `json:"status"`
	CWD          string   `json:"cwd,omitempty"`
	Model        string   `json:"model,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	ThreadID     string   `json:"thread_id,omitempty"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
	InputTokens  int64    `json:"input_tokens"`
	OutputTokens int64    `json:"output_tokens"`
	Pinned       bool     `json:"pinned"`
	CreatedAt    string   `json:"created_at"`
	UpdatedAt    string   `json:"updated_at"`
}

// Turn is one append-only unit of conversation history.
type Turn struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"`
	Content   string `json:"content,omitempty"`
	ToolName  string `json:"tool_name,omitempty"`
	ToolInput string `json:"tool_input,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
	CreatedAt string `json:"created_at"`
}

// TurnUpdate carries the fields ReplaceTurnAt may change.
type TurnUpdate struct {
	Content *string
	IsError *bool
}

// HistoryPage is one chronological slice of a session's turns.
type HistoryPage struct {
	Turns      []Turn
	NextCursor string
	HasMore    bool
}

// TodoItem statuses.
const (
	TodoPending    = "pending"
	TodoInProgress = "in_progress"
	TodoCompleted  = "completed"
	TodoCancelled  = "cancelled"
)

// TodoItem is a single task-list entry. The list persists as one JSON blob
// on the session row, replaced wholesale on every change.
type TodoItem struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// FileChange statuses.
const (
	FileChangePending   = "pending"
	FileChangeConfirmed = "confirmed"
)

// FileChange accumulates line counts for one workspace-relative path.
// Repeated touches to the same path sum into a single entry.
type FileChange struct {
	Path    string `json:"path"`
	Added   int    `json:"added"`
	Deleted int    `json:"deleted"`
	Status  string `json:"status"`
}

// CreateSessionParams are the inputs to Store.CreateSession. CWD, Model,
// Temperature, ThreadID and Prompt are optional.
type CreateSessionParams struct {
	Title        string
	CWD          string
	Model        string
	Temperature  *float64
	ThreadID     string
	AllowedTools []string
	Prompt       string
}
