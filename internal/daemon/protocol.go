package daemon

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// JSON-RPC 2.0 method names.
const (
	MethodPing         = "ping"
	MethodStatus       = "status"
	MethodTasksList    = "tasks.list"
	MethodTasksRequeue = "tasks.requeue"
	MethodSearch       = "search"
	MethodReindex      = "reindex"
)

// Standard JSON-RPC 2.0 error codes.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// Daemon-specific error codes.
const (
	ErrCodeNotFound    = -32004
	ErrCodeUnavailable = -32005
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      string          `json:"id"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      string          `json:"id"`
}

// Error is a JSON-RPC 2.0 error. It also serves as the client-side error.
type Error struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *ErrorData `json:"data,omitempty"`
}

// ErrorData carries the structured error behind an RPC failure.
type ErrorData struct {
	ErrorCode string `json:"error_code,omitempty"`
	Retryable bool   `json:"retryable"`
}

func (e *Error) Error() string {
	if e.Data != nil && e.Data.ErrorCode != "" {
		return fmt.Sprintf("rpc error %d: %s (%s)", e.Code, e.Message, e.Data.ErrorCode)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewSuccessResponse creates a successful response.
func NewSuccessResponse(id string, result any) Response {
	data, err := json.Marshal(result)
	if err != nil {
		return NewErrorResponse(id, &Error{Code: ErrCodeInternalError, Message: "encode result: " + err.Error()})
	}
	return Response{JSONRPC: "2.0", Result: data, ID: id}
}

// NewErrorResponse creates an error response.
func NewErrorResponse(id string, e *Error) Response {
	return Response{JSONRPC: "2.0", Error: e, ID: id}
}

// PingResult is the response to a ping.
type PingResult struct {
	Pong bool `json:"pong"`
}

// WatcherStatus describes the changes-feed watcher.
type WatcherStatus struct {
	State      string `json:"state"`
	Cursor     int64  `json:"cursor"`
	Latest     int64  `json:"latest"`
	Lag        int64  `json:"lag"`
	Dispatched int64  `json:"dispatched"`
}

// FeedStatus is the last fetch outcome of one feed.
type FeedStatus struct {
	URL           string    `json:"url"`
	LastStatus    int       `json:"last_status"`
	LastError     string    `json:"last_error,omitempty"`
	LastFetchedAt time.Time `json:"last_fetched_at"`
}

// StatusResult is the daemon status.
type StatusResult struct {
	Running  bool             `json:"running"`
	PID      int              `json:"pid"`
	Version  string           `json:"version"`
	Uptime   string           `json:"uptime"`
	Watcher  WatcherStatus    `json:"watcher"`
	Tasks    map[string]int   `json:"tasks"`
	Records  map[string]int   `json:"records"`
	Engine   string           `json:"engine"`
	Breaker  string           `json:"breaker"`
	Feeds    []FeedStatus     `json:"feeds,omitempty"`
	Counters map[string]int64 `json:"counters,omitempty"`
	Reindex  *ReindexStatus   `json:"reindex,omitempty"`
}

// TasksListParams filters tasks.list.
type TasksListParams struct {
	Queue string `json:"queue,omitempty"`
	State string `json:"state,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// Validate normalizes the limit.
func (p *TasksListParams) Validate() error {
	if p.Limit < 0 {
		return fmt.Errorf("limit must not be negative")
	}
	if p.Limit == 0 {
		p.Limit = 50
	}
	return nil
}

// TaskSummary is one row of tasks.list.
type TaskSummary struct {
	ID          string    `json:"id"`
	Task        string    `json:"task"`
	Queue       string    `json:"queue"`
	State       string    `json:"state"`
	RecordID    string    `json:"record_id"`
	Revision    int64     `json:"revision"`
	Attempt     int       `json:"attempt"`
	MaxAttempts int       `json:"max_attempts,omitempty"`
	ETA         time.Time `json:"eta"`
	LastError   string    `json:"last_error,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RequeueParams names the task to requeue.
type RequeueParams struct {
	ID string `json:"id"`
}

// Validate checks that an id is present.
func (p *RequeueParams) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	return nil
}

// SearchParams are the parameters for search.
type SearchParams struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// Validate checks the query and defaults the limit.
func (p *SearchParams) Validate() error {
	if p.Query == "" {
		return fmt.Errorf("query is required")
	}
	if p.Limit <= 0 {
		p.Limit = 10
	}
	return nil
}

// SearchResult is one search hit with its stored document fields.
type SearchResult struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
	Type  string  `json:"type,omitempty"`
	Title string  `json:"title,omitempty"`
	URL   string  `json:"url,omitempty"`
}

// ReindexParams limits a reindex to some record types. Empty means all.
type ReindexParams struct {
	Types []string `json:"types,omitempty"`
}

// ReindexStatus is the progress of the current or last reindex.
type ReindexStatus struct {
	Status         string  `json:"status"`
	Stage          string  `json:"stage"`
	RecordsTotal   int     `json:"records_total"`
	RecordsScanned int     `json:"records_scanned"`
	TasksEnqueued  int     `json:"tasks_enqueued"`
	ProgressPct    float64 `json:"progress_pct"`
	ElapsedSeconds int     `json:"elapsed_seconds"`
	Error          string  `json:"error,omitempty"`
}
