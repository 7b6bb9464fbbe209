package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	merrors "github.com/Aman-CERP/mediasync/internal/errors"
)

type fakeHandler struct {
	mu        sync.Mutex
	requeued  []string
	listed    []TasksListParams
	statusErr error
	searchErr error
}

func (h *fakeHandler) Status(context.Context) (*StatusResult, error) {
	if h.statusErr != nil {
		return nil, h.statusErr
	}
	return &StatusResult{
		Running: true,
		PID:     os.Getpid(),
		Version: "test",
		Watcher: WatcherStatus{State: "running", Cursor: 7, Latest: 9, Lag: 2},
		Tasks:   map[string]int{"pending": 3},
		Records: map[string]int{"oas.Media": 12},
	}, nil
}

func (h *fakeHandler) ListTasks(_ context.Context, p TasksListParams) ([]TaskSummary, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listed = append(h.listed, p)
	if p.State == "done" {
		return nil, nil
	}
	return []TaskSummary{{ID: "t1", Task: "index.upsert", State: p.State, RecordID: "oas.Media/abc", Revision: 2}}, nil
}

func (h *fakeHandler) Requeue(_ context.Context, id string) error {
	if id == "missing" {
		return merrors.NotFoundError(id)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requeued = append(h.requeued, id)
	return nil
}

func (h *fakeHandler) Search(_ context.Context, p SearchParams) ([]SearchResult, error) {
	if h.searchErr != nil {
		return nil, h.searchErr
	}
	return []SearchResult{{ID: "oas.Media/abc", Score: 1.5, Title: p.Query}}, nil
}

func (h *fakeHandler) Reindex(_ context.Context, p ReindexParams) (*ReindexStatus, error) {
	for _, t := range p.Types {
		if t != "oas.Media" && t != "oas.Feed" {
			return nil, merrors.New(merrors.ErrCodeUnknownType, "unknown record type: "+t, nil)
		}
	}
	return &ReindexStatus{Status: "running", Stage: "enqueuing", RecordsTotal: 4}, nil
}

// shortSocketPath keeps the path under the Unix socket length limit.
func shortSocketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "msd")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "d.sock")
}

// startServer runs a server until the test ends.
func startServer(t *testing.T, h Handler) (*Server, string) {
	t.Helper()
	socketPath := shortSocketPath(t)
	srv := NewServer(socketPath, h, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()

	require.Eventually(t, func() bool {
		conn, err := net.Dial("unix", socketPath)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("server did not stop")
		}
	})
	return srv, socketPath
}

// rawCall sends one request without going through Client.
func rawCall(t *testing.T, socketPath string, req any) Response {
	t.Helper()
	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, json.NewEncoder(conn).Encode(req))
	var resp Response
	require.NoError(t, json.NewDecoder(conn).Decode(&resp))
	return resp
}

func TestServer_Ping(t *testing.T) {
	// Given: a server without a handler
	_, socketPath := startServer(t, nil)

	// When: pinging
	resp := rawCall(t, socketPath, Request{JSONRPC: "2.0", Method: MethodPing, ID: "1"})

	// Then: ping still answers
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `{"pong":true}`, string(resp.Result))
}

func TestServer_NoHandlerIsUnavailable(t *testing.T) {
	_, socketPath := startServer(t, nil)

	resp := rawCall(t, socketPath, Request{JSONRPC: "2.0", Method: MethodStatus, ID: "1"})

	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeUnavailable, resp.Error.Code)
}

func TestServer_MalformedRequest(t *testing.T) {
	_, socketPath := startServer(t, &fakeHandler{})

	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer conn.Close()

	_, err = fmt.Fprintln(conn, "{not json")
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.NewDecoder(conn).Decode(&resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeParseError, resp.Error.Code)
}

func TestServer_UnknownMethod(t *testing.T) {
	_, socketPath := startServer(t, &fakeHandler{})

	resp := rawCall(t, socketPath, Request{JSONRPC: "2.0", Method: "records.drop", ID: "9"})

	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeMethodNotFound, resp.Error.Code)
	assert.Equal(t, "9", resp.ID)
}

func TestServer_InvalidParams(t *testing.T) {
	tests := []struct {
		name   string
		method string
		params string
	}{
		{name: "requeue without id", method: MethodTasksRequeue, params: `{}`},
		{name: "search without query", method: MethodSearch, params: `{"limit":3}`},
		{name: "negative limit", method: MethodTasksList, params: `{"limit":-4}`},
		{name: "wrong param type", method: MethodSearch, params: `{"query":5}`},
	}

	_, socketPath := startServer(t, &fakeHandler{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := rawCall(t, socketPath, Request{JSONRPC: "2.0", Method: tt.method, Params: json.RawMessage(tt.params), ID: "1"})

			require.NotNil(t, resp.Error)
			assert.Equal(t, ErrCodeInvalidParams, resp.Error.Code)
		})
	}
}

func TestServer_RemovesStaleSocket(t *testing.T) {
	// Given: a leftover file at the socket path
	socketPath := shortSocketPath(t)
	require.NoError(t, os.WriteFile(socketPath, []byte("stale"), 0o600))

	srv := NewServer(socketPath, &fakeHandler{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()

	// Then: the server still comes up
	require.Eventually(t, func() bool {
		conn, err := net.Dial("unix", socketPath)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	// And: the socket is removed on shutdown
	_, err := os.Stat(socketPath)
	assert.True(t, os.IsNotExist(err))
}

func TestToRPCError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCode  int
		wantError string
		retryable bool
	}{
		{name: "not found", err: merrors.NotFoundError("x"), wantCode: ErrCodeNotFound, wantError: merrors.ErrCodeNotFound},
		{name: "validation", err: merrors.ValidationError("bad state", nil), wantCode: ErrCodeInvalidParams, wantError: merrors.ErrCodeInvalidInput},
		{name: "retryable", err: merrors.QueueError("broker down", nil), wantCode: ErrCodeUnavailable, wantError: merrors.ErrCodeQueueUnavailable, retryable: true},
		{name: "internal", err: merrors.InternalError("boom", nil), wantCode: ErrCodeInternalError, wantError: merrors.ErrCodeInternal},
		{name: "plain error", err: fmt.Errorf("boom"), wantCode: ErrCodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := toRPCError(tt.err)

			assert.Equal(t, tt.wantCode, got.Code)
			if tt.wantError == "" {
				assert.Nil(t, got.Data)
				return
			}
			require.NotNil(t, got.Data)
			assert.Equal(t, tt.wantError, got.Data.ErrorCode)
			assert.Equal(t, tt.retryable, got.Data.Retryable)
		})
	}
}
