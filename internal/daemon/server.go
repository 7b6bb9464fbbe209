package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	merrors "github.com/Aman-CERP/mediasync/internal/errors"
)

// Handler serves the status socket methods.
type Handler interface {
	Status(ctx context.Context) (*StatusResult, error)
	ListTasks(ctx context.Context, p TasksListParams) ([]TaskSummary, error)
	Requeue(ctx context.Context, id string) error
	Search(ctx context.Context, p SearchParams) ([]SearchResult, error)
	// Reindex starts a background reindex, or reports the one in progress.
	Reindex(ctx context.Context, p ReindexParams) (*ReindexStatus, error)
}

// Server answers JSON-RPC requests on a Unix socket, one request per
// connection.
type Server struct {
	socketPath string
	handler    Handler
	timeout    time.Duration
	logger     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	shutdown bool
	wg       sync.WaitGroup
}

// NewServer creates a server for socketPath.
func NewServer(socketPath string, h Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		socketPath: socketPath,
		handler:    h,
		timeout:    30 * time.Second,
		logger:     logger.With(slog.String("component", "status_socket")),
	}
}

// ListenAndServe serves until ctx is cancelled, then waits for open
// connections and removes the socket.
func (s *Server) ListenAndServe(ctx context.Context) error {
	// a socket left by a crashed process blocks Listen
	_ = os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return merrors.New(merrors.ErrCodeConfigPermission, "listen on "+s.socketPath, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	defer func() {
		_ = listener.Close()
		_ = os.Remove(s.socketPath)
	}()

	s.logger.Info("status socket listening", slog.String("socket", s.socketPath))

	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		_ = listener.Close()
	})
	defer stop()

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			shutdown := s.shutdown
			s.mu.Unlock()
			if shutdown {
				break
			}
			s.logger.Error("accept failed", slog.String("error", err.Error()))
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.wg.Wait()
	return nil
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(s.timeout)); err != nil {
		s.logger.Warn("set connection deadline failed", slog.String("error", err.Error()))
	}

	encoder := json.NewEncoder(conn)
	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		_ = encoder.Encode(NewErrorResponse("", &Error{Code: ErrCodeParseError, Message: "failed to parse request"}))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_ = encoder.Encode(s.handleRequest(ctx, req))
}

func (s *Server) handleRequest(ctx context.Context, req Request) Response {
	if req.Method == MethodPing {
		return NewSuccessResponse(req.ID, PingResult{Pong: true})
	}
	if s.handler == nil {
		return NewErrorResponse(req.ID, &Error{Code: ErrCodeUnavailable, Message: "daemon is starting"})
	}

	switch req.Method {
	case MethodStatus:
		status, err := s.handler.Status(ctx)
		return reply(req.ID, status, err)

	case MethodTasksList:
		var p TasksListParams
		if resp, ok := decodeParams(req, &p, p.Validate); !ok {
			return resp
		}
		tasks, err := s.handler.ListTasks(ctx, p)
		if tasks == nil {
			tasks = []TaskSummary{}
		}
		return reply(req.ID, tasks, err)

	case MethodTasksRequeue:
		var p RequeueParams
		if resp, ok := decodeParams(req, &p, p.Validate); !ok {
			return resp
		}
		err := s.handler.Requeue(ctx, p.ID)
		return reply(req.ID, map[string]string{"id": p.ID, "state": "pending"}, err)

	case MethodSearch:
		var p SearchParams
		if resp, ok := decodeParams(req, &p, p.Validate); !ok {
			return resp
		}
		results, err := s.handler.Search(ctx, p)
		if results == nil {
			results = []SearchResult{}
		}
		return reply(req.ID, results, err)

	case MethodReindex:
		var p ReindexParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &p); err != nil {
				return NewErrorResponse(req.ID, &Error{Code: ErrCodeInvalidParams, Message: "failed to decode params"})
			}
		}
		status, err := s.handler.Reindex(ctx, p)
		return reply(req.ID, status, err)

	default:
		return NewErrorResponse(req.ID, &Error{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)})
	}
}

// decodeParams unmarshals req.Params into dst and validates it. validate is
// bound to dst by the caller.
func decodeParams(req Request, dst any, validate func() error) (Response, bool) {
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, dst); err != nil {
			return NewErrorResponse(req.ID, &Error{Code: ErrCodeInvalidParams, Message: "failed to decode params"}), false
		}
	}
	if err := validate(); err != nil {
		return NewErrorResponse(req.ID, &Error{Code: ErrCodeInvalidParams, Message: err.Error()}), false
	}
	return Response{}, true
}

func reply(id string, result any, err error) Response {
	if err == nil {
		return NewSuccessResponse(id, result)
	}
	return NewErrorResponse(id, toRPCError(err))
}

// toRPCError maps the error taxonomy onto JSON-RPC codes.
func toRPCError(err error) *Error {
	e := &Error{Code: ErrCodeInternalError, Message: err.Error()}
	me, ok := merrors.As(err)
	if !ok {
		return e
	}
	e.Message = me.Message
	e.Data = &ErrorData{ErrorCode: me.Code, Retryable: me.Retryable}
	switch {
	case merrors.IsNotFound(err):
		e.Code = ErrCodeNotFound
	case me.Category == merrors.CategoryValidation:
		e.Code = ErrCodeInvalidParams
	case me.Retryable:
		e.Code = ErrCodeUnavailable
	}
	return e
}

// Close stops accepting connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = true
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}
