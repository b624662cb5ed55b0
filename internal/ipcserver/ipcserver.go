// Package ipcserver accepts framed-JSON connections from hook-handler
// processes over a filesystem-namespaced Unix stream socket. Each
// connection carries exactly one request and, for blocking kinds,
// receives exactly one response before it closes.
package ipcserver

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/raphaeltm/codelatch/internal/hookwire"
)

// MaxFrameSize bounds a single request frame.
const MaxFrameSize = 1 << 20

// Router is the subset of *router.Router the server depends on. A
// blocking request does not return until Submit resolves (operator
// action, timeout firing, or ctx cancellation — the latter meaning the
// connection closed before resolution).
type Router interface {
	Submit(ctx context.Context, req hookwire.Request) (*hookwire.Response, error)
}

// Config configures the Server.
type Config struct {
	SocketPath string
	// MaxInFlight bounds concurrent connections actually being processed.
	// Additional connections are accepted (so the OS backlog doesn't
	// refuse them outright) but block waiting for a slot — backpressure at
	// accept time, letting a hook handler storm cause handlers to time out
	// themselves rather than growing the daemon's memory without bound.
	MaxInFlight int
	// RequestTimeout is the hard ceiling on a blocking request's wait,
	// independent of the router's own auto-deny deadline — a backstop in
	// case a request never reaches a pending row at all. Zero disables
	// it and leaves the router's own deadline as the only bound.
	RequestTimeout time.Duration
}

// Server is the IPC server.
type Server struct {
	cfg      Config
	router   Router
	log      *slog.Logger
	listener net.Listener
	sem      chan struct{}

	wg sync.WaitGroup
}

// New creates a Server bound to cfg.SocketPath. It removes a stale
// socket file left by an unclean prior shutdown before listening — the
// lifecycle supervisor's advisory lock is what actually guarantees no
// other daemon instance is live, so this is safe.
func New(cfg Config, router Router, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 64
	}

	if _, err := os.Stat(cfg.SocketPath); err == nil {
		if rmErr := os.Remove(cfg.SocketPath); rmErr != nil {
			return nil, fmt.Errorf("ipcserver: remove stale socket: %w", rmErr)
		}
	}

	ln, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("ipcserver: listen %s: %w", cfg.SocketPath, err)
	}
	if err := os.Chmod(cfg.SocketPath, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("ipcserver: restrict socket permissions: %w", err)
	}

	return &Server{
		cfg:      cfg,
		router:   router,
		log:      log,
		listener: ln,
		sem:      make(chan struct{}, cfg.MaxInFlight),
	}, nil
}

// Serve accepts connections until ctx is cancelled or Close is called.
// It blocks; callers run it in its own goroutine.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Temporary() {
				continue
			}
			return fmt.Errorf("ipcserver: accept: %w", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Close stops accepting new connections, waits up to grace for in-flight
// connections to finish, and removes the socket file.
func (s *Server) Close(grace time.Duration) error {
	s.listener.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		s.log.Warn("ipcserver: grace period elapsed with connections still in flight")
	}

	return os.Remove(s.cfg.SocketPath)
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	// connID correlates this connection's log lines; it has no durable
	// meaning and is never persisted, unlike the ULID request/session IDs
	// the store tracks.
	connID := uuid.NewString()
	log := s.log.With("conn_id", connID)

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return
	}

	req, err := readFrame(conn)
	if err != nil {
		log.Debug("ipcserver: read frame failed", "error", err)
		writeErrorResponse(conn, "", "PermissionRequest", fmt.Sprintf("malformed request: %v", err))
		return
	}

	if req.Version != hookwire.Version {
		writeErrorResponse(conn, req.RequestID, req.HookEventName, "unsupported envelope version")
		return
	}
	if !hookwire.IsKnownEvent(req.HookEventName) {
		writeErrorResponse(conn, req.RequestID, req.HookEventName, "unknown hook_event_name")
		return
	}

	if !req.Blocking {
		resp, err := s.router.Submit(ctx, req)
		ack := hookwire.Ack{Version: hookwire.Version, RequestID: req.RequestID, Accepted: err == nil}
		if err != nil {
			ack.Error = err.Error()
		} else if resp != nil {
			// A non-blocking request that the router rejected outright
			// (protocol error before dispatch) still carries a response
			// envelope; surface its message on the ack instead of the
			// full decision shape the hook handler won't read for a
			// non-blocking kind.
			ack.Accepted = false
			ack.Error = resp.HookOutput.HookSpecificOutput.Decision.Message
		}
		writeFrame(conn, ack)
		return
	}

	// A blocking request holds the connection open until the router
	// resolves it. If the peer (the hook handler) hangs up early, a
	// background reader sees EOF and cancels connCtx so Submit can drop
	// its waiter — the pending row itself stays waiting to be resolved
	// later, the handler just never learns the answer.
	var connCtx context.Context
	var cancel context.CancelFunc
	if s.cfg.RequestTimeout > 0 {
		connCtx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
	} else {
		connCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	go func() {
		var probe [1]byte
		_, _ = conn.Read(probe[:])
		cancel()
	}()

	resp, err := s.router.Submit(connCtx, req)
	if err != nil {
		log.Debug("ipcserver: blocking request not delivered", "request_id", req.RequestID, "error", err)
		return
	}
	if resp == nil {
		writeErrorResponse(conn, req.RequestID, req.HookEventName, "internal error: no response produced")
		return
	}
	writeFrame(conn, *resp)
}

// readFrame reads one length-prefixed JSON request frame.
func readFrame(r io.Reader) (hookwire.Request, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return hookwire.Request{}, fmt.Errorf("read frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > MaxFrameSize {
		return hookwire.Request{}, fmt.Errorf("frame size %d exceeds bound", n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return hookwire.Request{}, fmt.Errorf("read frame payload: %w", err)
	}

	var req hookwire.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return hookwire.Request{}, fmt.Errorf("decode json: %w", err)
	}
	return req, nil
}

// writeFrame writes v as one length-prefixed JSON frame.
func writeFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ipcserver: encode frame: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("ipcserver: outbound frame exceeds bound")
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

func writeErrorResponse(w io.Writer, requestID, hookEventName, message string) {
	resp := hookwire.Deny(requestID, hookEventName, message)
	_ = writeFrame(w, resp)
}
