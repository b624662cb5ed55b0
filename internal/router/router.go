// Package router implements the event router: the component that
// correlates IPC hook requests, chat updates, and timer firings against
// the store and produces outbound effects. It is the only component that
// ever calls chattransport.Transport.Send/Edit, making "absence of
// success is denial" enforceable in one place.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/raphaeltm/codelatch/internal/chattransport"
	"github.com/raphaeltm/codelatch/internal/hookwire"
	"github.com/raphaeltm/codelatch/internal/redact"
	"github.com/raphaeltm/codelatch/internal/store"
	"github.com/raphaeltm/codelatch/internal/timeoutmgr"
	"github.com/raphaeltm/codelatch/internal/tmuxadapter"
)

// Config carries every operator-tunable knob the router consults.
type Config struct {
	// AuthorizedChatID is the single chat identifier the router will
	// accept updates from and address outbound messages to.
	AuthorizedChatID string
	// ContextLines is how many trailing pane lines accompany a
	// permission-request message (spec default 15).
	ContextLines int
	// LogLines is how many trailing pane lines /log captures.
	LogLines int
	// MaxInlineLength is the inline-text budget before output is sent as
	// a file attachment instead (spec default 4096).
	MaxInlineLength int
	// AutoDenySeconds is the permission-request auto-deny deadline (spec
	// default 600).
	AutoDenySeconds int
	// QuestionTTLSeconds optionally expires a question left unanswered.
	// Zero means questions never expire.
	QuestionTTLSeconds int
	// SessionsRecencyWindow bounds how far back /sessions looks for ended
	// sessions. Zero means active-only; negative means unbounded.
	SessionsRecencyWindow time.Duration
}

// Router is the event router.
type Router struct {
	store     *store.Store
	redactor  *redact.Pipeline
	transport chattransport.Transport
	tmux      *tmuxadapter.Adapter
	timeouts  *timeoutmgr.Manager
	cfg       Config
	log       *slog.Logger

	mu             sync.Mutex
	waiters        map[string]chan hookwire.Response
	defaultSession string
	lastDiffBySess map[string]string
	publishTimeout func(requestID string) error
}

// New constructs a Router. It arms its own timeout manager, so callers
// never construct one separately.
func New(st *store.Store, redactor *redact.Pipeline, transport chattransport.Transport, tmux *tmuxadapter.Adapter, cfg Config, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ContextLines <= 0 {
		cfg.ContextLines = 15
	}
	if cfg.LogLines <= 0 {
		cfg.LogLines = 200
	}
	if cfg.MaxInlineLength <= 0 {
		cfg.MaxInlineLength = chattransport.MaxInlineLength
	}
	if cfg.AutoDenySeconds <= 0 {
		cfg.AutoDenySeconds = 600
	}

	r := &Router{
		store:          st,
		redactor:       redactor,
		transport:      transport,
		tmux:           tmux,
		cfg:            cfg,
		log:            log,
		waiters:        make(map[string]chan hookwire.Response),
		lastDiffBySess: make(map[string]string),
	}
	r.timeouts = timeoutmgr.New(timeoutResolver{r: r})
	return r
}

// SetTimeoutPublisher routes every timeout firing through fn instead of
// resolving it inline, so a caller with its own event bus can serialize
// timeout firings alongside chat updates on a single consumer loop. Call
// it once, before any request can be armed (i.e. before the IPC server
// and chat poll loop start) — a Router with no publisher set resolves
// timeouts inline, which is what the test helpers rely on.
func (r *Router) SetTimeoutPublisher(fn func(requestID string) error) {
	r.mu.Lock()
	r.publishTimeout = fn
	r.mu.Unlock()
}

// timeoutResolver adapts Router to timeoutmgr.Resolver. It publishes a
// firing through the router's configured event bus when one is set, and
// falls back to resolving inline otherwise — the same fail-safe contract
// as every other caller of the store's transition primitive, just pushed
// one layer out.
type timeoutResolver struct {
	r *Router
}

func (tr timeoutResolver) ResolveTimeout(requestID string) {
	r := tr.r
	r.mu.Lock()
	publish := r.publishTimeout
	r.mu.Unlock()

	if publish == nil {
		r.ResolveTimeout(requestID)
		return
	}
	if err := publish(requestID); err != nil {
		r.log.Error("publish timeout failed", "request_id", requestID, "error", err)
		r.ResolveTimeout(requestID)
	}
}

// buttonPayload is the JSON carried in an inline button's callback data,
// round-tripped back to the router on a tap.
type buttonPayload struct {
	RequestID string `json:"request_id"`
	Decision  string `json:"decision"`
}

func encodeButtonPayload(requestID, decision string) string {
	b, _ := json.Marshal(buttonPayload{RequestID: requestID, Decision: decision})
	return string(b)
}

type decisionPayload struct {
	Decision string `json:"decision"`
	Message  string `json:"message,omitempty"`
}

func encodeDecisionPayload(decision, message string) string {
	b, _ := json.Marshal(decisionPayload{Decision: decision, Message: message})
	return string(b)
}

// Submit is the IPC server's sole entry point for a hook request. For a
// blocking request it does not return until the request is resolved
// (operator tap or timeout) or ctx is cancelled — a connection closing
// early is a cancellation, and the pending row simply stays waiting to
// be resolved later; the caller just never learns the answer.
// For a non-blocking request it returns (nil, nil) once the request has
// been durably recorded and its chat-facing effects dispatched.
func (r *Router) Submit(ctx context.Context, req hookwire.Request) (*hookwire.Response, error) {
	if req.Version != hookwire.Version {
		return protocolDeny(req, "unsupported envelope version"), nil
	}
	if !hookwire.IsKnownEvent(req.HookEventName) {
		return protocolDeny(req, "unknown hook_event_name"), nil
	}
	if req.Blocking && !hookwire.IsBlockingKind(req.HookEventName) {
		return protocolDeny(req, "hook_event_name does not support blocking"), nil
	}

	switch req.HookEventName {
	case hookwire.EventPermissionRequest:
		return r.handlePermissionRequest(ctx, req)
	case hookwire.EventSessionStart:
		r.handleSessionStart(req)
		return nil, nil
	case hookwire.EventSessionEnd:
		r.handleSessionEnd(ctx, req)
		return nil, nil
	case hookwire.EventNotification:
		r.handleQuestion(ctx, req)
		return nil, nil
	case hookwire.EventPostToolUseFailure:
		r.handleFailure(ctx, req)
		return nil, nil
	case hookwire.EventStop:
		r.handleCompleted(ctx, req)
		return nil, nil
	default:
		return protocolDeny(req, "unhandled hook_event_name"), nil
	}
}

func protocolDeny(req hookwire.Request, message string) *hookwire.Response {
	resp := hookwire.Deny(req.RequestID, req.HookEventName, message)
	return &resp
}

// registerWaiter stores a single-use response channel for requestID and
// returns it. The caller must eventually deliverOrDrop it.
func (r *Router) registerWaiter(requestID string) chan hookwire.Response {
	ch := make(chan hookwire.Response, 1)
	r.mu.Lock()
	r.waiters[requestID] = ch
	r.mu.Unlock()
	return ch
}

// dropWaiter removes requestID's waiter without sending, used when a
// blocking Submit's ctx is cancelled before resolution.
func (r *Router) dropWaiter(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.waiters, requestID)
}

// deliver sends resp on requestID's waiter if one is still registered,
// then removes it. A missing waiter (already delivered, or its IPC
// connection closed) is logged and otherwise ignored — the pending row
// has already recorded the outcome, which is what matters.
func (r *Router) deliver(requestID string, resp hookwire.Response) {
	r.mu.Lock()
	ch, ok := r.waiters[requestID]
	delete(r.waiters, requestID)
	r.mu.Unlock()
	if !ok {
		r.log.Debug("no waiter for resolved request", "request_id", requestID)
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

// SetDefaultSession changes the "current default" session used to route
// replies and commands with no explicit target, per the /switch command.
func (r *Router) SetDefaultSession(sessionID string) {
	r.mu.Lock()
	r.defaultSession = sessionID
	r.mu.Unlock()
}

func (r *Router) getDefaultSession() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.defaultSession
}

// resolveTargetSession returns the session commands with no explicit
// target should operate against: the /switch default if set, else the
// most recently active session.
func (r *Router) resolveTargetSession() (store.Session, error) {
	if id := r.getDefaultSession(); id != "" {
		sess, err := r.store.GetSession(id)
		if err == nil {
			return sess, nil
		}
	}
	sessions, err := r.store.ListSessions(store.SessionFilter{})
	if err != nil {
		return store.Session{}, fmt.Errorf("router: list sessions: %w", err)
	}
	if len(sessions) == 0 {
		return store.Session{}, fmt.Errorf("router: no active session")
	}
	return sessions[0], nil
}

// send posts text to the authorized chat, logging rather than failing the
// caller on a transport error — per the error-handling design, a send
// failure for a non-blocking flow is recorded but never escalated; the
// pending row (if any) carries the real state of record.
func (r *Router) send(ctx context.Context, text string, buttons []chattransport.Button) string {
	id, err := r.transport.Send(ctx, r.cfg.AuthorizedChatID, text, buttons)
	if err != nil {
		r.log.Error("chat send failed", "error", err)
		return ""
	}
	return id
}

// sendLarge posts text inline, or as a file attachment if it exceeds the
// configured inline budget.
func (r *Router) sendLarge(ctx context.Context, filename, text string) {
	if len(text) <= r.cfg.MaxInlineLength {
		r.send(ctx, text, nil)
		return
	}
	if _, err := r.transport.SendDocument(ctx, r.cfg.AuthorizedChatID, []byte(text), filename); err != nil {
		r.log.Error("chat send document failed", "error", err)
	}
}

func (r *Router) edit(ctx context.Context, messageID, text string) {
	if messageID == "" {
		return
	}
	if err := r.transport.Edit(ctx, r.cfg.AuthorizedChatID, messageID, text); err != nil {
		r.log.Error("chat edit failed", "error", err, "message_id", messageID)
	}
}

// RecoverOnStartup force-denies every row still waiting from a previous
// run. It must complete before the IPC server accepts connections and
// before the chat-transport long-poll starts, so no live event can ever
// observe a stale waiting row.
func (r *Router) RecoverOnStartup(ctx context.Context) error {
	rows, err := r.store.LoadWaitingOnStartup()
	if err != nil {
		return fmt.Errorf("router: load waiting on startup: %w", err)
	}
	for _, pr := range rows {
		payload := encodeDecisionPayload("deny", "daemon restarted before this request could be resolved")
		ok, err := r.store.TransitionPending(pr.ID, store.StateWaiting, store.StateDenied, payload)
		if err != nil {
			r.log.Error("startup recovery transition failed", "request_id", pr.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		r.edit(ctx, pr.ChatMessageID, "⚠️ Daemon restarted — denied for safety")
		r.log.Info("recovered stale waiting request", "request_id", pr.ID, "session_id", pr.SessionID)
	}
	return nil
}
