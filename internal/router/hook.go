package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/raphaeltm/codelatch/internal/chattransport"
	"github.com/raphaeltm/codelatch/internal/hookwire"
	"github.com/raphaeltm/codelatch/internal/ids"
	"github.com/raphaeltm/codelatch/internal/store"
)

// upsertSession ensures req's session_id has a row, creating one on first
// sight of an unknown id. The bearer chat is always the single configured
// one — there is no multi-tenant authorization to check locally.
func (r *Router) upsertSession(req hookwire.Request) (store.Session, error) {
	sess, err := r.store.UpsertSession(req.SessionID, "", req.Payload.CWD, req.SessionID, req.TmuxPane, r.cfg.AuthorizedChatID)
	if err != nil {
		return store.Session{}, fmt.Errorf("router: upsert session: %w", err)
	}
	return sess, nil
}

func redactedToolInput(input map[string]any, redactor pipelineRedactor) string {
	if len(input) == 0 {
		return ""
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return ""
	}
	return redactor.Redact(string(raw))
}

// pipelineRedactor is the subset of *redact.Pipeline the router needs,
// named here only so redactedToolInput can take either a real pipeline or
// a test double.
type pipelineRedactor interface {
	Redact(string) string
}

// captureContext resolves sessionID's pane, captures its trailing n lines,
// and redacts the result into one newline-joined snippet. A pane lookup
// failure yields an empty snippet rather than failing the caller — an
// adapter error here must never block a permission decision.
func (r *Router) captureContext(sessionID string, n int) string {
	handle := r.tmux.ResolvePane(sessionID)
	if handle == "" {
		return ""
	}
	lines, err := r.tmux.CaptureLines(handle, n)
	if err != nil {
		r.log.Warn("capture pane context failed", "session_id", sessionID, "error", err)
		return ""
	}
	return r.redactor.Redact(strings.Join(lines, "\n"))
}

func permissionMessage(sess store.Session, req hookwire.Request, toolInput, paneCtx string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🔐 Permission request in %s\n", sessionLabel(sess))
	fmt.Fprintf(&b, "Tool: %s\n", req.Payload.ToolName)
	if toolInput != "" {
		fmt.Fprintf(&b, "Input: %s\n", toolInput)
	}
	if paneCtx != "" {
		b.WriteString("\nRecent output:\n")
		b.WriteString(paneCtx)
	}
	return b.String()
}

func sessionLabel(sess store.Session) string {
	if sess.Name != "" {
		return sess.Name
	}
	return sess.ID
}

// handlePermissionRequest implements the blocking permission flow end to
// end: record, notify, arm the deadline, and wait for resolution.
func (r *Router) handlePermissionRequest(ctx context.Context, req hookwire.Request) (*hookwire.Response, error) {
	sess, err := r.upsertSession(req)
	if err != nil {
		r.log.Error("permission request: upsert session failed", "error", err)
		resp := hookwire.Deny(req.RequestID, req.HookEventName, "internal store error")
		return &resp, nil
	}

	expiresAt := time.Now().Add(time.Duration(r.cfg.AutoDenySeconds) * time.Second)
	toolInput := redactedToolInput(req.Payload.ToolInput, r.redactor)
	paneCtx := r.captureContext(sess.ID, r.cfg.ContextLines)

	pr := store.PendingRequest{
		ID:             req.RequestID,
		SessionID:      sess.ID,
		Kind:           store.KindPermission,
		HookEventName:  req.HookEventName,
		ToolName:       req.Payload.ToolName,
		ToolInputJSON:  toolInput,
		ContextSnippet: paneCtx,
		State:          store.StateWaiting,
	}
	pr.ExpiresAt.Time = expiresAt
	pr.ExpiresAt.Valid = true

	if err := r.store.InsertPending(pr); err != nil {
		r.log.Error("permission request: insert pending failed", "error", err)
		resp := hookwire.Deny(req.RequestID, req.HookEventName, "internal store error")
		return &resp, nil
	}

	waiter := r.registerWaiter(req.RequestID)

	buttons := []struct{ label, decision string }{
		{"✅ Allow", "approve"},
		{"❌ Deny", "deny"},
	}
	msg := permissionMessage(sess, req, toolInput, paneCtx)
	sendButtons := make([]chattransport.Button, len(buttons))
	for i, b := range buttons {
		sendButtons[i] = chattransport.Button{Label: b.label, Payload: encodeButtonPayload(req.RequestID, b.decision)}
	}
	messageID := r.send(ctx, msg, sendButtons)
	if messageID != "" {
		if err := r.store.SetChatMessageID(req.RequestID, messageID); err != nil {
			r.log.Error("permission request: set chat message id failed", "error", err)
		}
	}

	r.timeouts.Arm(req.RequestID, expiresAt)

	select {
	case resp := <-waiter:
		return &resp, nil
	case <-ctx.Done():
		r.dropWaiter(req.RequestID)
		return nil, ctx.Err()
	}
}

// ResolveTimeout performs the actual timeout resolution: a permission
// deadline elapsing (auto-deny) or, when configured, a question TTL
// elapsing (auto-expire) — the two kinds that ever carry an expires_at.
// It's called either directly (tests, and a Router with no timeout
// publisher configured) or from the event bus's single dispatch loop,
// via timeoutResolver.
func (r *Router) ResolveTimeout(requestID string) {
	pr, err := r.store.GetPending(requestID)
	if err != nil {
		r.log.Warn("resolve timeout: pending request vanished", "request_id", requestID, "error", err)
		return
	}

	switch pr.Kind {
	case store.KindPermission:
		payload := encodeDecisionPayload("deny", "Denied by remote operator (timeout)")
		ok, err := r.store.TransitionPending(requestID, store.StateWaiting, store.StateTimedOut, payload)
		if err != nil {
			r.log.Error("resolve timeout: transition failed", "request_id", requestID, "error", err)
			return
		}
		if !ok {
			return
		}
		r.edit(context.Background(), pr.ChatMessageID, "⏳ Timed out — denied")
		resp := hookwire.Deny(requestID, pr.HookEventName, "Denied by remote operator (timeout)")
		r.deliver(requestID, resp)

	case store.KindQuestion:
		payload := encodeDecisionPayload("expired", "Question expired before being answered")
		ok, err := r.store.TransitionPending(requestID, store.StateWaiting, store.StateExpired, payload)
		if err != nil {
			r.log.Error("resolve question ttl: transition failed", "request_id", requestID, "error", err)
			return
		}
		if !ok {
			return
		}
		r.edit(context.Background(), pr.ChatMessageID, "⌛ Question expired — no longer accepting a reply")

	default:
		r.log.Warn("resolve timeout: unexpected kind", "request_id", requestID, "kind", pr.Kind)
	}
}

func (r *Router) handleSessionStart(req hookwire.Request) {
	sess, err := r.store.UpsertSession(req.SessionID, "", req.Payload.CWD, req.SessionID, "", r.cfg.AuthorizedChatID)
	if err != nil {
		r.log.Error("session start: upsert session failed", "error", err)
		return
	}

	handle, err := r.tmux.CreateSession(sess.ID, sess.WorkDir, nil)
	if err != nil {
		r.log.Error("session start: create pane failed", "error", err, "session_id", sess.ID)
		return
	}

	if r.getDefaultSession() == "" {
		r.SetDefaultSession(sess.ID)
	}
	r.log.Info("session started", "session_id", sess.ID, "pane", handle)
}

func (r *Router) handleSessionEnd(ctx context.Context, req hookwire.Request) {
	if err := r.store.EndSession(req.SessionID); err != nil {
		r.log.Error("session end: store update failed", "error", err, "session_id", req.SessionID)
	}
	r.tmux.EndSession(req.SessionID)
	r.mu.Lock()
	delete(r.lastDiffBySess, req.SessionID)
	r.mu.Unlock()

	pr := store.PendingRequest{
		ID:            ids.NewRequestID(),
		SessionID:     req.SessionID,
		Kind:          store.KindStop,
		HookEventName: req.HookEventName,
		State:         store.StateAnswered,
	}
	if err := r.store.InsertPending(pr); err != nil {
		r.log.Error("session end: insert pending failed", "error", err)
	}

	sess, err := r.store.GetSession(req.SessionID)
	label := req.SessionID
	if err == nil {
		label = sessionLabel(sess)
	}
	r.send(ctx, fmt.Sprintf("🛑 Session ended: %s", label), nil)
}

func (r *Router) handleQuestion(ctx context.Context, req hookwire.Request) {
	sess, err := r.upsertSession(req)
	if err != nil {
		r.log.Error("question: upsert session failed", "error", err)
		return
	}

	text := r.redactor.Redact(req.Payload.Message)

	pr := store.PendingRequest{
		ID:            req.RequestID,
		SessionID:     sess.ID,
		Kind:          store.KindQuestion,
		HookEventName: req.HookEventName,
		State:         store.StateWaiting,
	}
	if r.cfg.QuestionTTLSeconds > 0 {
		pr.ExpiresAt.Time = time.Now().Add(time.Duration(r.cfg.QuestionTTLSeconds) * time.Second)
		pr.ExpiresAt.Valid = true
	}
	if err := r.store.InsertPending(pr); err != nil {
		r.log.Error("question: insert pending failed", "error", err)
		return
	}

	msg := fmt.Sprintf("❓ %s asks:\n%s", sessionLabel(sess), text)
	messageID := r.send(ctx, msg, nil)
	if messageID != "" {
		if err := r.store.SetChatMessageID(req.RequestID, messageID); err != nil {
			r.log.Error("question: set chat message id failed", "error", err)
		}
	}
	if pr.ExpiresAt.Valid {
		r.timeouts.Arm(req.RequestID, pr.ExpiresAt.Time)
	}
}

func (r *Router) handleFailure(ctx context.Context, req hookwire.Request) {
	sess, err := r.upsertSession(req)
	if err != nil {
		r.log.Error("failure: upsert session failed", "error", err)
		return
	}

	errText := r.redactor.Redact(req.Payload.Error)
	paneCtx := r.captureContext(sess.ID, r.cfg.ContextLines)

	pr := store.PendingRequest{
		ID:             req.RequestID,
		SessionID:      sess.ID,
		Kind:           store.KindFailure,
		HookEventName:  req.HookEventName,
		ToolName:       req.Payload.ToolName,
		ContextSnippet: paneCtx,
		State:          store.StateAnswered,
	}
	if err := r.store.InsertPending(pr); err != nil {
		r.log.Error("failure: insert pending failed", "error", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "💥 Tool failure in %s\nTool: %s\n%s", sessionLabel(sess), req.Payload.ToolName, errText)
	if paneCtx != "" {
		b.WriteString("\n\nRecent output:\n")
		b.WriteString(paneCtx)
	}
	r.send(ctx, b.String(), nil)
}

func (r *Router) handleCompleted(ctx context.Context, req hookwire.Request) {
	sess, err := r.upsertSession(req)
	if err != nil {
		r.log.Error("completed: upsert session failed", "error", err)
		return
	}

	pr := store.PendingRequest{
		ID:            req.RequestID,
		SessionID:     sess.ID,
		Kind:          store.KindCompleted,
		HookEventName: req.HookEventName,
		State:         store.StateAnswered,
	}
	if err := r.store.InsertPending(pr); err != nil {
		r.log.Error("completed: insert pending failed", "error", err)
	}

	r.send(ctx, fmt.Sprintf("✅ %s finished a turn", sessionLabel(sess)), nil)
}
