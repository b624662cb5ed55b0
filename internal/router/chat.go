package router

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/raphaeltm/codelatch/internal/chattransport"
	"github.com/raphaeltm/codelatch/internal/hookwire"
	"github.com/raphaeltm/codelatch/internal/store"
)

// HandleChatUpdate dispatches one update from the chat transport's long
// poll. Updates from any chat other than the configured authorized one
// are ignored outright.
func (r *Router) HandleChatUpdate(ctx context.Context, u chattransport.Update) {
	if u.FromChatID != "" && u.FromChatID != r.cfg.AuthorizedChatID {
		r.log.Warn("ignoring update from unauthorized chat", "chat_id", u.FromChatID)
		return
	}

	switch u.Kind {
	case chattransport.UpdateButtonTap:
		r.handleButtonTap(ctx, u)
	case chattransport.UpdateReply:
		r.handleReply(ctx, u)
	case chattransport.UpdateCommand:
		r.handleCommand(ctx, u)
	}
}

// handleButtonTap resolves a permission decision. Acknowledging the tap
// (dismissing the client's loading spinner) happens unconditionally,
// before the attempted transition, since it's irrelevant to correctness
// which a tapping client assumes happened regardless of outcome.
func (r *Router) handleButtonTap(ctx context.Context, u chattransport.Update) {
	if err := r.transport.AckButtonTap(ctx, u.CallbackID); err != nil {
		r.log.Warn("ack button tap failed", "error", err)
	}

	var payload buttonPayload
	if err := json.Unmarshal([]byte(u.Payload), &payload); err != nil {
		r.log.Warn("malformed button payload", "error", err)
		return
	}

	pr, err := r.store.GetPending(payload.RequestID)
	if err != nil {
		r.log.Warn("button tap for unknown request", "request_id", payload.RequestID, "error", err)
		return
	}

	var toState store.PendingState
	var label, message, decisionWord string
	switch payload.Decision {
	case "approve":
		toState, label, message, decisionWord = store.StateApproved, "✅ Approved", "Approved by remote operator", "allow"
	case "deny":
		toState, label, message, decisionWord = store.StateDenied, "❌ Denied", "Denied by remote operator", "deny"
	default:
		r.log.Warn("unknown button decision", "decision", payload.Decision)
		return
	}

	responsePayload := encodeDecisionPayload(decisionWord, message)
	ok, err := r.store.TransitionPending(payload.RequestID, store.StateWaiting, toState, responsePayload)
	if err != nil {
		r.log.Error("button tap transition failed", "request_id", payload.RequestID, "error", err)
		return
	}
	if !ok {
		// Already terminal: timed out first, or a double-tap. Inert by design.
		return
	}

	r.timeouts.Disarm(payload.RequestID)
	r.edit(ctx, pr.ChatMessageID, label)

	var resp hookwire.Response
	if toState == store.StateApproved {
		resp = hookwire.Allow(payload.RequestID, pr.HookEventName)
	} else {
		resp = hookwire.Deny(payload.RequestID, pr.HookEventName, message)
	}
	r.deliver(payload.RequestID, resp)
}

// handleReply routes a free-text chat reply: first to the session whose
// waiting question the reply answers, falling back to the current
// default session, falling back to nothing.
func (r *Router) handleReply(ctx context.Context, u chattransport.Update) {
	text := strings.TrimSpace(u.Text)
	if text == "" {
		return
	}

	if sess, pr, err := r.store.GetSessionByChatMessage(u.ReplyToMessageID); err == nil && pr.Kind == store.KindQuestion && pr.State == store.StateWaiting {
		responsePayload := encodeDecisionPayload("answered", text)
		ok, err := r.store.TransitionPending(pr.ID, store.StateWaiting, store.StateAnswered, responsePayload)
		if err != nil {
			r.log.Error("reply transition failed", "request_id", pr.ID, "error", err)
			return
		}
		if ok {
			r.timeouts.Disarm(pr.ID)
			r.injectReply(sess.ID, text)
			return
		}
		// Already resolved (e.g. TTL fired concurrently) — fall through to default.
	}

	if sessID := r.getDefaultSession(); sessID != "" {
		r.injectReply(sessID, text)
		return
	}
	r.log.Debug("reply with no routable session", "text", text)
}

func (r *Router) injectReply(sessionID, text string) {
	handle := r.tmux.ResolvePane(sessionID)
	if handle == "" {
		r.log.Warn("inject reply: no live pane", "session_id", sessionID)
		return
	}
	if err := r.tmux.InjectKeys(handle, text); err != nil {
		r.log.Error("inject reply failed", "session_id", sessionID, "error", err)
	}
}
