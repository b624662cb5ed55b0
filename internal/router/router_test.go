package router

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/raphaeltm/codelatch/internal/chattransport"
	"github.com/raphaeltm/codelatch/internal/hookwire"
	"github.com/raphaeltm/codelatch/internal/ids"
	"github.com/raphaeltm/codelatch/internal/redact"
	"github.com/raphaeltm/codelatch/internal/store"
	"github.com/raphaeltm/codelatch/internal/tmuxadapter"
)

type sentMessage struct {
	chatID  string
	text    string
	buttons []chattransport.Button
}

type fakeTransport struct {
	mu        sync.Mutex
	sends     []sentMessage
	edits     []string
	documents []sentMessage
	acked     []string
	nextID    int
}

func newFakeTransport() *fakeTransport { return &fakeTransport{} }

func (f *fakeTransport) Send(ctx context.Context, chatID, text string, buttons []chattransport.Button) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sends = append(f.sends, sentMessage{chatID: chatID, text: text, buttons: buttons})
	return fmt.Sprintf("%d", f.nextID), nil
}

func (f *fakeTransport) Edit(ctx context.Context, chatID, messageID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeTransport) SendDocument(ctx context.Context, chatID string, data []byte, filename string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.documents = append(f.documents, sentMessage{chatID: chatID, text: string(data)})
	return fmt.Sprintf("%d", f.nextID), nil
}

func (f *fakeTransport) PollUpdates(ctx context.Context) ([]chattransport.Update, error) {
	return nil, nil
}

func (f *fakeTransport) AckButtonTap(ctx context.Context, callbackID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, callbackID)
	return nil
}

func (f *fakeTransport) lastSend() sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sends) == 0 {
		return sentMessage{}
	}
	return f.sends[len(f.sends)-1]
}

func (f *fakeTransport) lastEdit() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.edits) == 0 {
		return ""
	}
	return f.edits[len(f.edits)-1]
}

func (f *fakeTransport) editCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.edits)
}

func newTestRouter(t *testing.T) (*Router, *store.Store, *fakeTransport, *tmuxadapter.Adapter) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "codelatch.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	tr := newFakeTransport()
	adapter := tmuxadapter.New(tmuxadapter.Config{DefaultShell: "/bin/sh", DefaultRows: 24, DefaultCols: 80, BufferSize: 64 * 1024})
	t.Cleanup(adapter.CloseAll)

	cfg := Config{AuthorizedChatID: "42", AutoDenySeconds: 600}
	r := New(st, redact.Default(), tr, adapter, cfg, nil)
	return r, st, tr, adapter
}

func TestPermissionApprovedViaButtonTap(t *testing.T) {
	r, st, tr, _ := newTestRouter(t)

	req := hookwire.Request{
		Version:       hookwire.Version,
		RequestID:     ids.NewRequestID(),
		SessionID:     ids.NewSessionID(),
		HookEventName: hookwire.EventPermissionRequest,
		Blocking:      true,
		Payload:       hookwire.Payload{ToolName: "Bash", ToolInput: map[string]any{"command": "npm test"}},
	}

	respCh := make(chan *hookwire.Response, 1)
	go func() {
		resp, _ := r.Submit(context.Background(), req)
		respCh <- resp
	}()

	var sent sentMessage
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		sent = tr.lastSend()
		if sent.text != "" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if sent.text == "" || len(sent.buttons) != 2 {
		t.Fatalf("expected a permission message with 2 buttons, got %+v", sent)
	}

	r.HandleChatUpdate(context.Background(), chattransport.Update{
		Kind:       chattransport.UpdateButtonTap,
		CallbackID: "cb1",
		Payload:    sent.buttons[0].Payload,
		FromChatID: "42",
	})

	select {
	case resp := <-respCh:
		if resp == nil || resp.Decision != "allow" {
			t.Fatalf("expected allow decision, got %+v", resp)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for response")
	}

	pr, err := st.GetPending(req.RequestID)
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if pr.State != store.StateApproved {
		t.Fatalf("expected approved state, got %s", pr.State)
	}
	if tr.lastEdit() != "✅ Approved" {
		t.Fatalf("expected approved edit, got %q", tr.lastEdit())
	}

	// A second, duplicate tap must be inert: no further edit, no further delivery.
	editsBefore := tr.editCount()
	r.HandleChatUpdate(context.Background(), chattransport.Update{
		Kind:       chattransport.UpdateButtonTap,
		CallbackID: "cb2",
		Payload:    sent.buttons[0].Payload,
		FromChatID: "42",
	})
	time.Sleep(20 * time.Millisecond)
	if tr.editCount() != editsBefore {
		t.Fatalf("expected no further edit on duplicate tap")
	}
}

func TestResolveTimeoutDeniesAndEditsMessage(t *testing.T) {
	r, st, tr, _ := newTestRouter(t)

	reqID := ids.NewRequestID()
	sessID := ids.NewSessionID()
	if _, err := st.UpsertSession(sessID, "", "", "", "", "42"); err != nil {
		t.Fatalf("upsert session: %v", err)
	}
	if err := st.InsertPending(store.PendingRequest{
		ID: reqID, SessionID: sessID, Kind: store.KindPermission,
		HookEventName: hookwire.EventPermissionRequest, ChatMessageID: "7", State: store.StateWaiting,
	}); err != nil {
		t.Fatalf("insert pending: %v", err)
	}

	r.ResolveTimeout(reqID)

	pr, err := st.GetPending(reqID)
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if pr.State != store.StateTimedOut {
		t.Fatalf("expected timed_out, got %s", pr.State)
	}
	if tr.lastEdit() != "⏳ Timed out — denied" {
		t.Fatalf("unexpected edit text %q", tr.lastEdit())
	}

	// Firing again (simulating a stale timer) must be a no-op.
	editsBefore := tr.editCount()
	r.ResolveTimeout(reqID)
	if tr.editCount() != editsBefore {
		t.Fatalf("expected resolve timeout to be idempotent")
	}
}

// TestConcurrentButtonTapVsTimeoutExactlyOneWins exercises the race
// between an operator's tap and the auto-deny timer firing for the same
// request_id at the same instant, rather than one after the other.
func TestConcurrentButtonTapVsTimeoutExactlyOneWins(t *testing.T) {
	r, st, tr, _ := newTestRouter(t)

	req := hookwire.Request{
		Version:       hookwire.Version,
		RequestID:     ids.NewRequestID(),
		SessionID:     ids.NewSessionID(),
		HookEventName: hookwire.EventPermissionRequest,
		Blocking:      true,
		Payload:       hookwire.Payload{ToolName: "Bash", ToolInput: map[string]any{"command": "npm test"}},
	}

	respCh := make(chan *hookwire.Response, 1)
	go func() {
		resp, _ := r.Submit(context.Background(), req)
		respCh <- resp
	}()

	var sent sentMessage
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		sent = tr.lastSend()
		if sent.text != "" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if sent.text == "" || len(sent.buttons) != 2 {
		t.Fatalf("expected a permission message with 2 buttons, got %+v", sent)
	}

	var start sync.WaitGroup
	start.Add(1)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		start.Wait()
		r.HandleChatUpdate(context.Background(), chattransport.Update{
			Kind:       chattransport.UpdateButtonTap,
			CallbackID: "cb1",
			Payload:    sent.buttons[0].Payload,
			FromChatID: "42",
		})
	}()
	go func() {
		defer wg.Done()
		start.Wait()
		r.ResolveTimeout(req.RequestID)
	}()
	start.Done()
	wg.Wait()

	var resp *hookwire.Response
	select {
	case resp = <-respCh:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Submit to return")
	}
	if resp == nil {
		t.Fatal("expected a non-nil response")
	}

	pr, err := st.GetPending(req.RequestID)
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}

	switch pr.State {
	case store.StateApproved:
		if resp.Decision != "allow" {
			t.Fatalf("store says approved but delivered response was %+v", resp)
		}
		if tr.lastEdit() != "✅ Approved" {
			t.Fatalf("expected approved edit, got %q", tr.lastEdit())
		}
	case store.StateTimedOut:
		if resp.Decision != "deny" {
			t.Fatalf("store says timed out but delivered response was %+v", resp)
		}
		if tr.lastEdit() != "⏳ Timed out — denied" {
			t.Fatalf("expected timed-out edit, got %q", tr.lastEdit())
		}
	default:
		t.Fatalf("expected a terminal state, got %q", pr.State)
	}

	// Whichever path lost must have been a complete no-op: only one edit
	// was ever made, and only one response was ever delivered.
	if got := tr.editCount(); got != 1 {
		t.Fatalf("expected exactly one edit across both racing resolutions, got %d", got)
	}
}

func TestQuestionTTLExpires(t *testing.T) {
	r, st, tr, _ := newTestRouter(t)

	reqID := ids.NewRequestID()
	sessID := ids.NewSessionID()
	if _, err := st.UpsertSession(sessID, "", "", "", "", "42"); err != nil {
		t.Fatalf("upsert session: %v", err)
	}
	if err := st.InsertPending(store.PendingRequest{
		ID: reqID, SessionID: sessID, Kind: store.KindQuestion,
		HookEventName: hookwire.EventNotification, ChatMessageID: "9", State: store.StateWaiting,
	}); err != nil {
		t.Fatalf("insert pending: %v", err)
	}

	r.ResolveTimeout(reqID)

	pr, err := st.GetPending(reqID)
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if pr.State != store.StateExpired {
		t.Fatalf("expected expired, got %s", pr.State)
	}
	if !strings.Contains(tr.lastEdit(), "expired") {
		t.Fatalf("unexpected edit text %q", tr.lastEdit())
	}
}

func TestReplyRoutesToWaitingQuestion(t *testing.T) {
	r, st, _, adapter := newTestRouter(t)

	sessID := ids.NewSessionID()
	if _, err := st.UpsertSession(sessID, "", "", "", "", "42"); err != nil {
		t.Fatalf("upsert session: %v", err)
	}
	if _, err := adapter.CreateSession(sessID, "", nil); err != nil {
		t.Fatalf("create pane: %v", err)
	}

	reqID := ids.NewRequestID()
	if err := st.InsertPending(store.PendingRequest{
		ID: reqID, SessionID: sessID, Kind: store.KindQuestion,
		HookEventName: hookwire.EventNotification, ChatMessageID: "55", State: store.StateWaiting,
	}); err != nil {
		t.Fatalf("insert pending: %v", err)
	}

	r.HandleChatUpdate(context.Background(), chattransport.Update{
		Kind:             chattransport.UpdateReply,
		ReplyToMessageID: "55",
		Text:             "use middleware JWT",
		FromChatID:       "42",
	})

	pr, err := st.GetPending(reqID)
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if pr.State != store.StateAnswered {
		t.Fatalf("expected answered, got %s", pr.State)
	}

	handle := adapter.ResolvePane(sessID)
	var captured []string
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		captured, _ = adapter.CaptureLines(handle, 50)
		if strings.Contains(strings.Join(captured, "\n"), "use middleware JWT") {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !strings.Contains(strings.Join(captured, "\n"), "use middleware JWT") {
		t.Fatalf("expected injected reply text in pane, got %v", captured)
	}
}

func TestReplyIgnoredFromUnauthorizedChat(t *testing.T) {
	r, st, _, _ := newTestRouter(t)

	sessID := ids.NewSessionID()
	if _, err := st.UpsertSession(sessID, "", "", "", "", "42"); err != nil {
		t.Fatalf("upsert session: %v", err)
	}
	reqID := ids.NewRequestID()
	if err := st.InsertPending(store.PendingRequest{
		ID: reqID, SessionID: sessID, Kind: store.KindQuestion,
		HookEventName: hookwire.EventNotification, ChatMessageID: "55", State: store.StateWaiting,
	}); err != nil {
		t.Fatalf("insert pending: %v", err)
	}

	r.HandleChatUpdate(context.Background(), chattransport.Update{
		Kind: chattransport.UpdateReply, ReplyToMessageID: "55", Text: "malicious", FromChatID: "999",
	})

	pr, err := st.GetPending(reqID)
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if pr.State != store.StateWaiting {
		t.Fatalf("expected untouched waiting state, got %s", pr.State)
	}
}

func TestSwitchCommandChangesDefaultSession(t *testing.T) {
	r, st, tr, _ := newTestRouter(t)

	if _, err := st.UpsertSession("s1", "alpha", "/tmp/alpha", "", "", "42"); err != nil {
		t.Fatalf("upsert session: %v", err)
	}
	if _, err := st.UpsertSession("s2", "beta", "/tmp/beta", "", "", "42"); err != nil {
		t.Fatalf("upsert session: %v", err)
	}

	r.HandleChatUpdate(context.Background(), chattransport.Update{
		Kind: chattransport.UpdateCommand, CommandName: "/switch", CommandArgs: "beta", FromChatID: "42",
	})

	if got := r.getDefaultSession(); got != "s2" {
		t.Fatalf("expected default session s2, got %q", got)
	}
	if !strings.Contains(tr.lastSend().text, "beta") {
		t.Fatalf("expected confirmation mentioning beta, got %q", tr.lastSend().text)
	}
}

func TestSessionsCommandListsSessions(t *testing.T) {
	r, st, tr, _ := newTestRouter(t)
	if _, err := st.UpsertSession("s1", "alpha", "/tmp/alpha", "", "", "42"); err != nil {
		t.Fatalf("upsert session: %v", err)
	}

	r.HandleChatUpdate(context.Background(), chattransport.Update{
		Kind: chattransport.UpdateCommand, CommandName: "/sessions", FromChatID: "42",
	})

	if !strings.Contains(tr.lastSend().text, "alpha") {
		t.Fatalf("expected sessions list to mention alpha, got %q", tr.lastSend().text)
	}
}

func TestRecoverOnStartupDeniesWaitingRows(t *testing.T) {
	r, st, tr, _ := newTestRouter(t)

	sessID := ids.NewSessionID()
	if _, err := st.UpsertSession(sessID, "", "", "", "", "42"); err != nil {
		t.Fatalf("upsert session: %v", err)
	}
	reqID := ids.NewRequestID()
	if err := st.InsertPending(store.PendingRequest{
		ID: reqID, SessionID: sessID, Kind: store.KindPermission,
		HookEventName: hookwire.EventPermissionRequest, ChatMessageID: "3", State: store.StateWaiting,
	}); err != nil {
		t.Fatalf("insert pending: %v", err)
	}

	if err := r.RecoverOnStartup(context.Background()); err != nil {
		t.Fatalf("recover on startup: %v", err)
	}

	pr, err := st.GetPending(reqID)
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if pr.State != store.StateDenied {
		t.Fatalf("expected denied, got %s", pr.State)
	}
	if !strings.Contains(tr.lastEdit(), "restarted") {
		t.Fatalf("unexpected edit text %q", tr.lastEdit())
	}
}

func TestUnknownCommandReportsItself(t *testing.T) {
	r, _, tr, _ := newTestRouter(t)
	r.HandleChatUpdate(context.Background(), chattransport.Update{
		Kind: chattransport.UpdateCommand, CommandName: "/bogus", FromChatID: "42",
	})
	if !strings.Contains(tr.lastSend().text, "unrecognized") {
		t.Fatalf("expected unrecognized-command message, got %q", tr.lastSend().text)
	}
}

func TestButtonPayloadRoundTrip(t *testing.T) {
	raw := encodeButtonPayload("r1", "approve")
	var p buttonPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.RequestID != "r1" || p.Decision != "approve" {
		t.Fatalf("unexpected payload %+v", p)
	}
}
