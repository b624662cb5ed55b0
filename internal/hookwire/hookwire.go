// Package hookwire defines the IPC envelope exchanged between a hook
// handler process and the daemon: a framed JSON request describing one
// Agent lifecycle event, and — for blocking kinds — a decision response.
package hookwire

import "encoding/json"

// Version is the only envelope version this daemon understands.
const Version = 1

// Recognized hook_event_name values.
const (
	EventPermissionRequest  = "PermissionRequest"
	EventNotification       = "Notification"
	EventPostToolUseFailure = "PostToolUseFailure"
	EventStop               = "Stop"
	EventSessionStart       = "SessionStart"
	EventSessionEnd         = "SessionEnd"
)

// Payload carries the event-specific fields. Unknown fields round-trip
// through Extra so a forward-compatible hook handler never loses data the
// daemon doesn't care about.
type Payload struct {
	ToolName       string         `json:"tool_name,omitempty"`
	ToolInput      map[string]any `json:"tool_input,omitempty"`
	CWD            string         `json:"cwd,omitempty"`
	PermissionMode string         `json:"permission_mode,omitempty"`
	Message        string         `json:"message,omitempty"`
	Error          string         `json:"error,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	Extra          map[string]any `json:"-"`
}

// MarshalJSON flattens Extra alongside the named fields.
func (p Payload) MarshalJSON() ([]byte, error) {
	m := map[string]any{}
	for k, v := range p.Extra {
		m[k] = v
	}
	if p.ToolName != "" {
		m["tool_name"] = p.ToolName
	}
	if p.ToolInput != nil {
		m["tool_input"] = p.ToolInput
	}
	if p.CWD != "" {
		m["cwd"] = p.CWD
	}
	if p.PermissionMode != "" {
		m["permission_mode"] = p.PermissionMode
	}
	if p.Message != "" {
		m["message"] = p.Message
	}
	if p.Error != "" {
		m["error"] = p.Error
	}
	if p.Reason != "" {
		m["reason"] = p.Reason
	}
	return json.Marshal(m)
}

// UnmarshalJSON captures named fields and stashes the rest in Extra.
func (p *Payload) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	type alias Payload
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*p = Payload(a)
	for _, known := range []string{"tool_name", "tool_input", "cwd", "permission_mode", "message", "error", "reason"} {
		delete(m, known)
	}
	p.Extra = m
	return nil
}

// Request is the envelope a hook handler sends to the IPC server.
type Request struct {
	Version       int     `json:"version"`
	RequestID     string  `json:"request_id"`
	SessionID     string  `json:"session_id"`
	TmuxPane      string  `json:"tmux_pane,omitempty"`
	HookEventName string  `json:"hook_event_name"`
	Blocking      bool    `json:"blocking"`
	Payload       Payload `json:"payload"`
}

// Decision is the inner verdict carried by a blocking response.
type Decision struct {
	Behavior string `json:"behavior"`
	Message  string `json:"message,omitempty"`
}

// HookSpecificOutput mirrors the shape the Agent expects on stdout.
type HookSpecificOutput struct {
	HookEventName string   `json:"hookEventName"`
	Decision      Decision `json:"decision"`
}

// HookOutput wraps HookSpecificOutput under the key the Agent looks for.
type HookOutput struct {
	HookSpecificOutput HookSpecificOutput `json:"hookSpecificOutput"`
}

// Response is the envelope returned for a blocking request.
type Response struct {
	Version    int        `json:"version"`
	RequestID  string     `json:"request_id"`
	Decision   string     `json:"decision"`
	HookOutput HookOutput `json:"hook_output"`
}

// Allow builds the allow response for requestID.
func Allow(requestID, hookEventName string) Response {
	return Response{
		Version:   Version,
		RequestID: requestID,
		Decision:  "allow",
		HookOutput: HookOutput{HookSpecificOutput{
			HookEventName: hookEventName,
			Decision:      Decision{Behavior: "allow"},
		}},
	}
}

// Deny builds the deny response for requestID with an explanatory message.
func Deny(requestID, hookEventName, message string) Response {
	return Response{
		Version:   Version,
		RequestID: requestID,
		Decision:  "deny",
		HookOutput: HookOutput{HookSpecificOutput{
			HookEventName: hookEventName,
			Decision:      Decision{Behavior: "deny", Message: message},
		}},
	}
}

// IsKnownEvent reports whether name is one of the recognized hook_event_name values.
func IsKnownEvent(name string) bool {
	switch name {
	case EventPermissionRequest, EventNotification, EventPostToolUseFailure,
		EventStop, EventSessionStart, EventSessionEnd:
		return true
	default:
		return false
	}
}

// Ack is the minimal frame written for a non-blocking request, or for a
// blocking request rejected outright as a protocol error before routing.
type Ack struct {
	Version   int    `json:"version"`
	RequestID string `json:"request_id"`
	Accepted  bool   `json:"accepted"`
	Error     string `json:"error,omitempty"`
}

// IsBlockingKind reports whether the daemon considers hook_event_name a
// kind it ever blocks on. Only PermissionRequest is blocking; a request
// asserting blocking:true for any other kind is a protocol error.
func IsBlockingKind(name string) bool {
	return name == EventPermissionRequest
}
