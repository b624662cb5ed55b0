// Package chattransport defines the chat transport adapter contract and a
// Telegram Bot API implementation: send/edit messages with inline buttons,
// send a file for oversized output, and long-poll for operator updates.
package chattransport

import "context"

// MaxInlineLength is the default inline text budget before a command's
// output is sent as a file attachment instead.
const MaxInlineLength = 4096

// Button is one inline button on a sent message. Payload round-trips back
// on the ButtonTap that results from a tap.
type Button struct {
	Label   string
	Payload string
}

// Transport is the chat transport adapter contract. Every method is
// subject to the implementation's own rate limiting and retry policy;
// only permanent failures surface as an error here — transient ones are
// retried internally up to a budget.
type Transport interface {
	// Send posts text to chatID, optionally with inline buttons, and
	// returns the platform's message identifier for later edit-in-place.
	Send(ctx context.Context, chatID, text string, buttons []Button) (messageID string, err error)
	// Edit replaces a prior message's text. Idempotent: editing to the
	// same text the message already holds is a no-op.
	Edit(ctx context.Context, chatID, messageID, text string) error
	// SendDocument posts bytes as a named file attachment, for output
	// exceeding MaxInlineLength.
	SendDocument(ctx context.Context, chatID string, data []byte, filename string) (messageID string, err error)
	// PollUpdates blocks for up to the transport's own long-poll timeout
	// and returns whatever updates arrived, oldest first. An empty slice
	// with a nil error means the poll simply timed out with nothing new.
	PollUpdates(ctx context.Context) ([]Update, error)
	// AckButtonTap dismisses the tapping client's loading spinner. Safe to
	// call regardless of how the tap was ultimately resolved.
	AckButtonTap(ctx context.Context, callbackID string) error
}

// UpdateKind tags the variant carried by an Update.
type UpdateKind int

const (
	UpdateButtonTap UpdateKind = iota
	UpdateReply
	UpdateCommand
)

// Update is one incoming event from PollUpdates. Exactly one of the
// type-specific field groups is populated, selected by Kind.
type Update struct {
	Kind UpdateKind

	// Populated when Kind == UpdateButtonTap.
	CallbackID string
	MessageID  string
	Payload    string

	// Populated when Kind == UpdateReply (MessageID above is this reply's
	// own message id, used if it is itself later replied to).
	ReplyToMessageID string
	Text             string

	// Populated when Kind == UpdateCommand.
	CommandName string
	CommandArgs string

	FromChatID string
}
