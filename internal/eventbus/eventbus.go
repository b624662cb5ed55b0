// Package eventbus merges the event router's two asynchronous input
// streams — chat-transport updates and timeout firings — onto one
// watermill gochannel topic, so the router can consume them through a
// single serialized loop instead of juggling two goroutines' worth of
// direct calls. IPC requests are not carried here: they cross a blocking
// hook handler's own single-shot response channel, a different bridge
// entirely.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/raphaeltm/codelatch/internal/chattransport"
)

const topic = "router.inputs"

// Kind tags which variant an Envelope carries.
type Kind string

const (
	KindChatUpdate Kind = "chat_update"
	KindTimeout    Kind = "timeout"
)

// Envelope is the tagged union the router's single consumer loop
// dispatches on. Exactly one of ChatUpdate/TimeoutRequestID is populated,
// selected by Kind.
type Envelope struct {
	Kind             Kind                 `json:"kind"`
	ChatUpdate       chattransport.Update `json:"chat_update,omitempty"`
	TimeoutRequestID string               `json:"timeout_request_id,omitempty"`
}

// Bus is the merged input stream.
type Bus struct {
	pubsub *gochannel.GoChannel
}

// New creates a Bus. Messages are not persisted — a daemon restart
// already performs a startup recovery pass over the durable store, so an
// in-memory event lost on crash is by design, not a defect.
func New() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 256},
			watermill.NopLogger{},
		),
	}
}

// PublishChatUpdate enqueues a chat-transport update for the router.
func (b *Bus) PublishChatUpdate(u chattransport.Update) error {
	return b.publish(Envelope{Kind: KindChatUpdate, ChatUpdate: u})
}

// PublishTimeout enqueues a timeout firing for the router.
func (b *Bus) PublishTimeout(requestID string) error {
	return b.publish(Envelope{Kind: KindTimeout, TimeoutRequestID: requestID})
}

func (b *Bus) publish(env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("eventbus: marshal envelope: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	return b.pubsub.Publish(topic, msg)
}

// Subscribe returns a channel of decoded envelopes, consumed one at a
// time by the router's single dispatch loop. Each underlying message is
// acked as soon as it's decoded — redelivery on a dispatch failure isn't
// meaningful here since every handler downstream already treats its own
// failures as "log and move on," per the router's fail-safe design.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Envelope, error) {
	msgs, err := b.pubsub.Subscribe(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("eventbus: subscribe: %w", err)
	}

	out := make(chan Envelope)
	go func() {
		defer close(out)
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal(msg.Payload, &env); err != nil {
					msg.Ack()
					continue
				}
				msg.Ack()
				select {
				case out <- env:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close releases the underlying pub/sub infrastructure.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}
