package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/raphaeltm/codelatch/internal/chattransport"
)

func TestPublishSubscribeChatUpdate(t *testing.T) {
	b := New()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	u := chattransport.Update{Kind: chattransport.UpdateCommand, CommandName: "/peek", FromChatID: "42"}
	if err := b.PublishChatUpdate(u); err != nil {
		t.Fatalf("PublishChatUpdate: %v", err)
	}

	select {
	case env := <-ch:
		if env.Kind != KindChatUpdate {
			t.Fatalf("Kind = %q, want chat_update", env.Kind)
		}
		if env.ChatUpdate.CommandName != "/peek" {
			t.Fatalf("CommandName = %q", env.ChatUpdate.CommandName)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for envelope")
	}
}

func TestPublishSubscribeTimeout(t *testing.T) {
	b := New()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.PublishTimeout("req-123"); err != nil {
		t.Fatalf("PublishTimeout: %v", err)
	}

	select {
	case env := <-ch:
		if env.Kind != KindTimeout {
			t.Fatalf("Kind = %q, want timeout", env.Kind)
		}
		if env.TimeoutRequestID != "req-123" {
			t.Fatalf("TimeoutRequestID = %q", env.TimeoutRequestID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for envelope")
	}
}

func TestOrderingPreservedPerTopic(t *testing.T) {
	b := New()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := b.PublishTimeout(string(rune('a' + i))); err != nil {
			t.Fatalf("PublishTimeout: %v", err)
		}
	}

	for i := 0; i < 5; i++ {
		select {
		case env := <-ch:
			want := string(rune('a' + i))
			if env.TimeoutRequestID != want {
				t.Fatalf("envelope %d = %q, want %q", i, env.TimeoutRequestID, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for envelope %d", i)
		}
	}
}
