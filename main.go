// Codelatch - local supervision broker for a terminal-based coding agent.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/raphaeltm/codelatch/internal/chattransport"
	"github.com/raphaeltm/codelatch/internal/config"
	"github.com/raphaeltm/codelatch/internal/eventbus"
	"github.com/raphaeltm/codelatch/internal/ipcserver"
	"github.com/raphaeltm/codelatch/internal/logging"
	"github.com/raphaeltm/codelatch/internal/router"
	"github.com/raphaeltm/codelatch/internal/store"
	"github.com/raphaeltm/codelatch/internal/supervisor"
	"github.com/raphaeltm/codelatch/internal/tmuxadapter"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "codelatch: load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "codelatch: %v\n", err)
		os.Exit(1)
	}

	logging.SetupWithConfig(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	log := slog.Default()

	if err := run(cfg, log); err != nil {
		log.Error("codelatch exiting", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	sup := supervisor.New(logging.Component("supervisor"))

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	if err := sup.AcquireLock(cfg.StorePath); err != nil {
		return fmt.Errorf("acquire singleton lock: %w", err)
	}
	defer sup.ReleaseLock()

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	redactor, err := cfg.RedactionPipeline()
	if err != nil {
		return fmt.Errorf("build redaction pipeline: %w", err)
	}

	transport, err := chattransport.NewTelegram(chattransport.TelegramConfig{
		BotToken: cfg.TelegramBotToken,
	})
	if err != nil {
		return fmt.Errorf("init telegram transport: %w", err)
	}

	tmux := tmuxadapter.New(tmuxadapter.Config{
		DefaultShell: os.Getenv("SHELL"),
		GracePeriod:  2 * time.Minute,
		BufferSize:   4096,
	})
	defer tmux.CloseAll()

	rt := router.New(st, redactor, transport, tmux, router.Config{
		AuthorizedChatID:      cfg.TelegramChatID,
		ContextLines:          cfg.ContextLines,
		LogLines:              cfg.LogLines,
		MaxInlineLength:       cfg.MaxInlineLength,
		AutoDenySeconds:       cfg.AutoDenySeconds,
		QuestionTTLSeconds:    cfg.QuestionTTLSeconds,
		SessionsRecencyWindow: cfg.SessionsRecencyWindow,
	}, logging.Component("router"))

	bus := eventbus.New()
	defer bus.Close()

	envelopes, err := bus.Subscribe(sup.Context())
	if err != nil {
		return fmt.Errorf("subscribe event bus: %w", err)
	}
	// Timeout firings route through the same bus as chat updates, so both
	// land on the router's single serialized consumer loop instead of
	// racing each other as two independent goroutines.
	rt.SetTimeoutPublisher(bus.PublishTimeout)

	// Recovery must finish before either input source can observe a stale
	// waiting row: no IPC connections accepted yet, and the chat poll loop
	// hasn't started.
	recoverCtx, recoverCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = rt.RecoverOnStartup(recoverCtx)
	recoverCancel()
	if err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	ipc, err := ipcserver.New(ipcserver.Config{
		SocketPath:     cfg.SocketPath,
		RequestTimeout: time.Duration(cfg.HookTimeoutSeconds) * time.Second,
	}, rt, logging.Component("ipcserver"))
	if err != nil {
		return fmt.Errorf("init ipc server: %w", err)
	}

	sup.WatchSignals()

	ipcErrCh := make(chan error, 1)
	go func() {
		if err := ipc.Serve(sup.Context()); err != nil {
			ipcErrCh <- err
		}
	}()

	pollDone := make(chan struct{})
	go pollChat(sup.Context(), transport, bus, log, pollDone)

	dispatchDone := make(chan struct{})
	go dispatchEnvelopes(sup.Context(), rt, envelopes, dispatchDone)

	select {
	case <-sup.Context().Done():
		log.Info("shutdown requested")
	case err := <-ipcErrCh:
		log.Error("ipc server stopped unexpectedly", "error", err)
		sup.Shutdown()
	}

	<-pollDone
	<-dispatchDone

	sup.RunShutdown(30*time.Second, []supervisor.Stopper{
		{Name: "ipc_server", Stop: func(ctx context.Context) error {
			deadline := 30 * time.Second
			if d, ok := ctx.Deadline(); ok {
				deadline = time.Until(d)
			}
			return ipc.Close(deadline)
		}},
		{Name: "tmux_panes", Stop: func(ctx context.Context) error {
			tmux.CloseAll()
			return nil
		}},
		{Name: "store", Stop: func(ctx context.Context) error {
			return st.Close()
		}},
	})

	return nil
}

// pollChat long-polls the chat transport and forwards each update onto the
// event bus, where the single dispatch loop serializes it against the
// timer firings the router's timeout manager publishes onto the same bus.
func pollChat(ctx context.Context, transport chattransport.Transport, bus *eventbus.Bus, log *slog.Logger, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		updates, err := transport.PollUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("poll updates failed", "error", err)
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, u := range updates {
			if err := bus.PublishChatUpdate(u); err != nil {
				log.Error("publish chat update failed", "error", err)
			}
		}
	}
}

// dispatchEnvelopes is the router's single serialized consumer of the
// merged chat-update and timeout-firing stream.
func dispatchEnvelopes(ctx context.Context, rt *router.Router, envelopes <-chan eventbus.Envelope, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case env, ok := <-envelopes:
			if !ok {
				return
			}
			switch env.Kind {
			case eventbus.KindChatUpdate:
				rt.HandleChatUpdate(ctx, env.ChatUpdate)
			case eventbus.KindTimeout:
				rt.ResolveTimeout(env.TimeoutRequestID)
			}
		case <-ctx.Done():
			return
		}
	}
}
