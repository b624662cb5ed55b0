package chattransport

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/raphaeltm/codelatch/internal/callbackretry"
)

// TelegramConfig configures a Telegram-backed Transport.
type TelegramConfig struct {
	BotToken string
	// RateLimit bounds outbound calls per second, sized for Telegram's
	// documented per-bot budget (roughly 30 messages/second across chats).
	RateLimit   rate.Limit
	RateBurst   int
	PollTimeout time.Duration
	Retry       callbackretry.Config
}

// Telegram implements Transport against the Telegram Bot API.
type Telegram struct {
	bot     *tgbotapi.BotAPI
	limiter *rate.Limiter
	retry   callbackretry.Config
	pollFor time.Duration

	offset int
}

// NewTelegram constructs a Telegram transport. It dials the Bot API's
// getMe endpoint once to fail fast on a bad token.
func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("chattransport: init telegram bot: %w", err)
	}

	limit := cfg.RateLimit
	if limit <= 0 {
		limit = rate.Limit(25) // stay under Telegram's ~30 msg/s global budget
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 10
	}
	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 25 * time.Second
	}
	retryCfg := cfg.Retry
	if retryCfg.InitialDelay <= 0 {
		retryCfg = callbackretry.DefaultConfig()
	}

	return &Telegram{
		bot:     bot,
		limiter: rate.NewLimiter(limit, burst),
		retry:   retryCfg,
		pollFor: pollTimeout,
	}, nil
}

func (t *Telegram) throttle(ctx context.Context) error {
	return t.limiter.Wait(ctx)
}

func parseChatID(chatID string) (int64, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("chattransport: invalid chat id %q: %w", chatID, err)
	}
	return id, nil
}

func (t *Telegram) Send(ctx context.Context, chatID, text string, buttons []Button) (string, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return "", err
	}

	msg := tgbotapi.NewMessage(id, text)
	if len(buttons) > 0 {
		row := make([]tgbotapi.InlineKeyboardButton, len(buttons))
		for i, b := range buttons {
			row[i] = tgbotapi.NewInlineKeyboardButtonData(b.Label, b.Payload)
		}
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(row)
	}

	var sent tgbotapi.Message
	err = callbackretry.Do(ctx, t.retry, "telegram.send", func(ctx context.Context) error {
		if err := t.throttle(ctx); err != nil {
			return callbackretry.Permanent(err)
		}
		m, err := t.bot.Send(msg)
		if err != nil {
			return classify(err)
		}
		sent = m
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("chattransport: send: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

func (t *Telegram) Edit(ctx context.Context, chatID, messageID, text string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("chattransport: invalid message id %q: %w", messageID, err)
	}

	edit := tgbotapi.NewEditMessageText(id, msgID, text)
	return callbackretry.Do(ctx, t.retry, "telegram.edit", func(ctx context.Context) error {
		if err := t.throttle(ctx); err != nil {
			return callbackretry.Permanent(err)
		}
		_, err := t.bot.Send(edit)
		if err != nil && isUnmodifiedEdit(err) {
			// Edit-in-place to identical text is documented as a no-op.
			return nil
		}
		return classify(err)
	})
}

func (t *Telegram) SendDocument(ctx context.Context, chatID string, data []byte, filename string) (string, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return "", err
	}

	doc := tgbotapi.NewDocument(id, tgbotapi.FileBytes{Name: filename, Bytes: data})
	var sent tgbotapi.Message
	err = callbackretry.Do(ctx, t.retry, "telegram.send_document", func(ctx context.Context) error {
		if err := t.throttle(ctx); err != nil {
			return callbackretry.Permanent(err)
		}
		m, err := t.bot.Send(doc)
		if err != nil {
			return classify(err)
		}
		sent = m
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("chattransport: send document: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

func (t *Telegram) PollUpdates(ctx context.Context) ([]Update, error) {
	cfg := tgbotapi.NewUpdate(t.offset)
	cfg.Timeout = int(t.pollFor / time.Second)

	var raw []tgbotapi.Update
	err := callbackretry.Do(ctx, t.retry, "telegram.poll_updates", func(ctx context.Context) error {
		u, err := t.bot.GetUpdates(cfg)
		if err != nil {
			return classify(err)
		}
		raw = u
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("chattransport: poll updates: %w", err)
	}

	out := make([]Update, 0, len(raw))
	for _, u := range raw {
		if u.UpdateID >= t.offset {
			t.offset = u.UpdateID + 1
		}
		if up, ok := convertUpdate(u); ok {
			out = append(out, up)
		}
	}
	return out, nil
}

func (t *Telegram) AckButtonTap(ctx context.Context, callbackID string) error {
	return callbackretry.Do(ctx, t.retry, "telegram.ack_button_tap", func(ctx context.Context) error {
		if err := t.throttle(ctx); err != nil {
			return callbackretry.Permanent(err)
		}
		_, err := t.bot.Request(tgbotapi.NewCallback(callbackID, ""))
		return classify(err)
	})
}

func convertUpdate(u tgbotapi.Update) (Update, bool) {
	switch {
	case u.CallbackQuery != nil:
		cb := u.CallbackQuery
		msgID := ""
		if cb.Message != nil {
			msgID = strconv.Itoa(cb.Message.MessageID)
		}
		return Update{
			Kind:       UpdateButtonTap,
			CallbackID: cb.ID,
			MessageID:  msgID,
			Payload:    cb.Data,
			FromChatID: strconv.FormatInt(cb.From.ID, 10),
		}, true

	case u.Message != nil && u.Message.IsCommand():
		return Update{
			Kind:        UpdateCommand,
			MessageID:   strconv.Itoa(u.Message.MessageID),
			CommandName: "/" + u.Message.Command(),
			CommandArgs: u.Message.CommandArguments(),
			FromChatID:  strconv.FormatInt(u.Message.Chat.ID, 10),
		}, true

	case u.Message != nil && u.Message.ReplyToMessage != nil:
		return Update{
			Kind:             UpdateReply,
			MessageID:        strconv.Itoa(u.Message.MessageID),
			ReplyToMessageID: strconv.Itoa(u.Message.ReplyToMessage.MessageID),
			Text:             u.Message.Text,
			FromChatID:       strconv.FormatInt(u.Message.Chat.ID, 10),
		}, true

	default:
		return Update{}, false
	}
}

// classify maps a Telegram API error into callbackretry's retryable/permanent
// split. Authentication and bad-request errors are permanent; everything
// else (network blips, 5xx) is retried.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *tgbotapi.Error
	if ok := asTelegramError(err, &apiErr); ok {
		switch apiErr.Code {
		case 401, 403, 400:
			return callbackretry.Permanent(err)
		}
	}
	return err
}

func asTelegramError(err error, target **tgbotapi.Error) bool {
	if e, ok := err.(*tgbotapi.Error); ok {
		*target = e
		return true
	}
	return false
}

func isUnmodifiedEdit(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *tgbotapi.Error
	if asTelegramError(err, &apiErr) {
		return apiErr.Message == "Bad Request: message is not modified"
	}
	return false
}

var _ Transport = (*Telegram)(nil)

func init() {
	// tgbotapi logs to the standard logger by default; route it through
	// the daemon's structured logging instead of letting it write to stderr directly.
	tgbotapi.SetLogger(slogAdapter{})
}

type slogAdapter struct{}

func (slogAdapter) Println(v ...any) {
	slog.Debug("telegram client", "msg", fmt.Sprintln(v...))
}

func (slogAdapter) Printf(format string, v ...any) {
	slog.Debug("telegram client", "msg", fmt.Sprintf(format, v...))
}
