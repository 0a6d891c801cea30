package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/bdobrica/Shiori/common/redact"
)

// TelegramName is the channel name used in qualified user IDs.
const TelegramName = "telegram"

// telegramMaxLen keeps chunks under Telegram's 4096 character limit.
const telegramMaxLen = 4000

// TelegramBot is the part of tgbotapi.BotAPI the channel uses.
type TelegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetSelf() tgbotapi.User
}

type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.bot.GetUpdatesChan(config)
}

func (w *tgBotWrapper) StopReceivingUpdates() {
	w.bot.StopReceivingUpdates()
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return w.bot.Request(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

// BotFactory creates TelegramBot instances. Tests replace it.
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

// DefaultBotFactory talks to the real Bot API.
var DefaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

// TelegramConfig configures the Telegram channel.
type TelegramConfig struct {
	Token string
	// APIEndpoint overrides tgbotapi.APIEndpoint.
	APIEndpoint string
	// AllowFrom lists Telegram user IDs allowed to talk to the bot. Empty
	// allows everyone.
	AllowFrom []string
	// PollTimeout is the long-poll timeout in seconds.
	PollTimeout int
}

// Telegram delivers through the Telegram Bot API. Buttons become inline
// keyboards; presses arrive as callback queries.
type Telegram struct {
	cfg     TelegramConfig
	factory BotFactory
	logger  *slog.Logger

	mu     sync.RWMutex
	bot    TelegramBot
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTelegram returns a Telegram channel. A nil factory uses
// DefaultBotFactory.
func NewTelegram(cfg TelegramConfig, factory BotFactory, logger *slog.Logger) (*Telegram, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram token is required")
	}
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30
	}
	if factory == nil {
		factory = DefaultBotFactory
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Telegram{cfg: cfg, factory: factory, logger: logger.With("channel", TelegramName)}, nil
}

// Name implements Channel.
func (t *Telegram) Name() string { return TelegramName }

// Start authorises the bot and starts long polling. Updates are handed to
// handler on the polling goroutine.
func (t *Telegram) Start(ctx context.Context, handler Handler) error {
	bot, err := t.factory(t.cfg.Token, t.cfg.APIEndpoint, &http.Client{Timeout: time.Duration(t.cfg.PollTimeout+10) * time.Second})
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", t.redact(err))
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	t.mu.Lock()
	t.bot, t.cancel, t.done = bot, cancel, done
	t.mu.Unlock()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = t.cfg.PollTimeout
	updates := bot.GetUpdatesChan(u)

	go func() {
		defer close(done)
		for {
			select {
			case update, ok := <-updates:
				if !ok {
					return
				}
				if in, ok := t.toInbound(update); ok {
					handler(ctx, in)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	t.logger.Info("telegram polling started", "bot", bot.GetSelf().UserName)
	return nil
}

// Stop ends polling and waits for the polling goroutine.
func (t *Telegram) Stop() {
	t.mu.Lock()
	bot, cancel, done := t.bot, t.cancel, t.done
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if bot != nil {
		bot.StopReceivingUpdates()
	}
	if done != nil {
		<-done
	}
	t.logger.Info("telegram stopped")
}

// toInbound converts an update. Unsupported updates and senders outside
// the allow list are dropped.
func (t *Telegram) toInbound(update tgbotapi.Update) (Inbound, bool) {
	switch {
	case update.CallbackQuery != nil:
		q := update.CallbackQuery
		if q.From == nil {
			return Inbound{}, false
		}
		local := strconv.FormatInt(q.From.ID, 10)
		if !allowed(t.cfg.AllowFrom, local) {
			t.logger.Warn("rejected callback", "from", local)
			return Inbound{}, false
		}
		t.answerCallback(q.ID)
		in := Inbound{
			Channel:     TelegramName,
			UserID:      UserID(TelegramName, local),
			DisplayName: displayName(q.From),
			Callback:    q.Data,
			At:          time.Now(),
		}
		if q.Message != nil {
			in.MessageID = strconv.Itoa(q.Message.MessageID)
		}
		return in, true

	case update.Message != nil:
		msg := update.Message
		if msg.From == nil || msg.Chat == nil || !msg.Chat.IsPrivate() {
			return Inbound{}, false
		}
		local := strconv.FormatInt(msg.From.ID, 10)
		if !allowed(t.cfg.AllowFrom, local) {
			t.logger.Warn("rejected message", "from", local)
			return Inbound{}, false
		}
		text := msg.Text
		if text == "" {
			text = msg.Caption
		}
		if strings.TrimSpace(text) == "" {
			return Inbound{}, false
		}
		return Inbound{
			Channel:     TelegramName,
			UserID:      UserID(TelegramName, local),
			DisplayName: displayName(msg.From),
			Text:        text,
			MessageID:   strconv.Itoa(msg.MessageID),
			At:          time.Unix(int64(msg.Date), 0).UTC(),
		}, true
	}
	return Inbound{}, false
}

func (t *Telegram) answerCallback(id string) {
	t.mu.RLock()
	bot := t.bot
	t.mu.RUnlock()
	if bot == nil {
		return
	}
	if _, err := bot.Request(tgbotapi.NewCallback(id, "")); err != nil {
		t.logger.Debug("answer callback failed", "err", t.redact(err))
	}
}

// Deliver implements Deliverer. Long texts are split; buttons are attached
// to the last chunk, whose ID is returned.
func (t *Telegram) Deliver(ctx context.Context, userID, text string, buttons []Button) (string, error) {
	t.mu.RLock()
	bot := t.bot
	t.mu.RUnlock()
	if bot == nil {
		return "", ErrNotStarted
	}

	name, local, err := SplitUserID(userID)
	if err != nil {
		return "", err
	}
	chatID, err := strconv.ParseInt(local, 10, 64)
	if name != TelegramName || err != nil {
		return "", fmt.Errorf("%w: %q", ErrUnknownRecipient, userID)
	}

	chunks := splitMessage(text, telegramMaxLen)
	var last tgbotapi.Message
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		msg := tgbotapi.NewMessage(chatID, chunk)
		if i == len(chunks)-1 && len(buttons) > 0 {
			msg.ReplyMarkup = inlineKeyboard(buttons)
		}
		last, err = bot.Send(msg)
		if err != nil {
			return "", fmt.Errorf("send telegram message: %w", t.redact(err))
		}
	}
	return strconv.Itoa(last.MessageID), nil
}

// inlineKeyboard lays buttons out one per row.
func inlineKeyboard(buttons []Button) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(buttons))
	for _, b := range buttons {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(b.Label, b.Data)))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func displayName(u *tgbotapi.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.UserName
	}
	return name
}

// redact strips the bot token, which the Bot API embeds in request URLs
// and therefore in transport errors.
func (t *Telegram) redact(err error) error {
	return redact.Error(err, t.cfg.Token)
}
