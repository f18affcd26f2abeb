// Package telegram adapts the Telegram Bot API to the bridge's
// transport contract. Updates arrive over long polling; outbound
// sends, edits and deletes pass through the per-channel rate limiter.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/yee94/takopi/internal/ratelimit"
	"github.com/yee94/takopi/internal/transport"
)

// Config holds configuration for the Telegram adapter.
type Config struct {
	// Token is the bot token from @BotFather (required)
	Token string

	// AllowedUsers restricts senders by username or numeric id; empty
	// allows everyone.
	AllowedUsers []string

	// RateLimit paces outbound calls per channel.
	RateLimit ratelimit.Config

	// UpdateBuffer is the capacity of the incoming update channel.
	UpdateBuffer int

	// Logger is an optional slog.Logger instance
	Logger *slog.Logger
}

// Validate checks if the configuration is valid and applies defaults.
func (c *Config) Validate() error {
	if c.Token == "" {
		return errors.New("telegram: token is required")
	}
	if c.RateLimit == (ratelimit.Config{}) {
		c.RateLimit = ratelimit.DefaultConfig()
	}
	if c.UpdateBuffer == 0 {
		c.UpdateBuffer = 100
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter implements transport.Transport and transport.UpdateSource
// for Telegram.
type Adapter struct {
	config  Config
	client  BotClient
	bot     *bot.Bot
	updates chan transport.Incoming
	limiter *ratelimit.Limiter
	allowed map[string]struct{}
	logger  *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAdapter creates a new Telegram adapter with the given
// configuration. The connection is established by Start.
func NewAdapter(config Config) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	allowed := make(map[string]struct{}, len(config.AllowedUsers))
	for _, user := range config.AllowedUsers {
		allowed[user] = struct{}{}
	}

	return &Adapter{
		config:  config,
		updates: make(chan transport.Incoming, config.UpdateBuffer),
		limiter: ratelimit.NewLimiter(config.RateLimit),
		allowed: allowed,
		logger:  config.Logger.With("adapter", "telegram"),
	}, nil
}

// Start connects the bot and begins long polling. It returns once the
// connection is up; updates flow on Updates() until ctx is cancelled.
func (a *Adapter) Start(ctx context.Context) error {
	b, err := bot.New(a.config.Token, bot.WithDefaultHandler(a.handleUpdate))
	if err != nil {
		return fmt.Errorf("telegram: failed to create bot: %w", err)
	}
	a.bot = b
	a.client = newRealBotClient(b)

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer close(a.updates)
		a.logger.Info("starting long polling")
		a.bot.Start(ctx)
		a.logger.Info("long polling stopped")
	}()

	return nil
}

// Updates yields normalized incoming messages.
func (a *Adapter) Updates() <-chan transport.Incoming {
	return a.updates
}

// handleUpdate converts a Telegram update to the unified format.
func (a *Adapter) handleUpdate(ctx context.Context, _ *bot.Bot, update *models.Update) {
	msg := update.Message
	if msg == nil || msg.Text == "" {
		return
	}
	if !a.senderAllowed(msg.From) {
		a.logger.Debug("dropping update from disallowed sender", "chat_id", msg.Chat.ID)
		return
	}

	incoming := transport.Incoming{
		Channel:   strconv.FormatInt(msg.Chat.ID, 10),
		MessageID: strconv.Itoa(msg.ID),
		Text:      msg.Text,
	}
	if msg.From != nil {
		incoming.Sender = msg.From.Username
		if incoming.Sender == "" {
			incoming.Sender = strconv.FormatInt(msg.From.ID, 10)
		}
	}
	if reply := msg.ReplyToMessage; reply != nil {
		incoming.ReplyToID = strconv.Itoa(reply.ID)
		incoming.ReplyText = reply.Text
		if incoming.ReplyText == "" {
			incoming.ReplyText = reply.Caption
		}
	}
	if msg.IsTopicMessage && msg.MessageThreadID != 0 {
		incoming.ThreadID = strconv.Itoa(msg.MessageThreadID)
	}

	select {
	case a.updates <- incoming:
	case <-ctx.Done():
	default:
		a.logger.Warn("updates channel full, dropping message", "chat_id", msg.Chat.ID)
	}
}

func (a *Adapter) senderAllowed(from *models.User) bool {
	if len(a.allowed) == 0 {
		return true
	}
	if from == nil {
		return false
	}
	if _, ok := a.allowed[from.Username]; ok {
		return true
	}
	_, ok := a.allowed[strconv.FormatInt(from.ID, 10)]
	return ok
}

// Send delivers a message to a chat.
func (a *Adapter) Send(ctx context.Context, channel string, msg transport.RenderedMessage, opts *transport.SendOptions) (*transport.MessageRef, error) {
	chatID, err := parseChatID(channel)
	if err != nil {
		return nil, err
	}
	if err := a.limiter.Wait(ctx, channel); err != nil {
		return nil, err
	}

	params := &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      msg.Text,
		ParseMode: parseMode(msg),
	}
	if opts != nil {
		params.DisableNotification = !opts.Notify
		if opts.ReplyTo != nil {
			if replyID, err := strconv.Atoi(opts.ReplyTo.ID); err == nil {
				params.ReplyParameters = &models.ReplyParameters{MessageID: replyID}
			}
		}
		if opts.ThreadID != "" {
			if threadID, err := strconv.Atoi(opts.ThreadID); err == nil {
				params.MessageThreadID = threadID
			}
		}
	}

	sent, err := a.client.SendMessage(ctx, params)
	if err != nil && params.ParseMode != "" {
		// Engine output often breaks Telegram's markdown; deliver plain
		// rather than not at all.
		a.logger.Debug("send failed with parse mode, retrying plain", "error", err)
		params.ParseMode = ""
		sent, err = a.client.SendMessage(ctx, params)
	}
	if err != nil {
		return nil, fmt.Errorf("telegram: send failed: %w", err)
	}

	// Superseding an earlier message is delete-then-send on Telegram.
	if opts != nil && opts.Replace != nil {
		if _, err := a.Delete(ctx, *opts.Replace); err != nil {
			a.logger.Debug("failed to delete replaced message", "error", err)
		}
	}

	return &transport.MessageRef{Channel: channel, ID: strconv.Itoa(sent.ID)}, nil
}

// Edit replaces the referenced message's text.
func (a *Adapter) Edit(ctx context.Context, ref transport.MessageRef, msg transport.RenderedMessage, wait bool) (*transport.MessageRef, error) {
	if !wait {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if _, err := a.edit(context.WithoutCancel(ctx), ref, msg); err != nil {
				a.logger.Debug("fire-and-forget edit failed", "error", err, "channel", ref.Channel)
			}
		}()
		return &ref, nil
	}
	return a.edit(ctx, ref, msg)
}

func (a *Adapter) edit(ctx context.Context, ref transport.MessageRef, msg transport.RenderedMessage) (*transport.MessageRef, error) {
	chatID, err := parseChatID(ref.Channel)
	if err != nil {
		return nil, err
	}
	messageID, err := strconv.Atoi(ref.ID)
	if err != nil {
		return nil, fmt.Errorf("telegram: bad message id %q", ref.ID)
	}
	if err := a.limiter.Wait(ctx, ref.Channel); err != nil {
		return nil, err
	}

	params := &bot.EditMessageTextParams{
		ChatID:    chatID,
		MessageID: messageID,
		Text:      msg.Text,
		ParseMode: parseMode(msg),
	}
	_, err = a.client.EditMessageText(ctx, params)
	if err != nil && params.ParseMode != "" {
		params.ParseMode = ""
		_, err = a.client.EditMessageText(ctx, params)
	}
	if err != nil {
		return nil, fmt.Errorf("telegram: edit failed: %w", err)
	}
	return &ref, nil
}

// Delete removes the referenced message.
func (a *Adapter) Delete(ctx context.Context, ref transport.MessageRef) (bool, error) {
	chatID, err := parseChatID(ref.Channel)
	if err != nil {
		return false, err
	}
	messageID, err := strconv.Atoi(ref.ID)
	if err != nil {
		return false, fmt.Errorf("telegram: bad message id %q", ref.ID)
	}
	if err := a.limiter.Wait(ctx, ref.Channel); err != nil {
		return false, err
	}

	ok, err := a.client.DeleteMessage(ctx, &bot.DeleteMessageParams{
		ChatID:    chatID,
		MessageID: messageID,
	})
	if err != nil {
		return false, fmt.Errorf("telegram: delete failed: %w", err)
	}
	return ok, nil
}

// Close stops polling and waits for in-flight work.
func (a *Adapter) Close() error {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	return nil
}

func parseChatID(channel string) (int64, error) {
	chatID, err := strconv.ParseInt(channel, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: bad channel id %q", channel)
	}
	return chatID, nil
}

func parseMode(msg transport.RenderedMessage) models.ParseMode {
	if mode, ok := msg.Extra["parse_mode"].(string); ok {
		return models.ParseMode(mode)
	}
	return ""
}
