// Package telegram provides the Telegram chat connector using the Telego
// library. It long-polls for updates, feeds inbound messages to the
// supervisor's intake, and delivers outbound agent replies.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/mymmrac/telego"

	"github.com/nanoclaw/nanoclaw/internal/config"
	"github.com/nanoclaw/nanoclaw/internal/logger"
	"github.com/nanoclaw/nanoclaw/internal/supervisor"
)

// InboundHandler receives every ingested chat event.
type InboundHandler interface {
	HandleInbound(msg supervisor.IncomingMessage) error
}

// Connector is the Telegram bot connector.
type Connector struct {
	cfg     config.TelegramConfig
	log     *logger.Logger
	handler InboundHandler
	typing  *TypingManager

	bot     *telego.Bot
	botUser *telego.User
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a Telegram connector. The inbound handler is bound
// separately because the supervisor and the connector reference each
// other.
func New(cfg config.TelegramConfig, log *logger.Logger) *Connector {
	return &Connector{
		cfg:    cfg,
		log:    log,
		typing: NewTypingManager(log),
	}
}

// SetHandler binds the inbound sink. Must be called before Start.
func (c *Connector) SetHandler(handler InboundHandler) {
	c.handler = handler
}

// Start initializes the bot and begins long polling. Disabled connectors
// start as inert no-ops so the supervisor wiring stays uniform.
func (c *Connector) Start(ctx context.Context) error {
	if !c.cfg.Enabled {
		c.log.Info("telegram connector disabled in config")
		return nil
	}
	if c.cfg.Token == "" {
		return fmt.Errorf("telegram enabled but token is empty")
	}

	bot, err := telego.NewBot(c.cfg.Token)
	if err != nil {
		return fmt.Errorf("failed to initialize telegram bot: %w", err)
	}
	c.bot = bot
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.typing.bot = bot
	c.typing.ctx = c.ctx

	botUser, err := bot.GetMe(c.ctx)
	if err != nil {
		return fmt.Errorf("failed to get bot info: %w", err)
	}
	c.botUser = botUser
	c.log.Info("telegram bot initialized",
		logger.Field{Key: "bot_id", Value: botUser.ID},
		logger.Field{Key: "username", Value: botUser.Username})

	go c.longPoll()
	return nil
}

// Stop cancels long polling and every live typing indicator.
func (c *Connector) Stop() {
	c.typing.StopAll()
	if c.cancel != nil {
		c.cancel()
	}
	c.log.Info("telegram connector stopped")
}

func (c *Connector) longPoll() {
	updates, err := c.bot.UpdatesViaLongPolling(c.ctx, &telego.GetUpdatesParams{
		Timeout: 30,
	})
	if err != nil {
		c.log.ErrorCtx(c.ctx, "failed to start long polling", err)
		return
	}

	c.log.Info("telegram long polling started")
	for {
		select {
		case <-c.ctx.Done():
			c.log.Info("telegram long polling stopped")
			return
		case update, ok := <-updates:
			if !ok {
				c.log.Info("telegram updates channel closed")
				return
			}
			if err := c.handleUpdate(update); err != nil {
				c.log.ErrorCtx(c.ctx, "failed to handle telegram update", err)
			}
		}
	}
}

func (c *Connector) handleUpdate(update telego.Update) error {
	msg := update.Message
	if msg == nil || msg.From == nil {
		return nil
	}
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if text == "" {
		return nil
	}

	return c.handler.HandleInbound(supervisor.IncomingMessage{
		ChannelID:  strconv.FormatInt(msg.Chat.ID, 10),
		ChatName:   chatName(msg.Chat),
		SenderName: senderName(msg.From),
		Text:       text,
		Time:       time.Unix(msg.Date, 0).UTC(),
		Mentioned:  c.mentionsBot(msg),
		ReplyToBot: c.isReplyToBot(msg),
	})
}

// mentionsBot reports whether the message @-mentions the bot account.
// Entity offsets and lengths count UTF-16 code units, so the text is
// sliced in that encoding; a rune slice mis-addresses anything after a
// non-BMP character.
func (c *Connector) mentionsBot(msg *telego.Message) bool {
	if c.botUser == nil || c.botUser.Username == "" {
		return false
	}
	handle := "@" + c.botUser.Username
	units := utf16.Encode([]rune(msg.Text))
	for _, entity := range msg.Entities {
		if entity.Type != telego.EntityTypeMention {
			continue
		}
		end := entity.Offset + entity.Length
		if entity.Offset < 0 || end > len(units) {
			continue
		}
		mention := string(utf16.Decode(units[entity.Offset:end]))
		if strings.EqualFold(mention, handle) {
			return true
		}
	}
	return false
}

// isReplyToBot reports whether the message replies to one of the bot's own
// messages.
func (c *Connector) isReplyToBot(msg *telego.Message) bool {
	return c.botUser != nil &&
		msg.ReplyToMessage != nil &&
		msg.ReplyToMessage.From != nil &&
		msg.ReplyToMessage.From.ID == c.botUser.ID
}

// SendMessage delivers one outbound chunk to a chat.
func (c *Connector) SendMessage(ctx context.Context, channelID, text string) error {
	if c.bot == nil {
		return fmt.Errorf("telegram connector not started")
	}
	chatID, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram channel id %q: %w", channelID, err)
	}

	timeout := time.Duration(c.cfg.SendTimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err = c.bot.SendMessage(sendCtx, &telego.SendMessageParams{
		ChatID: telego.ChatID{ID: chatID},
		Text:   text,
	})
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	return nil
}

// StartTyping begins refreshing the typing indicator for the channel and
// returns a stop function.
func (c *Connector) StartTyping(channelID string) func() {
	if c.bot == nil {
		return func() {}
	}
	return c.typing.Start(channelID)
}

func chatName(chat telego.Chat) string {
	if chat.Title != "" {
		return chat.Title
	}
	if chat.Username != "" {
		return chat.Username
	}
	return strings.TrimSpace(chat.FirstName + " " + chat.LastName)
}

func senderName(from *telego.User) string {
	name := strings.TrimSpace(from.FirstName + " " + from.LastName)
	if name == "" {
		name = from.Username
	}
	return name
}
