package telegram

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nanoclaw/nanoclaw/internal/logger"
)

// typingRefresh keeps the indicator alive: Telegram expires a chat action
// after roughly ten seconds.
const typingRefresh = 9 * time.Second

// TypingManager keeps a typing indicator alive per chat while an agent
// run is in flight.
type TypingManager struct {
	bot *telego.Bot
	log *logger.Logger
	ctx context.Context

	mu     sync.Mutex
	cancel map[string]context.CancelFunc
}

// NewTypingManager creates a typing manager.
func NewTypingManager(log *logger.Logger) *TypingManager {
	return &TypingManager{
		log:    log,
		cancel: make(map[string]context.CancelFunc),
	}
}

// Start begins refreshing the typing indicator for the channel and
// returns a stop function. Starting twice for the same channel is a no-op
// for the second caller.
func (tm *TypingManager) Start(channelID string) func() {
	if tm.bot == nil {
		return func() {}
	}

	tm.mu.Lock()
	if _, exists := tm.cancel[channelID]; exists {
		tm.mu.Unlock()
		return func() {}
	}
	base := tm.ctx
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)
	tm.cancel[channelID] = cancel
	tm.mu.Unlock()

	go func() {
		ticker := time.NewTicker(typingRefresh)
		defer ticker.Stop()

		tm.send(ctx, channelID)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tm.send(ctx, channelID)
			}
		}
	}()

	return func() { tm.Stop(channelID) }
}

// Stop cancels the indicator for one channel.
func (tm *TypingManager) Stop(channelID string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if cancel, exists := tm.cancel[channelID]; exists {
		cancel()
		delete(tm.cancel, channelID)
	}
}

// StopAll cancels every live indicator.
func (tm *TypingManager) StopAll() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	for id, cancel := range tm.cancel {
		cancel()
		delete(tm.cancel, id)
	}
}

func (tm *TypingManager) send(ctx context.Context, channelID string) {
	chatID, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		tm.log.Warn("invalid channel id for typing indicator",
			logger.Field{Key: "channel_id", Value: channelID})
		return
	}
	err = tm.bot.SendChatAction(ctx, &telego.SendChatActionParams{
		ChatID: telego.ChatID{ID: chatID},
		Action: telego.ChatActionTyping,
	})
	if err != nil && ctx.Err() == nil {
		tm.log.Warn("failed to send typing indicator",
			logger.Field{Key: "channel_id", Value: channelID},
			logger.Field{Key: "error", Value: err})
	}
}
