package hanabot

import (
	"context"
	"fmt"
	"github.com/lmittmann/tint"
	"log/slog"
	"strings"
)

const (
	ownerCommandWack     = "wack"
	ownerCommandWackAlt  = "清除記憶"
	ownerCommandDown     = "down"
	ownerCommandDownAlt  = "關閉"
	ownerCommandReset    = "reset"
	ownerCommandResetAlt = "重啟"
	commandMemory        = "memory"

	wackClearedReply = "操你媽敲沙小，我腦袋都空了。"
	wackEmptyReply   = "腦袋沒東西了啦，敲啥。"
	downReply        = "小睡一下，等等回來"
	memoryEmptyReply = "這個頻道還沒有任何記憶。"
	memoryListHeader = "這個頻道的記憶："
	memoryReadError  = "讀取記憶時發生錯誤。"
)

// MemoryLister reads a channel's saved memories
type MemoryLister interface {
	List(channelID string) ([]MemoryRecord, error)
}

// OwnerCommands handles text commands, ex: "/wack". Everything but
// the memory listing is limited to the configured owner.
type OwnerCommands struct {
	prefix    string
	ownerID   string
	state     *StateStore
	memories  MemoryLister
	messenger Messenger

	// shutdown requests a graceful stop of the bot
	shutdown func()
	logger   *slog.Logger
}

func NewOwnerCommands(
	config *DiscordConfig,
	state *StateStore,
	memories MemoryLister,
	messenger Messenger,
	shutdown func(),
	logger *slog.Logger,
) *OwnerCommands {
	if logger == nil {
		logger = slog.Default()
	}
	return &OwnerCommands{
		prefix:    config.CommandPrefix,
		ownerID:   config.OwnerID,
		state:     state,
		memories:  memories,
		messenger: messenger,
		shutdown:  shutdown,
		logger:    logger,
	}
}

// parseCommand returns the command name if text is a command, ex:
// "/wack" or "/wack now" both return "wack"
func (c *OwnerCommands) parseCommand(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if c.prefix == "" || !strings.HasPrefix(text, c.prefix) {
		return "", false
	}
	fields := strings.Fields(strings.TrimPrefix(text, c.prefix))
	if len(fields) == 0 {
		return "", false
	}
	return fields[0], true
}

func (c *OwnerCommands) isOwner(userID string) bool {
	return c.ownerID != "" && userID == c.ownerID
}

// Handle runs the command in e, if there is one. It returns true if
// the message was a recognized command, in which case it shouldn't be
// handled further.
func (c *OwnerCommands) Handle(ctx context.Context, e Event) bool {
	name, ok := c.parseCommand(e.Text)
	if !ok {
		return false
	}
	logger := contextLoggerOr(ctx, c.logger).With("command", name)

	switch name {
	case ownerCommandWack, ownerCommandWackAlt:
		if !c.isOwner(e.AuthorID) {
			logger.DebugContext(ctx, "ignoring owner command from non-owner")
			return true
		}
		c.wack(ctx, logger, e)
	case ownerCommandDown, ownerCommandDownAlt, ownerCommandReset, ownerCommandResetAlt:
		if !c.isOwner(e.AuthorID) {
			logger.DebugContext(ctx, "ignoring owner command from non-owner")
			return true
		}
		c.down(ctx, logger, e)
	case commandMemory:
		c.listMemories(ctx, logger, e)
	default:
		return false
	}
	return true
}

func (c *OwnerCommands) wack(ctx context.Context, logger *slog.Logger, e Event) {
	reply := wackEmptyReply
	if c.state.Clear(e.ChannelID) {
		logger.InfoContext(ctx, "cleared channel history")
		reply = wackClearedReply
	} else {
		logger.DebugContext(ctx, "no channel history to clear")
	}
	c.send(ctx, logger, e.ChannelID, reply, e.MessageID)
}

func (c *OwnerCommands) down(ctx context.Context, logger *slog.Logger, e Event) {
	logger.WarnContext(ctx, "shutdown requested by owner", "user_id", e.AuthorID)
	c.send(ctx, logger, e.ChannelID, downReply, "")
	if c.shutdown != nil {
		c.shutdown()
	}
}

func (c *OwnerCommands) listMemories(ctx context.Context, logger *slog.Logger, e Event) {
	if c.memories == nil {
		c.send(ctx, logger, e.ChannelID, memoryEmptyReply, e.MessageID)
		return
	}
	records, err := c.memories.List(e.ChannelID)
	if err != nil {
		logger.ErrorContext(ctx, "error listing memories", tint.Err(err))
		c.send(ctx, logger, e.ChannelID, memoryReadError, e.MessageID)
		return
	}
	if len(records) == 0 {
		c.send(ctx, logger, e.ChannelID, memoryEmptyReply, e.MessageID)
		return
	}
	c.send(ctx, logger, e.ChannelID, formatMemories(records), e.MessageID)
}

// formatMemories renders records as a numbered list under a header
func formatMemories(records []MemoryRecord) string {
	var sb strings.Builder
	sb.WriteString(memoryListHeader)
	for i, rec := range records {
		sb.WriteString(fmt.Sprintf("\n%d. %s", i+1, rec.Content))
	}
	return sb.String()
}

func (c *OwnerCommands) send(
	ctx context.Context,
	logger *slog.Logger,
	channelID string,
	text string,
	replyTo string,
) {
	text = shortenString(text, discordMaxMessageLength)
	if err := c.messenger.Send(ctx, channelID, text, replyTo); err != nil {
		logger.ErrorContext(ctx, "error sending command response", tint.Err(err))
	}
}
