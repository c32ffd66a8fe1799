package hanabot

import (
	"context"
	"github.com/lmittmann/tint"
	"log/slog"
	"strings"
)

const replyFallbackPrefix = "回覆時出錯，嘗試直接發送：\n"

// Messenger delivers text to a channel
type Messenger interface {
	// Send sends text to the channel, as a reply to the replyTo message
	// if set
	Send(ctx context.Context, channelID, text, replyTo string) error

	// TriggerTyping shows the typing indicator in the channel
	TriggerTyping(ctx context.Context, channelID string) error
}

// Completion produces a model reply for a user turn
type Completion interface {
	Complete(ctx context.Context, req CompletionRequest) CompletionResult
}

// PersonaSource returns the persona messages for a user
type PersonaSource interface {
	Load(username string) PersonaSet
}

// EngineDeps are the collaborators of an Engine
type EngineDeps struct {
	State      *StateStore
	Completer  Completion
	Personas   PersonaSource
	Directives *DirectiveProcessor
	Messenger  Messenger
	Commands   *OwnerCommands

	// BotUserID returns the bot's own user ID, so its messages are
	// ignored
	BotUserID func() string

	// BlacklistChannels never receive ambient replies
	BlacklistChannels []string
	Logger            *slog.Logger
}

// Engine decides when to reply to a message, and drives the completion,
// directive processing and delivery of the reply.
//
// A message addressed to the bot (by mention or reply) always gets a
// reply. Other messages count towards the channel's ambient trigger:
// below the target, they're only recorded in the channel history, and
// on reaching it, the bot replies and the counter is reset.
type Engine struct {
	state      *StateStore
	completer  Completion
	personas   PersonaSource
	directives *DirectiveProcessor
	messenger  Messenger
	commands   *OwnerCommands
	botUserID  func() string
	blacklist  map[string]struct{}
	logger     *slog.Logger
}

func NewEngine(deps EngineDeps) *Engine {
	g := &Engine{
		state:      deps.State,
		completer:  deps.Completer,
		personas:   deps.Personas,
		directives: deps.Directives,
		messenger:  deps.Messenger,
		commands:   deps.Commands,
		botUserID:  deps.BotUserID,
		blacklist:  make(map[string]struct{}, len(deps.BlacklistChannels)),
		logger:     deps.Logger,
	}
	for _, channelID := range deps.BlacklistChannels {
		if channelID = strings.TrimSpace(channelID); channelID != "" {
			g.blacklist[channelID] = struct{}{}
		}
	}
	if g.botUserID == nil {
		g.botUserID = func() string { return "" }
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.directives == nil {
		g.directives = NewDirectiveProcessor(nil, nil, g.logger)
	}
	return g
}

// HandleEvent handles a single inbound message. It never fails: every
// error is logged, and possibly reported in the channel.
func (g *Engine) HandleEvent(ctx context.Context, e Event) {
	logger := g.logger.With("event", e)
	ctx = WithLogger(ctx, logger)
	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
		}
	}()

	if botID := g.botUserID(); e.AuthorID == "" || e.AuthorID == botID {
		logger.DebugContext(ctx, "ignoring own message")
		return
	}
	if e.AuthorIsBot {
		logger.DebugContext(ctx, "ignoring message from another bot")
		return
	}

	if g.commands != nil && g.commands.Handle(ctx, e) {
		return
	}

	if e.AddressedToBot {
		g.handleDirect(ctx, e)
		return
	}
	g.handleAmbient(ctx, e)
}

func (g *Engine) handleDirect(ctx context.Context, e Event) {
	logger := contextLoggerOr(ctx, g.logger)

	text := RewriteMentions(e.Text, e.Mentions)
	imageURL := e.ImageURL()
	if strings.TrimSpace(text) == "" && imageURL == "" {
		logger.DebugContext(ctx, "addressed message has no text or image, ignoring")
		return
	}

	logger.InfoContext(ctx, "replying to addressed message", "has_image", imageURL != "")
	defer g.typing(ctx, e.ChannelID)()
	g.respond(ctx, e, text, imageURL, true)
}

func (g *Engine) handleAmbient(ctx context.Context, e Event) {
	logger := contextLoggerOr(ctx, g.logger)

	if _, blacklisted := g.blacklist[e.ChannelID]; blacklisted {
		logger.DebugContext(ctx, "channel is blacklisted, ignoring")
		return
	}

	text := RewriteMentions(e.Text, e.Mentions)
	imageURL := e.ImageURL()
	if strings.TrimSpace(text) == "" && imageURL == "" {
		return
	}

	if !g.state.IncrementAndFire(e.ChannelID) {
		g.state.RecordUserTurn(
			e.ChannelID,
			Turn{Role: roleUser, Content: historyLine(e.DisplayName(), text, imageURL != "")},
		)
		return
	}

	logger.InfoContext(ctx, "ambient trigger reached, replying")
	defer g.typing(ctx, e.ChannelID)()
	g.respond(ctx, e, text, imageURL, false)
}

// respond requests a completion for the message, executes directives
// in the reply, records the exchange and sends the cleaned reply.
func (g *Engine) respond(
	ctx context.Context,
	e Event,
	text string,
	imageURL string,
	timeoutEnabled bool,
) {
	logger := contextLoggerOr(ctx, g.logger)
	username := e.DisplayName()

	result := g.completer.Complete(
		ctx,
		CompletionRequest{
			Username: username,
			Text:     text,
			ImageURL: imageURL,
			History:  g.state.History(e.ChannelID),
			Persona:  g.personas.Load(username),
		},
	)

	switch result.Kind {
	case ResultNone:
		logger.InfoContext(ctx, "no reply to send")
		return
	case ResultError:
		logger.WarnContext(
			ctx,
			"completion failed, sending diagnostic",
			tint.Err(result.Err),
		)
		g.deliver(ctx, e, result.Diagnostic)
		return
	}

	outcome, reply := g.directives.Process(
		ctx,
		result.Reply,
		DirectiveContext{
			GuildID:        e.GuildID,
			UserID:         e.AuthorID,
			ChannelID:      e.ChannelID,
			TimeoutEnabled: timeoutEnabled,
		},
	)
	g.state.RecordExchange(e.ChannelID, result.UserTurn, result.AssistantTurn)

	switch outcome {
	case DirectiveEmpty:
		logger.InfoContext(ctx, "reply only contained directives, nothing to send")
		return
	case DirectiveUnhandled:
		reply = result.Reply
	}
	g.deliver(ctx, e, reply)
}

// deliver sends text as a reply to the event's message, falling back
// to a plain message in the channel if the reply fails
func (g *Engine) deliver(ctx context.Context, e Event, text string) {
	logger := contextLoggerOr(ctx, g.logger)

	err := g.messenger.Send(
		ctx,
		e.ChannelID,
		shortenString(text, discordMaxMessageLength),
		e.MessageID,
	)
	if err == nil {
		return
	}

	logger.WarnContext(ctx, "error sending reply, sending directly", tint.Err(err))
	err = g.messenger.Send(
		ctx,
		e.ChannelID,
		shortenString(replyFallbackPrefix+text, discordMaxMessageLength),
		"",
	)
	if err != nil {
		logger.ErrorContext(ctx, "error sending message", tint.Err(err))
	}
}

// typing shows the typing indicator in the background. The returned
// func waits for the request to finish.
func (g *Engine) typing(ctx context.Context, channelID string) (wait func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := g.messenger.TriggerTyping(ctx, channelID); err != nil {
			contextLoggerOr(ctx, g.logger).WarnContext(
				ctx,
				"error sending typing indicator",
				tint.Err(err),
			)
		}
	}()
	return func() { <-done }
}
