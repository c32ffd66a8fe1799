package hanabot

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync/atomic"
	"time"
)

// mentionPattern matches <@ID> and <@!ID> user mentions
var mentionPattern = regexp.MustCompile(`<@!?(\d+)>`)

// Attachment is a file attached to a message
type Attachment struct {
	ContentType string
	URL         string
	Filename    string
}

// Mention is a user mentioned in a message
type Mention struct {
	ID          string
	DisplayName string
}

// Event is an inbound chat message, independent of the discordgo types
type Event struct {
	MessageID string
	ChannelID string
	GuildID   string

	AuthorID         string
	AuthorUsername   string
	AuthorGlobalName string
	AuthorNick       string
	AuthorIsBot      bool

	// Text is the message content, with mentions of the bot removed
	// when the message is addressed to it
	Text string
	// RawText is the message content as received
	RawText string

	Attachments []Attachment
	Mentions    []Mention

	// AddressedToBot is set if the bot is mentioned, or the message
	// replies to one of the bot's messages
	AddressedToBot bool
}

// NewEvent converts a discord message to an Event
func NewEvent(m *discordgo.Message, botUserID string) Event {
	e := Event{
		MessageID: m.ID,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
		RawText:   m.Content,
		Text:      m.Content,
	}

	author := m.Author
	if author == nil && m.Member != nil {
		author = m.Member.User
	}
	if author != nil {
		e.AuthorID = author.ID
		e.AuthorUsername = author.Username
		e.AuthorGlobalName = author.GlobalName
		e.AuthorIsBot = author.Bot
	}
	if m.Member != nil {
		e.AuthorNick = m.Member.Nick
	}

	for _, a := range m.Attachments {
		if a == nil {
			continue
		}
		e.Attachments = append(
			e.Attachments,
			Attachment{ContentType: a.ContentType, URL: a.URL, Filename: a.Filename},
		)
	}

	for _, u := range m.Mentions {
		if u == nil {
			continue
		}
		e.Mentions = append(e.Mentions, Mention{ID: u.ID, DisplayName: userDisplayName(u)})
	}

	if botUserID != "" {
		repliesToBot := m.ReferencedMessage != nil &&
			m.ReferencedMessage.Author != nil &&
			m.ReferencedMessage.Author.ID == botUserID
		e.AddressedToBot = messageMentionsUser(m, botUserID) || repliesToBot
		if e.AddressedToBot {
			e.Text = stripUserMention(m.Content, botUserID)
		}
	}
	return e
}

func (e Event) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("message_id", e.MessageID),
		slog.String("channel_id", e.ChannelID),
		slog.String("guild_id", e.GuildID),
		slog.String("user_id", e.AuthorID),
		slog.String("username", e.AuthorUsername),
		slog.Bool("addressed", e.AddressedToBot),
		slog.Int("attachments", len(e.Attachments)),
		slog.String("content", truncate(e.RawText, 50)),
	)
}

// DisplayName returns the author's name as shown in the channel: the
// guild nickname, then the global name, then the username
func (e Event) DisplayName() string {
	switch {
	case e.AuthorNick != "":
		return e.AuthorNick
	case e.AuthorGlobalName != "":
		return e.AuthorGlobalName
	default:
		return e.AuthorUsername
	}
}

// ImageURL returns the URL of the first image attachment, if any
func (e Event) ImageURL() string {
	for _, a := range e.Attachments {
		if strings.HasPrefix(a.ContentType, "image/") && a.URL != "" {
			return a.URL
		}
	}
	return ""
}

// RewriteMentions annotates each known user mention with the user's
// display name: <@ID> becomes <@ID>(Name). Unknown IDs are untouched.
func RewriteMentions(text string, mentions []Mention) string {
	if len(mentions) == 0 {
		return text
	}
	names := make(map[string]string, len(mentions))
	for _, m := range mentions {
		if m.DisplayName != "" {
			names[m.ID] = m.DisplayName
		}
	}
	return mentionPattern.ReplaceAllStringFunc(
		text, func(match string) string {
			id := mentionPattern.FindStringSubmatch(match)[1]
			name, ok := names[id]
			if !ok {
				return match
			}
			return fmt.Sprintf("<@%s>(%s)", id, name)
		},
	)
}

func userDisplayName(u *discordgo.User) string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

// stripUserMention removes every <@userID> and <@!userID> from text
func stripUserMention(text string, userID string) string {
	text = strings.ReplaceAll(text, "<@"+userID+">", "")
	text = strings.ReplaceAll(text, "<@!"+userID+">", "")
	return strings.TrimSpace(text)
}

// messageMentionsUser checks if a given discord message mentions the
// given user ID (does not indicate if the message content itself contains
// the user, just if the message mentions the user via @).
// Returns true if the message mentions the user, otherwise false.
func messageMentionsUser(m *discordgo.Message, userID string) bool {
	if m == nil {
		return false
	}
	if len(m.Mentions) == 0 {
		return false
	}
	for _, mention := range m.Mentions {
		if mention != nil && mention.ID == userID {
			return true
		}
	}
	return false
}

// DiscordSessionHandler is the part of discordgo.Session used by the
// bot, so it can be replaced in tests
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// ChannelMessageSend sends a message to a specified channel.
	ChannelMessageSend(
		channelID string,
		content string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendReply sends a message to the given channel, as a
	// reply to the referenced message
	ChannelMessageSendReply(
		channelID string,
		content string,
		reference *discordgo.MessageReference,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelTyping shows the typing indicator in the channel
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error

	// GuildMemberTimeout disables communication for a guild member
	// until the given time. A nil until removes the timeout.
	GuildMemberTimeout(
		guildID string,
		userID string,
		until *time.Time,
		options ...discordgo.RequestOption,
	) error

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	content string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, content, options...)
}

func (d DiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendReply(
		channelID, content, reference, options...,
	)
	if err != nil {
		d.logger.Error(
			"error sending message reply",
			tint.Err(err),
			"channel_id", channelID,
			"reference", reference,
		)
	} else {
		d.logger.Debug(
			"sent message reply",
			"channel_id", channelID,
			"message_id", msg.ID,
			"reference", reference,
		)
	}
	return msg, err
}

func (d DiscordSession) ChannelTyping(
	channelID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelTyping(channelID, options...)
}

func (d DiscordSession) GuildMemberTimeout(
	guildID string,
	userID string,
	until *time.Time,
	options ...discordgo.RequestOption,
) error {
	err := d.session.GuildMemberTimeout(guildID, userID, until, options...)
	if err != nil {
		d.logger.Error(
			"error timing out guild member",
			tint.Err(err),
			"guild_id", guildID,
			"user_id", userID,
		)
	}
	return err
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

// SetIdentify replaces the session's identify payload. The token and
// client properties set by discordgo.New are kept unless i sets them.
func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	if i.Token == "" {
		i.Token = d.session.Identify.Token
	}
	if i.Properties == (discordgo.IdentifyProperties{}) {
		i.Properties = d.session.Identify.Properties
	}
	d.session.Identify = i
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	level, err := discordgoLogLevel(lvl.Level())
	if err != nil {
		return err
	}
	d.session.LogLevel = level
	return nil
}

// Discord manages the gateway session, and implements Messenger and
// Moderator on top of it
type Discord struct {
	session           DiscordSessionHandler
	config            *DiscordConfig
	logger            *slog.Logger
	metricConnects    atomic.Int64
	metricDisconnects atomic.Int64
	connected         atomic.Bool
	botUser           atomic.Pointer[discordgo.User]
	removeHandlers    []func()
}

// newDiscord initializes a new Discord instance with the provided configuration
func newDiscord(config *DiscordConfig) *Discord {
	return &Discord{
		config:         config,
		logger:         newComponentLogger(config.LogLevel, "discord"),
		removeHandlers: []func(){},
	}
}

// newSession initializes a new Discord session for the Discord struct.
// It sets up the session with the appropriate logger, token, and configuration.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

// BotUserID returns the bot's user ID, once the gateway is ready
func (d *Discord) BotUserID() string {
	if u := d.botUser.Load(); u != nil {
		return u.ID
	}
	return ""
}

// Connected reports whether the gateway connection is up
func (d *Discord) Connected() bool {
	return d.connected.Load()
}

func (d *Discord) requestOptions(ctx context.Context) []discordgo.RequestOption {
	return []discordgo.RequestOption{
		discordgo.WithContext(ctx),
		discordgo.WithRestRetries(0),
	}
}

func (d *Discord) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.config.RequestTimeout > 0 {
		return context.WithTimeout(ctx, d.config.RequestTimeout)
	}
	return context.WithCancel(ctx)
}

// Send sends text to the channel. If replyTo is set, the message is
// sent as a reply to that message.
func (d *Discord) Send(
	ctx context.Context,
	channelID string,
	text string,
	replyTo string,
) error {
	ctx, cancel := d.requestContext(ctx)
	defer cancel()

	if replyTo == "" {
		_, err := d.session.ChannelMessageSend(channelID, text, d.requestOptions(ctx)...)
		return err
	}
	_, err := d.session.ChannelMessageSendReply(
		channelID,
		text,
		&discordgo.MessageReference{MessageID: replyTo, ChannelID: channelID},
		d.requestOptions(ctx)...,
	)
	return err
}

// TriggerTyping shows the typing indicator in the channel
func (d *Discord) TriggerTyping(ctx context.Context, channelID string) error {
	ctx, cancel := d.requestContext(ctx)
	defer cancel()
	return d.session.ChannelTyping(channelID, d.requestOptions(ctx)...)
}

// DisableMemberUntil times out the guild member. encodedReason is sent
// as the audit log reason header as-is.
func (d *Discord) DisableMemberUntil(
	ctx context.Context,
	guildID string,
	userID string,
	until time.Time,
	encodedReason string,
) error {
	ctx, cancel := d.requestContext(ctx)
	defer cancel()

	opts := d.requestOptions(ctx)
	if encodedReason != "" {
		opts = append(opts, discordgo.WithHeader("X-Audit-Log-Reason", encodedReason))
	}
	until = until.UTC()
	return d.session.GuildMemberTimeout(guildID, userID, &until, opts...)
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, r *discordgo.Ready) {
		if r == nil || r.User == nil {
			return
		}
		d.botUser.Store(r.User)
		d.logger.Info(
			"Ready",
			"session_id", r.SessionID,
			"user_id", r.User.ID,
			"username", r.User.Username,
			"guilds", len(r.Guilds),
		)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, r *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		var sessionID string
		var userID string
		var username string

		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
			if s.State.User != nil {
				userID = s.State.User.ID
				username = s.State.User.Username
			}
		}
		d.logger.Info(
			"Connected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)
		if d.config.NotificationChannelID != "" && d.config.StartupMessage != "" {
			d.logger.Info("sending notification")
			if _, sendErr := d.session.ChannelMessageSend(
				d.config.NotificationChannelID,
				d.config.StartupMessage,
				discordgo.WithRetryOnRatelimit(false),
				discordgo.WithRestRetries(0),
			); sendErr != nil {
				d.logger.Error("unable to send startup message", tint.Err(sendErr))
			} else {
				d.logger.Info("sent notification")
			}
		}
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, r *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Info("disconnected", "disconnects", d.metricDisconnects.Load())
	}
}
