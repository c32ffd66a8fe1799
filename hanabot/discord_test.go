package hanabot

import (
	"context"
	"errors"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"
)

type sentMessage struct {
	ChannelID string
	Content   string
	Reference *discordgo.MessageReference
	Options   int
	Retries   int
}

// restRetries applies options to a request config and returns the
// resulting retry count
func restRetries(options []discordgo.RequestOption) int {
	req, _ := http.NewRequest(http.MethodPost, "https://discord.com/api/v9/channels", nil)
	cfg := &discordgo.RequestConfig{Request: req, MaxRestRetries: 3, ShouldRetryOnRateLimit: true}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg.MaxRestRetries
}

type timeoutCall struct {
	GuildID string
	UserID  string
	Until   time.Time
	Options int
}

// stubDiscordSession implements DiscordSessionHandler without a
// connection, recording what would have been sent
type stubDiscordSession struct {
	mu       sync.Mutex
	sent     []sentMessage
	typing   []string
	timeouts []timeoutCall
	handlers []any
	opened   bool
	closed   bool
	identify discordgo.Identify

	sendErr    error
	replyErr   error
	typingErr  error
	timeoutErr error
}

func (s *stubDiscordSession) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = true
	return nil
}

func (s *stubDiscordSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubDiscordSession) AddHandler(handler any) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, handler)
	return func() {}
}

func (s *stubDiscordSession) ChannelMessageSend(
	channelID string,
	content string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	s.sent = append(
		s.sent,
		sentMessage{
			ChannelID: channelID,
			Content:   content,
			Options:   len(options),
			Retries:   restRetries(options),
		},
	)
	return &discordgo.Message{ID: "sent", ChannelID: channelID, Content: content}, nil
}

func (s *stubDiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replyErr != nil {
		return nil, s.replyErr
	}
	s.sent = append(
		s.sent,
		sentMessage{
			ChannelID: channelID,
			Content:   content,
			Reference: reference,
			Options:   len(options),
			Retries:   restRetries(options),
		},
	)
	return &discordgo.Message{ID: "sent", ChannelID: channelID, Content: content}, nil
}

func (s *stubDiscordSession) ChannelTyping(
	channelID string,
	_ ...discordgo.RequestOption,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typing = append(s.typing, channelID)
	return s.typingErr
}

func (s *stubDiscordSession) GuildMemberTimeout(
	guildID string,
	userID string,
	until *time.Time,
	options ...discordgo.RequestOption,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeouts = append(
		s.timeouts,
		timeoutCall{GuildID: guildID, UserID: userID, Until: *until, Options: len(options)},
	)
	return s.timeoutErr
}

func (s *stubDiscordSession) SetHTTPClient(*http.Client) {}

func (s *stubDiscordSession) SetIdentify(i discordgo.Identify) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identify = i
}

func (s *stubDiscordSession) SetLogLevel(slog.Level) error {
	return nil
}

func (s *stubDiscordSession) Sent() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage{}, s.sent...)
}

func newTestDiscord(t testing.TB) (*Discord, *stubDiscordSession) {
	t.Helper()
	cfg := DefaultTestConfig(t)
	d := newDiscord(cfg.Discord)
	session := &stubDiscordSession{}
	d.session = session
	return d, session
}

func TestNewEvent(t *testing.T) {
	botID := "900"
	m := &discordgo.Message{
		ID:        "m1",
		ChannelID: "c1",
		GuildID:   "g1",
		Content:   "<@900> hey, ask <@!55> about it",
		Author: &discordgo.User{
			ID:         "42",
			Username:   "alice_99",
			GlobalName: "Alice",
		},
		Member: &discordgo.Member{Nick: "Ally"},
		Mentions: []*discordgo.User{
			{ID: "900", Username: "hana"},
			{ID: "55", Username: "bob"},
		},
		Attachments: []*discordgo.MessageAttachment{
			{URL: "https://cdn.example.com/a.txt", ContentType: "text/plain", Filename: "a.txt"},
			{URL: "https://cdn.example.com/b.png", ContentType: "image/png", Filename: "b.png"},
			{URL: "https://cdn.example.com/c.jpg", ContentType: "image/jpeg", Filename: "c.jpg"},
		},
	}

	e := NewEvent(m, botID)
	assert.True(t, e.AddressedToBot)
	assert.Equal(t, "hey, ask <@!55> about it", e.Text)
	assert.Equal(t, m.Content, e.RawText)
	assert.Equal(t, "42", e.AuthorID)
	assert.Equal(t, "Ally", e.DisplayName())
	assert.Equal(t, "https://cdn.example.com/b.png", e.ImageURL())
	assert.Equal(
		t,
		[]Mention{{ID: "900", DisplayName: "hana"}, {ID: "55", DisplayName: "bob"}},
		e.Mentions,
	)
	assert.Equal(t, "hey, ask <@55>(bob) about it", RewriteMentions(e.Text, e.Mentions))
}

func TestNewEvent_ReplyToBot(t *testing.T) {
	m := &discordgo.Message{
		ID:                "m2",
		ChannelID:         "c1",
		Content:           "and then?",
		Author:            &discordgo.User{ID: "42", Username: "alice"},
		ReferencedMessage: &discordgo.Message{ID: "m1", Author: &discordgo.User{ID: "900"}},
	}
	e := NewEvent(m, "900")
	assert.True(t, e.AddressedToBot)
	assert.Equal(t, "and then?", e.Text)
	assert.Equal(t, "alice", e.DisplayName())
	assert.Empty(t, e.ImageURL())
}

func TestNewEvent_Ambient(t *testing.T) {
	m := &discordgo.Message{
		ID:                "m3",
		ChannelID:         "c1",
		Content:           "<@55> lunch?",
		Author:            &discordgo.User{ID: "42", Username: "alice", GlobalName: "Alice", Bot: false},
		Mentions:          []*discordgo.User{{ID: "55", Username: "bob", GlobalName: "Bobby"}},
		ReferencedMessage: &discordgo.Message{ID: "m0", Author: &discordgo.User{ID: "55"}},
	}
	e := NewEvent(m, "900")
	assert.False(t, e.AddressedToBot)
	assert.Equal(t, "<@55> lunch?", e.Text)
	assert.Equal(t, "Alice", e.DisplayName())
	assert.Equal(t, "<@55>(Bobby) lunch?", RewriteMentions(e.Text, e.Mentions))
}

func TestRewriteMentions(t *testing.T) {
	mentions := []Mention{{ID: "1", DisplayName: "One"}, {ID: "2", DisplayName: ""}}
	testCases := []struct {
		name     string
		text     string
		expected string
	}{
		{name: "plain", text: "hi <@1>", expected: "hi <@1>(One)"},
		{name: "nickname form", text: "hi <@!1>", expected: "hi <@1>(One)"},
		{name: "unknown id", text: "hi <@3>", expected: "hi <@3>"},
		{name: "no display name", text: "hi <@2>", expected: "hi <@2>"},
		{name: "repeated", text: "<@1><@1>", expected: "<@1>(One)<@1>(One)"},
		{name: "role mention untouched", text: "<@&1>", expected: "<@&1>"},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				assert.Equal(t, tc.expected, RewriteMentions(tc.text, mentions))
			},
		)
	}
}

func TestDiscord_Send(t *testing.T) {
	d, session := newTestDiscord(t)
	ctx := context.Background()

	require.NoError(t, d.Send(ctx, "c1", "hello", "m1"))
	require.NoError(t, d.Send(ctx, "c1", "plain", ""))

	sent := session.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "hello", sent[0].Content)
	require.NotNil(t, sent[0].Reference)
	assert.Equal(t, "m1", sent[0].Reference.MessageID)
	assert.Equal(t, "c1", sent[0].Reference.ChannelID)
	assert.Equal(t, 2, sent[0].Options, "context and retry options")
	assert.Equal(t, 0, sent[0].Retries)
	assert.Nil(t, sent[1].Reference)

	session.replyErr = errors.New("nope")
	assert.Error(t, d.Send(ctx, "c1", "hello", "m1"))
}

func TestDiscord_TriggerTyping(t *testing.T) {
	d, session := newTestDiscord(t)
	require.NoError(t, d.TriggerTyping(context.Background(), "c1"))
	assert.Equal(t, []string{"c1"}, session.typing)
}

func TestDiscord_DisableMemberUntil(t *testing.T) {
	d, session := newTestDiscord(t)
	until := time.Date(2025, 5, 1, 12, 0, 0, 0, time.FixedZone("UTC+8", 8*3600))

	require.NoError(t, d.DisableMemberUntil(context.Background(), "g1", "u1", until, "a%20b"))
	require.Len(t, session.timeouts, 1)
	call := session.timeouts[0]
	assert.Equal(t, "g1", call.GuildID)
	assert.Equal(t, "u1", call.UserID)
	assert.True(t, until.Equal(call.Until))
	assert.Equal(t, time.UTC, call.Until.Location())
	assert.Equal(t, 3, call.Options, "context, retry and audit log reason options")

	session.timeoutErr = newRESTError(50013, "Missing Permissions")
	err := ExecuteTimeout(context.Background(), d, "g1", "u1", 5, "x", "")
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, discordgo.ErrCodeMissingPermissions, timeoutErr.Code)
}

func TestDiscord_Handlers(t *testing.T) {
	d, session := newTestDiscord(t)
	d.config.NotificationChannelID = "notify"

	d.handlerReady()(nil, &discordgo.Ready{SessionID: "s1", User: &discordgo.User{ID: "900", Username: "hana"}})
	assert.Equal(t, "900", d.BotUserID())

	d.handlerConnect()(nil, &discordgo.Connect{})
	assert.True(t, d.Connected())
	sent := session.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "notify", sent[0].ChannelID)
	assert.Equal(t, DefaultDiscordStartupMessage, sent[0].Content)
	assert.Equal(t, 0, sent[0].Retries, "startup notification is sent once")

	d.handlerDisconnect()(nil, &discordgo.Disconnect{})
	assert.False(t, d.Connected())
	assert.Equal(t, int64(1), d.metricDisconnects.Load())
}
