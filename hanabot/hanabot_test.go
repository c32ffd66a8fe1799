package hanabot

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"testing"
	"time"
)

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	cfg := DefaultTestConfig(t)
	cfg.Discord.Token = ""
	_, err = New(cfg)
	assert.Error(t, err)

	cfg = DefaultTestConfig(t)
	cfg.State.TriggerMax = cfg.State.TriggerMin - 1
	_, err = New(cfg)
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	cfg := DefaultTestConfig(t)
	b, err := New(cfg)
	require.NoError(t, err)
	assert.Nil(t, b.api, "api is disabled by default")
	assert.NotNil(t, b.engine)
	assert.Equal(t, cfg.State.MaxHistoryLength, b.state.MaxHistoryLength())
}

func (s *stubDiscordSession) messageCreateHandler(t testing.TB) func(
	*discordgo.Session,
	*discordgo.MessageCreate,
) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.handlers {
		if f, ok := h.(func(*discordgo.Session, *discordgo.MessageCreate)); ok {
			return f
		}
	}
	t.Fatal("no MessageCreate handler registered")
	return nil
}

func (s *stubDiscordSession) isOpened() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

func (s *stubDiscordSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func TestBot_Run(t *testing.T) {
	srv := newFakeCompletionServer(t)
	srv.reply = "hi alice memory(alice says hi);"

	cfg := DefaultTestConfig(t)
	cfg.OpenAI.BaseURL = srv.srv.URL + "/v1"
	b, err := New(cfg)
	require.NoError(t, err)

	session := &stubDiscordSession{}
	b.discord.session = session

	runErr := make(chan error, 1)
	go func() {
		runErr <- b.Run(context.Background())
	}()

	require.Eventually(t, session.isOpened, 5*time.Second, 10*time.Millisecond)
	assert.Equal(
		t,
		cfg.Discord.GatewayIntents,
		session.identify.Intents,
	)

	b.discord.handlerReady()(nil, &discordgo.Ready{User: &discordgo.User{ID: "900", Username: "hana"}})

	handler := session.messageCreateHandler(t)
	handler(
		nil, &discordgo.MessageCreate{
			Message: &discordgo.Message{
				ID:        "m1",
				ChannelID: "c1",
				GuildID:   "g1",
				Content:   "<@900> hello",
				Author:    &discordgo.User{ID: "42", Username: "alice"},
				Mentions:  []*discordgo.User{{ID: "900", Username: "hana"}},
			},
		},
	)

	require.Eventually(
		t,
		func() bool { return len(session.Sent()) == 1 },
		5*time.Second,
		10*time.Millisecond,
	)
	sent := session.Sent()[0]
	assert.Equal(t, "hi alice", sent.Content)
	require.NotNil(t, sent.Reference)
	assert.Equal(t, "m1", sent.Reference.MessageID)

	req := srv.lastRequest()
	assert.Equal(t, "alice: hello", req.Messages[len(req.Messages)-1].Content)

	records, err := b.memories.List("c1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "alice says hi", records[0].Content)

	b.Stop()
	select {
	case err = <-runErr:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("bot did not stop")
	}
	assert.True(t, session.isClosed())
}

func TestBot_RunDownCommand(t *testing.T) {
	cfg := DefaultTestConfig(t)
	b, err := New(cfg)
	require.NoError(t, err)

	session := &stubDiscordSession{}
	b.discord.session = session

	runErr := make(chan error, 1)
	go func() {
		runErr <- b.Run(context.Background())
	}()
	require.Eventually(t, session.isOpened, 5*time.Second, 10*time.Millisecond)

	session.messageCreateHandler(t)(
		nil, &discordgo.MessageCreate{
			Message: &discordgo.Message{
				ID:        "m1",
				ChannelID: "c1",
				Content:   "/down",
				Author:    &discordgo.User{ID: cfg.Discord.OwnerID, Username: "owner"},
			},
		},
	)

	select {
	case err = <-runErr:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("bot did not stop")
	}
	sent := session.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, downReply, sent[0].Content)
}

func TestBot_RunContextCanceled(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	b, err := New(DefaultTestConfig(t))
	require.NoError(t, err)
	session := &stubDiscordSession{}
	b.discord.session = session

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() {
		runErr <- b.Run(ctx)
	}()
	require.Eventually(t, session.isOpened, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err = <-runErr:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("bot did not stop")
	}
	assert.True(t, session.isClosed())
}
