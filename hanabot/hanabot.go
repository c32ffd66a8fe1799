package hanabot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/allen9441/hanabot/hanabot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// Bot wires the discord gateway session to the trigger engine, and owns
// every piece of runtime state.
type Bot struct {
	config *Config
	logger *slog.Logger

	discord    *Discord
	state      *StateStore
	personas   *PersonaLoader
	completer  *Completer
	memories   *MemoryStore
	directives *DirectiveProcessor
	commands   *OwnerCommands
	engine     *Engine

	// api is nil unless enabled
	api *API

	// signalStop requests a graceful stop of a running bot, ex: from the
	// owner's "down" command
	signalStop chan struct{}

	// prevents concurrent runs
	runMu     sync.Mutex
	startedAt time.Time

	// handlerWG tracks the goroutines handling inbound messages
	handlerWG sync.WaitGroup
	stopping  atomic.Bool
}

// New builds a Bot from config. Nothing is connected until Run.
func New(config *Config) (*Bot, error) {
	if config == nil {
		return nil, errors.New("config required")
	}
	if err := structValidator.Struct(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &Bot{
		config:     config,
		signalStop: make(chan struct{}, 1),
	}
	b.logger = slog.New(newLogHandler(config.LogLevel))
	slog.SetDefault(b.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(config.Discord.DiscordGoLogLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)

	var errs []error

	config.Discord.httpClient = config.HTTPClient
	b.discord = newDiscord(config.Discord)

	state, err := NewStateStore(config.State)
	if err != nil {
		errs = append(errs, err)
	}
	b.state = state

	personas, err := NewPersonaLoader(
		config.Persona,
		b.logger.With(loggerNameKey, "persona"),
	)
	if err != nil {
		errs = append(errs, err)
	}
	b.personas = personas

	if err = errors.Join(errs...); err != nil {
		return nil, err
	}

	b.memories = NewMemoryStore(config.Memory.Dir, b.logger.With(loggerNameKey, "memory"))

	images := NewImageFetcher(
		config.HTTPClient,
		config.OpenAI.ImageTimeout,
		config.OpenAI.ImageMaxBytes,
		b.logger.With(loggerNameKey, "image"),
	)
	b.completer = NewCompleter(config.OpenAI, config.HTTPClient, images, config.State.MaxHistoryLength)

	b.directives = NewDirectiveProcessor(
		b.discord,
		b.memories,
		b.logger.With(loggerNameKey, "directives"),
	)
	b.commands = NewOwnerCommands(
		config.Discord,
		b.state,
		b.memories,
		b.discord,
		b.Stop,
		b.logger.With(loggerNameKey, "commands"),
	)
	b.engine = NewEngine(
		EngineDeps{
			State:             b.state,
			Completer:         b.completer,
			Personas:          b.personas,
			Directives:        b.directives,
			Messenger:         b.discord,
			Commands:          b.commands,
			BotUserID:         b.discord.BotUserID,
			BlacklistChannels: config.Discord.BlacklistChannels,
			Logger:            b.logger.With(loggerNameKey, "engine"),
		},
	)

	if config.API.Enabled {
		b.api = newAPI(b, config.API)
	}
	return b, nil
}

// Stop requests a graceful stop of a running bot. It doesn't block.
func (b *Bot) Stop() {
	select {
	case b.signalStop <- struct{}{}:
	default:
	}
}

// Run connects to the discord gateway (and starts the status API, if
// enabled), and handles messages until ctx is canceled or Stop is
// called. In-flight messages are given config.ShutdownTimeout to finish.
func (b *Bot) Run(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.startedAt = time.Now()
	b.stopping.Store(false)
	logger := b.logger

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-b.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	// message handlers outlive the runtime context, so replies in flight
	// at shutdown can still be delivered
	handlerCtx, handlerCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer handlerCancel()

	if err := b.initDiscordSession(handlerCtx); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if b.api != nil {
		g.Go(
			func() error {
				if err := b.api.Serve(gctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.ErrorContext(gctx, "error serving api HTTP", tint.Err(err))
					return fmt.Errorf("error serving api: %w", err)
				}
				return nil
			},
		)
	}

	g.Go(
		func() error {
			if err := b.openSession(gctx); err != nil {
				logger.ErrorContext(gctx, "error connecting to discord!", tint.Err(err))
				return err
			}
			logger.InfoContext(gctx, "connected to discord")
			<-gctx.Done()
			return nil
		},
	)

	runErr := g.Wait()
	return errors.Join(runErr, b.shutdown(ctx, handlerCancel))
}

// initDiscordSession creates the discord session, if one isn't set, and
// registers the gateway event handlers
func (b *Bot) initDiscordSession(ctx context.Context) error {
	if b.discord.session == nil {
		session, err := b.discord.newSession()
		if err != nil {
			return err
		}
		b.discord.session = session
	}

	for _, remove := range b.discord.removeHandlers {
		remove()
	}

	b.discord.session.SetIdentify(discordgo.Identify{Intents: b.config.Discord.GatewayIntents})
	b.discord.removeHandlers = []func(){
		b.discord.session.AddHandler(b.discord.handlerConnect()),
		b.discord.session.AddHandler(b.discord.handlerDisconnect()),
		b.discord.session.AddHandler(b.discord.handlerReady()),
		b.discord.session.AddHandler(b.handlerMessageCreate(ctx)),
	}
	return nil
}

// handlerMessageCreate returns the MessageCreate handler, which hands
// each message to the engine in its own goroutine
func (b *Bot) handlerMessageCreate(ctx context.Context) func(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	return func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if m == nil || m.Message == nil || b.stopping.Load() {
			return
		}
		e := NewEvent(m.Message, b.discord.BotUserID())
		b.handlerWG.Add(1)
		go func() {
			defer b.handlerWG.Done()
			b.engine.HandleEvent(ctx, e)
		}()
	}
}

// openSession opens the gateway connection, giving up after
// config.StartupTimeout
func (b *Bot) openSession(ctx context.Context) error {
	startCtx, cancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer cancel()

	openErr := make(chan error, 1)
	go func() {
		openErr <- b.discord.session.Open()
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out: %w", startCtx.Err())
	case err := <-openErr:
		if err != nil {
			return fmt.Errorf("error connecting to discord: %w", err)
		}
	}
	return nil
}

// shutdown stops accepting messages, waits on in-flight messages, and
// closes the gateway connection
func (b *Bot) shutdown(ctx context.Context, handlerCancel context.CancelFunc) error {
	logger := b.logger
	logger.WarnContext(ctx, "shutting down")
	b.stopping.Store(true)

	for _, remove := range b.discord.removeHandlers {
		remove()
	}
	b.discord.removeHandlers = nil

	shutdownStart := time.Now()
	var errs []error

	done := make(chan struct{})
	go func() {
		b.handlerWG.Wait()
		close(done)
	}()

	timer := time.NewTimer(b.config.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-done:
		logger.InfoContext(
			ctx,
			"finished handling in-flight messages",
			"shutdown_duration", time.Since(shutdownStart),
		)
	case <-timer.C:
		logger.WarnContext(
			ctx,
			"in-flight messages did not finish in time, canceling",
			"shutdown_timeout", b.config.ShutdownTimeout,
		)
		handlerCancel()
		<-done
		errs = append(errs, errors.New("in-flight messages did not finish in time"))
	}

	if err := b.discord.session.Close(); err != nil {
		logger.ErrorContext(ctx, "error closing discord session", tint.Err(err))
		errs = append(errs, err)
	}
	logger.InfoContext(ctx, "exiting!", "uptime", time.Since(b.startedAt))
	return errors.Join(errs...)
}
