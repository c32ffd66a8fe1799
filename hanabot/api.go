package hanabot

import (
	"context"
	"errors"
	"fmt"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

const (
	apiPrefix              = "/api"
	apiHealthCheck         = "/healthz"
	apiPathChannels        = "/channels"
	apiPathChannel         = "/channels/:id"
	apiPathChannelHistory  = "/channels/:id/history"
	apiPathChannelMemories = "/channels/:id/memories"
	apiPathCompletionRate  = "/completion/rate"
	apiPathQuit            = "/quit"

	xRequestIDHeader = "X-Request-ID"

	apiShutdownTimeout = 5 * time.Second
)

// API is the local status API. It exposes channel state and a few
// runtime controls, and has no authentication, so it should only listen
// on a loopback or otherwise trusted address.
type API struct {
	config     *APIConfig   // Configuration for the API server
	httpServer *http.Server // The underlying HTTP server
	engine     *gin.Engine  // Gin engine for routing HTTP requests
	logger     *slog.Logger

	mu       sync.Mutex // protects listener
	listener net.Listener

	handlers *APIHandlers
}

// newAPI sets up the gin engine, middleware and routes for b
func newAPI(b *Bot, config *APIConfig) *API {
	if config.LogLevel == nil {
		config.LogLevel = &slog.LevelVar{}
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	api := &API{
		config: config,
		engine: r,
		logger: newComponentLogger(config.LogLevel, "api"),
	}
	apiHandlers := &APIHandlers{b: b}
	api.handlers = apiHandlers

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
	)

	r.GET(apiHealthCheck, apiHandlers.healthCheck)

	group := r.Group(apiPrefix)
	group.GET(apiPathChannels, apiHandlers.getChannels)
	group.GET(apiPathChannel, apiHandlers.getChannel)
	group.DELETE(apiPathChannelHistory, apiHandlers.clearChannelHistory)
	group.GET(apiPathChannelMemories, apiHandlers.getChannelMemories)
	group.PUT(apiPathCompletionRate, apiHandlers.updateCompletionRate)
	group.POST(apiPathQuit, apiHandlers.botQuit)

	return api
}

// Serve listens on the configured address and serves the API until ctx
// is canceled, at which point the server is shut down.
func (a *API) Serve(ctx context.Context) error {
	listenCfg := &net.ListenConfig{}
	network := a.config.ListenNetwork
	if network == "" {
		network = defaultListenNetwork
	}
	ln, err := listenCfg.Listen(ctx, network, a.config.Listen)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
	}
	a.mu.Lock()
	a.listener = ln
	a.mu.Unlock()

	a.logger.InfoContext(ctx, "api listening", "addr", ln.Addr().String())

	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
		case <-stopped:
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), apiShutdownTimeout)
		defer cancel()
		if e := a.httpServer.Shutdown(shutdownCtx); e != nil {
			a.logger.Error("error shutting down api server", tint.Err(e))
		}
	}()
	return a.httpServer.Serve(ln)
}

// Addr returns the listener address, once serving
func (a *API) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// APIHandlers implements the status API endpoints
type APIHandlers struct {
	b *Bot
}

type healthCheckResponse struct {
	DiscordConnected     bool    `json:"discord_connected"`
	BotUserID            string  `json:"bot_user_id"`
	Channels             int     `json:"channels"`
	MaxRequestsPerSecond float64 `json:"max_requests_per_second"`
}

// httpReply represents a standard HTTP response message.
type httpReply struct {
	Message string `json:"message"`
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

// completionRateUpdate is the body for updating the completion
// request limit
type completionRateUpdate struct {
	MaxRequestsPerSecond float64 `json:"max_requests_per_second" binding:"required,gt=0,lte=100"`
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, healthCheckResponse{
			DiscordConnected:     h.b.discord.Connected(),
			BotUserID:            h.b.discord.BotUserID(),
			Channels:             len(h.b.state.Snapshots()),
			MaxRequestsPerSecond: h.b.completer.MaxRequestsPerSecond(),
		},
	)
}

// getChannels returns a snapshot of every tracked channel
func (h *APIHandlers) getChannels(c *gin.Context) {
	c.JSON(http.StatusOK, h.b.state.Snapshots())
}

func (h *APIHandlers) getChannel(c *gin.Context) {
	snap, ok := h.b.state.Snapshot(c.Param("id"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, httpError{Error: "channel not found"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// clearChannelHistory forgets a channel's history and ambient counter
func (h *APIHandlers) clearChannelHistory(c *gin.Context) {
	channelID := c.Param("id")
	log := ginContextLogger(c)
	if h.b.state.Clear(channelID) {
		log.Info("cleared channel history", "channel_id", channelID)
		ginReplyMessage(c, "history cleared")
		return
	}
	ginReplyMessage(c, "no history to clear")
}

func (h *APIHandlers) getChannelMemories(c *gin.Context) {
	records, err := h.b.memories.List(c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrInvalidChannelID) {
			c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
			return
		}
		_ = c.Error(err)
		ginReplyError(c, "error reading memories")
		return
	}
	if records == nil {
		records = []MemoryRecord{}
	}
	c.JSON(http.StatusOK, records)
}

// updateCompletionRate replaces the completion request limiter
func (h *APIHandlers) updateCompletionRate(c *gin.Context) {
	var req completionRateUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	h.b.completer.SetMaxRequestsPerSecond(req.MaxRequestsPerSecond)
	ginContextLogger(c).Warn(
		"updated completion rate limit",
		"max_requests_per_second", req.MaxRequestsPerSecond,
	)
	c.JSON(
		http.StatusOK,
		completionRateUpdate{MaxRequestsPerSecond: h.b.completer.MaxRequestsPerSecond()},
	)
}

func (h *APIHandlers) botQuit(c *gin.Context) {
	ginContextLogger(c).Warn("sending stop signal")
	h.b.Stop()
	ginReplyMessage(c, "quitting")
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, isLogger := logger.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := slog.Default().With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request once it's finished, with its
// duration and response status
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID, _ := c.Get(xRequestIDHeader)
		requestLogger := logger.With(
			slog.Group("request", "method", c.Request.Method, "path", c.Request.URL.Path),
			slog.Any(xRequestIDHeader, requestID),
		)
		c.Set(string(loggerContextKey), requestLogger)

		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs.Errors(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// ginReplyMessage sends a JSON response with a message,
// with HTTP status code 200, via the gin context.
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends a JSON response with a message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}
