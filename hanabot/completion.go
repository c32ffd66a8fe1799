package hanabot

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
)

const (
	completionErrorStatus     = "請求 AI 服務時出錯 (狀態碼: %d)。"
	completionErrorNetwork    = "連接 AI 服務時網路出錯。"
	completionErrorUnexpected = "處理 AI 請求時發生了預料外的錯誤。"

	imageOnlyPrompt   = "%s 發送了一張圖片:"
	imageMarker       = "[image]"
	imageFailedMarker = "[圖片處理失敗]"
)

var (
	ErrNoAPIKey      = errors.New("openai token not configured")
	ErrEmptyMessages = errors.New("no messages to send")
)

// ResultKind tags the outcome of a completion request
type ResultKind int

const (
	// ResultNone means there's nothing to send: no API key, or an
	// empty reply
	ResultNone ResultKind = iota
	// ResultReply carries a reply and the turns to record
	ResultReply
	// ResultError carries a user-facing diagnostic. Nothing is recorded.
	ResultError
)

func (k ResultKind) String() string {
	switch k {
	case ResultNone:
		return "none"
	case ResultReply:
		return "reply"
	case ResultError:
		return "error"
	default:
		return fmt.Sprintf("ResultKind(%d)", int(k))
	}
}

// CompletionRequest is a single user turn to send, with its context
type CompletionRequest struct {
	Username string
	Text     string
	ImageURL string
	History  []Turn
	Persona  PersonaSet
}

// CompletionResult is the outcome of Complete.
type CompletionResult struct {
	Kind  ResultKind
	Reply string

	// Diagnostic is a message suitable for users, set with ResultError
	Diagnostic string
	Err        error

	// UserTurn and AssistantTurn are the history forms of the exchange,
	// set with ResultReply
	UserTurn      Turn
	AssistantTurn Turn

	// History is the request history with the exchange appended,
	// bounded to the max history length
	History []Turn
}

// OpenAIClient is the part of the go-openai client used for
// completions, to allow a stub in tests
type OpenAIClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (openai.ChatCompletionResponse, error)
}

// ImageEncoder downloads and encodes image attachments
type ImageEncoder interface {
	FetchAndEncode(ctx context.Context, imageURL string) (EncodedImage, error)
}

// Completer sends a user turn, with persona and history, to the
// chat completion endpoint.
type Completer struct {
	client           OpenAIClient
	images           ImageEncoder
	config           *OpenAIConfig
	maxHistoryLength int
	tokens           *tokenCounter
	logger           *slog.Logger

	mu             *sync.RWMutex // protects requestLimiter
	requestLimiter *rate.Limiter
}

// NewCompleter returns a Completer using a go-openai client pointed at
// config.BaseURL
func NewCompleter(
	config *OpenAIConfig,
	httpClient *http.Client,
	images ImageEncoder,
	maxHistoryLength int,
) *Completer {
	clientCfg := openai.DefaultConfig(config.Token)
	clientCfg.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	return newCompleter(
		config,
		openai.NewClientWithConfig(clientCfg),
		images,
		maxHistoryLength,
	)
}

func newCompleter(
	config *OpenAIConfig,
	client OpenAIClient,
	images ImageEncoder,
	maxHistoryLength int,
) *Completer {
	c := &Completer{
		client:           client,
		images:           images,
		config:           config,
		maxHistoryLength: maxHistoryLength,
		logger:           newComponentLogger(config.LogLevel, "openai"),
		mu:               &sync.RWMutex{},
		requestLimiter:   rate.NewLimiter(rate.Limit(config.MaxRequestsPerSecond), 1),
	}
	if config.MaxHistoryTokens > 0 {
		c.tokens = newTokenCounter(config.Model)
	}
	if config.Token == "" {
		c.logger.Warn("openai token not set, completions are disabled", tint.Err(ErrNoAPIKey))
	}
	return c
}

// SetMaxRequestsPerSecond replaces the request limiter
func (c *Completer) SetMaxRequestsPerSecond(limit float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestLimiter = rate.NewLimiter(rate.Limit(limit), 1)
}

// MaxRequestsPerSecond returns the current request limit
func (c *Completer) MaxRequestsPerSecond() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return float64(c.requestLimiter.Limit())
}

// waitOnRequestLimiter waits for the request limiter to allow the next
// request, returning any error from the limiter itself
func (c *Completer) waitOnRequestLimiter(ctx context.Context) error {
	c.mu.RLock()
	requestLimiter := c.requestLimiter
	c.mu.RUnlock()
	return requestLimiter.Wait(ctx)
}

// Complete sends req to the completion endpoint. It never returns an
// error directly: failures are reported as a ResultError with a
// diagnostic, and the request history is left untouched.
func (c *Completer) Complete(ctx context.Context, req CompletionRequest) CompletionResult {
	logger := contextLoggerOr(ctx, c.logger)

	if c.config.Token == "" {
		logger.DebugContext(ctx, "skipping completion", tint.Err(ErrNoAPIKey))
		return CompletionResult{Kind: ResultNone, History: req.History}
	}

	live, stored := c.currentTurn(ctx, req)
	messages := c.buildMessages(req.Persona, req.History, live)
	if len(messages) == 0 {
		return CompletionResult{
			Kind:       ResultError,
			Diagnostic: completionErrorUnexpected,
			Err:        ErrEmptyMessages,
			History:    req.History,
		}
	}

	request := openai.ChatCompletionRequest{
		Model:               c.config.Model,
		Messages:            messages,
		Temperature:         c.config.Temperature,
		MaxCompletionTokens: c.config.MaxCompletionTokens,
	}

	if c.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()
	}

	if err := c.waitOnRequestLimiter(ctx); err != nil {
		logger.WarnContext(ctx, "request limiter error", tint.Err(err))
		return CompletionResult{
			Kind:       ResultError,
			Diagnostic: completionDiagnostic(err),
			Err:        err,
			History:    req.History,
		}
	}

	logger.InfoContext(
		ctx,
		"sending completion request",
		"model", request.Model,
		"messages", len(request.Messages),
		"history", len(req.History),
	)
	resp, err := c.client.CreateChatCompletion(ctx, request)
	if err != nil {
		logger.ErrorContext(ctx, "completion request failed", tint.Err(err))
		return CompletionResult{
			Kind:       ResultError,
			Diagnostic: completionDiagnostic(err),
			Err:        err,
			History:    req.History,
		}
	}

	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		logger.WarnContext(ctx, "completion returned an empty reply", "id", resp.ID)
		return CompletionResult{Kind: ResultNone, History: req.History}
	}

	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	logger.InfoContext(
		ctx,
		"completion received",
		"id", resp.ID,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"finish_reason", resp.Choices[0].FinishReason,
	)

	assistant := Turn{Role: roleAssistant, Content: reply}
	history := make([]Turn, 0, len(req.History)+2)
	history = append(history, req.History...)
	history = append(history, stored, assistant)

	return CompletionResult{
		Kind:          ResultReply,
		Reply:         reply,
		UserTurn:      stored,
		AssistantTurn: assistant,
		History:       truncateHistory(history, c.maxHistoryLength),
	}
}

// currentTurn returns the turn to send, and the form of that turn to
// keep in history.
func (c *Completer) currentTurn(ctx context.Context, req CompletionRequest) (
	live Turn,
	stored Turn,
) {
	logger := contextLoggerOr(ctx, c.logger)

	if req.ImageURL == "" || !c.config.VisionEnabled || c.images == nil {
		content := userLine(req.Username, req.Text)
		if req.Text == "" && req.ImageURL != "" {
			content = userLine(req.Username, imageMarker)
		}
		turn := Turn{Role: roleUser, Content: content}
		return turn, turn
	}

	img, err := c.images.FetchAndEncode(ctx, req.ImageURL)
	if err != nil {
		logger.WarnContext(
			ctx,
			"image attachment could not be fetched, sending text only",
			"url", req.ImageURL,
			tint.Err(err),
		)
		content := userLine(req.Username, req.Text+" "+imageFailedMarker)
		if req.Text == "" {
			content = userLine(req.Username, imageFailedMarker)
		}
		turn := Turn{Role: roleUser, Content: content}
		return turn, turn
	}

	liveText := userLine(req.Username, req.Text)
	if req.Text == "" {
		liveText = fmt.Sprintf(imageOnlyPrompt, req.Username)
	}
	live = Turn{Role: roleUser, Content: liveText, Image: img.DataURI()}
	stored = Turn{Role: roleUser, Content: historyLine(req.Username, req.Text, true)}
	return live, stored
}

// buildMessages assembles persona pre + history + persona post + the
// current turn. With a token budget configured, the oldest history is
// dropped from the request until it fits.
func (c *Completer) buildMessages(persona PersonaSet, history []Turn, current Turn) []openai.ChatCompletionMessage {
	pre := toChatMessages(persona.Pre)
	hist := toChatMessages(history)
	post := toChatMessages(persona.Post)
	post = append(post, toChatMessage(current))

	if c.tokens != nil && c.config.MaxHistoryTokens > 0 {
		fitted := c.tokens.fitHistory(pre, hist, post, c.config.MaxHistoryTokens)
		if dropped := len(hist) - len(fitted); dropped > 0 {
			c.logger.Debug(
				"dropped history to fit token budget",
				"dropped", dropped,
				"budget", c.config.MaxHistoryTokens,
			)
		}
		hist = fitted
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(pre)+len(hist)+len(post))
	messages = append(messages, pre...)
	messages = append(messages, hist...)
	messages = append(messages, post...)
	return slices.Clip(messages)
}

func toChatMessages(turns []Turn) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(turns))
	for _, t := range turns {
		messages = append(messages, toChatMessage(t))
	}
	return messages
}

func toChatMessage(t Turn) openai.ChatCompletionMessage {
	if t.Image == "" {
		return openai.ChatCompletionMessage{Role: t.Role, Content: t.Content}
	}
	return openai.ChatCompletionMessage{
		Role: t.Role,
		MultiContent: []openai.ChatMessagePart{
			{
				Type: openai.ChatMessagePartTypeText,
				Text: t.Content,
			},
			{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    t.Image,
					Detail: openai.ImageURLDetailAuto,
				},
			},
		},
	}
}

// userLine formats a user's message as "{username}: {text}"
func userLine(username string, text string) string {
	return username + ": " + text
}

// historyLine formats a user's message for history, marking an
// attached image
func historyLine(username string, text string, hasImage bool) string {
	switch {
	case !hasImage:
		return userLine(username, text)
	case text == "":
		return userLine(username, imageMarker)
	default:
		return userLine(username, text+" "+imageMarker)
	}
}

// completionDiagnostic classifies a completion failure into a message
// suitable for users
func completionDiagnostic(err error) string {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
		return fmt.Sprintf(completionErrorStatus, apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		return fmt.Sprintf(completionErrorStatus, reqErr.HTTPStatusCode)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return completionErrorNetwork
	}
	return completionErrorUnexpected
}
