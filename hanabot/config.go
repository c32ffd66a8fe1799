//nolint:lll // struct tags can't be split
package hanabot

import (
	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"log/slog"
	"net/http"
	"time"
)

const (
	EnvvarSetEnvPrefix     = "HANABOT_ENV_PREFIX"
	DefaultEnvPrefix       = "HANA"
	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 30 * time.Second

	DefaultOpenAIBaseURL              = "https://api.openai.com/v1"
	DefaultOpenAIModel                = "gpt-3.5-turbo"
	DefaultOpenAITemperature          = 0.7
	DefaultOpenAIMaxCompletionTokens  = 2048
	DefaultOpenAIRequestTimeout       = 60 * time.Second
	DefaultOpenAIImageTimeout         = 30 * time.Second
	DefaultOpenAIImageMaxBytes        = 20 << 20
	DefaultOpenAIMaxRequestsPerSecond = 1.0
	DefaultOpenAILogLevel             = slog.LevelInfo
	DefaultDiscordCommandPrefix       = "/"
	DefaultDiscordRequestTimeout      = 10 * time.Second
	DefaultDiscordLogLevel            = slog.LevelInfo
	DefaultDiscordgoLogLevel          = slog.LevelWarn
	DefaultDiscordStartupMessage      = "我回來了"
	DefaultDiscordGatewayIntent       = discordgo.IntentsAllWithoutPrivileged | discordgo.IntentMessageContent
	DefaultPersonaPrePath             = "persona.json"
	DefaultPersonaPostPath            = "persona_post.json"
	DefaultPersonaPlaceholder         = "{username}"
	DefaultPersonaCacheSize           = 128
	DefaultMaxHistoryLength           = 20
	DefaultTriggerMin                 = 10
	DefaultTriggerMax                 = 15
	DefaultMaxChannels                = 4096
	DefaultMemoryDir                  = "memories"
	DefaultAPIListen                  = "127.0.0.1:5000"
	DefaultAPILogLevel                = slog.LevelInfo
	DefaultReadTimeout                = 5 * time.Second
	DefaultReadHeaderTimeout          = 5 * time.Second
	DefaultWriteTimeout               = 10 * time.Second
	DefaultIdleTimeout                = 30 * time.Second
	discordMaxMessageLength           = 2000
	defaultListenNetwork              = "tcp"
)

// structValidator validates Config using the `binding` struct tag
var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New()
	v.SetTagName("binding")
	return v
}

type Config struct {
	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout limits how long the bot may take to connect to the
	// discord gateway before giving up.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout" binding:"min=1s"`

	// ShutdownTimeout is the time allowed for in-flight messages to finish
	// after a stop is requested.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// OpenAI configures the chat completion endpoint
	OpenAI *OpenAIConfig `yaml:"openai" mapstructure:"openai" json:"openai" binding:"required"`

	// Discord configures the discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`

	// Persona configures where persona messages are loaded from
	Persona *PersonaConfig `yaml:"persona" mapstructure:"persona" json:"persona" binding:"required"`

	// State configures per-channel history and ambient reply triggering
	State *StateConfig `yaml:"state" mapstructure:"state" json:"state" binding:"required"`

	// Memory configures long-term memory persistence
	Memory *MemoryConfig `yaml:"memory" mapstructure:"memory" json:"memory" binding:"required"`

	// API configures the local status API
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api" binding:"required"`

	HTTPClient *http.Client `yaml:"-" mapstructure:"-" json:"-" log:"[redacted]" binding:"-"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// OpenAIConfig configures the OpenAI-compatible chat completion endpoint.
type OpenAIConfig struct {
	// API token. When empty, the bot never calls the endpoint.
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`

	// Base URL of the API, without the trailing /chat/completions
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url" binding:"required,url"`

	// Model name sent with each request
	Model string `yaml:"model" mapstructure:"model" json:"model" binding:"required"`

	Temperature float32 `yaml:"temperature" mapstructure:"temperature" json:"temperature" binding:"gte=0,lte=2"`

	// MaxCompletionTokens is sent as max_completion_tokens. 0 omits it.
	MaxCompletionTokens int `yaml:"max_completion_tokens" mapstructure:"max_completion_tokens" json:"max_completion_tokens" binding:"gte=0"`

	// VisionEnabled sends image attachments to the model as data URIs
	VisionEnabled bool `yaml:"vision_enabled" mapstructure:"vision_enabled" json:"vision_enabled"`

	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" json:"request_timeout" binding:"min=1s"`

	ImageTimeout time.Duration `yaml:"image_timeout" mapstructure:"image_timeout" json:"image_timeout" binding:"min=1s"`

	// ImageMaxBytes caps the size of a downloaded image attachment
	ImageMaxBytes int64 `yaml:"image_max_bytes" mapstructure:"image_max_bytes" json:"image_max_bytes" binding:"gt=0"`

	// MaxRequestsPerSecond paces completion requests across all channels
	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" binding:"gt=0"`

	// MaxHistoryTokens drops the oldest history turns from a request until
	// the request fits. 0 disables token budgeting.
	MaxHistoryTokens int `yaml:"max_history_tokens" mapstructure:"max_history_tokens" json:"max_history_tokens" binding:"gte=0"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// OwnerID is the only user allowed to use owner commands
	OwnerID string `yaml:"owner_id" mapstructure:"owner_id" json:"owner_id"`

	// BlacklistChannels never receive ambient replies
	BlacklistChannels []string `yaml:"blacklist_channels" mapstructure:"blacklist_channels" json:"blacklist_channels"`

	// CommandPrefix precedes owner command names, ex: "/wack"
	CommandPrefix string `yaml:"command_prefix" mapstructure:"command_prefix" json:"command_prefix"`

	// If NotificationChannelID is set, StartupMessage is sent there
	// whenever the bot connects to the gateway.
	StartupMessage        string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`
	NotificationChannelID string `yaml:"notification_channel_id" mapstructure:"notification_channel_id" json:"notification_channel_id"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// RequestTimeout bounds each discord REST call made by the bot
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" json:"request_timeout" binding:"min=1s"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	httpClient *http.Client
}

// PersonaConfig points at the persona documents sent before and after
// the channel history.
type PersonaConfig struct {
	PrePath  string `yaml:"pre_path" mapstructure:"pre_path" json:"pre_path"`
	PostPath string `yaml:"post_path" mapstructure:"post_path" json:"post_path"`

	// Placeholder is replaced with the invoking user's display name
	Placeholder string `yaml:"placeholder" mapstructure:"placeholder" json:"placeholder" binding:"required"`

	// CacheSize is the number of usernames with cached persona messages
	CacheSize int `yaml:"cache_size" mapstructure:"cache_size" json:"cache_size" binding:"gt=0"`
}

type StateConfig struct {
	MaxHistoryLength int `yaml:"max_history_length" mapstructure:"max_history_length" json:"max_history_length" binding:"gt=0"`

	// An ambient reply fires after a random number of messages
	// in [TriggerMin, TriggerMax]
	TriggerMin int `yaml:"trigger_min" mapstructure:"trigger_min" json:"trigger_min" binding:"gt=0"`
	TriggerMax int `yaml:"trigger_max" mapstructure:"trigger_max" json:"trigger_max" binding:"gtefield=TriggerMin"`

	// MaxChannels bounds the number of channels with in-memory state.
	// The least recently active channel is forgotten first.
	MaxChannels int `yaml:"max_channels" mapstructure:"max_channels" json:"max_channels" binding:"gt=0"`
}

type MemoryConfig struct {
	// Dir holds one <channel_id>.json file per channel
	Dir string `yaml:"dir" mapstructure:"dir" json:"dir" binding:"required"`
}

// APIConfig configures the local status API server
type APIConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"omitempty,oneof=tcp tcp4 tcp6 unix"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	openaiLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	openaiLogLevel.Set(DefaultOpenAILogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		LogLevel:        mainLogLevel,
		StartupTimeout:  DefaultStartupTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		OpenAI: &OpenAIConfig{
			BaseURL:              DefaultOpenAIBaseURL,
			Model:                DefaultOpenAIModel,
			Temperature:          DefaultOpenAITemperature,
			MaxCompletionTokens:  DefaultOpenAIMaxCompletionTokens,
			RequestTimeout:       DefaultOpenAIRequestTimeout,
			ImageTimeout:         DefaultOpenAIImageTimeout,
			ImageMaxBytes:        DefaultOpenAIImageMaxBytes,
			MaxRequestsPerSecond: DefaultOpenAIMaxRequestsPerSecond,
			LogLevel:             openaiLogLevel,
		},
		Discord: &DiscordConfig{
			BlacklistChannels: []string{},
			CommandPrefix:     DefaultDiscordCommandPrefix,
			StartupMessage:    DefaultDiscordStartupMessage,
			GatewayIntents:    DefaultDiscordGatewayIntent,
			RequestTimeout:    DefaultDiscordRequestTimeout,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
		},
		Persona: &PersonaConfig{
			PrePath:     DefaultPersonaPrePath,
			PostPath:    DefaultPersonaPostPath,
			Placeholder: DefaultPersonaPlaceholder,
			CacheSize:   DefaultPersonaCacheSize,
		},
		State: &StateConfig{
			MaxHistoryLength: DefaultMaxHistoryLength,
			TriggerMin:       DefaultTriggerMin,
			TriggerMax:       DefaultTriggerMax,
			MaxChannels:      DefaultMaxChannels,
		},
		Memory: &MemoryConfig{
			Dir: DefaultMemoryDir,
		},
		API: &APIConfig{
			Listen:            DefaultAPIListen,
			ListenNetwork:     defaultListenNetwork,
			LogLevel:          apiLogLevel,
			ReadTimeout:       DefaultReadTimeout,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
		},
	}
}
