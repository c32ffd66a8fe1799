package cmd

import (
	"context"
	"fmt"
	"github.com/allen9441/hanabot/hanabot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = hanabot.DefaultConfig()
	configFile string
)

// logLevelKeys are the config keys holding a *slog.LevelVar
var logLevelKeys = []string{
	"log_level",
	"openai.log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"api.log_level",
}

var rootCmd = &cobra.Command{
	Use:   "hanabot [flags]",
	Short: "A discord chat bot backed by an OpenAI-compatible chat completion API",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					mapstructure.StringToSliceHookFunc(","),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes a level name, ex: "WARN", into a
// *slog.LevelVar
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfigFile reads --config. YAML files (as written by `init`) are
// read by viper directly, anything else is loaded as a .env file.
func loadConfigFile() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
		return
	}

	switch strings.ToLower(filepath.Ext(configFile)) {
	case ".yaml", ".yml":
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			log.Fatalf("error reading config file %s: %v", configFile, err)
		}
	default:
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}
}

func initConfig() {
	loadConfigFile()

	viper.SetDefault("log_level", hanabot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", hanabot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", hanabot.DefaultShutdownTimeout)

	// OpenAI config
	viper.SetDefault("openai.token", "")
	viper.SetDefault("openai.base_url", hanabot.DefaultOpenAIBaseURL)
	viper.SetDefault("openai.model", hanabot.DefaultOpenAIModel)
	viper.SetDefault("openai.temperature", hanabot.DefaultOpenAITemperature)
	viper.SetDefault(
		"openai.max_completion_tokens",
		hanabot.DefaultOpenAIMaxCompletionTokens,
	)
	viper.SetDefault("openai.vision_enabled", false)
	viper.SetDefault("openai.request_timeout", hanabot.DefaultOpenAIRequestTimeout)
	viper.SetDefault("openai.image_timeout", hanabot.DefaultOpenAIImageTimeout)
	viper.SetDefault("openai.image_max_bytes", hanabot.DefaultOpenAIImageMaxBytes)
	viper.SetDefault(
		"openai.max_requests_per_second",
		hanabot.DefaultOpenAIMaxRequestsPerSecond,
	)
	viper.SetDefault("openai.max_history_tokens", 0)
	viper.SetDefault("openai.log_level", hanabot.DefaultOpenAILogLevel.String())

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.owner_id", "")
	viper.SetDefault("discord.blacklist_channels", []string{})
	viper.SetDefault("discord.command_prefix", hanabot.DefaultDiscordCommandPrefix)
	viper.SetDefault("discord.startup_message", hanabot.DefaultDiscordStartupMessage)
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault(
		"discord.gateway_intents",
		hanabot.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault("discord.request_timeout", hanabot.DefaultDiscordRequestTimeout)
	viper.SetDefault(
		"discord.log_level",
		hanabot.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		hanabot.DefaultDiscordgoLogLevel.String(),
	)

	// Persona, state and memory
	viper.SetDefault("persona.pre_path", hanabot.DefaultPersonaPrePath)
	viper.SetDefault("persona.post_path", hanabot.DefaultPersonaPostPath)
	viper.SetDefault("persona.placeholder", hanabot.DefaultPersonaPlaceholder)
	viper.SetDefault("persona.cache_size", hanabot.DefaultPersonaCacheSize)
	viper.SetDefault("state.max_history_length", hanabot.DefaultMaxHistoryLength)
	viper.SetDefault("state.trigger_min", hanabot.DefaultTriggerMin)
	viper.SetDefault("state.trigger_max", hanabot.DefaultTriggerMax)
	viper.SetDefault("state.max_channels", hanabot.DefaultMaxChannels)
	viper.SetDefault("memory.dir", hanabot.DefaultMemoryDir)

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", hanabot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.log_level", hanabot.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", hanabot.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		hanabot.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", hanabot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", hanabot.DefaultIdleTimeout)

	envPrefix := os.Getenv(hanabot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = hanabot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	viper.Set("discord.blacklist_channels", stringList("discord.blacklist_channels"))

	for _, key := range logLevelKeys {
		if _, ok := viper.Get(key).(*slog.LevelVar); ok {
			continue
		}
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

// stringList reads key as a list, splitting on whitespace and commas,
// ex: "123,456" or "123 456"
func stringList(key string) []string {
	items := []string{}
	for _, v := range viper.GetStringSlice(key) {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				items = append(items, part)
			}
		}
	}
	return items
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use (.env, or .yaml as written by 'init')",
	)
}
