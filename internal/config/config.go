package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Port              string
		LogLevel          string
		LogFormat         string
		GRPCAddr          string
		ReadHeaderTimeout time.Duration
	}
	OpenAI struct {
		APIKey          string
		BaseURL         string
		RealtimeURL     string
		RealtimeModel   string
		ChatModel       string
		TTSModel        string
		TranscribeModel string
	}
	Session struct {
		MaxPerUser          int
		StaleAfter          time.Duration
		ReapInterval        time.Duration
		ConnectTimeout      time.Duration
		DefaultVoice        string
		Temperature         float64
		MaxMessageBytes     int64
		HistoryWindow       int
		MaxAudioBufferBytes int
	}
	Resilience struct {
		BreakerThreshold      int
		BreakerCooldown       time.Duration
		RateLimitTokens       int
		RateLimitRefillPerSec float64
		ReconnectMaxAttempts  int
		ReconnectInitialDelay time.Duration
		ReconnectMaxDelay     time.Duration
		ReconnectFactor       float64
		HeartbeatInterval     time.Duration
		HeartbeatPingAfter    time.Duration
		HeartbeatStaleAfter   time.Duration
	}
	Auth struct {
		TokenSecret   string
		TokenTTL      time.Duration
		TokenSkewSecs int
	}
	Events struct {
		RedisAddr     string
		RedisPassword string
		RedisDB       int
		MaxPerUser    int
	}
}

func Load() Config {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "json")
	v.SetDefault("server.grpc_addr", ":9090")
	v.SetDefault("server.read_header_timeout_s", 5)

	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("openai.realtime_url", "wss://api.openai.com/v1/realtime")
	v.SetDefault("openai.realtime_model", "gpt-4o-realtime-preview-2024-12-17")
	v.SetDefault("openai.chat_model", "gpt-4o-mini")
	v.SetDefault("openai.tts_model", "tts-1")
	v.SetDefault("openai.transcribe_model", "whisper-1")

	v.SetDefault("session.max_per_user", 3)
	v.SetDefault("session.stale_after_s", 600)
	v.SetDefault("session.reap_interval_s", 60)
	v.SetDefault("session.connect_timeout_s", 10)
	v.SetDefault("session.default_voice", "alloy")
	v.SetDefault("session.temperature", 0.8)
	v.SetDefault("session.max_message_bytes", 1<<20)
	v.SetDefault("session.history_window", 40)
	v.SetDefault("session.max_audio_buffer_bytes", 10<<20)

	v.SetDefault("resilience.breaker_threshold", 3)
	v.SetDefault("resilience.breaker_cooldown_ms", 30000)
	v.SetDefault("resilience.rate_limit_tokens", 100)
	v.SetDefault("resilience.rate_limit_refill_per_s", 100.0/60.0)
	v.SetDefault("resilience.reconnect_max_attempts", 5)
	v.SetDefault("resilience.reconnect_initial_delay_ms", 1000)
	v.SetDefault("resilience.reconnect_max_delay_ms", 30000)
	v.SetDefault("resilience.reconnect_factor", 2.0)
	v.SetDefault("resilience.heartbeat_interval_s", 15)
	v.SetDefault("resilience.heartbeat_ping_after_s", 30)
	v.SetDefault("resilience.heartbeat_stale_after_s", 300)

	v.SetDefault("auth.token_ttl_min", 60)
	v.SetDefault("auth.token_skew_s", 60)

	v.SetDefault("events.redis_db", 0)
	v.SetDefault("events.max_per_user", 200)

	// Map envs
	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.log_level", "LOG_LEVEL")
	v.BindEnv("server.log_format", "LOG_FORMAT")
	v.BindEnv("server.grpc_addr", "GRPC_ADDR")
	v.BindEnv("server.read_header_timeout_s", "READ_HEADER_TIMEOUT_S")

	v.BindEnv("openai.api_key", "OPENAI_API_KEY")
	v.BindEnv("openai.base_url", "OPENAI_BASE_URL")
	v.BindEnv("openai.realtime_url", "OPENAI_REALTIME_URL")
	v.BindEnv("openai.realtime_model", "OPENAI_REALTIME_MODEL")
	v.BindEnv("openai.chat_model", "OPENAI_CHAT_MODEL")
	v.BindEnv("openai.tts_model", "OPENAI_TTS_MODEL")
	v.BindEnv("openai.transcribe_model", "OPENAI_TRANSCRIBE_MODEL")

	v.BindEnv("session.max_per_user", "SESSION_MAX_PER_USER")
	v.BindEnv("session.stale_after_s", "SESSION_STALE_AFTER_S")
	v.BindEnv("session.reap_interval_s", "SESSION_REAP_INTERVAL_S")
	v.BindEnv("session.connect_timeout_s", "SESSION_CONNECT_TIMEOUT_S")
	v.BindEnv("session.default_voice", "SESSION_DEFAULT_VOICE")
	v.BindEnv("session.temperature", "SESSION_TEMPERATURE")
	v.BindEnv("session.max_message_bytes", "SESSION_MAX_MESSAGE_BYTES")
	v.BindEnv("session.history_window", "SESSION_HISTORY_WINDOW")
	v.BindEnv("session.max_audio_buffer_bytes", "SESSION_MAX_AUDIO_BUFFER_BYTES")

	v.BindEnv("resilience.breaker_threshold", "BREAKER_THRESHOLD")
	v.BindEnv("resilience.breaker_cooldown_ms", "BREAKER_COOLDOWN_MS")
	v.BindEnv("resilience.rate_limit_tokens", "RATE_LIMIT_TOKENS")
	v.BindEnv("resilience.rate_limit_refill_per_s", "RATE_LIMIT_REFILL_PER_S")
	v.BindEnv("resilience.reconnect_max_attempts", "RECONNECT_MAX_ATTEMPTS")
	v.BindEnv("resilience.reconnect_initial_delay_ms", "RECONNECT_INITIAL_DELAY_MS")
	v.BindEnv("resilience.reconnect_max_delay_ms", "RECONNECT_MAX_DELAY_MS")
	v.BindEnv("resilience.reconnect_factor", "RECONNECT_FACTOR")
	v.BindEnv("resilience.heartbeat_interval_s", "HEARTBEAT_INTERVAL_S")
	v.BindEnv("resilience.heartbeat_ping_after_s", "HEARTBEAT_PING_AFTER_S")
	v.BindEnv("resilience.heartbeat_stale_after_s", "HEARTBEAT_STALE_AFTER_S")

	v.BindEnv("auth.token_secret", "CLIENT_TOKEN_SECRET")
	v.BindEnv("auth.token_ttl_min", "CLIENT_TOKEN_TTL_MIN")
	v.BindEnv("auth.token_skew_s", "CLIENT_TOKEN_SKEW_S")

	v.BindEnv("events.redis_addr", "EVENTS_REDIS_ADDR")
	v.BindEnv("events.redis_password", "EVENTS_REDIS_PASSWORD")
	v.BindEnv("events.redis_db", "EVENTS_REDIS_DB")
	v.BindEnv("events.max_per_user", "EVENTS_MAX_PER_USER")

	var c Config
	c.Server.Port = toString(v.Get("server.port"))
	c.Server.LogLevel = v.GetString("server.log_level")
	c.Server.LogFormat = v.GetString("server.log_format")
	c.Server.GRPCAddr = v.GetString("server.grpc_addr")
	c.Server.ReadHeaderTimeout = seconds(v.GetInt("server.read_header_timeout_s"))

	c.OpenAI.APIKey = v.GetString("openai.api_key")
	c.OpenAI.BaseURL = v.GetString("openai.base_url")
	c.OpenAI.RealtimeURL = v.GetString("openai.realtime_url")
	c.OpenAI.RealtimeModel = v.GetString("openai.realtime_model")
	c.OpenAI.ChatModel = v.GetString("openai.chat_model")
	c.OpenAI.TTSModel = v.GetString("openai.tts_model")
	c.OpenAI.TranscribeModel = v.GetString("openai.transcribe_model")

	c.Session.MaxPerUser = v.GetInt("session.max_per_user")
	c.Session.StaleAfter = seconds(v.GetInt("session.stale_after_s"))
	c.Session.ReapInterval = seconds(v.GetInt("session.reap_interval_s"))
	c.Session.ConnectTimeout = seconds(v.GetInt("session.connect_timeout_s"))
	c.Session.DefaultVoice = v.GetString("session.default_voice")
	c.Session.Temperature = v.GetFloat64("session.temperature")
	c.Session.MaxMessageBytes = v.GetInt64("session.max_message_bytes")
	c.Session.HistoryWindow = v.GetInt("session.history_window")
	c.Session.MaxAudioBufferBytes = v.GetInt("session.max_audio_buffer_bytes")

	c.Resilience.BreakerThreshold = v.GetInt("resilience.breaker_threshold")
	c.Resilience.BreakerCooldown = millis(v.GetInt("resilience.breaker_cooldown_ms"))
	c.Resilience.RateLimitTokens = v.GetInt("resilience.rate_limit_tokens")
	c.Resilience.RateLimitRefillPerSec = v.GetFloat64("resilience.rate_limit_refill_per_s")
	c.Resilience.ReconnectMaxAttempts = v.GetInt("resilience.reconnect_max_attempts")
	c.Resilience.ReconnectInitialDelay = millis(v.GetInt("resilience.reconnect_initial_delay_ms"))
	c.Resilience.ReconnectMaxDelay = millis(v.GetInt("resilience.reconnect_max_delay_ms"))
	c.Resilience.ReconnectFactor = v.GetFloat64("resilience.reconnect_factor")
	c.Resilience.HeartbeatInterval = seconds(v.GetInt("resilience.heartbeat_interval_s"))
	c.Resilience.HeartbeatPingAfter = seconds(v.GetInt("resilience.heartbeat_ping_after_s"))
	c.Resilience.HeartbeatStaleAfter = seconds(v.GetInt("resilience.heartbeat_stale_after_s"))

	c.Auth.TokenSecret = v.GetString("auth.token_secret")
	c.Auth.TokenTTL = time.Duration(v.GetInt("auth.token_ttl_min")) * time.Minute
	c.Auth.TokenSkewSecs = v.GetInt("auth.token_skew_s")

	c.Events.RedisAddr = v.GetString("events.redis_addr")
	c.Events.RedisPassword = v.GetString("events.redis_password")
	c.Events.RedisDB = v.GetInt("events.redis_db")
	c.Events.MaxPerUser = v.GetInt("events.max_per_user")

	return c
}

// Redacted returns a one-line summary safe for logs.
func (c Config) Redacted() string {
	return fmt.Sprintf("port=%s grpc=%q realtime_model=%s chat_model=%s api_key_set=%t auth=%t events_redis=%q",
		c.Server.Port, c.Server.GRPCAddr, c.OpenAI.RealtimeModel, c.OpenAI.ChatModel,
		c.OpenAI.APIKey != "", c.Auth.TokenSecret != "", c.Events.RedisAddr)
}

func toString(v any) string { return fmt.Sprint(v) }

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
func millis(n int) time.Duration  { return time.Duration(n) * time.Millisecond }
