package config

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chatsync/internal/logger"
	"gopkg.in/yaml.v3"
)

// loadEnv reads .env only outside production (in production config comes from env only).
func loadEnv() {
	if os.Getenv("APP_ENV") == "production" {
		return
	}
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		f, err := os.Open(dir + "/.env")
		if err == nil {
			loadEnvFrom(f)
			f.Close()
			return
		}
		parent := strings.TrimSuffix(dir, "/")
		idx := strings.LastIndex(parent, "/")
		if idx <= 0 {
			return
		}
		dir = parent[:idx]
	}
}

func loadEnvFrom(f *os.File) {
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		if key == "" {
			continue
		}
		if len(val) >= 2 && (val[0] == '"' && val[len(val)-1] == '"' || val[0] == '\'' && val[len(val)-1] == '\'') {
			val = val[1 : len(val)-1]
		}
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// CacheConfig controls the conversation-list snapshot cache.
type CacheConfig struct {
	RedisURL   string
	TTLMinutes int
}

// TTL returns the snapshot lifetime.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

// Config holds client settings.
// Priority: environment > YAML file > defaults.
type Config struct {
	// Server endpoints
	ServerURL  string
	APIBaseURL string

	// Session
	SelfID            string
	SessionCookieName string
	SessionToken      string
	RequestTimeout    time.Duration

	// WebSocket
	WSWriteTimeout   time.Duration
	WSPongTimeout    time.Duration
	WSMaxMessageSize int64
	WSSendBufferSize int

	// Chat timing
	TypingDebounce     time.Duration
	RemoteTypingWindow time.Duration
	ReceiptTick        time.Duration

	Cache CacheConfig

	// InspectAddr enables the read-only inspector HTTP server when set.
	InspectAddr string
	// CORSAllowedOrigins for the inspector.
	CORSAllowedOrigins string

	LogLevel string
}

// yamlConfig mirrors config/client.yaml. Durations are in milliseconds or seconds as named.
type yamlConfig struct {
	ServerURL            string `yaml:"server_url"`
	APIBaseURL           string `yaml:"api_base_url"`
	SelfID               string `yaml:"self_id"`
	SessionCookieName    string `yaml:"session_cookie_name"`
	RequestTimeoutSec    int    `yaml:"request_timeout"`
	WSWriteTimeoutSec    int    `yaml:"ws_write_timeout"`
	WSPongTimeoutSec     int    `yaml:"ws_pong_timeout"`
	WSMaxMessageSize     int    `yaml:"ws_max_message_size"`
	WSSendBufferSize     int    `yaml:"ws_send_buffer_size"`
	TypingDebounceMS     int    `yaml:"typing_debounce_ms"`
	RemoteTypingWindowMS int    `yaml:"remote_typing_window_ms"`
	ReceiptTickMS        int    `yaml:"receipt_tick_ms"`
	RedisURL             string `yaml:"redis_url"`
	CacheTTLMinutes      int    `yaml:"cache_ttl_minutes"`
	InspectAddr          string `yaml:"inspect_addr"`
	CORSAllowedOrigins   string `yaml:"cors_allowed_origins"`
	LogLevel             string `yaml:"log_level"`
}

func defaults() yamlConfig {
	return yamlConfig{
		ServerURL:            "ws://localhost:8080/ws",
		APIBaseURL:           "http://localhost:8080",
		SessionCookieName:    "session_token",
		RequestTimeoutSec:    15,
		WSWriteTimeoutSec:    10,
		WSPongTimeoutSec:     60,
		WSMaxMessageSize:     65536,
		WSSendBufferSize:     64,
		TypingDebounceMS:     3000,
		RemoteTypingWindowMS: 5000,
		ReceiptTickMS:        1000,
		CacheTTLMinutes:      10,
		CORSAllowedOrigins:   "*",
		LogLevel:             "info",
	}
}

// Load reads .env (if present), then the YAML file, then environment overrides.
func Load() *Config {
	loadEnv()
	yc := defaults()

	paths := []string{os.Getenv("CONFIG_PATH"), "config/client.yaml"}
	for _, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := yaml.Unmarshal(data, &yc); err != nil {
			logger.Errorf("config: parse %s: %v (using defaults)", path, err)
		} else {
			logger.Infof("config: loaded %s", path)
		}
		break
	}
	return fromYAML(yc)
}

func fromYAML(yc yamlConfig) *Config {
	cfg := &Config{
		ServerURL:          envStr("SERVER_URL", yc.ServerURL),
		APIBaseURL:         strings.TrimSuffix(envStr("API_BASE_URL", yc.APIBaseURL), "/"),
		SelfID:             envStr("SELF_ID", yc.SelfID),
		SessionCookieName:  envStr("SESSION_COOKIE_NAME", yc.SessionCookieName),
		SessionToken:       envStr("SESSION_TOKEN", ""),
		RequestTimeout:     time.Duration(envInt("REQUEST_TIMEOUT", yc.RequestTimeoutSec)) * time.Second,
		WSWriteTimeout:     time.Duration(envInt("WS_WRITE_TIMEOUT", yc.WSWriteTimeoutSec)) * time.Second,
		WSPongTimeout:      time.Duration(envInt("WS_PONG_TIMEOUT", yc.WSPongTimeoutSec)) * time.Second,
		WSMaxMessageSize:   int64(envInt("WS_MAX_MESSAGE_SIZE", yc.WSMaxMessageSize)),
		WSSendBufferSize:   envInt("WS_SEND_BUFFER_SIZE", yc.WSSendBufferSize),
		TypingDebounce:     envDuration("TYPING_DEBOUNCE_MS", yc.TypingDebounceMS),
		RemoteTypingWindow: envDuration("REMOTE_TYPING_WINDOW_MS", yc.RemoteTypingWindowMS),
		ReceiptTick:        envDuration("RECEIPT_TICK_MS", yc.ReceiptTickMS),
		Cache: CacheConfig{
			RedisURL:   envStr("REDIS_URL", yc.RedisURL),
			TTLMinutes: envInt("CACHE_TTL_MINUTES", yc.CacheTTLMinutes),
		},
		InspectAddr:        envStr("INSPECT_ADDR", yc.InspectAddr),
		CORSAllowedOrigins: envStr("CORS_ALLOWED_ORIGINS", yc.CORSAllowedOrigins),
		LogLevel:           envStr("LOG_LEVEL", yc.LogLevel),
	}
	if cfg.Cache.TTLMinutes <= 0 {
		cfg.Cache.TTLMinutes = 10
	}
	// Remote auto-clear must outlive the local debounce so one dropped start is tolerated.
	if cfg.RemoteTypingWindow <= cfg.TypingDebounce {
		logger.Warnf("config: remote typing window %v <= debounce %v, raising", cfg.RemoteTypingWindow, cfg.TypingDebounce)
		cfg.RemoteTypingWindow = cfg.TypingDebounce + cfg.TypingDebounce/2
	}
	return cfg
}

// envStr returns the environment value or fallback.
func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envInt returns the numeric environment value or fallback.
func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// envDuration reads milliseconds.
func envDuration(key string, fallbackMS int) time.Duration {
	return time.Duration(envInt(key, fallbackMS)) * time.Millisecond
}
