package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	jsoniter "github.com/json-iterator/go"
)

// EnvConfig holds the process-level configuration read from the environment.
// Unlike SystemConfig, these values are either secrets or identify external
// endpoints, so they are never hot-reloaded from disk.
type EnvConfig struct {
	Host string
	Port string

	MySQLDSN         string
	MySQLMaxOpenConn int
	MySQLMaxIdleConn int

	LLMProvider    string // "openai", "ollama", or "gemini"
	LLMModel       string
	LLMBaseURL     string
	LLMAPIKey      string
	LLMTemperature float64

	ExpertAPIBaseURL string
	ExpertAPIKey     string
	ExpertAPITimeout int // seconds; 0 means "use SystemConfig.ExpertTimeoutMs"
	EnableExpert     bool

	// DeviceAPIBaseURL and WeatherAPIBaseURL address the external
	// device-control and weather-lookup collaborators this core only ever
	// calls out to. An empty value means the corresponding pipeline branch
	// is a no-op.
	DeviceAPIBaseURL  string
	WeatherAPIBaseURL string

	LogLevel string
}

// LoadEnv reads process configuration from the environment, seeding it from
// a .env file first when present. Missing optional values fall back to safe
// defaults; a missing mandatory value is a startup error.
func LoadEnv() (*EnvConfig, error) {
	_ = godotenv.Load()

	cfg := &EnvConfig{
		Host:              getenvDefault("HOST", "0.0.0.0"),
		Port:              getenvDefault("PORT", "8080"),
		MySQLDSN:          os.Getenv("MYSQL_DSN"),
		MySQLMaxOpenConn:  getenvInt("MYSQL_MAX_OPEN_CONNS", 25),
		MySQLMaxIdleConn:  getenvInt("MYSQL_MAX_IDLE_CONNS", 10),
		LLMProvider:       getenvDefault("LLM_PROVIDER", "openai"),
		LLMModel:          os.Getenv("LLM_MODEL"),
		LLMBaseURL:        os.Getenv("LLM_BASE_URL"),
		LLMAPIKey:         os.Getenv("LLM_API_KEY"),
		LLMTemperature:    getenvFloat("LLM_TEMPERATURE", 0.7),
		ExpertAPIBaseURL:  os.Getenv("EXPERT_API_BASE_URL"),
		ExpertAPIKey:      os.Getenv("EXPERT_API_KEY"),
		ExpertAPITimeout:  getenvInt("EXPERT_API_TIMEOUT", 0),
		EnableExpert:      getenvBool("ENABLE_EXPERT_CONSULTATION", true),
		DeviceAPIBaseURL:  os.Getenv("DEVICE_API_BASE_URL"),
		WeatherAPIBaseURL: os.Getenv("WEATHER_API_BASE_URL"),
		LogLevel:          getenvDefault("LOG_LEVEL", "info"),
	}

	if cfg.MySQLDSN == "" {
		cfg.MySQLDSN = dsnFromParts()
	}
	if cfg.MySQLDSN == "" {
		return nil, fmt.Errorf("MYSQL_DSN or MYSQL_HOST is required")
	}
	if cfg.LLMModel == "" {
		return nil, fmt.Errorf("LLM_MODEL is required")
	}

	return cfg, nil
}

// dsnFromParts assembles a driver DSN from the individual MYSQL_* variables
// when MYSQL_DSN itself is not set. parseTime=true is mandatory: the store
// layer scans DATETIME columns straight into time.Time.
func dsnFromParts() string {
	host := os.Getenv("MYSQL_HOST")
	if host == "" {
		return ""
	}
	port := getenvDefault("MYSQL_PORT", "3306")
	user := getenvDefault("MYSQL_USER", "root")
	pass := os.Getenv("MYSQL_PASSWORD")
	database := getenvDefault("MYSQL_DATABASE", "aquagateway")
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true&charset=utf8mb4&loc=Local",
		user, pass, host, port, database)
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// DefaultSessionConfig builds the normative default session config
// snapshot a new session is created with, seeded from the boot-time LLM
// provider settings so the client-visible config reflects what will
// actually answer its messages.
func DefaultSessionConfig(env *EnvConfig) jsoniter.RawMessage {
	temperature := env.LLMTemperature
	if temperature <= 0 {
		temperature = 0.7
	}
	cfg := map[string]any{
		"model":         env.LLMModel,
		"temperature":   temperature,
		"max_tokens":    4096,
		"system_prompt": "You are the aquaculture assistant. Answer clearly and ground advice in the conversation and any expert or sensor data provided.",
		"rag": map[string]any{
			"collection_name": "aquaculture_knowledge",
			"topk_single":     5,
			"topk_multi":      3,
		},
		"mode": "single",
	}
	raw, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(cfg)
	if err != nil {
		return jsoniter.RawMessage(`{}`)
	}
	return jsoniter.RawMessage(raw)
}

// SystemConfig defines the engine-level tunables that may be hot-reloaded
// from system.json without restarting the process. None of these are
// secrets; all have safe hardcoded defaults.
type SystemConfig struct {
	// MaxRetries is the total number of attempts the orchestrator makes on
	// a transient upstream LLM error (1 initial + MaxRetries-1 retries).
	MaxRetries int `json:"max_retries"`
	// RetryDelayMs is the base delay for the retry backoff; it doubles on
	// each subsequent attempt.
	RetryDelayMs int `json:"retry_delay_ms"`
	// LLMTimeoutMs bounds a single LLM call across all pipeline stages.
	LLMTimeoutMs int `json:"llm_timeout_ms"`
	// ExpertTimeoutMs is the single overall deadline on one expert
	// consultation; there is no per-frame deadline.
	ExpertTimeoutMs int `json:"expert_timeout_ms"`
	// InternalChannelBuffer sizes the provider stream channels that carry
	// chunks from an LLM response into the pipeline.
	InternalChannelBuffer int `json:"internal_channel_buffer"`
	// InboundQueueDepth is the bounded per-connection inbound message
	// queue depth; a full queue rejects new turns with a busy error.
	InboundQueueDepth int `json:"inbound_queue_depth"`
	// EnableExpertConsultation globally disables the expert stage when
	// false, regardless of routing decisions.
	EnableExpertConsultation bool `json:"enable_expert_consultation"`
	// ExpertStreamPolicy is either "forward" (stream expert chunks to the
	// client directly, skip synthesis) or "synthesize" (buffer the expert
	// answer and stream only the synthesis stage's output).
	ExpertStreamPolicy string `json:"expert_stream_policy"`
	// ShowThinking controls whether intermediate stage output (rewrite,
	// intent, routing) is surfaced to the client as status frames.
	ShowThinking bool `json:"show_thinking"`
	// DebugChunks enables saving every raw LLM response chunk under a
	// per-turn debug directory for inspection.
	DebugChunks bool `json:"debug_chunks"`
	// LogLevel sets the minimum severity for log output when system.json
	// is present; overridden by the LOG_LEVEL env var if both are set.
	LogLevel string `json:"log_level"`
	// HistorySummarizeThreshold is the message count after which older
	// history is summarized instead of replayed verbatim; non-positive
	// disables summarization.
	HistorySummarizeThreshold int `json:"history_summarize_threshold"`
	// HistoryKeepRecentCount is how many recent messages survive a
	// summarization pass untouched.
	HistoryKeepRecentCount int `json:"history_keep_recent_count"`
}

// DeepCopy returns an independent copy of s.
func (s *SystemConfig) DeepCopy() *SystemConfig {
	newSys := *s
	return &newSys
}

// DefaultSystemConfig returns the hardcoded safe defaults applied before
// system.json is read, and whenever a field is absent from it.
func DefaultSystemConfig() *SystemConfig {
	return &SystemConfig{
		MaxRetries:                3,
		RetryDelayMs:              250,
		LLMTimeoutMs:              60000,
		ExpertTimeoutMs:           60000,
		InternalChannelBuffer:     64,
		InboundQueueDepth:         4,
		EnableExpertConsultation:  true,
		ExpertStreamPolicy:        "synthesize",
		ShowThinking:              false,
		DebugChunks:               false,
		LogLevel:                  "info",
		HistorySummarizeThreshold: 40,
		HistoryKeepRecentCount:    20,
	}
}

// LoadSystemConfig reads path and overlays it onto the defaults. A missing
// or malformed file is not an error: the caller gets defaults back, since
// system.json is a tuning knob, not a mandatory boot input.
func LoadSystemConfig(path string) *SystemConfig {
	cfg := DefaultSystemConfig()

	file, err := os.ReadFile(path)
	if err != nil {
		return cfg
	}

	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(file, cfg); err != nil {
		return cfg
	}

	return cfg
}
