package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Audit       AuditConfig      `yaml:"audit"`
	Presence    PresenceConfig   `yaml:"presence"`
	Realtime    RealtimeConfig   `yaml:"realtime"`
	Blog        BlogConfig       `yaml:"blog"`
	Contact     ContactConfig    `yaml:"contact"`
	LLM         LLMConfig        `yaml:"llm"`
	RateLimit   RateLimitConfig  `yaml:"rate_limit"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// AuditConfig selects where the chat client mirrors its logged events.
type AuditConfig struct {
	Sink string `yaml:"sink"` // store, bus, memory
}

// PresenceConfig controls the live-session heartbeats exchanged over the bus.
type PresenceConfig struct {
	HeartbeatInterval int `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int `yaml:"heartbeat_timeout_ms"`
	ExpireAfter       int `yaml:"expire_after_ms"`
}

type VADConfig struct {
	Threshold         float64 `yaml:"threshold"`
	PrefixPaddingMS   int     `yaml:"prefix_padding_ms"`
	SilenceDurationMS int     `yaml:"silence_duration_ms"`
	CreateResponse    bool    `yaml:"create_response"`
}

type RealtimeConfig struct {
	Endpoint           string    `yaml:"endpoint"`
	Model              string    `yaml:"model"`
	Voice              string    `yaml:"voice"`
	CredentialURL      string    `yaml:"credential_url"`
	CredentialMode     string    `yaml:"credential_mode"` // upstream, mock
	APIKey             string    `yaml:"api_key"`
	SessionsURL        string    `yaml:"sessions_url"`
	PersonaFile        string    `yaml:"persona_file"`
	DefaultPersona     string    `yaml:"default_persona"`
	PushToTalk         bool      `yaml:"push_to_talk"`
	AudioPlayback      bool      `yaml:"audio_playback"`
	GreetOnConnect     bool      `yaml:"greet_on_connect"`
	Greeting           string    `yaml:"greeting"`
	PreserveTranscript bool      `yaml:"preserve_transcript"`
	GuardrailTerms     []string  `yaml:"guardrail_terms"`
	SupervisorURL      string    `yaml:"supervisor_url"`
	HandshakeTimeoutMS int       `yaml:"handshake_timeout_ms"`
	ToolTimeoutMS      int       `yaml:"tool_timeout_ms"`
	VAD                VADConfig `yaml:"vad"`
}

type BlogConfig struct {
	Path string `yaml:"path"`
}

type ContactConfig struct {
	Mode       string `yaml:"mode"` // log, exec
	Command    string `yaml:"command"`
	OwnerEmail string `yaml:"owner_email"`
	FromEmail  string `yaml:"from_email"`
}

type LLMConfig struct {
	Mode            string  `yaml:"mode"` // mock, openai, exec
	Endpoint        string  `yaml:"endpoint"`
	APIKey          string  `yaml:"api_key"`
	Command         string  `yaml:"command"`
	Model           string  `yaml:"model"`
	MaxTokens       int     `yaml:"max_tokens"`
	Temperature     float64 `yaml:"temperature"`
	TimeoutMS       int     `yaml:"timeout_ms"`
	CompanyInfo     string  `yaml:"company_info"`
	DailyTokenLimit int     `yaml:"daily_token_limit"`
}

type RateLimitConfig struct {
	Enabled        bool `yaml:"enabled"`
	IPPerHour      int  `yaml:"ip_per_hour"`
	SessionPerHour int  `yaml:"session_per_hour"`
	UserPerDay     int  `yaml:"user_per_day"`
	SecureCookie   bool `yaml:"secure_cookie"`
}

const defaultCompanyInfo = `RomaTek Fast Facts
- Founded: 2025. HQ: Florida, USA.
- Mission: help businesses turn AI ideas into measurable results, fast.

Core Services
- AI Readiness Audit (1 week): assessment of workflows, data sources and easy-win automation spots.
- MS 365/Teams Automations: Power Automate flows for onboarding, ticket triage and report generation.
- Azure OpenAI Chatbot MVP: branded FAQ or internal knowledge bot in a secure Azure environment.

How to start
- Book a free 30-minute discovery call at romatekai.com/consult, or email hello@romatekai.com.`

func Default() Config {
	return Config{
		RuntimeName: "romatekd",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/romatek-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Audit: AuditConfig{
			Sink: "store",
		},
		Presence: PresenceConfig{
			HeartbeatInterval: 5000,
			HeartbeatTimeout:  15000,
			ExpireAfter:       300000,
		},
		Realtime: RealtimeConfig{
			Endpoint:           "wss://api.openai.com/v1/realtime",
			Model:              "gpt-4o-realtime-preview-2025-06-03",
			Voice:              "echo",
			CredentialURL:      "http://localhost:8080/session",
			CredentialMode:     "upstream",
			SessionsURL:        "https://api.openai.com/v1/realtime/sessions",
			DefaultPersona:     "chatAgent",
			AudioPlayback:      true,
			GreetOnConnect:     true,
			Greeting:           "hi",
			SupervisorURL:      "http://localhost:8080/api/supervisor",
			HandshakeTimeoutMS: 10000,
			ToolTimeoutMS:      15000,
			VAD: VADConfig{
				Threshold:         0.9,
				PrefixPaddingMS:   300,
				SilenceDurationMS: 500,
				CreateResponse:    true,
			},
		},
		Blog: BlogConfig{
			Path: "./data/blog.db",
		},
		Contact: ContactConfig{
			Mode:       "log",
			OwnerEmail: "hello@romatekai.com",
			FromEmail:  "support@romantechs.com",
		},
		LLM: LLMConfig{
			Mode:            "mock",
			Endpoint:        "https://api.openai.com/v1",
			Model:           "gpt-4o",
			Temperature:     0.7,
			TimeoutMS:       60000,
			CompanyInfo:     defaultCompanyInfo,
			DailyTokenLimit: 100000,
		},
		RateLimit: RateLimitConfig{
			Enabled:        true,
			IPPerHour:      100,
			SessionPerHour: 50,
			UserPerDay:     200,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "ROMATEK_RUNTIME_NAME")
	overrideString(&cfg.Environment, "ROMATEK_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "ROMATEK_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "ROMATEK_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "ROMATEK_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "ROMATEK_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "ROMATEK_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "ROMATEK_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "ROMATEK_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "ROMATEK_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "ROMATEK_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "ROMATEK_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "ROMATEK_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "ROMATEK_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "ROMATEK_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "ROMATEK_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "ROMATEK_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "ROMATEK_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "ROMATEK_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "ROMATEK_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "ROMATEK_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "ROMATEK_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Audit.Sink, "ROMATEK_AUDIT_SINK")
	overrideInt(&cfg.Presence.HeartbeatInterval, "ROMATEK_PRESENCE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Presence.HeartbeatTimeout, "ROMATEK_PRESENCE_HEARTBEAT_TIMEOUT_MS")
	overrideInt(&cfg.Presence.ExpireAfter, "ROMATEK_PRESENCE_EXPIRE_AFTER_MS")
	overrideString(&cfg.Realtime.Endpoint, "ROMATEK_REALTIME_ENDPOINT")
	overrideString(&cfg.Realtime.Model, "ROMATEK_REALTIME_MODEL")
	overrideString(&cfg.Realtime.Voice, "ROMATEK_REALTIME_VOICE")
	overrideString(&cfg.Realtime.CredentialURL, "ROMATEK_REALTIME_CREDENTIAL_URL")
	overrideString(&cfg.Realtime.CredentialMode, "ROMATEK_REALTIME_CREDENTIAL_MODE")
	overrideString(&cfg.Realtime.APIKey, "ROMATEK_REALTIME_API_KEY")
	overrideString(&cfg.Realtime.SessionsURL, "ROMATEK_REALTIME_SESSIONS_URL")
	overrideString(&cfg.Realtime.PersonaFile, "ROMATEK_REALTIME_PERSONA_FILE")
	overrideString(&cfg.Realtime.DefaultPersona, "ROMATEK_REALTIME_DEFAULT_PERSONA")
	overrideBool(&cfg.Realtime.PushToTalk, "ROMATEK_REALTIME_PUSH_TO_TALK")
	overrideBool(&cfg.Realtime.AudioPlayback, "ROMATEK_REALTIME_AUDIO_PLAYBACK")
	overrideBool(&cfg.Realtime.GreetOnConnect, "ROMATEK_REALTIME_GREET_ON_CONNECT")
	overrideString(&cfg.Realtime.Greeting, "ROMATEK_REALTIME_GREETING")
	overrideBool(&cfg.Realtime.PreserveTranscript, "ROMATEK_REALTIME_PRESERVE_TRANSCRIPT")
	overrideStringSlice(&cfg.Realtime.GuardrailTerms, "ROMATEK_REALTIME_GUARDRAIL_TERMS")
	overrideString(&cfg.Realtime.SupervisorURL, "ROMATEK_REALTIME_SUPERVISOR_URL")
	overrideInt(&cfg.Realtime.HandshakeTimeoutMS, "ROMATEK_REALTIME_HANDSHAKE_TIMEOUT_MS")
	overrideInt(&cfg.Realtime.ToolTimeoutMS, "ROMATEK_REALTIME_TOOL_TIMEOUT_MS")
	overrideFloat(&cfg.Realtime.VAD.Threshold, "ROMATEK_REALTIME_VAD_THRESHOLD")
	overrideInt(&cfg.Realtime.VAD.PrefixPaddingMS, "ROMATEK_REALTIME_VAD_PREFIX_PADDING_MS")
	overrideInt(&cfg.Realtime.VAD.SilenceDurationMS, "ROMATEK_REALTIME_VAD_SILENCE_DURATION_MS")
	overrideBool(&cfg.Realtime.VAD.CreateResponse, "ROMATEK_REALTIME_VAD_CREATE_RESPONSE")
	overrideString(&cfg.Blog.Path, "ROMATEK_BLOG_PATH")
	overrideString(&cfg.Contact.Mode, "ROMATEK_CONTACT_MODE")
	overrideString(&cfg.Contact.Command, "ROMATEK_CONTACT_COMMAND")
	overrideString(&cfg.Contact.OwnerEmail, "ROMATEK_CONTACT_OWNER_EMAIL")
	overrideString(&cfg.Contact.FromEmail, "ROMATEK_CONTACT_FROM_EMAIL")
	overrideString(&cfg.LLM.Mode, "ROMATEK_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "ROMATEK_LLM_ENDPOINT")
	overrideString(&cfg.LLM.APIKey, "ROMATEK_LLM_API_KEY")
	overrideString(&cfg.LLM.Command, "ROMATEK_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "ROMATEK_LLM_MODEL")
	overrideInt(&cfg.LLM.MaxTokens, "ROMATEK_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "ROMATEK_LLM_TEMPERATURE")
	overrideInt(&cfg.LLM.TimeoutMS, "ROMATEK_LLM_TIMEOUT_MS")
	overrideString(&cfg.LLM.CompanyInfo, "ROMATEK_LLM_COMPANY_INFO")
	overrideInt(&cfg.LLM.DailyTokenLimit, "ROMATEK_LLM_DAILY_TOKEN_LIMIT")
	overrideBool(&cfg.RateLimit.Enabled, "ROMATEK_RATE_LIMIT_ENABLED")
	overrideInt(&cfg.RateLimit.IPPerHour, "ROMATEK_RATE_LIMIT_IP_PER_HOUR")
	overrideInt(&cfg.RateLimit.SessionPerHour, "ROMATEK_RATE_LIMIT_SESSION_PER_HOUR")
	overrideInt(&cfg.RateLimit.UserPerDay, "ROMATEK_RATE_LIMIT_USER_PER_DAY")
	overrideBool(&cfg.RateLimit.SecureCookie, "ROMATEK_RATE_LIMIT_SECURE_COOKIE")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else if len(cfg.Bus.Servers) == 0 {
		return errors.New("bus.servers must not be empty when embedded mode is disabled")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Audit.Sink {
	case "store", "bus", "memory":
	default:
		return errors.New("audit.sink must be one of store|bus|memory")
	}
	if cfg.Presence.HeartbeatInterval <= 0 || cfg.Presence.HeartbeatTimeout < cfg.Presence.HeartbeatInterval {
		return errors.New("presence.heartbeat_timeout_ms must be >= heartbeat_interval_ms > 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Realtime.Endpoint == "" {
		return errors.New("realtime.endpoint must not be empty")
	}
	if cfg.Realtime.Model == "" {
		return errors.New("realtime.model must not be empty")
	}
	switch cfg.Realtime.CredentialMode {
	case "upstream", "mock":
	default:
		return errors.New("realtime.credential_mode must be one of upstream|mock")
	}
	if cfg.Realtime.VAD.Threshold < 0 || cfg.Realtime.VAD.Threshold > 1 {
		return errors.New("realtime.vad.threshold must be between 0 and 1")
	}
	if cfg.Realtime.VAD.PrefixPaddingMS < 0 || cfg.Realtime.VAD.SilenceDurationMS < 0 {
		return errors.New("realtime.vad durations must be >= 0")
	}
	if cfg.Realtime.HandshakeTimeoutMS <= 0 {
		return errors.New("realtime.handshake_timeout_ms must be positive")
	}
	if cfg.Realtime.ToolTimeoutMS <= 0 {
		return errors.New("realtime.tool_timeout_ms must be positive")
	}
	if cfg.Blog.Path == "" {
		return errors.New("blog.path must not be empty")
	}
	switch cfg.Contact.Mode {
	case "log":
	case "exec":
		if cfg.Contact.Command == "" {
			return errors.New("contact.command must be set when mode=exec")
		}
	default:
		return errors.New("contact.mode must be one of log|exec")
	}
	if cfg.Contact.OwnerEmail == "" || cfg.Contact.FromEmail == "" {
		return errors.New("contact.owner_email and contact.from_email must not be empty")
	}
	switch cfg.LLM.Mode {
	case "mock":
	case "openai":
		if cfg.LLM.Endpoint == "" {
			return errors.New("llm.endpoint must be set when mode=openai")
		}
	case "exec":
		if cfg.LLM.Command == "" {
			return errors.New("llm.command must be set when mode=exec")
		}
	default:
		return errors.New("llm.mode must be one of mock|openai|exec")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	if cfg.LLM.DailyTokenLimit <= 0 {
		return errors.New("llm.daily_token_limit must be positive")
	}
	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.IPPerHour <= 0 || cfg.RateLimit.SessionPerHour <= 0 || cfg.RateLimit.UserPerDay <= 0 {
			return errors.New("rate_limit limits must be positive when enabled")
		}
	}
	return nil
}
