package shared

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// Environment variable keys
const (
	EnvKeyConfigFile         = "RELAY_CONFIG"
	EnvKeyListenAddr         = "RELAY_LISTEN_ADDR"
	EnvKeyApiKey             = "OPENAI_API_KEY"
	EnvKeyUpstreamURL        = "OPENAI_REALTIME_URL"
	EnvKeyUpstreamModel      = "OPENAI_REALTIME_MODEL"
	EnvKeyLogLevel           = "RELAY_LOG_LEVEL"
	EnvKeyLogFile            = "RELAY_LOG_FILE"
	EnvKeyTranscriptionURL   = "RELAY_TRANSCRIPTION_URL"
	EnvKeyTranscriptionKey   = "RELAY_TRANSCRIPTION_API_KEY"
	EnvKeyTranscriptionModel = "RELAY_TRANSCRIPTION_MODEL"
)

const (
	TranscriptionSourceUpstream = "upstream"
	TranscriptionSourceExternal = "external"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Upstream      UpstreamConfig      `yaml:"upstream"`
	Session       SessionConfig       `yaml:"session"`
	Conversation  ConversationConfig  `yaml:"conversation"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Log           LogConfig           `yaml:"log"`
}

type ServerConfig struct {
	ListenAddr     string   `yaml:"listen_addr"`
	Path           string   `yaml:"path"`
	ReadLimitBytes int64    `yaml:"read_limit_bytes"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type UpstreamConfig struct {
	URL            string        `yaml:"url"`
	Model          string        `yaml:"model"`
	APIKey         string        `yaml:"api_key"`
	ProtocolHeader string        `yaml:"protocol_header"`
	ProtocolValue  string        `yaml:"protocol_value"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	// SessionUpdate sends session.update when the upstream leg opens.
	SessionUpdate bool     `yaml:"session_update"`
	Instructions  string   `yaml:"instructions"`
	Modalities    []string `yaml:"modalities"`
	Voice         string   `yaml:"voice"`
	// Greeting, when set, is sent as response.create instructions on open.
	Greeting string `yaml:"greeting"`
}

type SessionConfig struct {
	OutboundQueueSize int           `yaml:"outbound_queue_size"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	SilenceWindow     time.Duration `yaml:"silence_window"`
	MaxCaptureSeconds int           `yaml:"max_capture_seconds"`
	InputSampleRate   int           `yaml:"input_sample_rate"`
}

type ConversationConfig struct {
	RetainAudio      bool `yaml:"retain_audio"`
	OutputSampleRate int  `yaml:"output_sample_rate"`
}

type TranscriptionConfig struct {
	Source  string        `yaml:"source"`
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
	// Transcripts mirrors user and bot transcripts to stdout.
	Transcripts bool `yaml:"transcripts"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:     ":8080",
			Path:           "/ws",
			ReadLimitBytes: 1 << 20,
		},
		Upstream: UpstreamConfig{
			URL:            "wss://api.openai.com/v1/realtime",
			Model:          "gpt-4o-realtime-preview-2024-10-01",
			ProtocolHeader: "OpenAI-Beta",
			ProtocolValue:  "realtime=v1",
			DialTimeout:    10 * time.Second,
			Modalities:     []string{"text", "audio"},
		},
		Session: SessionConfig{
			OutboundQueueSize: 256,
			WriteTimeout:      5 * time.Second,
			PingInterval:      20 * time.Second,
			SilenceWindow:     30 * time.Second,
			MaxCaptureSeconds: 60,
			InputSampleRate:   16000,
		},
		Conversation: ConversationConfig{
			RetainAudio:      true,
			OutputSampleRate: 24000,
		},
		Transcription: TranscriptionConfig{
			Source:  TranscriptionSourceUpstream,
			Model:   "whisper-1",
			Timeout: 15 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 2,
			MaxAgeDays: 3,
		},
	}
}

// LoadConfig overlays the YAML file at path (when non-empty) and then the
// environment on top of DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decoding config file: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() (err error) {
	if c.Server.ListenAddr, err = Getenv(GetenvString, EnvKeyListenAddr, false, c.Server.ListenAddr); err != nil {
		return err
	}
	if c.Upstream.APIKey, err = Getenv(GetenvString, EnvKeyApiKey, false, c.Upstream.APIKey); err != nil {
		return err
	}
	if c.Upstream.URL, err = Getenv(GetenvString, EnvKeyUpstreamURL, false, c.Upstream.URL); err != nil {
		return err
	}
	if c.Upstream.Model, err = Getenv(GetenvString, EnvKeyUpstreamModel, false, c.Upstream.Model); err != nil {
		return err
	}
	if c.Log.Level, err = Getenv(GetenvString, EnvKeyLogLevel, false, c.Log.Level); err != nil {
		return err
	}
	if c.Log.File, err = Getenv(GetenvString, EnvKeyLogFile, false, c.Log.File); err != nil {
		return err
	}
	if c.Transcription.URL, err = Getenv(GetenvString, EnvKeyTranscriptionURL, false, c.Transcription.URL); err != nil {
		return err
	}
	if c.Transcription.APIKey, err = Getenv(GetenvString, EnvKeyTranscriptionKey, false, c.Transcription.APIKey); err != nil {
		return err
	}
	if c.Transcription.Model, err = Getenv(GetenvString, EnvKeyTranscriptionModel, false, c.Transcription.Model); err != nil {
		return err
	}
	return nil
}

func (c *Config) Validate() error {
	switch {
	case c.Upstream.URL == "":
		return fmt.Errorf("%w: upstream.url is empty", ErrInvalidConfig)
	case c.Upstream.APIKey == "":
		return fmt.Errorf("%w: %w", ErrInvalidConfig, ErrNoAPIKey)
	case c.Session.OutboundQueueSize <= 0:
		return fmt.Errorf("%w: session.outbound_queue_size must be positive", ErrInvalidConfig)
	case c.Session.InputSampleRate <= 0:
		return fmt.Errorf("%w: session.input_sample_rate must be positive", ErrInvalidConfig)
	case c.Conversation.OutputSampleRate <= 0:
		return fmt.Errorf("%w: conversation.output_sample_rate must be positive", ErrInvalidConfig)
	}
	switch c.Transcription.Source {
	case TranscriptionSourceUpstream:
	case TranscriptionSourceExternal:
		if c.Transcription.URL == "" {
			return fmt.Errorf("%w: transcription.url is required for the external source", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown transcription.source %q", ErrInvalidConfig, c.Transcription.Source)
	}
	return nil
}

// Dump renders the config as YAML with credentials masked.
func (c *Config) Dump() ([]byte, error) {
	redacted := *c
	redacted.Upstream.APIKey = mask(c.Upstream.APIKey)
	redacted.Transcription.APIKey = mask(c.Transcription.APIKey)
	return yaml.Marshal(&redacted)
}

func mask(secret string) string {
	if len(secret) <= 10 {
		if secret == "" {
			return ""
		}
		return "***"
	}
	return secret[:10] + "..."
}
