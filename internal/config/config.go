package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"blackmoon-term/internal/protocol"

	"github.com/kelseyhightower/envconfig"
)

// Wire encodings understood by the client and the stub backend.
const (
	EncodingPlain = protocol.EncodingPlain
	EncodingJSON  = protocol.EncodingJSON
)

// Stub backend completion variants.
const (
	VariantStructured = "structured"
	VariantProse      = "prose"
)

// Stub backend runtimes.
const (
	RuntimeEcho   = "echo"
	RuntimeExec   = "exec"
	RuntimeScript = "script"
)

// Config holds all application configuration.
type Config struct {
	Client  ClientConfig
	Server  ServerConfig
	Logging LogConfig
}

// ClientConfig configures the interactive execution client.
type ClientConfig struct {
	URL          string        `envconfig:"BLACKMOON_URL" default:"ws://localhost:8000/ws"`
	Token        string        `envconfig:"BLACKMOON_TOKEN"`
	WireEncoding string        `envconfig:"BLACKMOON_WIRE_ENCODING" default:"plain"`
	DialTimeout  time.Duration `envconfig:"BLACKMOON_DIAL_TIMEOUT" default:"0s"`
	PingInterval time.Duration `envconfig:"BLACKMOON_PING_INTERVAL" default:"30s"`
	Languages    []string      `envconfig:"BLACKMOON_LANGUAGES" default:"python,javascript,c,cpp,java"`
	HistorySize  int           `envconfig:"BLACKMOON_HISTORY" default:"1000"`
	Banner       string        `envconfig:"BLACKMOON_BANNER" default:"READY"`
}

// ServerConfig configures the stub execution backend.
type ServerConfig struct {
	Port         string        `envconfig:"PORT" default:"8000"`
	Host         string        `envconfig:"HOST" default:"0.0.0.0"`
	Banner       string        `envconfig:"BANNER" default:"READY"`
	Variant      string        `envconfig:"VARIANT" default:"structured"`
	WireEncoding string        `envconfig:"WIRE_ENCODING" default:"plain"`
	Runtime      string        `envconfig:"RUNTIME" default:"echo"`
	Token        string        `envconfig:"SERVER_TOKEN"`
	StopGrace    time.Duration `envconfig:"STOP_GRACE" default:"500ms"`
	// ScriptTimeout bounds runs of the script runtime. Zero disables it.
	ScriptTimeout time.Duration `envconfig:"SCRIPT_TIMEOUT" default:"30s"`
	CommandRate   float64       `envconfig:"COMMAND_RATE" default:"50"`
	CommandBurst  int           `envconfig:"COMMAND_BURST" default:"100"`
	// Interpreters overrides exec runtime command lines, as
	// "python:python3 -u,ruby:ruby".
	Interpreters map[string]string `envconfig:"INTERPRETERS"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
	Output      string `envconfig:"LOG_OUTPUT" default:"stderr"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Client: ClientConfig{
			URL:          "ws://localhost:8000/ws",
			WireEncoding: EncodingPlain,
			PingInterval: 30 * time.Second,
			Languages:    []string{"python", "javascript", "c", "cpp", "java"},
			HistorySize:  1000,
			Banner:       "READY",
		},
		Server: ServerConfig{
			Port:          "8000",
			Host:          "0.0.0.0",
			Banner:        "READY",
			Variant:       VariantStructured,
			WireEncoding:  EncodingPlain,
			Runtime:       RuntimeEcho,
			StopGrace:     500 * time.Millisecond,
			ScriptTimeout: 30 * time.Second,
			CommandRate:   50,
			CommandBurst:  100,
		},
		Logging: LogConfig{
			Level:  "info",
			Output: "stderr",
		},
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Client.URL)
	if err != nil {
		return fmt.Errorf("invalid backend url %q: %w", c.Client.URL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("backend url must use ws or wss, got %q", u.Scheme)
	}

	switch c.Client.WireEncoding {
	case EncodingPlain, EncodingJSON:
	default:
		return fmt.Errorf("unknown wire encoding: %s", c.Client.WireEncoding)
	}

	if c.Client.DialTimeout < 0 {
		return fmt.Errorf("dial timeout must not be negative")
	}
	if c.Client.HistorySize <= 0 {
		return fmt.Errorf("history size must be positive, got %d", c.Client.HistorySize)
	}
	if len(c.Client.Languages) == 0 {
		return fmt.Errorf("at least one language must be supported")
	}

	switch c.Server.Variant {
	case VariantStructured, VariantProse:
	default:
		return fmt.Errorf("unknown server variant: %s", c.Server.Variant)
	}

	switch c.Server.WireEncoding {
	case EncodingPlain, EncodingJSON:
	default:
		return fmt.Errorf("unknown server wire encoding: %s", c.Server.WireEncoding)
	}

	switch c.Server.Runtime {
	case RuntimeEcho, RuntimeExec, RuntimeScript:
	default:
		return fmt.Errorf("unknown server runtime: %s", c.Server.Runtime)
	}

	if c.Server.ScriptTimeout < 0 {
		return fmt.Errorf("script timeout must not be negative")
	}
	if c.Server.CommandRate < 0 {
		return fmt.Errorf("command rate must not be negative")
	}

	return nil
}

// SupportsLanguage reports whether lang (case-insensitive) is configured.
func (c ClientConfig) SupportsLanguage(lang string) bool {
	lang = strings.ToLower(strings.TrimSpace(lang))
	for _, l := range c.Languages {
		if strings.ToLower(strings.TrimSpace(l)) == lang {
			return true
		}
	}
	return false
}

var extensionLanguages = map[string]string{
	".py":   "python",
	".js":   "javascript",
	".mjs":  "javascript",
	".c":    "c",
	".h":    "c",
	".cpp":  "cpp",
	".cc":   "cpp",
	".cxx":  "cpp",
	".hpp":  "cpp",
	".java": "java",
}

// LanguageForPath guesses the backend language from a file extension.
// Returns "" when the extension is unknown.
func LanguageForPath(path string) string {
	return extensionLanguages[strings.ToLower(filepath.Ext(path))]
}
