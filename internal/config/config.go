// Package config loads Codelatch's daemon configuration through layered
// resolution: built-in defaults, then a YAML config file, then
// environment variables, then CLI flags — each layer only overriding
// what the previous one set.
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/raphaeltm/codelatch/internal/redact"
)

// RedactionPattern is one operator-supplied additional redaction matcher,
// appended after the built-in set.
type RedactionPattern struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
}

// Config holds every operator-tunable knob the daemon consults.
type Config struct {
	// TelegramBotToken is never logged.
	TelegramBotToken string
	TelegramChatID   string

	AutoDenySeconds    int
	HookTimeoutSeconds int
	QuestionTTLSeconds int

	ContextLines    int
	LogLines        int
	MaxInlineLength int

	RedactionEnabled bool
	RedactionExtra   []RedactionPattern

	SessionsRecencyWindow time.Duration

	DataDir    string
	StorePath  string
	SocketPath string

	LogLevel  string
	LogFormat string
}

// fileConfig mirrors the on-disk YAML shape. Every field is a pointer (or
// a slice) so "absent from the file" is distinguishable from "explicitly
// zero," which is what lets a later layer's absence leave an earlier
// layer's value in place.
type fileConfig struct {
	Telegram *struct {
		BotToken string `yaml:"bot_token"`
		ChatID   string `yaml:"chat_id"`
	} `yaml:"telegram"`
	Timeouts *struct {
		AutoDenySeconds    *int `yaml:"auto_deny_seconds"`
		HookTimeoutSeconds *int `yaml:"hook_timeout_seconds"`
		QuestionTTLSeconds *int `yaml:"question_ttl_seconds"`
	} `yaml:"timeouts"`
	Display *struct {
		ContextLines    *int `yaml:"context_lines"`
		LogLines        *int `yaml:"log_lines"`
		MaxInlineLength *int `yaml:"max_inline_length"`
	} `yaml:"display"`
	Redaction *struct {
		Enabled *bool              `yaml:"enabled"`
		Extra   []RedactionPattern `yaml:"extra_patterns"`
	} `yaml:"redaction"`
	Sessions *struct {
		RecencyWindow *string `yaml:"recency_window"`
	} `yaml:"sessions"`
	Daemon *struct {
		DataDir    *string `yaml:"data_dir"`
		StorePath  *string `yaml:"store_path"`
		SocketPath *string `yaml:"socket_path"`
	} `yaml:"daemon"`
	Logging *struct {
		Level  *string `yaml:"level"`
		Format *string `yaml:"format"`
	} `yaml:"logging"`
}

// Defaults returns the built-in configuration, before any file, env, or
// flag layer is applied.
func Defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		AutoDenySeconds:       600,
		HookTimeoutSeconds:    3600,
		QuestionTTLSeconds:    0,
		ContextLines:          15,
		LogLines:              200,
		MaxInlineLength:       4096,
		RedactionEnabled:      true,
		SessionsRecencyWindow: 24 * time.Hour,
		DataDir:               dataDir,
		StorePath:             filepath.Join(dataDir, "codelatch.db"),
		SocketPath:            defaultSocketPath(),
		LogLevel:              "info",
		LogFormat:             "json",
	}
}

// defaultDataDir is the user's data directory: $XDG_DATA_HOME/codelatch,
// falling back to ~/.local/share/codelatch.
func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "codelatch")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "codelatch")
	}
	return filepath.Join(home, ".local", "share", "codelatch")
}

// defaultSocketPath is a filesystem path under the user's runtime
// directory, falling back to a path under the data directory when no
// runtime directory is set.
func defaultSocketPath() string {
	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
		return filepath.Join(xdg, "codelatch.sock")
	}
	return filepath.Join(defaultDataDir(), "codelatch.sock")
}

// defaultConfigPath is where the YAML config file lives absent an
// explicit --config flag or CODELATCH_CONFIG environment variable.
func defaultConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "codelatch", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "codelatch", "config.yaml")
}

// LoadFile reads and applies a YAML config file onto cfg. A missing file
// is not an error — the file layer is optional; a malformed one is.
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	applyFile(cfg, fc)
	return nil
}

func applyFile(cfg *Config, fc fileConfig) {
	if fc.Telegram != nil {
		if fc.Telegram.BotToken != "" {
			cfg.TelegramBotToken = fc.Telegram.BotToken
		}
		if fc.Telegram.ChatID != "" {
			cfg.TelegramChatID = fc.Telegram.ChatID
		}
	}
	if fc.Timeouts != nil {
		if fc.Timeouts.AutoDenySeconds != nil {
			cfg.AutoDenySeconds = *fc.Timeouts.AutoDenySeconds
		}
		if fc.Timeouts.HookTimeoutSeconds != nil {
			cfg.HookTimeoutSeconds = *fc.Timeouts.HookTimeoutSeconds
		}
		if fc.Timeouts.QuestionTTLSeconds != nil {
			cfg.QuestionTTLSeconds = *fc.Timeouts.QuestionTTLSeconds
		}
	}
	if fc.Display != nil {
		if fc.Display.ContextLines != nil {
			cfg.ContextLines = *fc.Display.ContextLines
		}
		if fc.Display.LogLines != nil {
			cfg.LogLines = *fc.Display.LogLines
		}
		if fc.Display.MaxInlineLength != nil {
			cfg.MaxInlineLength = *fc.Display.MaxInlineLength
		}
	}
	if fc.Redaction != nil {
		if fc.Redaction.Enabled != nil {
			cfg.RedactionEnabled = *fc.Redaction.Enabled
		}
		if len(fc.Redaction.Extra) > 0 {
			cfg.RedactionExtra = fc.Redaction.Extra
		}
	}
	if fc.Sessions != nil && fc.Sessions.RecencyWindow != nil {
		if d, err := parseRecencyWindow(*fc.Sessions.RecencyWindow); err == nil {
			cfg.SessionsRecencyWindow = d
		}
	}
	if fc.Daemon != nil {
		if fc.Daemon.DataDir != nil && *fc.Daemon.DataDir != "" {
			cfg.DataDir = *fc.Daemon.DataDir
		}
		if fc.Daemon.StorePath != nil && *fc.Daemon.StorePath != "" {
			cfg.StorePath = *fc.Daemon.StorePath
		}
		if fc.Daemon.SocketPath != nil && *fc.Daemon.SocketPath != "" {
			cfg.SocketPath = *fc.Daemon.SocketPath
		}
	}
	if fc.Logging != nil {
		if fc.Logging.Level != nil && *fc.Logging.Level != "" {
			cfg.LogLevel = *fc.Logging.Level
		}
		if fc.Logging.Format != nil && *fc.Logging.Format != "" {
			cfg.LogFormat = *fc.Logging.Format
		}
	}
}

// parseRecencyWindow accepts "0" (active-only), a negative duration
// string (unbounded — any time.ParseDuration negative value), or a
// standard Go duration like "24h".
func parseRecencyWindow(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("config: empty recency window")
	}
	if s == "0" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// applyEnv overlays environment variables onto cfg. Every key is prefixed
// CODELATCH_ to avoid colliding with unrelated process environment.
func applyEnv(cfg *Config) {
	if v := os.Getenv("CODELATCH_TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.TelegramBotToken = v
	}
	if v := os.Getenv("CODELATCH_TELEGRAM_CHAT_ID"); v != "" {
		cfg.TelegramChatID = v
	}
	if v, ok := envInt("CODELATCH_AUTO_DENY_SECONDS"); ok {
		cfg.AutoDenySeconds = v
	}
	if v, ok := envInt("CODELATCH_HOOK_TIMEOUT_SECONDS"); ok {
		cfg.HookTimeoutSeconds = v
	}
	if v, ok := envInt("CODELATCH_QUESTION_TTL_SECONDS"); ok {
		cfg.QuestionTTLSeconds = v
	}
	if v, ok := envInt("CODELATCH_CONTEXT_LINES"); ok {
		cfg.ContextLines = v
	}
	if v, ok := envInt("CODELATCH_LOG_LINES"); ok {
		cfg.LogLines = v
	}
	if v, ok := envInt("CODELATCH_MAX_INLINE_LENGTH"); ok {
		cfg.MaxInlineLength = v
	}
	if v, ok := envBool("CODELATCH_REDACTION_ENABLED"); ok {
		cfg.RedactionEnabled = v
	}
	if v := os.Getenv("CODELATCH_SESSIONS_RECENCY_WINDOW"); v != "" {
		if d, err := parseRecencyWindow(v); err == nil {
			cfg.SessionsRecencyWindow = d
		}
	}
	if v := os.Getenv("CODELATCH_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("CODELATCH_STORE_PATH"); v != "" {
		cfg.StorePath = v
	}
	if v := os.Getenv("CODELATCH_SOCKET_PATH"); v != "" {
		cfg.SocketPath = v
	}
	if v := os.Getenv("CODELATCH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CODELATCH_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return i, true
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

// ApplyFlags parses args against a minimal flag layer: the CLI flags
// that feed config resolution's last layer, defined here so Load is
// self-contained. Unrecognized flags are left to the caller's own
// FlagSet, if any; this one uses flag.ContinueOnError and a dedicated
// set so it never registers global flags.
func ApplyFlags(cfg *Config, args []string) error {
	fs := flag.NewFlagSet("codelatch", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	botToken := fs.String("telegram-bot-token", "", "telegram bot token")
	chatID := fs.String("telegram-chat-id", "", "authorized telegram chat id")
	autoDeny := fs.Int("auto-deny-seconds", 0, "permission auto-deny deadline in seconds")
	contextLines := fs.Int("context-lines", 0, "trailing pane lines attached to a permission request")
	storePath := fs.String("store-path", "", "path to the durable store file")
	socketPath := fs.String("socket-path", "", "path to the IPC socket")
	logLevel := fs.String("log-level", "", "log level: debug, info, warn, error")
	_ = fs.String("config", "", "path to a YAML config file (resolved before flags are parsed)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *botToken != "" {
		cfg.TelegramBotToken = *botToken
	}
	if *chatID != "" {
		cfg.TelegramChatID = *chatID
	}
	if *autoDeny != 0 {
		cfg.AutoDenySeconds = *autoDeny
	}
	if *contextLines != 0 {
		cfg.ContextLines = *contextLines
	}
	if *storePath != "" {
		cfg.StorePath = *storePath
	}
	if *socketPath != "" {
		cfg.SocketPath = *socketPath
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	return nil
}

// ConfigPath resolves which YAML file Load should read: an explicit
// --config flag value, else CODELATCH_CONFIG, else the XDG default.
func ConfigPath(args []string) string {
	fs := flag.NewFlagSet("codelatch-config-probe", flag.ContinueOnError)
	fs.SetOutput(nil)
	fs.Usage = func() {}
	path := fs.String("config", "", "")
	// Register the rest of ApplyFlags's flags so probing for --config
	// doesn't fail on an unrecognized flag that appears before it.
	fs.String("telegram-bot-token", "", "")
	fs.String("telegram-chat-id", "", "")
	fs.Int("auto-deny-seconds", 0, "")
	fs.Int("context-lines", 0, "")
	fs.String("store-path", "", "")
	fs.String("socket-path", "", "")
	fs.String("log-level", "", "")
	_ = fs.Parse(args)

	if *path != "" {
		return *path
	}
	if v := os.Getenv("CODELATCH_CONFIG"); v != "" {
		return v
	}
	return defaultConfigPath()
}

// Load resolves the full layered configuration: defaults, the YAML file
// (if present), environment variables, then CLI flags — in that order.
func Load(args []string) (Config, error) {
	cfg := Defaults()

	path := ConfigPath(args)
	if path != "" {
		if err := LoadFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)

	if err := ApplyFlags(&cfg, args); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the load-bearing fields without which the daemon
// cannot run. It is separate from Load so callers like `doctor` (out of
// scope here, but the contract must support it) can load a partial
// config and report what's missing rather than failing outright.
func (c Config) Validate() error {
	if strings.TrimSpace(c.TelegramBotToken) == "" {
		return fmt.Errorf("config: telegram_bot_token is required")
	}
	if strings.TrimSpace(c.TelegramChatID) == "" {
		return fmt.Errorf("config: telegram_chat_id is required")
	}
	return nil
}

// RedactionPipeline builds the redaction pipeline this configuration
// describes: the built-in matcher set plus any configured extras, or a
// no-op pass-through pipeline if redaction is explicitly disabled (never
// the default — disabling redaction is an explicit operator choice).
func (c Config) RedactionPipeline() (*redact.Pipeline, error) {
	if !c.RedactionEnabled {
		return redact.NewDisabled(), nil
	}
	extras := make([]redact.Extra, len(c.RedactionExtra))
	for i, e := range c.RedactionExtra {
		extras[i] = redact.Extra{Name: e.Name, Pattern: e.Pattern}
	}
	return redact.New(extras)
}
