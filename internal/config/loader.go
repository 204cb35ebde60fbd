package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/xetem/cinnabar-concierge/internal/allowance"
	"github.com/xetem/cinnabar-concierge/internal/dialogue"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills the zero values of cfg with the documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Bot.Numbering == "" {
		cfg.Bot.Numbering = dialogue.NumberingPassphrase
	}
	if cfg.Bot.SessionTimeout <= 0 {
		cfg.Bot.SessionTimeout = Duration(dialogue.DefaultSessionTimeout)
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = StoreSQLite
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "cinnabarapts.db"
	}
	if cfg.Allowance.Ceiling <= 0 {
		cfg.Allowance.Ceiling = Duration(allowance.DefaultCeiling)
	}
	if cfg.Allowance.ReplyCost <= 0 {
		cfg.Allowance.ReplyCost = Duration(dialogue.DefaultReplyCost)
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Realm.URL == "" {
		errs = append(errs, errors.New("realm.url is required"))
	} else if !strings.HasPrefix(cfg.Realm.URL, "ws://") && !strings.HasPrefix(cfg.Realm.URL, "wss://") {
		errs = append(errs, fmt.Errorf("realm.url %q must be a ws:// or wss:// endpoint", cfg.Realm.URL))
	}
	if cfg.Realm.Token == "" {
		errs = append(errs, errors.New("realm.token is required"))
	}
	if cfg.Realm.CharID == "" {
		errs = append(errs, errors.New("realm.char_id is required"))
	}

	if cfg.Bot.FallbackContact == "" {
		errs = append(errs, errors.New("bot.fallback_contact is required; failed builds must name a human to mail"))
	}
	switch cfg.Bot.Numbering {
	case dialogue.NumberingCounter, dialogue.NumberingPassphrase:
	default:
		errs = append(errs, fmt.Errorf("bot.numbering %q is invalid; valid values: counter, passphrase", cfg.Bot.Numbering))
	}

	if !cfg.Store.Driver.IsValid() {
		errs = append(errs, fmt.Errorf("store.driver %q is invalid; valid values: sqlite, postgres, memory", cfg.Store.Driver))
	}
	if cfg.Store.Driver == StorePostgres && cfg.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn is required when store.driver is postgres"))
	}

	if cfg.Allowance.ReplyCost > cfg.Allowance.Ceiling {
		errs = append(errs, fmt.Errorf("allowance.reply_cost %v exceeds allowance.ceiling %v", cfg.Allowance.ReplyCost, cfg.Allowance.Ceiling))
	}

	return errors.Join(errs...)
}

// SlogLevel maps a [LogLevel] to its slog equivalent.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
