package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/xetem/cinnabar-concierge/internal/dialogue"
)

const validYAML = `
server:
  listen_addr: ":8080"
  log_level: debug
realm:
  url: wss://api.example.realm/ws
  token: secret-bot-token
  char_id: c0botbotbotbotbotbot
bot:
  fallback_contact: Xetem Ilekex
  numbering: counter
  session_timeout: 5m
store:
  driver: sqlite
  path: /var/lib/concierge/ledger.db
allowance:
  ceiling: 100s
  reply_cost: 7s
`

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Realm.URL != "wss://api.example.realm/ws" {
		t.Errorf("realm.url = %q", cfg.Realm.URL)
	}
	if cfg.Bot.Numbering != dialogue.NumberingCounter {
		t.Errorf("bot.numbering = %q, want counter", cfg.Bot.Numbering)
	}
	if cfg.Bot.SessionTimeout.Std() != 5*time.Minute {
		t.Errorf("bot.session_timeout = %v, want 5m", cfg.Bot.SessionTimeout)
	}
	if cfg.Allowance.Ceiling.Std() != 100*time.Second {
		t.Errorf("allowance.ceiling = %v, want 100s", cfg.Allowance.Ceiling)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	minimal := `
realm:
  url: wss://api.example.realm/ws
  token: secret
  char_id: c0botbotbotbotbotbot
bot:
  fallback_contact: Xetem Ilekex
`
	cfg, err := LoadFromReader(strings.NewReader(minimal))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.LogLevel != LogInfo {
		t.Errorf("default log level = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Bot.Numbering != dialogue.NumberingPassphrase {
		t.Errorf("default numbering = %q, want passphrase", cfg.Bot.Numbering)
	}
	if cfg.Bot.SessionTimeout.Std() != dialogue.DefaultSessionTimeout {
		t.Errorf("default session timeout = %v", cfg.Bot.SessionTimeout)
	}
	if cfg.Store.Driver != StoreSQLite || cfg.Store.Path != "cinnabarapts.db" {
		t.Errorf("default store = %q %q", cfg.Store.Driver, cfg.Store.Path)
	}
	if cfg.Allowance.Ceiling.Std() != 100*time.Second || cfg.Allowance.ReplyCost.Std() != 7*time.Second {
		t.Errorf("default allowance = %v / %v", cfg.Allowance.Ceiling, cfg.Allowance.ReplyCost)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	bad := validYAML + "\nextra_section:\n  oops: true\n"
	if _, err := LoadFromReader(strings.NewReader(bad)); err == nil {
		t.Fatal("unknown top-level field accepted")
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Bot.Numbering = "roulette"
	cfg.Store.Driver = "leveldb"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate passed an empty config")
	}
	msg := err.Error()
	for _, want := range []string{
		"realm.url is required",
		"realm.token is required",
		"realm.char_id is required",
		"bot.fallback_contact is required",
		`bot.numbering "roulette" is invalid`,
		`store.driver "leveldb" is invalid`,
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("joined error missing %q in:\n%s", want, msg)
		}
	}
}

func TestValidate_PostgresNeedsDSN(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatal(err)
	}
	cfg.Store.Driver = StorePostgres
	cfg.Store.DSN = ""
	if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "store.dsn is required") {
		t.Errorf("Validate = %v, want the missing-DSN error", err)
	}
}

func TestValidate_URLScheme(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatal(err)
	}
	cfg.Realm.URL = "https://api.example.realm/ws"
	if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "ws:// or wss://") {
		t.Errorf("Validate = %v, want the URL scheme error", err)
	}
}

func TestLogLevel_SlogLevel(t *testing.T) {
	tests := []struct {
		in   LogLevel
		want slog.Level
	}{
		{LogDebug, slog.LevelDebug},
		{LogInfo, slog.LevelInfo},
		{LogWarn, slog.LevelWarn},
		{LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := tt.in.SlogLevel(); got != tt.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
