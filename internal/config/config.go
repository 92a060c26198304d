// Package config loads the gateway configuration from a TOML file and applies
// defaults. Account credentials are validated at load time so a misconfigured
// account fails fast instead of surfacing later as a connect error.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultConfigPath = "config.toml"
	DefaultHTTPAddr   = ":8080"
	DefaultAccountID  = "default"

	DefaultMaxAttempts      = 10
	DefaultInitialDelayMs   = 1000
	DefaultMaxDelayMs       = 60000
	DefaultJitter           = 0.2
	DefaultHealthIntervalMs = 5000
)

// Direct-message access policies.
const (
	DMPolicyOpen      = "open"
	DMPolicyPairing   = "pairing"
	DMPolicyAllowlist = "allowlist"
)

// Reply delivery modes.
const (
	MessageTypeMarkdown = "markdown"
	MessageTypeCard     = "card"
)

type Config struct {
	Log        LogConfig        `toml:"log"`
	Server     ServerConfig     `toml:"server"`
	Connection ConnectionConfig `toml:"connection"`
	DingTalk   DingTalkConfig   `toml:"dingtalk"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

// ConnectionConfig tunes the stream connection manager shared by all accounts.
type ConnectionConfig struct {
	MaxAttempts      int     `toml:"max_attempts"`
	InitialDelayMs   int     `toml:"initial_delay_ms"`
	MaxDelayMs       int     `toml:"max_delay_ms"`
	Jitter           float64 `toml:"jitter"`
	HealthIntervalMs int     `toml:"health_interval_ms"`
}

// DingTalkConfig holds the channel configuration. A single-account setup puts
// credentials at the top level; multi-account setups use the accounts table.
type DingTalkConfig struct {
	AccountConfig
	Accounts map[string]AccountConfig `toml:"accounts"`
}

// AccountConfig holds credentials and policy flags for one robot account.
type AccountConfig struct {
	Name            string   `toml:"name"`
	ClientID        string   `toml:"client_id" validate:"required"`
	ClientSecret    string   `toml:"client_secret" validate:"required"`
	RobotCode       string   `toml:"robot_code"`
	CorpID          string   `toml:"corp_id"`
	Enabled         *bool    `toml:"enabled"`
	DMPolicy        string   `toml:"dm_policy"`
	GroupPolicy     string   `toml:"group_policy"`
	AllowFrom       []string `toml:"allow_from"`
	ShowThinking    *bool    `toml:"show_thinking"`
	MessageType     string   `toml:"message_type"`
	CardTemplateID  string   `toml:"card_template_id"`
	CardTemplateKey string   `toml:"card_template_key"`
	Debug           bool     `toml:"debug"`
}

// IsEnabled reports whether the account should be started. Omitted means enabled.
func (a AccountConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// IsConfigured reports whether the account carries the required credentials.
func (a AccountConfig) IsConfigured() bool {
	return strings.TrimSpace(a.ClientID) != "" && strings.TrimSpace(a.ClientSecret) != ""
}

// ShowThinkingEnabled reports whether thinking feedback is on. Default on.
func (a AccountConfig) ShowThinkingEnabled() bool {
	return a.ShowThinking == nil || *a.ShowThinking
}

// RobotIdentity returns the robot code, falling back to the client id.
func (a AccountConfig) RobotIdentity() string {
	if strings.TrimSpace(a.RobotCode) != "" {
		return strings.TrimSpace(a.RobotCode)
	}
	return strings.TrimSpace(a.ClientID)
}

// EffectiveMessageType returns the reply delivery mode, defaulting to markdown.
func (a AccountConfig) EffectiveMessageType() string {
	if strings.TrimSpace(a.MessageType) == MessageTypeCard {
		return MessageTypeCard
	}
	return MessageTypeMarkdown
}

// EffectiveDMPolicy returns the direct-message policy, defaulting to open.
func (a AccountConfig) EffectiveDMPolicy() string {
	switch strings.TrimSpace(a.DMPolicy) {
	case DMPolicyPairing:
		return DMPolicyPairing
	case DMPolicyAllowlist:
		return DMPolicyAllowlist
	default:
		return DMPolicyOpen
	}
}

// Account resolves the configuration for an account id, falling back to the
// top-level single-account config when the id is empty or the default.
func (c Config) Account(accountID string) (AccountConfig, bool) {
	if accountID != "" && accountID != DefaultAccountID {
		acct, ok := c.DingTalk.Accounts[accountID]
		return acct, ok
	}
	if acct, ok := c.DingTalk.Accounts[DefaultAccountID]; ok {
		return acct, true
	}
	return c.DingTalk.AccountConfig, c.DingTalk.AccountConfig.IsConfigured()
}

// AccountIDs lists configured account ids in stable order. A single-account
// top-level config is reported as the default account.
func (c Config) AccountIDs() []string {
	ids := make([]string, 0, len(c.DingTalk.Accounts)+1)
	for id := range c.DingTalk.Accounts {
		ids = append(ids, id)
	}
	if len(ids) == 0 && c.DingTalk.AccountConfig.IsConfigured() {
		ids = append(ids, DefaultAccountID)
	}
	sort.Strings(ids)
	return ids
}

func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Connection: ConnectionConfig{
			MaxAttempts:      DefaultMaxAttempts,
			InitialDelayMs:   DefaultInitialDelayMs,
			MaxDelayMs:       DefaultMaxDelayMs,
			Jitter:           DefaultJitter,
			HealthIntervalMs: DefaultHealthIntervalMs,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	v := validator.New()
	for _, id := range cfg.AccountIDs() {
		acct, ok := cfg.Account(id)
		if !ok || !acct.IsEnabled() {
			continue
		}
		if err := v.Struct(acct); err != nil {
			return fmt.Errorf("dingtalk account %q: %w", id, err)
		}
	}
	return nil
}
