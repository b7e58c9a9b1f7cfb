package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the CrispClaw gateway.
type Config struct {
	Accounts  []CrispAccountConfig `json:"accounts"`
	Telegram  TelegramConfig       `json:"telegram"`
	Agents    AgentsConfig         `json:"agents"`
	Gateway   GatewayConfig        `json:"gateway"`
	Sessions  SessionsConfig       `json:"sessions,omitempty"`
	Approval  ApprovalConfig       `json:"approval,omitempty"`
	Telemetry TelemetryConfig      `json:"telemetry,omitempty"`
	mu        sync.RWMutex
}

// CrispAccountConfig holds one Crisp website account: credentials, webhook
// registration, and per-account reply behavior. Secrets (Key) are read from
// env when omitted in the file.
type CrispAccountConfig struct {
	ID            string `json:"id"`                       // local account name, e.g. "main"
	WebsiteID     string `json:"website_id"`               // Crisp website UUID
	Identifier    string `json:"identifier"`               // API key identifier
	Key           string `json:"key,omitempty"`            // API key secret (prefer env CRISPCLAW_CRISP_KEY_<ID>)
	WebhookPath   string `json:"webhook_path,omitempty"`   // default "/crisp/<id>/webhook"
	WebhookSecret string `json:"webhook_secret,omitempty"` // token expected in the ?secret= query param

	AutoReply      bool   `json:"auto_reply,omitempty"`       // dispatch to the agent and reply automatically
	Approval       bool   `json:"approval,omitempty"`         // gate replies behind a human decision
	NotifyOnNew    bool   `json:"notify_on_new,omitempty"`    // side-channel note on first message of a conversation
	HistoryLimit   int    `json:"history_limit,omitempty"`    // prior messages fetched for auto-reply context (0 = none)
	ResolveOnReply bool   `json:"resolve_on_reply,omitempty"` // mark the conversation resolved after an auto-reply
	AgentID        string `json:"agent_id,omitempty"`         // routing target (default: agents.default)
}

// TelegramConfig configures the approval side channel bot.
type TelegramConfig struct {
	Enabled   bool                `json:"enabled"`
	Token     string              `json:"token,omitempty"` // prefer env CRISPCLAW_TELEGRAM_TOKEN
	ChatID    int64               `json:"chat_id"`         // chat receiving approval prompts
	AllowFrom FlexibleStringSlice `json:"allow_from,omitempty"`
	Proxy     string              `json:"proxy,omitempty"`
}

// AgentsConfig contains agent routing defaults.
type AgentsConfig struct {
	Default string `json:"default,omitempty"` // default agent ID (default "default")
}

// GatewayConfig configures the HTTP listener.
type GatewayConfig struct {
	Host           string              `json:"host"`
	Port           int                 `json:"port"`
	AllowedOrigins FlexibleStringSlice `json:"allowed_origins,omitempty"` // WS origin allowlist (empty = allow all)
}

// SessionsConfig bounds the in-memory session tracker.
type SessionsConfig struct {
	TTLHours       int `json:"ttl_hours,omitempty"`       // idle eviction age (default 24)
	SweepThreshold int `json:"sweep_threshold,omitempty"` // live-set size that triggers a sweep (default 100)
}

// ApprovalConfig bounds the pending-reply store.
type ApprovalConfig struct {
	TTLMinutes int `json:"ttl_minutes,omitempty"` // ticket expiry (default 60)
}

// TelemetryConfig configures OpenTelemetry trace export.
// When enabled, spans are exported to an OTLP-compatible backend
// (Jaeger, Tempo, Datadog, etc.).
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // skip TLS (local dev)
	ServiceName string            `json:"service_name,omitempty"` // default "crispclaw-gateway"
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (auth tokens)
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
// Used by the config watcher on hot reload.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Accounts = src.Accounts
	c.Telegram = src.Telegram
	c.Agents = src.Agents
	c.Gateway = src.Gateway
	c.Sessions = src.Sessions
	c.Approval = src.Approval
	c.Telemetry = src.Telemetry
}

// Account returns a snapshot of the account with the given ID.
// Snapshots are resolved fresh on every call so config edits take effect
// without restart.
func (c *Config) Account(id string) (CrispAccountConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, a := range c.Accounts {
		if a.ID == id {
			return a, true
		}
	}
	return CrispAccountConfig{}, false
}

// AccountList returns a snapshot of all configured accounts.
func (c *Config) AccountList() []CrispAccountConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]CrispAccountConfig, len(c.Accounts))
	copy(out, c.Accounts)
	return out
}

// TelegramSnapshot returns a copy of the Telegram side-channel config.
func (c *Config) TelegramSnapshot() TelegramConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Telegram
}

// DefaultAgent returns the configured default agent ID.
func (c *Config) DefaultAgent() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Agents.Default == "" {
		return "default"
	}
	return c.Agents.Default
}

// WebhookPath returns the account's webhook path, defaulting to
// "/crisp/{id}/webhook" when unset.
func (a CrispAccountConfig) ResolvedWebhookPath() string {
	if a.WebhookPath != "" {
		return a.WebhookPath
	}
	return "/crisp/" + a.ID + "/webhook"
}
