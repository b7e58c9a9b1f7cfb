package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agents: AgentsConfig{
			Default: "default",
		},
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 18791,
		},
		Sessions: SessionsConfig{
			TTLHours:       24,
			SweepThreshold: 100,
		},
		Approval: ApprovalConfig{
			TTLMinutes: 60,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields the defaults (first run before onboarding).
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values; secrets should live here
// rather than in the config file.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("CRISPCLAW_TELEGRAM_TOKEN", &c.Telegram.Token)

	for i := range c.Accounts {
		a := &c.Accounts[i]
		suffix := strings.ToUpper(strings.ReplaceAll(a.ID, "-", "_"))
		envStr("CRISPCLAW_CRISP_IDENTIFIER_"+suffix, &a.Identifier)
		envStr("CRISPCLAW_CRISP_KEY_"+suffix, &a.Key)
		envStr("CRISPCLAW_WEBHOOK_SECRET_"+suffix, &a.WebhookSecret)
	}

	// Single-account shorthand: unsuffixed vars fill the first account.
	if len(c.Accounts) == 1 {
		a := &c.Accounts[0]
		envStr("CRISPCLAW_CRISP_IDENTIFIER", &a.Identifier)
		envStr("CRISPCLAW_CRISP_KEY", &a.Key)
		envStr("CRISPCLAW_WEBHOOK_SECRET", &a.WebhookSecret)
	}
}

// Validate reports configuration problems that would prevent startup.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Accounts))
	paths := make(map[string]string, len(c.Accounts))
	for _, a := range c.Accounts {
		if a.ID == "" {
			return fmt.Errorf("account with empty id")
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate account id %q", a.ID)
		}
		seen[a.ID] = true
		if a.WebsiteID == "" {
			return fmt.Errorf("account %q: website_id is required", a.ID)
		}
		p := a.ResolvedWebhookPath()
		if other, dup := paths[p]; dup {
			return fmt.Errorf("accounts %q and %q share webhook path %q", other, a.ID, p)
		}
		paths[p] = a.ID
	}
	if c.Telegram.Enabled && c.Telegram.Token == "" {
		return fmt.Errorf("telegram enabled but no token (set CRISPCLAW_TELEGRAM_TOKEN)")
	}
	return nil
}
