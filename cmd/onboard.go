package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/crispclaw/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive setup wizard",
		Long:  "Walks through Crisp credentials, webhook configuration, and the optional Telegram approval bot, then writes the config file.",
		Run: func(cmd *cobra.Command, args []string) {
			runOnboard()
		},
	}
}

func runOnboard() {
	cfgPath := resolveConfigPath()
	if _, err := os.Stat(cfgPath); err == nil {
		var overwrite bool
		confirm := huh.NewConfirm().
			Title(fmt.Sprintf("%s already exists. Overwrite?", cfgPath)).
			Value(&overwrite)
		if err := confirm.Run(); err != nil || !overwrite {
			fmt.Println("Keeping the existing configuration.")
			return
		}
	}

	var (
		websiteID     string
		identifier    string
		key           string
		webhookSecret string
		mode          string
		telegramToken string
		telegramChat  string
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Crisp website ID").
				Description("Settings → Workspace Settings → Setup Instructions").
				Value(&websiteID).
				Validate(required("website ID")),
			huh.NewInput().
				Title("Plugin token identifier").
				Value(&identifier).
				Validate(required("identifier")),
			huh.NewInput().
				Title("Plugin token key").
				EchoMode(huh.EchoModePassword).
				Value(&key),
			huh.NewInput().
				Title("Webhook secret").
				Description("Appended as ?secret=... to the webhook URL you register at Crisp").
				Value(&webhookSecret).
				Validate(required("webhook secret")),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Reply mode").
				Options(
					huh.NewOption("Auto-reply — the agent answers visitors directly", "auto"),
					huh.NewOption("Approval — every reply waits for a human decision", "approval"),
					huh.NewOption("Observe only — track sessions, never reply", "observe"),
				).
				Value(&mode),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Telegram bot token (empty to skip the approval bot)").
				EchoMode(huh.EchoModePassword).
				Value(&telegramToken),
			huh.NewInput().
				Title("Telegram chat ID for approval prompts").
				Value(&telegramChat),
		),
	)

	if err := form.Run(); err != nil {
		fmt.Println("Setup cancelled.")
		return
	}

	cfg := config.Default()
	cfg.Accounts = []config.CrispAccountConfig{{
		ID:            "main",
		WebsiteID:     websiteID,
		Identifier:    identifier,
		Key:           key,
		WebhookSecret: webhookSecret,
		AutoReply:     mode == "auto",
		Approval:      mode == "approval",
	}}
	if telegramToken != "" {
		chatID, err := strconv.ParseInt(telegramChat, 10, 64)
		if err != nil {
			fmt.Printf("Invalid Telegram chat ID %q: %v\n", telegramChat, err)
			os.Exit(1)
		}
		cfg.Telegram = config.TelegramConfig{
			Enabled: true,
			Token:   telegramToken,
			ChatID:  chatID,
		}
	}

	if err := saveConfig(cfgPath, cfg); err != nil {
		fmt.Printf("Failed to write %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	acc := cfg.Accounts[0]
	fmt.Println()
	fmt.Printf("Configuration written to %s\n", cfgPath)
	fmt.Println()
	fmt.Println("Register this webhook URL in the Crisp plugin settings:")
	fmt.Printf("  https://<your-host>%s?secret=%s\n", acc.ResolvedWebhookPath(), webhookSecret)
	fmt.Println()
	fmt.Println("Then start the gateway:  crispclaw")
}

// saveConfig writes the config as indented JSON (a valid JSON5 subset).
func saveConfig(path string, cfg *config.Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0600)
}

func required(name string) func(string) error {
	return func(s string) error {
		if s == "" {
			return fmt.Errorf("%s is required", name)
		}
		return nil
	}
}
