package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/crispclaw/internal/config"
)

func accountsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accounts",
		Short: "List configured Crisp accounts",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				fmt.Printf("Failed to load config: %v\n", err)
				os.Exit(1)
			}

			accounts := cfg.AccountList()
			if len(accounts) == 0 {
				fmt.Println("No accounts configured. Run `crispclaw onboard` to add one.")
				return
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tWEBSITE\tWEBHOOK PATH\tMODE")
			for _, acc := range accounts {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					acc.ID, acc.WebsiteID, acc.ResolvedWebhookPath(), accountMode(acc))
			}
			w.Flush()
		},
	}
}

func accountMode(acc config.CrispAccountConfig) string {
	switch {
	case acc.Approval:
		return "approval"
	case acc.AutoReply:
		return "auto-reply"
	default:
		return "observe"
	}
}
