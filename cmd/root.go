package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/crm-intake/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "crm-intake",
	Short: "CRM intake and identity resolution engine",
	Long:  "Canonicalizes provider records, resolves identities against the entity store, merges by source priority, and drives the Lead/Prospect/Opportunity workflow.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return initCanonicalRules()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
