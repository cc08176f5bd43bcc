package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/crm-intake/internal/model"
	"github.com/sells-group/crm-intake/internal/store"
)

var statusID string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show an entity and its merge history",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("status"); err != nil {
			return err
		}
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		entity, err := st.GetEntity(ctx, statusID)
		if err != nil {
			return eris.Wrap(err, "load entity")
		}

		out := struct {
			Entity *model.EntityRecord `json:"entity"`
			Child  *model.EntityRecord `json:"child,omitempty"`
			Audits []model.AuditRecord `json:"audits,omitempty"`
		}{Entity: entity}

		if child, err := st.ChildOf(ctx, statusID); err == nil {
			out.Child = child
		}

		if audits, ok := st.(store.AuditStore); ok {
			records, err := audits.ListAudits(ctx, statusID)
			if err != nil {
				return eris.Wrap(err, "load audits")
			}
			out.Audits = records
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusID, "id", "", "entity ID (required)")
	_ = statusCmd.MarkFlagRequired("id")
	rootCmd.AddCommand(statusCmd)
}
