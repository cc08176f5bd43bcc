package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/crm-intake/internal/model"
)

var (
	promoteID    string
	promoteActor string
)

var promoteCmd = &cobra.Command{
	Use:   "promote",
	Short: "Promote an entity to the next stage",
	Long:  "Advances an eligible Lead to Prospect, or Prospect to Opportunity. The parent is marked converted and a child entity is created; replaying the command returns the existing child.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("promote"); err != nil {
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

		eng, exporter, err := initEngine(st, nil)
		if err != nil {
			return err
		}

		child, err := eng.Promote(ctx, promoteID, model.HumanActor(promoteActor))
		if err != nil {
			return eris.Wrap(err, "promote")
		}

		if exporter != nil {
			if sfID, err := exporter.SyncEntity(ctx, child); err != nil {
				zap.L().Warn("salesforce sync failed", zap.Error(err))
			} else {
				zap.L().Info("salesforce synced", zap.String("sf_id", sfID))
			}
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(child)
	},
}

var (
	transitionID     string
	transitionTarget string
	transitionActor  string
	transitionReason string
)

var transitionCmd = &cobra.Command{
	Use:   "transition",
	Short: "Move an entity to a new workflow status",
	Long:  "Applies one workflow transition. Entering do-not-contact, or disqualified with a compliance reason, emits a suppression event.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("promote"); err != nil {
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

		eng, _, err := initEngine(st, nil)
		if err != nil {
			return err
		}

		updated, err := eng.TransitionEntity(ctx, transitionID,
			model.Status(transitionTarget), model.HumanActor(transitionActor), transitionReason)
		if err != nil {
			return eris.Wrap(err, "transition")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(updated)
	},
}

func init() {
	promoteCmd.Flags().StringVar(&promoteID, "id", "", "entity ID (required)")
	promoteCmd.Flags().StringVar(&promoteActor, "actor", "", "human actor performing the promotion (required)")
	_ = promoteCmd.MarkFlagRequired("id")
	_ = promoteCmd.MarkFlagRequired("actor")
	rootCmd.AddCommand(promoteCmd)

	transitionCmd.Flags().StringVar(&transitionID, "id", "", "entity ID (required)")
	transitionCmd.Flags().StringVar(&transitionTarget, "status", "", "target status (required)")
	transitionCmd.Flags().StringVar(&transitionActor, "actor", "", "human actor performing the transition (required)")
	transitionCmd.Flags().StringVar(&transitionReason, "reason", "", "transition reason, recorded on suppression events")
	_ = transitionCmd.MarkFlagRequired("id")
	_ = transitionCmd.MarkFlagRequired("status")
	_ = transitionCmd.MarkFlagRequired("actor")
	rootCmd.AddCommand(transitionCmd)
}
