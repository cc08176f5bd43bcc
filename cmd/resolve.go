package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/crm-intake/internal/canonical"
	"github.com/sells-group/crm-intake/internal/model"
)

var resolveInput string

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Dry-run identity resolution for one record",
	Long:  "Canonicalizes a single provider record and scores it against the stored candidates without writing anything. Prints the canonical projection and every scored match.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("resolve"); err != nil {
			return err
		}
		ctx := cmd.Context()

		data, err := os.ReadFile(resolveInput)
		if err != nil {
			return eris.Wrap(err, "read input")
		}
		var rec model.IncomingRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return eris.Wrap(err, "parse record")
		}

		cf, err := canonical.Canonicalize(rec)
		if err != nil {
			return eris.Wrap(err, "canonicalize")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		candidates, err := st.FindCandidates(ctx, cf)
		if err != nil {
			return eris.Wrap(err, "find candidates")
		}

		matches := resolverFromConfig().Resolve(cf, candidates)

		out := struct {
			Canonical model.CanonicalFields  `json:"canonical"`
			Matches   []model.MatchCandidate `json:"matches"`
		}{Canonical: cf, Matches: matches}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	resolveCmd.Flags().StringVar(&resolveInput, "input", "", "JSON file with one provider record (required)")
	_ = resolveCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(resolveCmd)
}
