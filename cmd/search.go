package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/repo-scout/internal/model"
	"github.com/sells-group/repo-scout/internal/pipeline"
)

var (
	searchSession     string
	searchQuery       string
	searchMaxResults  int
	searchWithin      []string
	searchExclude     []string
	searchMaxAttempts int
	searchMinScore    float64
)

var searchCmd = &cobra.Command{
	Use:   "search <intent>",
	Short: "Run the search-judge loop for a single intent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, nil)
		if err != nil {
			return err
		}
		defer env.Close()

		req := pipeline.Request{
			SessionID:              searchSession,
			Query:                  searchQuery,
			NaturalLanguageRequest: args[0],
			MaxResults:             searchMaxResults,
			SearchWithinSessions:   searchWithin,
			ExcludeSessions:        searchExclude,
		}
		if searchMaxAttempts > 0 || searchMinScore > 0 {
			req.RetryPolicy = &model.RetryPolicy{
				MaxAttempts: searchMaxAttempts,
				MinScore:    searchMinScore,
			}
		}

		outcome, err := env.Controller.Run(ctx, req)
		if err != nil {
			return eris.Wrap(err, "search")
		}

		zap.L().Info("search complete",
			zap.String("session_id", outcome.SessionID),
			zap.String("status", string(outcome.Status)),
			zap.Int("rounds", len(outcome.Rounds)),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(outcome)
	},
}

func init() {
	searchCmd.Flags().StringVar(&searchSession, "session", "", "append attempts to an existing session")
	searchCmd.Flags().StringVar(&searchQuery, "query", "", "seed query (defaults to the intent)")
	searchCmd.Flags().IntVar(&searchMaxResults, "max-results", 0, "per-query result cap (default from config)")
	searchCmd.Flags().StringSliceVar(&searchWithin, "within", nil, "bias toward items from these session IDs")
	searchCmd.Flags().StringSliceVar(&searchExclude, "exclude", nil, "exclude items seen in these session IDs")
	searchCmd.Flags().IntVar(&searchMaxAttempts, "max-attempts", 0, "refinement round budget (default 3)")
	searchCmd.Flags().Float64Var(&searchMinScore, "min-score", 0, "median score convergence threshold (default 0.65)")
	rootCmd.AddCommand(searchCmd)
}
