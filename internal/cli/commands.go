package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/hed1ad/ballotguard/pkg/pipeline"
)

func newAnalyzeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <electionId>",
		Short: "Analyze per-voter behaviour of a finalized election",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid election id %q", args[0])
			}
			return a.run(cmd.Context(), func(ctx context.Context, r *pipeline.Runner) ([]*pipeline.Result, error) {
				return one(r.AnalyzeElection(ctx, id))
			})
		},
	}
}

func newIsolationCmd(a *app) *cobra.Command {
	var electionID int64
	cmd := &cobra.Command{
		Use:   "iforest",
		Short: "Score audit events with IsolationForest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var scope *int64
			if cmd.Flags().Changed("election-id") {
				scope = &electionID
			}
			return a.run(cmd.Context(), func(ctx context.Context, r *pipeline.Runner) ([]*pipeline.Result, error) {
				return one(r.RunIsolation(ctx, scope))
			})
		},
	}
	cmd.Flags().Int64Var(&electionID, "election-id", 0, "limit to one election")
	return cmd
}

func newKMeansCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "kmeans",
		Short: "Cluster audit events and report centroid outliers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context(), func(ctx context.Context, r *pipeline.Runner) ([]*pipeline.Result, error) {
				return one(r.RunKMeans(ctx))
			})
		},
	}
}

func newLogRegCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logreg",
		Short: "Train on existing flags and report new high-probability events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context(), func(ctx context.Context, r *pipeline.Runner) ([]*pipeline.Result, error) {
				return one(r.RunSupervised(ctx))
			})
		},
	}
}

func newRunAllCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run-all",
		Short: "Run iforest, kmeans and logreg in order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context(), func(ctx context.Context, r *pipeline.Runner) ([]*pipeline.Result, error) {
				return r.RunAll(ctx)
			})
		},
	}
}
