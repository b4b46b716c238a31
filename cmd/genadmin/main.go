// Command genadmin is the operational CLI for the generation engine: it
// repairs stats counter drift, resynchronizes the public mirror from the
// history store, and drains the mirror queue outside the Lambda schedule.
package main

import (
	"context"
	"fmt"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pixelmint/generation-engine/internal/history"
	"github.com/pixelmint/generation-engine/internal/logging"
	"github.com/pixelmint/generation-engine/internal/mirror"
	"github.com/pixelmint/generation-engine/internal/stats"
)

var (
	historyTable string
	mirrorTable  string
	queueTable   string
)

type clients struct {
	history *history.DynamoStore
	mirror  *mirror.DynamoStore
	queue   *mirror.DynamoQueue
	stats   *stats.DynamoCounter
}

func connect(ctx context.Context) (*clients, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	ddb := dynamodb.NewFromConfig(cfg)
	c := &clients{}
	if historyTable != "" {
		c.history = history.NewDynamoStore(ddb, historyTable)
		c.stats = stats.NewDynamoCounter(ddb, historyTable)
	}
	if mirrorTable != "" {
		c.mirror = mirror.NewDynamoStore(ddb, mirrorTable)
	}
	if queueTable != "" {
		c.queue = mirror.NewDynamoQueue(ddb, queueTable)
	}
	return c, nil
}

func newStatsRecomputeCmd() *cobra.Command {
	var uid string
	cmd := &cobra.Command{
		Use:   "recompute",
		Short: "Rebuild a user's stats counters from their history records",
		Long: `Pages through every history record for the user and overwrites the
stats counters with the recomputed totals. Use this to repair drift left by
failed best-effort counter updates.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if historyTable == "" {
				return fmt.Errorf("--history-table is required")
			}
			c, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			counters, err := c.stats.Recompute(cmd.Context(), uid, c.history)
			if err != nil {
				return fmt.Errorf("recomputing stats for %s: %w", uid, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"uid=%s total=%d generating=%d completed=%d failed=%d\n",
				uid, counters.Total, counters.Generating, counters.Completed, counters.Failed)
			for gt, n := range counters.ByType {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s=%d\n", gt, n)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&uid, "uid", "", "user id to recompute")
	cmd.MarkFlagRequired("uid")
	return cmd
}

func newMirrorResyncCmd() *cobra.Command {
	var uid string
	cmd := &cobra.Command{
		Use:   "resync",
		Short: "Rebuild a user's mirror records from their history records",
		Long: `Pages through the user's history and converges the public mirror:
public completed records are upserted, everything else is removed. Use this
when the queue has dropped poison entries or the mirror is suspected stale.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if historyTable == "" || mirrorTable == "" {
				return fmt.Errorf("--history-table and --mirror-table are required")
			}
			c, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			return resyncMirror(cmd.Context(), cmd, c, uid)
		},
	}
	cmd.Flags().StringVar(&uid, "uid", "", "user id to resync")
	cmd.MarkFlagRequired("uid")
	return cmd
}

func resyncMirror(ctx context.Context, cmd *cobra.Command, c *clients, uid string) error {
	upserted, removed := 0, 0
	cursor := ""
	for {
		page, err := c.history.List(ctx, uid, history.ListParams{Limit: 100, Cursor: cursor})
		if err != nil {
			return fmt.Errorf("listing history for %s: %w", uid, err)
		}
		for _, item := range page.Items {
			creator := mirror.CreatorInfo{
				UID:         item.CreatedBy.UID,
				Username:    item.CreatedBy.Username,
				DisplayName: item.CreatedBy.Username,
			}
			// UpsertFromHistory removes non-public snapshots itself, so
			// one call converges every record either direction.
			if err := c.mirror.UpsertFromHistory(ctx, uid, item.ID, item, creator); err != nil {
				return fmt.Errorf("converging mirror for %s: %w", item.ID, err)
			}
			if item.IsPublic && item.Status == history.StatusCompleted && !item.IsDeleted {
				upserted++
			} else {
				removed++
			}
		}
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}
	fmt.Fprintf(cmd.OutOrStdout(), "uid=%s upserted=%d removed=%d\n", uid, upserted, removed)
	return nil
}

func newMirrorDrainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Drain the pending mirror queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			if mirrorTable == "" || queueTable == "" {
				return fmt.Errorf("--mirror-table and --queue-table are required")
			}
			c, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			worker := mirror.NewWorker(c.queue, c.mirror, mirror.WorkerConfig{})
			processed, err := worker.Drain(cmd.Context())
			if err != nil {
				return fmt.Errorf("draining after %d entries: %w", processed, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "processed=%d\n", processed)
			return nil
		},
	}
	return cmd
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "genadmin",
		Short:         "Operational tooling for the generation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&historyTable, "history-table", os.Getenv("HISTORY_TABLE"), "history DynamoDB table")
	root.PersistentFlags().StringVar(&mirrorTable, "mirror-table", os.Getenv("MIRROR_TABLE"), "mirror DynamoDB table")
	root.PersistentFlags().StringVar(&queueTable, "queue-table", os.Getenv("MIRROR_QUEUE_TABLE"), "mirror queue DynamoDB table")

	statsCmd := &cobra.Command{Use: "stats", Short: "Stats counter maintenance"}
	statsCmd.AddCommand(newStatsRecomputeCmd())

	mirrorCmd := &cobra.Command{Use: "mirror", Short: "Public mirror maintenance"}
	mirrorCmd.AddCommand(newMirrorResyncCmd(), newMirrorDrainCmd())

	root.AddCommand(statsCmd, mirrorCmd)
	return root
}

func main() {
	logging.Init()
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}
