package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/storacha/queuepump/internal/config"
	"github.com/storacha/queuepump/internal/db/failures"
)

var failuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "List recent processing failures of a queue",
	Args:  cobra.NoArgs,
	RunE:  listFailures,
}

func init() {
	failuresCmd.Flags().Int("limit", 20, "Maximum number of failures to list")
}

func listFailures(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	tableName := viper.GetString("failures_table_name")
	if tableName == "" {
		return fmt.Errorf("%w: failures table name is required", config.ErrInvalidConfig)
	}
	queue := viper.GetString("queue_name")
	if queue == "" {
		return fmt.Errorf("%w: queue is required", config.ErrInvalidConfig)
	}

	limit, err := cmd.Flags().GetInt("limit")
	if err != nil {
		return err
	}

	awsCfg, err := config.LoadAWSConfig(ctx)
	if err != nil {
		return err
	}

	table := failures.NewDynamoFailureTable(dynamodb.NewFromConfig(awsCfg), tableName)
	records, err := table.ListByQueue(ctx, queue, limit)
	if err != nil {
		return fmt.Errorf("listing failures: %w", err)
	}

	return printFailures(cmd.OutOrStdout(), records)
}

func printFailures(w io.Writer, records []failures.FailureRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "OCCURRED AT\tMESSAGE ID\tDELIVERIES\tSTAGE\tERROR")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			r.OccurredAt.UTC().Format(time.RFC3339), r.MessageID, r.DeliveryCount, r.Stage, r.Error)
	}
	return tw.Flush()
}
