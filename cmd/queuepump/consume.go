package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/storacha/queuepump/internal/config"
	"github.com/storacha/queuepump/internal/db/failures"
	"github.com/storacha/queuepump/internal/metrics"
	"github.com/storacha/queuepump/internal/pump"
	"github.com/storacha/queuepump/internal/server"
	"github.com/storacha/queuepump/internal/servicebus"
)

var consumeCmd = &cobra.Command{
	Use:   "consume [-- command [args...]]",
	Short: "Process messages from a queue",
	Long: `Process messages from a queue until interrupted.

With a command, each message is written to the command's standard input and is
deleted if the command exits successfully. Without one, messages are printed as
JSON lines and deleted.`,
	RunE: consume,
}

func init() {
	consumeCmd.Flags().Int(
		"max-concurrent-messages",
		pump.DefaultMaxConcurrentMessages,
		"Maximum number of messages processed at once",
	)
	cobra.CheckErr(viper.BindPFlag("max_concurrent_messages", consumeCmd.Flags().Lookup("max-concurrent-messages")))

	consumeCmd.Flags().Duration(
		"pull-timeout",
		pump.DefaultPullTimeout,
		"How long a pull waits for a message",
	)
	cobra.CheckErr(viper.BindPFlag("pull_timeout", consumeCmd.Flags().Lookup("pull-timeout")))

	consumeCmd.Flags().Duration(
		"failure-cooldown",
		pump.DefaultFailureCooldown,
		"Wait after a failed pull",
	)
	cobra.CheckErr(viper.BindPFlag("failure_cooldown", consumeCmd.Flags().Lookup("failure-cooldown")))

	consumeCmd.Flags().Duration(
		"capacity-interval",
		pump.DefaultCapacityInterval,
		"Wait before checking for capacity again when all slots are busy",
	)
	cobra.CheckErr(viper.BindPFlag("capacity_interval", consumeCmd.Flags().Lookup("capacity-interval")))

	consumeCmd.Flags().Int(
		"metrics-port",
		0,
		"Port to serve status and metrics on (disabled when 0)",
	)
	cobra.CheckErr(viper.BindPFlag("metrics_port", consumeCmd.Flags().Lookup("metrics-port")))

	cobra.CheckErr(viper.BindEnv("metrics_auth_token"))
}

func consume(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if cfg.MetricsAuthToken != "" {
		if err := metrics.Init(); err != nil {
			return fmt.Errorf("initializing metrics: %w", err)
		}
	}

	tokens, closeTokens, err := newTokenSource(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeTokens()

	var reporter pump.Reporter = pump.LogReporter{}
	if cfg.FailuresTableName != "" {
		table := failures.NewDynamoFailureTable(dynamodb.NewFromConfig(cfg.AWSConfig), cfg.FailuresTableName)
		reporter = pump.MultiReporter{reporter, failures.NewReporter(table)}
	}

	handler := printHandler(cmd.OutOrStdout())
	if len(args) > 0 {
		handler = execHandler(args, cmd.OutOrStdout(), cmd.ErrOrStderr())
	}

	p, err := pump.New(pump.Config{
		Client:                servicebus.NewClient(cfg.ServiceURL),
		Queue:                 cfg.QueueName,
		Credentials:           tokens,
		Handler:               handler,
		MaxConcurrentMessages: cfg.MaxConcurrentMessages,
		PullTimeout:           cfg.PullTimeout,
		FailureCooldown:       cfg.FailureCooldown,
		CapacityInterval:      cfg.CapacityInterval,
		Reporter:              reporter,
	})
	if err != nil {
		return fmt.Errorf("creating pump: %w", err)
	}

	errCh := make(chan error, 1)
	if cfg.MetricsPort != 0 {
		srv := server.New(p, server.WithMetricsEndpoint(cfg.MetricsAuthToken))
		go func() {
			if err := srv.ListenAndServe(fmt.Sprintf(":%d", cfg.MetricsPort)); err != nil {
				log.Errorf("Server error: %v", err)
				errCh <- err
				stop()
			}
		}()
	}

	if err := p.Run(ctx); err != nil {
		return err
	}

	select {
	case err := <-errCh:
		return err
	default:
		log.Info("Shut down gracefully")
		return nil
	}
}
