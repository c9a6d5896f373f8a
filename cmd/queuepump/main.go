package main

import (
	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/storacha/queuepump/internal/build"
	"github.com/storacha/queuepump/internal/credcache"
)

var log = logging.Logger("queuepump")

const shortDescription = `
QueuePump - Process messages from a peek-lock queue
`

const longDescription = `
QueuePump pulls messages from a queue over HTTP and hands each one to a handler,
deleting it once the handler succeeds. Messages whose handler fails are left on
the queue to be redelivered.
`

var (
	cfgFile string

	logLevel string

	rootCmd = &cobra.Command{
		Use:     "queuepump",
		Short:   shortDescription,
		Long:    longDescription,
		Version: build.Version,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "logging level")

	rootCmd.PersistentFlags().String("service-url", "", "URL of the queue service, e.g. https://app-name.servicebus.windows.net")
	cobra.CheckErr(viper.BindPFlag("service_url", rootCmd.PersistentFlags().Lookup("service-url")))

	rootCmd.PersistentFlags().String("policy-name", "", "Name of the shared access policy")
	cobra.CheckErr(viper.BindPFlag("policy_name", rootCmd.PersistentFlags().Lookup("policy-name")))

	// the key is a secret, so it is only read from the environment or config file
	cobra.CheckErr(viper.BindEnv("policy_key"))

	rootCmd.PersistentFlags().String("queue", "", "Name of the queue")
	cobra.CheckErr(viper.BindPFlag("queue_name", rootCmd.PersistentFlags().Lookup("queue")))

	rootCmd.PersistentFlags().Duration(
		"token-validity",
		credcache.DefaultValidity,
		"How long a signed token remains valid",
	)
	cobra.CheckErr(viper.BindPFlag("token_validity", rootCmd.PersistentFlags().Lookup("token-validity")))

	rootCmd.PersistentFlags().Duration(
		"token-refresh-window",
		credcache.DefaultRefreshWindow,
		"Minimum remaining validity of a cached token",
	)
	cobra.CheckErr(viper.BindPFlag("token_refresh_window", rootCmd.PersistentFlags().Lookup("token-refresh-window")))

	rootCmd.PersistentFlags().String("redis-url", "", "Redis URL of a token cache shared between processes")
	cobra.CheckErr(viper.BindPFlag("redis_url", rootCmd.PersistentFlags().Lookup("redis-url")))

	rootCmd.PersistentFlags().String(
		"failures-table-name",
		"",
		"Name of the DynamoDB table to use for failure records",
	)
	cobra.CheckErr(viper.BindPFlag("failures_table_name", rootCmd.PersistentFlags().Lookup("failures-table-name")))
	// bind flag to storoku-style environment variable
	cobra.CheckErr(viper.BindEnv("failures_table_name", "FAILURE_RECORDS_TABLE_ID"))

	// register all commands and their subcommands
	rootCmd.AddCommand(consumeCmd)
	rootCmd.AddCommand(postCmd)
	rootCmd.AddCommand(failuresCmd)
}

func initConfig() {
	viper.AutomaticEnv()
	viper.SetEnvPrefix("QUEUEPUMP")

	if logLevel != "" {
		ll, err := logging.LevelFromString(logLevel)
		cobra.CheckErr(err)
		logging.SetAllLoggers(ll)
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		cobra.CheckErr(viper.ReadInConfig())
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
