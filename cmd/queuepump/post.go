package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/storacha/queuepump/internal/config"
	"github.com/storacha/queuepump/internal/servicebus"
)

var postCmd = &cobra.Command{
	Use:   "post [message...]",
	Short: "Post messages to a queue",
	Long: `Post messages to a queue as a single batch.

Each argument is a message. Without arguments, each line of standard input is a
message. Messages that are valid JSON are sent as JSON and anything else as
text, unless --text is given.`,
	RunE: post,
}

func init() {
	postCmd.Flags().Bool("text", false, "Send every message as text")
	postCmd.Flags().String("correlation-id", "", "Correlation id of the messages")
	postCmd.Flags().String("label", "", "Label of the messages")
	postCmd.Flags().String("partition-key", "", "Partition key of the messages")
	postCmd.Flags().String("session-id", "", "Session id of the messages")
	postCmd.Flags().Duration("ttl", 0, "Time to live of the messages (queue default when 0)")
	postCmd.Flags().StringToString("property", nil, "User property of the messages, as key=value (repeatable)")
}

type postOptions struct {
	text       bool
	broker     servicebus.BrokerProperties
	properties map[string]string
}

func postOptionsFromFlags(cmd *cobra.Command) (postOptions, error) {
	var opts postOptions
	var err error

	flags := cmd.Flags()
	if opts.text, err = flags.GetBool("text"); err != nil {
		return opts, err
	}
	if opts.broker.CorrelationID, err = flags.GetString("correlation-id"); err != nil {
		return opts, err
	}
	if opts.broker.Label, err = flags.GetString("label"); err != nil {
		return opts, err
	}
	if opts.broker.PartitionKey, err = flags.GetString("partition-key"); err != nil {
		return opts, err
	}
	if opts.broker.SessionID, err = flags.GetString("session-id"); err != nil {
		return opts, err
	}

	ttl, err := flags.GetDuration("ttl")
	if err != nil {
		return opts, err
	}
	if ttl > 0 {
		opts.broker.TimeToLiveTimeSpan = servicebus.TimeSpan(ttl)
	}

	if opts.properties, err = flags.GetStringToString("property"); err != nil {
		return opts, err
	}

	return opts, nil
}

func buildMessages(contents []string, opts postOptions) []servicebus.OutgoingMessage {
	msgs := make([]servicebus.OutgoingMessage, 0, len(contents))
	for _, c := range contents {
		var content any = c
		if !opts.text && json.Valid([]byte(c)) {
			content = json.RawMessage(c)
		}
		msgs = append(msgs, servicebus.OutgoingMessage{
			Content:          content,
			BrokerProperties: opts.broker,
			UserProperties:   opts.properties,
		})
	}
	return msgs
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading messages: %w", err)
	}
	return lines, nil
}

func post(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	opts, err := postOptionsFromFlags(cmd)
	if err != nil {
		return err
	}

	contents := args
	if len(contents) == 0 {
		if contents, err = readLines(cmd.InOrStdin()); err != nil {
			return err
		}
	}
	if len(contents) == 0 {
		return fmt.Errorf("no messages to post")
	}

	tokens, closeTokens, err := newTokenSource(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeTokens()

	token, err := tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("getting token: %w", err)
	}

	start := time.Now()
	client := servicebus.NewClient(cfg.ServiceURL)
	if err := client.Post(ctx, token, cfg.QueueName, buildMessages(contents, opts)); err != nil {
		return err
	}

	log.Infof("Posted %d messages to %s in %s", len(contents), cfg.QueueName, time.Since(start))
	fmt.Fprintf(cmd.OutOrStdout(), "Posted %d messages to %s\n", len(contents), cfg.QueueName)
	return nil
}
