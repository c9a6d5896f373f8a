package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/storacha/queuepump/internal/pump"
	"github.com/storacha/queuepump/internal/servicebus"
)

type printedMessage struct {
	MessageID     string `json:"messageId"`
	DeliveryCount int    `json:"deliveryCount"`
	ContentType   string `json:"contentType,omitempty"`
	Content       any    `json:"content"`
}

// printHandler writes each message to w as a line of JSON.
func printHandler(w io.Writer) pump.Handler {
	var mu sync.Mutex
	enc := json.NewEncoder(w)

	return func(ctx context.Context, msg *servicebus.PeekedMessage) error {
		var content any = string(msg.Content)
		if json.Valid(msg.Content) {
			content = msg.Content
		}

		mu.Lock()
		defer mu.Unlock()
		return enc.Encode(printedMessage{
			MessageID:     msg.MessageID,
			DeliveryCount: msg.DeliveryCount,
			ContentType:   msg.ContentType,
			Content:       content,
		})
	}
}

// execHandler runs the command in args once per message, with the message
// content on standard input. A non-zero exit fails the message.
func execHandler(args []string, stdout, stderr io.Writer) pump.Handler {
	return func(ctx context.Context, msg *servicebus.PeekedMessage) error {
		cmd := exec.CommandContext(ctx, args[0], args[1:]...)
		cmd.Stdin = bytes.NewReader(msg.Content)
		cmd.Stdout = stdout
		cmd.Stderr = stderr
		cmd.Env = append(os.Environ(),
			"QUEUEPUMP_MESSAGE_ID="+msg.MessageID,
			"QUEUEPUMP_DELIVERY_COUNT="+strconv.Itoa(msg.DeliveryCount),
		)

		if err := cmd.Run(); err != nil {
			return fmt.Errorf("running %s: %w", args[0], err)
		}
		return nil
	}
}
