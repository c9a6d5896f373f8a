// Package servicebus talks to a peek-lock message queue over HTTP.
//
// Each operation is a single request authorized by a shared access token:
// Pull peeks and locks the message at the head of a queue, Delete removes a
// locked message, and Post enqueues a batch. Post is retried under the
// default retry schedule because losing a post silently loses the message;
// Pull and Delete are not, their callers own that policy.
package servicebus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/storacha/queuepump/internal/retry"
)

var log = logging.Logger("servicebus")

const (
	// DefaultPullTimeout is how long the server holds a pull open waiting for a message.
	DefaultPullTimeout = 60 * time.Second

	// DefaultRequestTimeout bounds a single post or delete attempt, and is
	// added on top of the pull timeout.
	DefaultRequestTimeout = 30 * time.Second

	postContentType = "application/vnd.microsoft.servicebus.json"
	jsonContentType = "application/json"
	textContentType = "text/plain; charset=UTF-8"

	brokerPropertiesHeader = "BrokerProperties"
)

type Client struct {
	serviceURL     string
	httpClient     *http.Client
	requestTimeout time.Duration
	retryOpts      []retry.Option
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithRequestTimeout overrides how long a single request may take. A post
// attempt that runs out of time is retried.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.requestTimeout = d
	}
}

// WithPostRetry overrides the retry policy applied to Post.
func WithPostRetry(opts ...retry.Option) Option {
	return func(c *Client) {
		c.retryOpts = opts
	}
}

// NewClient creates a client for the queues under serviceURL, for example
// https://app-name.servicebus.windows.net.
func NewClient(serviceURL string, opts ...Option) *Client {
	c := &Client{
		serviceURL:     strings.TrimSuffix(serviceURL, "/"),
		httpClient:     &http.Client{},
		requestTimeout: DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) ServiceURL() string {
	return c.serviceURL
}

func (c *Client) queueURL(queue string, elems ...string) string {
	u := c.serviceURL + "/" + url.PathEscape(queue) + "/messages"
	for _, e := range elems {
		u += "/" + url.PathEscape(e)
	}
	return u
}

// Pull waits up to timeout for a message and locks it. It returns nil when
// the server reports that nothing arrived in time.
func (c *Client) Pull(ctx context.Context, token, queue string, timeout time.Duration) (*PeekedMessage, error) {
	if timeout <= 0 {
		timeout = DefaultPullTimeout
	}
	secs := int(math.Ceil(timeout.Seconds()))

	ctx, cancel := context.WithTimeout(ctx, time.Duration(secs)*time.Second+c.requestTimeout)
	defer cancel()

	u := c.queueURL(queue, "head") + "?timeout=" + strconv.Itoa(secs)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating pull request: %w", err)
	}
	req.Header.Set("Authorization", token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pulling message from %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newError("pull message from", u, resp)
	}

	var props receivedProperties
	if err := json.Unmarshal([]byte(resp.Header.Get(brokerPropertiesHeader)), &props); err != nil {
		return nil, fmt.Errorf("decoding %s header: %w", brokerPropertiesHeader, err)
	}
	if props.MessageID == "" || props.LockToken == "" {
		return nil, fmt.Errorf("%s header is missing the message id or lock token", brokerPropertiesHeader)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading message %s: %w", props.MessageID, err)
	}

	log.Debugf("Pulled message %s from %s (delivery %d)", props.MessageID, queue, props.DeliveryCount)

	return &PeekedMessage{
		MessageID:     props.MessageID,
		LockToken:     props.LockToken,
		DeliveryCount: props.DeliveryCount,
		ContentType:   resp.Header.Get("Content-Type"),
		Content:       body,
	}, nil
}

// Delete removes a locked message from the queue.
func (c *Client) Delete(ctx context.Context, token, queue, messageID, lockToken string) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	u := c.queueURL(queue, messageID, lockToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return fmt.Errorf("creating delete request: %w", err)
	}
	req.Header.Set("Authorization", token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deleting message %s: %w", messageID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newError("delete message from", u, resp)
	}

	_, _ = io.Copy(io.Discard, resp.Body)

	log.Debugf("Deleted message %s from %s", messageID, queue)
	return nil
}

// Post enqueues msgs as a single batch, retrying transient failures.
func (c *Client) Post(ctx context.Context, token, queue string, msgs []OutgoingMessage) error {
	if len(msgs) == 0 {
		return nil
	}

	envelopes := make([]envelope, 0, len(msgs))
	for i, m := range msgs {
		env, err := m.envelope()
		if err != nil {
			return fmt.Errorf("encoding message %d: %w", i, err)
		}
		envelopes = append(envelopes, env)
	}

	body, err := json.Marshal(envelopes)
	if err != nil {
		return fmt.Errorf("encoding message batch: %w", err)
	}

	u := c.queueURL(queue)

	return retry.Run(ctx, func(ctx context.Context) error {
		return c.post(ctx, token, u, body)
	}, c.retryOpts...)
}

func (c *Client) post(ctx context.Context, token, u string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("creating post request: %w", err))
	}
	req.Header.Set("Authorization", token)
	req.Header.Set("Content-Type", postContentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting messages to %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newError("post message to", u, resp)
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
