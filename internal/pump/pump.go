// Package pump pulls messages from a queue and hands them to a handler, with
// a bounded number of messages in flight.
//
// A running pump pulls whenever it has spare capacity and dispatches each
// message to its own goroutine. Pull failures are logged and retried after a
// cooldown, forever; only cancelling the context passed to Run stops the
// pump. Once cancelled, the pump stops pulling and waits for every message in
// flight to settle before Run returns. A pull that completes after
// cancellation still dispatches its message.
//
// Messages are deleted only after their handler succeeds, so delivery is
// at-least-once.
package pump

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/storacha/queuepump/internal/credcache"
	"github.com/storacha/queuepump/internal/metrics"
	"github.com/storacha/queuepump/internal/servicebus"
)

var log = logging.Logger("pump")

const (
	DefaultMaxConcurrentMessages = 1
	DefaultPullTimeout           = servicebus.DefaultPullTimeout
	DefaultFailureCooldown       = 30 * time.Second
	DefaultCapacityInterval      = 1 * time.Second
)

var ErrAlreadyRunning = errors.New("pump is already running")

// Client is the part of the queue transport the pump uses.
type Client interface {
	Pull(ctx context.Context, token, queue string, timeout time.Duration) (*servicebus.PeekedMessage, error)
	Delete(ctx context.Context, token, queue, messageID, lockToken string) error
}

var _ Client = (*servicebus.Client)(nil)

type Config struct {
	Client      Client
	Queue       string
	Credentials credcache.TokenSource
	Handler     Handler

	// MaxConcurrentMessages bounds the messages being handled at once.
	// Zero means DefaultMaxConcurrentMessages.
	MaxConcurrentMessages int
	// PullTimeout is how long a single pull waits for a message.
	PullTimeout time.Duration
	// FailureCooldown is the wait after a failed pull.
	FailureCooldown time.Duration
	// CapacityInterval is the wait before checking for capacity again when
	// the pump is full.
	CapacityInterval time.Duration

	// Reporter receives handler and delete failures. Defaults to LogReporter.
	Reporter Reporter
}

// Attempt is a message currently being processed.
type Attempt struct {
	ID            uuid.UUID `json:"id"`
	MessageID     string    `json:"messageId"`
	DeliveryCount int       `json:"deliveryCount"`
	StartedAt     time.Time `json:"startedAt"`
}

type Pump struct {
	cfg     Config
	attrs   metric.MeasurementOption
	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	running atomic.Bool

	mu       sync.Mutex
	inFlight map[uuid.UUID]Attempt
}

func New(cfg Config) (*Pump, error) {
	switch {
	case cfg.Client == nil:
		return nil, &ConfigurationError{Field: "Client"}
	case cfg.Queue == "":
		return nil, &ConfigurationError{Field: "Queue"}
	case cfg.Credentials == nil:
		return nil, &ConfigurationError{Field: "Credentials"}
	case cfg.Handler == nil:
		return nil, &ConfigurationError{Field: "Handler"}
	case cfg.MaxConcurrentMessages < 0:
		return nil, &ConfigurationError{Field: "MaxConcurrentMessages", Reason: "must not be negative"}
	}

	if cfg.MaxConcurrentMessages == 0 {
		cfg.MaxConcurrentMessages = DefaultMaxConcurrentMessages
	}
	if cfg.PullTimeout <= 0 {
		cfg.PullTimeout = DefaultPullTimeout
	}
	if cfg.FailureCooldown <= 0 {
		cfg.FailureCooldown = DefaultFailureCooldown
	}
	if cfg.CapacityInterval <= 0 {
		cfg.CapacityInterval = DefaultCapacityInterval
	}
	if cfg.Reporter == nil {
		cfg.Reporter = LogReporter{}
	}

	return &Pump{
		cfg:      cfg,
		attrs:    metric.WithAttributes(attribute.String("queue", cfg.Queue)),
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrentMessages)),
		inFlight: map[uuid.UUID]Attempt{},
	}, nil
}

// Start creates a pump from cfg and runs it until ctx is cancelled and every
// message in flight has settled.
func Start(ctx context.Context, cfg Config) error {
	p, err := New(cfg)
	if err != nil {
		return err
	}
	return p.Run(ctx)
}

// Run pulls and dispatches messages until ctx is cancelled, then waits for
// the messages in flight. Transport failures never make it return early.
func (p *Pump) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer p.running.Store(false)

	log.Infof("Pump started on queue %s with %d concurrent messages", p.cfg.Queue, p.cfg.MaxConcurrentMessages)

	for ctx.Err() == nil {
		if !p.sem.TryAcquire(1) {
			wait(ctx, p.cfg.CapacityInterval)
			continue
		}

		msg, err := p.pull(ctx)
		if err != nil {
			p.sem.Release(1)
			if ctx.Err() != nil {
				break
			}
			metrics.PullFailures.Add(ctx, 1, p.attrs)
			if credentialsRejected(err) {
				log.Errorf("Credentials for %s were rejected, retrying in %s: %v", p.cfg.Queue, p.cfg.FailureCooldown, err)
			} else {
				log.Warnf("Pulling from %s failed, retrying in %s: %v", p.cfg.Queue, p.cfg.FailureCooldown, err)
			}
			wait(ctx, p.cfg.FailureCooldown)
			continue
		}

		if msg == nil {
			p.sem.Release(1)
			continue
		}

		p.dispatch(ctx, msg)
	}

	log.Infof("Pump on queue %s draining %d messages in flight", p.cfg.Queue, len(p.InFlight()))
	p.wg.Wait()
	log.Infof("Pump on queue %s stopped", p.cfg.Queue)

	return nil
}

// credentialsRejected reports whether the queue refused the token, which
// waiting alone will not fix.
func credentialsRejected(err error) bool {
	var sbErr *servicebus.Error
	return errors.As(err, &sbErr) && sbErr.IsUnauthorized()
}

func (p *Pump) pull(ctx context.Context) (*servicebus.PeekedMessage, error) {
	token, err := p.cfg.Credentials.Token(ctx)
	if err != nil {
		return nil, err
	}
	return p.cfg.Client.Pull(ctx, token, p.cfg.Queue, p.cfg.PullTimeout)
}

// dispatch must be called holding one unit of the semaphore, which the
// attempt releases when it settles.
func (p *Pump) dispatch(ctx context.Context, msg *servicebus.PeekedMessage) {
	attempt := Attempt{
		ID:            uuid.New(),
		MessageID:     msg.MessageID,
		DeliveryCount: msg.DeliveryCount,
		StartedAt:     time.Now(),
	}

	// attempts outlive the pump's context, they are waited out while draining
	actx := context.WithoutCancel(ctx)

	p.mu.Lock()
	p.inFlight[attempt.ID] = attempt
	p.mu.Unlock()

	metrics.PulledMessages.Add(actx, 1, p.attrs)
	metrics.InFlightMessages.Add(actx, 1, p.attrs)

	p.wg.Add(1)
	go func() {
		defer func() {
			p.mu.Lock()
			delete(p.inFlight, attempt.ID)
			p.mu.Unlock()

			metrics.InFlightMessages.Add(actx, -1, p.attrs)
			p.sem.Release(1)
			p.wg.Done()
		}()

		p.process(actx, msg)
	}()
}

func (p *Pump) process(ctx context.Context, msg *servicebus.PeekedMessage) {
	if err := safeCall(ctx, p.cfg.Handler, msg); err != nil {
		metrics.HandlerFailures.Add(ctx, 1, p.attrs)
		p.report(ctx, msg, StageHandler, &HandlerError{MessageID: msg.MessageID, Err: err})
		return
	}

	if err := p.delete(ctx, msg); err != nil {
		metrics.DeleteFailures.Add(ctx, 1, p.attrs)
		p.report(ctx, msg, StageDelete, err)
		return
	}

	metrics.ProcessedMessages.Add(ctx, 1, p.attrs)
}

func (p *Pump) delete(ctx context.Context, msg *servicebus.PeekedMessage) error {
	token, err := p.cfg.Credentials.Token(ctx)
	if err != nil {
		return err
	}
	return p.cfg.Client.Delete(ctx, token, p.cfg.Queue, msg.MessageID, msg.LockToken)
}

func (p *Pump) report(ctx context.Context, msg *servicebus.PeekedMessage, stage Stage, err error) {
	p.cfg.Reporter.Report(ctx, Failure{
		Queue:         p.cfg.Queue,
		MessageID:     msg.MessageID,
		DeliveryCount: msg.DeliveryCount,
		Stage:         stage,
		Err:           err,
		OccurredAt:    time.Now(),
	})
}

// InFlight returns the messages currently being processed, oldest first.
func (p *Pump) InFlight() []Attempt {
	p.mu.Lock()
	defer p.mu.Unlock()

	attempts := make([]Attempt, 0, len(p.inFlight))
	for _, a := range p.inFlight {
		attempts = append(attempts, a)
	}
	sort.Slice(attempts, func(i, j int) bool {
		return attempts[i].StartedAt.Before(attempts[j].StartedAt)
	})
	return attempts
}

// Queue is the name of the queue the pump consumes.
func (p *Pump) Queue() string {
	return p.cfg.Queue
}

func wait(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
