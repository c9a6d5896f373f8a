package pump

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storacha/queuepump/internal/credcache"
	"github.com/storacha/queuepump/internal/servicebus"
	"github.com/storacha/queuepump/internal/testutil/fakebus"
)

const testQueue = "test"

type testMessage struct {
	ID int `json:"id"`
}

// mockClient implements Client with function fields
type mockClient struct {
	pullFunc   func(ctx context.Context, token, queue string, timeout time.Duration) (*servicebus.PeekedMessage, error)
	deleteFunc func(ctx context.Context, token, queue, messageID, lockToken string) error
}

var _ Client = (*mockClient)(nil)

func (m *mockClient) Pull(ctx context.Context, token, queue string, timeout time.Duration) (*servicebus.PeekedMessage, error) {
	return m.pullFunc(ctx, token, queue, timeout)
}

func (m *mockClient) Delete(ctx context.Context, token, queue, messageID, lockToken string) error {
	if m.deleteFunc == nil {
		return nil
	}
	return m.deleteFunc(ctx, token, queue, messageID, lockToken)
}

type tokenFunc func(ctx context.Context) (string, error)

func (fn tokenFunc) Token(ctx context.Context) (string, error) {
	return fn(ctx)
}

type recordingReporter struct {
	mu       sync.Mutex
	failures []Failure
}

func (r *recordingReporter) Report(_ context.Context, f Failure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, f)
}

func (r *recordingReporter) Failures() []Failure {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Failure(nil), r.failures...)
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func indexOf(events []string, e string) int {
	for i, v := range events {
		if v == e {
			return i
		}
	}
	return -1
}

// onePull returns msg from the first pull and blocks later pulls until ctx is done.
func onePull(msg *servicebus.PeekedMessage) func(ctx context.Context, token, queue string, timeout time.Duration) (*servicebus.PeekedMessage, error) {
	var pulled atomic.Bool
	return func(ctx context.Context, token, queue string, timeout time.Duration) (*servicebus.PeekedMessage, error) {
		if pulled.CompareAndSwap(false, true) {
			return msg, nil
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

func busConfig(bus *fakebus.Server, handler Handler) Config {
	return Config{
		Client:           servicebus.NewClient(bus.URL()),
		Queue:            testQueue,
		Credentials:      credcache.Static("token"),
		Handler:          handler,
		PullTimeout:      time.Second,
		FailureCooldown:  50 * time.Millisecond,
		CapacityInterval: 5 * time.Millisecond,
	}
}

// runPump runs p in the background and returns a channel closed when Run returns.
func runPump(t *testing.T, ctx context.Context, p *Pump) <-chan struct{} {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, p.Run(ctx))
	}()
	return done
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("pump did not stop")
	}
}

func TestNew(t *testing.T) {
	valid := Config{
		Client:      &mockClient{},
		Queue:       testQueue,
		Credentials: credcache.Static("token"),
		Handler:     func(context.Context, *servicebus.PeekedMessage) error { return nil },
	}

	t.Run("applies defaults", func(t *testing.T) {
		p, err := New(valid)
		require.NoError(t, err)

		assert.Equal(t, DefaultMaxConcurrentMessages, p.cfg.MaxConcurrentMessages)
		assert.Equal(t, DefaultPullTimeout, p.cfg.PullTimeout)
		assert.Equal(t, DefaultFailureCooldown, p.cfg.FailureCooldown)
		assert.Equal(t, DefaultCapacityInterval, p.cfg.CapacityInterval)
		assert.IsType(t, LogReporter{}, p.cfg.Reporter)
		assert.Equal(t, testQueue, p.Queue())
		assert.Empty(t, p.InFlight())
	})

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"missing client", func(c *Config) { c.Client = nil }, "Client"},
		{"missing queue", func(c *Config) { c.Queue = "" }, "Queue"},
		{"missing credentials", func(c *Config) { c.Credentials = nil }, "Credentials"},
		{"missing handler", func(c *Config) { c.Handler = nil }, "Handler"},
		{"negative concurrency", func(c *Config) { c.MaxConcurrentMessages = -1 }, "MaxConcurrentMessages"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)

			p, err := New(cfg)
			require.Error(t, err)
			assert.Nil(t, p)

			var cfgErr *ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}

	t.Run("start fails fast", func(t *testing.T) {
		cfg := valid
		cfg.Queue = ""
		var cfgErr *ConfigurationError
		assert.ErrorAs(t, Start(context.Background(), cfg), &cfgErr)
	})
}

func TestRun_SequentialProcessing(t *testing.T) {
	bus := fakebus.New()
	defer bus.Close()

	for i := 1; i <= 3; i++ {
		bus.Enqueue(testQueue, testMessage{ID: i})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var events eventLog
	var finished atomic.Int32

	p, err := New(busConfig(bus, JSON(func(ctx context.Context, m testMessage) error {
		events.add("START %d", m.ID)
		time.Sleep(50 * time.Millisecond)
		events.add("FINISH %d", m.ID)
		if finished.Add(1) == 3 {
			cancel()
		}
		return nil
	})))
	require.NoError(t, err)

	waitDone(t, runPump(t, ctx, p))

	assert.Equal(t, []string{
		"START 1", "FINISH 1",
		"START 2", "FINISH 2",
		"START 3", "FINISH 3",
	}, events.snapshot())
	assert.Equal(t, 0, bus.Len(testQueue))
}

func TestRun_ConcurrentProcessing(t *testing.T) {
	bus := fakebus.New()
	defer bus.Close()

	for i := 1; i <= 3; i++ {
		bus.Enqueue(testQueue, testMessage{ID: i})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var events eventLog
	var finished atomic.Int32

	cfg := busConfig(bus, JSON(func(ctx context.Context, m testMessage) error {
		events.add("START %d", m.ID)
		time.Sleep(200 * time.Millisecond)
		events.add("FINISH %d", m.ID)
		if finished.Add(1) == 3 {
			cancel()
		}
		return nil
	}))
	cfg.MaxConcurrentMessages = 2

	p, err := New(cfg)
	require.NoError(t, err)

	waitDone(t, runPump(t, ctx, p))

	events2 := events.snapshot()
	require.Len(t, events2, 6)

	firstFinish := -1
	for i, e := range events2 {
		if e[:6] == "FINISH" {
			firstFinish = i
			break
		}
	}
	require.NotEqual(t, -1, firstFinish)

	assert.Less(t, indexOf(events2, "START 1"), firstFinish)
	assert.Less(t, indexOf(events2, "START 2"), firstFinish)
	assert.Greater(t, indexOf(events2, "START 3"), firstFinish)
	assert.Equal(t, 0, bus.Len(testQueue))
}

func TestRun_HandlerFailureLeavesMessage(t *testing.T) {
	bus := fakebus.New(fakebus.WithLockDuration(300 * time.Millisecond))
	defer bus.Close()

	bus.Enqueue(testQueue, testMessage{ID: 1})
	bus.Enqueue(testQueue, testMessage{ID: -1})
	bus.Enqueue(testQueue, testMessage{ID: 2})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handled sync.Map
	var succeeded atomic.Int32
	reporter := &recordingReporter{}

	cfg := busConfig(bus, JSON(func(ctx context.Context, m testMessage) error {
		if m.ID < 0 {
			return errors.New("negative id")
		}
		if _, loaded := handled.LoadOrStore(m.ID, true); !loaded && succeeded.Add(1) == 2 {
			cancel()
		}
		return nil
	}))
	cfg.Reporter = reporter

	p, err := New(cfg)
	require.NoError(t, err)

	waitDone(t, runPump(t, ctx, p))

	failures := reporter.Failures()
	require.NotEmpty(t, failures)

	f := failures[0]
	assert.Equal(t, StageHandler, f.Stage)
	assert.Equal(t, testQueue, f.Queue)

	var herr *HandlerError
	require.ErrorAs(t, f.Err, &herr)
	assert.Equal(t, f.MessageID, herr.MessageID)
	assert.EqualError(t, herr.Err, "negative id")

	remaining := bus.Messages(testQueue)
	require.Len(t, remaining, 1)
	assert.Equal(t, f.MessageID, remaining[0].ID)
	assert.JSONEq(t, `{"id":-1}`, remaining[0].Body)

	t.Run("message is redelivered", func(t *testing.T) {
		client := servicebus.NewClient(bus.URL())

		// the lock taken by the pump expires first
		msg, err := client.Pull(context.Background(), "token", testQueue, 2*time.Second)
		require.NoError(t, err)
		require.NotNil(t, msg)

		assert.Equal(t, f.MessageID, msg.MessageID)
		assert.Greater(t, msg.DeliveryCount, f.DeliveryCount)
	})
}

func TestRun_InvalidCredentialsRetryAtCooldown(t *testing.T) {
	bus := fakebus.New(fakebus.WithToken("good"))
	defer bus.Close()

	bus.Enqueue(testQueue, testMessage{ID: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	cfg := busConfig(bus, func(context.Context, *servicebus.PeekedMessage) error {
		calls.Add(1)
		return nil
	})
	cfg.Credentials = credcache.Static("invalid")
	cfg.FailureCooldown = 100 * time.Millisecond

	p, err := New(cfg)
	require.NoError(t, err)

	done := runPump(t, ctx, p)

	time.Sleep(550 * time.Millisecond)

	select {
	case <-done:
		t.Fatal("pump stopped on its own")
	default:
	}

	cancel()
	waitDone(t, done)

	pulls := bus.Requests("pull")
	assert.GreaterOrEqual(t, pulls, 3)
	assert.LessOrEqual(t, pulls, 8)
	assert.Zero(t, calls.Load())
	assert.Equal(t, 1, bus.Len(testQueue))
}

func TestRun_RecoversWhenCredentialsAreAccepted(t *testing.T) {
	var rotated atomic.Bool
	bus := fakebus.New(fakebus.WithAuthorizer(func(h string) bool {
		return rotated.Load() && h == "rotated"
	}))
	defer bus.Close()

	bus.Enqueue(testQueue, testMessage{ID: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	cfg := busConfig(bus, func(context.Context, *servicebus.PeekedMessage) error {
		calls.Add(1)
		return nil
	})
	cfg.Credentials = credcache.Static("rotated")
	cfg.FailureCooldown = 20 * time.Millisecond

	p, err := New(cfg)
	require.NoError(t, err)

	done := runPump(t, ctx, p)

	require.Eventually(t, func() bool { return bus.Requests("pull") >= 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, calls.Load())

	rotated.Store(true)

	require.Eventually(t, func() bool { return bus.Len(testQueue) == 0 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	waitDone(t, done)

	assert.Equal(t, int32(1), calls.Load())
}

func TestCredentialsRejected(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"unauthorized", &servicebus.Error{StatusCode: 401}, true},
		{"forbidden", fmt.Errorf("pulling: %w", &servicebus.Error{StatusCode: 403}), true},
		{"server error", &servicebus.Error{StatusCode: 503}, false},
		{"network", errors.New("connection refused"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, credentialsRejected(tt.err))
		})
	}
}

func TestRun_CooldownIsInterruptedByCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var pulls atomic.Int32
	p, err := New(Config{
		Client: &mockClient{
			pullFunc: func(ctx context.Context, token, queue string, timeout time.Duration) (*servicebus.PeekedMessage, error) {
				pulls.Add(1)
				return nil, errors.New("connection refused")
			},
		},
		Queue:           testQueue,
		Credentials:     credcache.Static("token"),
		Handler:         func(context.Context, *servicebus.PeekedMessage) error { return nil },
		FailureCooldown: time.Hour,
	})
	require.NoError(t, err)

	done := runPump(t, ctx, p)
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	cancel()
	waitDone(t, done)

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int32(1), pulls.Load())
}

func TestRun_TokenFailureCoolsDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var tokens atomic.Int32
	p, err := New(Config{
		Client: &mockClient{
			pullFunc: func(ctx context.Context, token, queue string, timeout time.Duration) (*servicebus.PeekedMessage, error) {
				t.Error("pull without a token")
				return nil, nil
			},
		},
		Queue: testQueue,
		Credentials: tokenFunc(func(ctx context.Context) (string, error) {
			tokens.Add(1)
			return "", errors.New("signing failed")
		}),
		Handler:         func(context.Context, *servicebus.PeekedMessage) error { return nil },
		FailureCooldown: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	done := runPump(t, ctx, p)

	require.Eventually(t, func() bool { return tokens.Load() >= 3 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	waitDone(t, done)
}

func TestRun_ConcurrencyBound(t *testing.T) {
	bus := fakebus.New()
	defer bus.Close()

	const total = 10
	for i := 0; i < total; i++ {
		bus.Enqueue(testQueue, testMessage{ID: i})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var current, peak, finished atomic.Int32
	var p *Pump

	cfg := busConfig(bus, func(ctx context.Context, msg *servicebus.PeekedMessage) error {
		n := current.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		assert.LessOrEqual(t, len(p.InFlight()), 3)

		time.Sleep(30 * time.Millisecond)
		current.Add(-1)

		if finished.Add(1) == total {
			cancel()
		}
		return nil
	})
	cfg.MaxConcurrentMessages = 3

	p, err := New(cfg)
	require.NoError(t, err)

	waitDone(t, runPump(t, ctx, p))

	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Greater(t, peak.Load(), int32(1))
	assert.Equal(t, int32(total), finished.Load())
	assert.Equal(t, 0, bus.Len(testQueue))
	assert.Empty(t, p.InFlight())
}

func TestRun_DrainWaitsForInFlight(t *testing.T) {
	bus := fakebus.New()
	defer bus.Close()

	bus.Enqueue(testQueue, testMessage{ID: 1})
	bus.Enqueue(testQueue, testMessage{ID: -1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(2)

	var handlerCtxErr atomic.Value
	cfg := busConfig(bus, JSON(func(ctx context.Context, m testMessage) error {
		started.Done()
		<-release
		if ctx.Err() != nil {
			handlerCtxErr.Store(ctx.Err())
		}
		if m.ID < 0 {
			return errors.New("failed while draining")
		}
		return nil
	}))
	cfg.MaxConcurrentMessages = 2
	cfg.Reporter = &recordingReporter{}

	p, err := New(cfg)
	require.NoError(t, err)

	done := runPump(t, ctx, p)

	started.Wait()
	require.Len(t, p.InFlight(), 2)

	cancel()

	select {
	case <-done:
		t.Fatal("pump stopped before messages in flight settled")
	case <-time.After(200 * time.Millisecond):
	}

	close(release)
	waitDone(t, done)

	assert.Nil(t, handlerCtxErr.Load(), "handler context must not be cancelled with the pump")
	assert.Empty(t, p.InFlight())

	// the successful message is deleted even though the pump was cancelled
	remaining := bus.Messages(testQueue)
	require.Len(t, remaining, 1)
	assert.JSONEq(t, `{"id":-1}`, remaining[0].Body)
}

func TestRun_DeleteFailureIsReported(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msg := &servicebus.PeekedMessage{MessageID: "m1", LockToken: "l1", DeliveryCount: 1, Content: []byte(`{}`)}
	reporter := &recordingReporter{}
	deleteErr := errors.New("lock lost")

	p, err := New(Config{
		Client: &mockClient{
			pullFunc: onePull(msg),
			deleteFunc: func(ctx context.Context, token, queue, messageID, lockToken string) error {
				assert.Equal(t, "m1", messageID)
				assert.Equal(t, "l1", lockToken)
				return deleteErr
			},
		},
		Queue:       testQueue,
		Credentials: credcache.Static("token"),
		Handler:     func(context.Context, *servicebus.PeekedMessage) error { return nil },
		Reporter:    reporter,
	})
	require.NoError(t, err)

	done := runPump(t, ctx, p)

	require.Eventually(t, func() bool { return len(reporter.Failures()) == 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	waitDone(t, done)

	f := reporter.Failures()[0]
	assert.Equal(t, StageDelete, f.Stage)
	assert.Equal(t, "m1", f.MessageID)
	assert.Equal(t, 1, f.DeliveryCount)
	assert.ErrorIs(t, f.Err, deleteErr)
}

func TestRun_HandlerPanicIsAFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msg := &servicebus.PeekedMessage{MessageID: "m1", LockToken: "l1", Content: []byte(`{}`)}
	reporter := &recordingReporter{}

	p, err := New(Config{
		Client: &mockClient{
			pullFunc: onePull(msg),
			deleteFunc: func(ctx context.Context, token, queue, messageID, lockToken string) error {
				t.Error("deleted a message whose handler panicked")
				return nil
			},
		},
		Queue:       testQueue,
		Credentials: credcache.Static("token"),
		Handler:     func(context.Context, *servicebus.PeekedMessage) error { panic("boom") },
		Reporter:    reporter,
	})
	require.NoError(t, err)

	done := runPump(t, ctx, p)

	require.Eventually(t, func() bool { return len(reporter.Failures()) == 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	waitDone(t, done)

	f := reporter.Failures()[0]
	assert.Equal(t, StageHandler, f.Stage)
	assert.ErrorContains(t, f.Err, "boom")
}

func TestRun_PullCompletingAfterCancellationIsDispatched(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inPull := make(chan struct{})
	respond := make(chan struct{})
	var pulls atomic.Int32

	var handled atomic.Bool
	p, err := New(Config{
		Client: &mockClient{
			pullFunc: func(_ context.Context, token, queue string, timeout time.Duration) (*servicebus.PeekedMessage, error) {
				if pulls.Add(1) > 1 {
					t.Error("pulled after cancellation")
					return nil, nil
				}
				close(inPull)
				<-respond
				return &servicebus.PeekedMessage{MessageID: "late", LockToken: "l"}, nil
			},
		},
		Queue:       testQueue,
		Credentials: credcache.Static("token"),
		Handler: func(context.Context, *servicebus.PeekedMessage) error {
			handled.Store(true)
			return nil
		},
	})
	require.NoError(t, err)

	done := runPump(t, ctx, p)

	<-inPull
	cancel()
	close(respond)
	waitDone(t, done)

	assert.True(t, handled.Load())
	assert.Equal(t, int32(1), pulls.Load())
}

func TestRun_AlreadyRunning(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	p, err := New(Config{
		Client: &mockClient{
			pullFunc: func(ctx context.Context, token, queue string, timeout time.Duration) (*servicebus.PeekedMessage, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		},
		Queue:       testQueue,
		Credentials: credcache.Static("token"),
		Handler:     func(context.Context, *servicebus.PeekedMessage) error { return nil },
	})
	require.NoError(t, err)

	done := runPump(t, ctx, p)
	require.Eventually(t, p.running.Load, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, p.Run(context.Background()), ErrAlreadyRunning)

	cancel()
	waitDone(t, done)
}

func TestJSON(t *testing.T) {
	ctx := context.Background()

	t.Run("decodes content", func(t *testing.T) {
		var got testMessage
		h := JSON(func(ctx context.Context, m testMessage) error {
			got = m
			return nil
		})

		require.NoError(t, h(ctx, &servicebus.PeekedMessage{MessageID: "m", Content: []byte(`{"id":7}`)}))
		assert.Equal(t, testMessage{ID: 7}, got)
	})

	t.Run("undecodable content fails", func(t *testing.T) {
		h := JSON(func(ctx context.Context, m testMessage) error {
			t.Error("handler called with undecodable content")
			return nil
		})

		err := h(ctx, &servicebus.PeekedMessage{MessageID: "m", Content: []byte(`not json`)})
		assert.ErrorContains(t, err, "decoding message m")
	})
}

func TestMultiReporter(t *testing.T) {
	a, b := &recordingReporter{}, &recordingReporter{}
	var called bool

	MultiReporter{a, b, ReporterFunc(func(context.Context, Failure) { called = true })}.
		Report(context.Background(), Failure{MessageID: "m1", Stage: StageHandler})

	assert.Len(t, a.Failures(), 1)
	assert.Len(t, b.Failures(), 1)
	assert.True(t, called)
}
