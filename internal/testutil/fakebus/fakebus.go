// Package fakebus is an in-process peek-lock queue server speaking the same
// HTTP dialect as the servicebus client. Pulled messages are locked for the
// lock duration and become visible again, with an incremented delivery
// count, unless deleted with their lock token before it expires.
package fakebus

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	DefaultLockDuration = 30 * time.Second

	pollInterval = 5 * time.Millisecond
)

// Message is a message held by the server.
type Message struct {
	ID               string
	Body             string
	BrokerProperties map[string]any
	UserProperties   map[string]string
	DeliveryCount    int
	LockToken        string
	LockedUntil      time.Time
}

type injectedFailure struct {
	remaining int
	status    int
}

type Server struct {
	mu           sync.Mutex
	queues       map[string][]*Message
	authorize    func(string) bool
	lockDuration time.Duration
	failure      injectedFailure
	requests     map[string]int

	srv *httptest.Server
}

type Option func(*Server)

// WithToken only accepts requests whose Authorization header equals token.
func WithToken(token string) Option {
	return func(s *Server) {
		s.authorize = func(h string) bool { return h == token }
	}
}

// WithAuthorizer decides which Authorization headers are accepted.
func WithAuthorizer(fn func(string) bool) Option {
	return func(s *Server) {
		s.authorize = fn
	}
}

func WithLockDuration(d time.Duration) Option {
	return func(s *Server) {
		s.lockDuration = d
	}
}

// New starts a server. Any non-empty Authorization header is accepted unless
// WithToken or WithAuthorizer is given.
func New(opts ...Option) *Server {
	s := &Server{
		queues:       map[string][]*Message{},
		authorize:    func(h string) bool { return h != "" },
		lockDuration: DefaultLockDuration,
		requests:     map[string]int{},
	}
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.countRequests, s.injectFailures, s.checkAuthorization)

	router.POST("/:queue/messages", s.handlePost)
	router.POST("/:queue/messages/head", s.handlePull)
	router.DELETE("/:queue/messages/:id/:lock", s.handleDelete)

	s.srv = httptest.NewServer(router)
	return s
}

func (s *Server) URL() string {
	return s.srv.URL
}

func (s *Server) Close() {
	s.srv.Close()
}

// FailNext answers the next n requests with status, before authorization.
func (s *Server) FailNext(n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = injectedFailure{remaining: n, status: status}
}

// Enqueue adds a JSON-encoded message and returns its id.
func (s *Server) Enqueue(queue string, content any) string {
	b, err := json.Marshal(content)
	if err != nil {
		panic(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueue(queue, &Message{
		Body:             string(b),
		BrokerProperties: map[string]any{"ContentType": "application/json"},
	})
}

func (s *Server) enqueue(queue string, m *Message) string {
	m.ID = uuid.NewString()
	s.queues[queue] = append(s.queues[queue], m)
	return m.ID
}

// Messages returns a snapshot of every message in queue, locked or not.
func (s *Server) Messages(queue string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Message, 0, len(s.queues[queue]))
	for _, m := range s.queues[queue] {
		out = append(out, *m)
	}
	return out
}

// Len is the number of messages in queue, locked or not.
func (s *Server) Len(queue string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[queue])
}

// Requests counts received requests by kind: "pull", "post" or "delete".
func (s *Server) Requests(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[kind]
}

func requestKind(c *gin.Context) string {
	switch {
	case c.Request.Method == http.MethodDelete:
		return "delete"
	case c.FullPath() == "/:queue/messages/head":
		return "pull"
	default:
		return "post"
	}
}

func (s *Server) countRequests(c *gin.Context) {
	s.mu.Lock()
	s.requests[requestKind(c)]++
	s.mu.Unlock()
	c.Next()
}

func (s *Server) injectFailures(c *gin.Context) {
	s.mu.Lock()
	status := 0
	if s.failure.remaining > 0 {
		s.failure.remaining--
		status = s.failure.status
	}
	s.mu.Unlock()

	if status != 0 {
		c.String(status, "injected failure")
		c.Abort()
		return
	}
	c.Next()
}

func (s *Server) checkAuthorization(c *gin.Context) {
	if !s.authorize(c.GetHeader("Authorization")) {
		c.String(http.StatusUnauthorized, "invalid authorization token")
		c.Abort()
		return
	}
	c.Next()
}

type envelope struct {
	Body             string            `json:"Body"`
	BrokerProperties map[string]any    `json:"BrokerProperties"`
	UserProperties   map[string]string `json:"UserProperties"`
}

func (s *Server) handlePost(c *gin.Context) {
	var envs []envelope
	if err := c.ShouldBindJSON(&envs); err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}

	queue := c.Param("queue")

	s.mu.Lock()
	for _, env := range envs {
		s.enqueue(queue, &Message{
			Body:             env.Body,
			BrokerProperties: env.BrokerProperties,
			UserProperties:   env.UserProperties,
		})
	}
	s.mu.Unlock()

	c.Status(http.StatusCreated)
}

func (s *Server) handlePull(c *gin.Context) {
	queue := c.Param("queue")

	timeout := 60
	if v := c.Query("timeout"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.String(http.StatusBadRequest, "invalid timeout")
			return
		}
		timeout = n
	}

	deadline := time.Now().Add(time.Duration(timeout) * time.Second)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if m, ok := s.lockNext(queue); ok {
			props, _ := json.Marshal(map[string]any{
				"MessageId":     m.ID,
				"LockToken":     m.LockToken,
				"DeliveryCount": m.DeliveryCount,
			})
			contentType, _ := m.BrokerProperties["ContentType"].(string)
			if contentType == "" {
				contentType = "application/json"
			}
			c.Header("BrokerProperties", string(props))
			c.Data(http.StatusCreated, contentType, []byte(m.Body))
			return
		}

		if !time.Now().Before(deadline) {
			c.Status(http.StatusNoContent)
			return
		}

		select {
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// lockNext locks the first visible message and returns a copy.
func (s *Server) lockNext(queue string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, m := range s.queues[queue] {
		if m.LockedUntil.After(now) {
			continue
		}
		m.DeliveryCount++
		m.LockToken = uuid.NewString()
		m.LockedUntil = now.Add(s.lockDuration)
		return *m, true
	}
	return Message{}, false
}

func (s *Server) handleDelete(c *gin.Context) {
	queue, id, lock := c.Param("queue"), c.Param("id"), c.Param("lock")

	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.queues[queue]
	for i, m := range msgs {
		if m.ID != id {
			continue
		}
		if m.LockToken != lock || !m.LockedUntil.After(time.Now()) {
			c.String(http.StatusGone, "lock lost")
			return
		}
		s.queues[queue] = append(msgs[:i], msgs[i+1:]...)
		c.Status(http.StatusOK)
		return
	}

	c.String(http.StatusNotFound, "message not found")
}
