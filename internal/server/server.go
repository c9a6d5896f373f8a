package server

import (
	"net/http"

	logging "github.com/ipfs/go-log/v2"

	"github.com/storacha/queuepump/internal/pump"
)

var log = logging.Logger("server")

type config struct {
	metricsEndpointToken string
}

type Option func(*config)

// WithMetricsEndpoint serves /metrics to requests bearing authToken. The
// endpoint is disabled without it.
func WithMetricsEndpoint(authToken string) Option {
	return func(c *config) {
		c.metricsEndpointToken = authToken
	}
}

// Status is what the server reports about a running pump.
type Status interface {
	Queue() string
	InFlight() []pump.Attempt
}

var _ Status = (*pump.Pump)(nil)

type Server struct {
	cfg    *config
	status Status
}

func New(status Status, opts ...Option) *Server {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}
	return &Server{cfg: cfg, status: status}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.getRootHandler())
	mux.HandleFunc("GET /status", s.getStatusHandler())

	if s.cfg.metricsEndpointToken != "" {
		mux.Handle("GET /metrics", s.getMetricsHandler())
	} else {
		log.Warnf("Metrics endpoint is disabled")
	}

	return mux
}

func (s *Server) ListenAndServe(addr string) error {
	log.Infof("Listening on %s", addr)
	return http.ListenAndServe(addr, s.Handler())
}
