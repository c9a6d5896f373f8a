package server

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/storacha/queuepump/internal/build"
	"github.com/storacha/queuepump/internal/pump"
)

func (s *Server) getRootHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "📬 queuepump %s\n", build.Version)
		fmt.Fprint(w, "- https://github.com/storacha/queuepump\n")
		fmt.Fprintf(w, "- queue: %s\n", s.status.Queue())
	}
}

type statusResponse struct {
	Queue    string         `json:"queue"`
	InFlight []pump.Attempt `json:"inFlight"`
}

func (s *Server) getStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res := statusResponse{
			Queue:    s.status.Queue(),
			InFlight: s.status.InFlight(),
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(res); err != nil {
			log.Errorf("sending status: %s", err)
		}
	}
}

func (s *Server) getMetricsHandler() http.Handler {
	metricsHandler := promhttp.Handler()
	expected := []byte(s.cfg.metricsEndpointToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), expected) != 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		metricsHandler.ServeHTTP(w, r)
	})
}
