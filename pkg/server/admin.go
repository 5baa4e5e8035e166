package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"shardex/pkg/metrics"
)

// newAdminServer builds the HTTP listener for metrics and operator
// endpoints.
func newAdminServer(addr string, s *Server, logger *zap.Logger) *http.Server {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Warn("metrics registration failed", zap.Error(err))
	}
	return &http.Server{
		Addr:              addr,
		Handler:           adminRouter(s, s.config.Metrics.Path),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func adminRouter(s *Server, metricsPath string) http.Handler {
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle(metricsPath, promhttp.Handler())

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		select {
		case <-s.ready:
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		default:
			http.Error(w, "starting", http.StatusServiceUnavailable)
		}
	})

	r.Get("/state", func(w http.ResponseWriter, req *http.Request) {
		if s.cores == nil {
			http.Error(w, "starting", http.StatusServiceUnavailable)
			return
		}
		if err := s.reader.Update(req.Context()); err != nil {
			s.logger.Debug("serving cached cluster state", zap.Error(err))
		}
		view, err := clusterView(s.coord, s.reader.ClusterState(), s.cores, s.OverseerStatus)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(view)
	})
	return r
}
