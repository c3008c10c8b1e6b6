package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/remote-mirror/pkg/bus"
	"github.com/remote-mirror/pkg/logging"
	"github.com/remote-mirror/pkg/types"
)

// NewServer creates the local host surface on top of a bus
func NewServer(b *bus.Bus) *Server {
	return &Server{
		bus:      b,
		registry: prometheus.NewRegistry(),
		states:   make(map[string]types.State),
		services: make(map[string]*serviceEntry),
	}
}

// Bus returns the local event bus
func (s *Server) Bus() *bus.Bus {
	return s.bus
}

// MustRegisterCollector adds a collector to the exported registry
func (s *Server) MustRegisterCollector(c prometheus.Collector) {
	s.registry.MustRegister(c)
}

// Handler returns the HTTP API and telemetry routes
func (s *Server) Handler(metricsPath string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(metricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /api/states", s.handleStates)
	mux.HandleFunc("GET /api/states/{entity_id}", s.handleState)
	mux.HandleFunc("GET /api/services", s.handleServices)
	mux.HandleFunc("GET /api/services/{domain}/{service}", s.handleDescribeService)
	mux.HandleFunc("POST /api/services/{domain}/{service}", s.handleCallService)
	mux.HandleFunc("GET /api/connection", s.handleConnection)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`<html>
<head><title>Remote Mirror</title></head>
<body>
<h1>Remote Mirror</h1>
<p><a href="` + metricsPath + `">Metrics</a></p>
<p><a href="/api/states">States</a></p>
<p><a href="/api/connection">Connection</a></p>
</body>
</html>`))
	})
	return mux
}

// StartMetricsServer serves the HTTP API until ctx is cancelled
func (s *Server) StartMetricsServer(ctx context.Context, metricsAddr, metricsPath string) error {
	srv := &http.Server{
		Addr:              metricsAddr,
		Handler:           s.Handler(metricsPath),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logging.Logf("[listen] metrics addr=%s path=%s health=/healthz api=/api", metricsAddr, metricsPath)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleStates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.States())
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	st, ok := s.GetState(r.PathValue("entity_id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Entity not found."})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Services())
}

func (s *Server) handleDescribeService(w http.ResponseWriter, r *http.Request) {
	domain, service := r.PathValue("domain"), r.PathValue("service")
	if !s.HasService(domain, service) {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Service not found."})
		return
	}
	desc := types.ServiceDescription{}
	if s.Describe != nil {
		if d, ok := s.Describe(domain, service); ok {
			desc = d
		}
	}
	writeJSON(w, http.StatusOK, desc)
}

// statusCoder is implemented by errors that map to an HTTP status
type statusCoder interface {
	HTTPStatus() int
}

func (s *Server) handleCallService(w http.ResponseWriter, r *http.Request) {
	data := map[string]interface{}{}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Data should be valid JSON."})
			return
		}
	}

	call := types.ServiceCall{
		Domain:  r.PathValue("domain"),
		Service: r.PathValue("service"),
		Data:    data,
	}
	if target, ok := data["target"].(map[string]interface{}); ok {
		call.Target = target
		delete(data, "target")
	}

	err := s.CallService(r.Context(), call)
	if err == nil {
		writeJSON(w, http.StatusOK, []interface{}{})
		return
	}

	status := http.StatusInternalServerError
	var sc statusCoder
	switch {
	case errors.As(err, &sc):
		status = sc.HTTPStatus()
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	logging.Warnf("[api] service call failed service=%s.%s status=%d err=%v", call.Domain, call.Service, status, err)
	writeJSON(w, status, map[string]string{"message": err.Error()})
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	if s.GetStatus == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"message": "No peer configured."})
		return
	}
	writeJSON(w, http.StatusOK, s.GetStatus())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debugf("[api] write response: %v", err)
	}
}
