package metrics

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"media-ingest/internal/logging"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReadyCheck reports whether a subsystem is ready to serve.
type ReadyCheck func() error

// OpsServer serves /metrics, /healthz and /readyz on a dedicated port,
// separate from any user-facing surface.
type OpsServer struct {
	srv    *http.Server
	checks map[string]ReadyCheck
	ready  atomic.Bool
}

// NewOpsServer creates the ops HTTP server. checks maps a subsystem name to
// its readiness probe; all must pass for /readyz to return 200.
func NewOpsServer(port string, checks map[string]ReadyCheck) *OpsServer {
	o := &OpsServer{checks: checks}

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", o.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", o.handleReadyz).Methods(http.MethodGet)

	o.srv = &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return o
}

// Start begins serving. It blocks until the server stops.
func (o *OpsServer) Start() error {
	logging.Info("Ops server listening on %s", o.srv.Addr)
	if err := o.srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (o *OpsServer) Shutdown(ctx context.Context) error {
	return o.srv.Shutdown(ctx)
}

func (o *OpsServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

func (o *OpsServer) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	for name, check := range o.checks {
		if err := check(); err != nil {
			logging.Debug("Readiness check %s failed: %v", name, err)
			http.Error(w, name+": "+err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready\n"))
}
