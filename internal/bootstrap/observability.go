package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ObservabilityHandler serves /metrics and a /health probe. ready may be nil; when it
// reports false the probe answers 503 so orchestrators stop routing to the process.
func ObservabilityHandler(component string, ready func() bool) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if ready != nil && !ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(component + " DEGRADED"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(component + " ALIVE"))
	})
	return mux
}

// ServeObservability blocks until ctx is done or the listener fails
func ServeObservability(ctx context.Context, port, component string, ready func() bool, logger *slog.Logger) {
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      ObservabilityHandler(component, ready),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("📊 Observability server online", "component", component, "url", "http://localhost:"+port+"/metrics")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Observability server failed", "error", err)
	}
}
