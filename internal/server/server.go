package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	api "github.com/xmidt-org/talaria/sensorlink/internal/http"
)

// DiscoveryConfig configures the discovery (node listing) HTTP server.
type DiscoveryConfig struct {
	ListenAddr   string              // address to bind (e.g. :8091)
	Session      api.SessionFunc     // required
	Gatherer     prometheus.Gatherer // optional; enables /metrics
	ReadTimeout  time.Duration       // optional
	WriteTimeout time.Duration       // optional
	IdleTimeout  time.Duration       // optional
}

var ErrNilSession = errors.New("discovery server: session func is nil")

// NewMux routes the discovery API.
func NewMux(cfg DiscoveryConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/nodes", api.NodesHandler(cfg.Session))
	mux.HandleFunc("OPTIONS /api/nodes", api.NodesHandler(cfg.Session))
	mux.HandleFunc("POST /api/nodes/{identifier}/drain", api.DrainHandler(cfg.Session))
	if cfg.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// StartDiscoveryServer starts an HTTP server exposing /api/nodes for the
// current session.
// It returns the *http.Server, a channel that will receive a terminal error (if any), and an error for immediate startup issues.
// The server stops when the supplied context is canceled.
func StartDiscoveryServer(ctx context.Context, cfg DiscoveryConfig) (*http.Server, <-chan error, error) {
	if cfg.Session == nil {
		return nil, nil, ErrNilSession
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8091"
	}

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      NewMux(cfg),
		ReadTimeout:  durationOr(cfg.ReadTimeout, 10*time.Second),
		WriteTimeout: durationOr(cfg.WriteTimeout, time.Minute),
		IdleTimeout:  durationOr(cfg.IdleTimeout, 60*time.Second),
	}

	errCh := make(chan error, 1)

	go func() {
		glog.Infof("discovery API listening on %s (GET /api/nodes)\n", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Shutdown watcher
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	return srv, errCh, nil
}

func durationOr(v time.Duration, d time.Duration) time.Duration {
	if v <= 0 {
		return d
	}
	return v
}
