package main

import (
	"context"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/xmidt-org/talaria/sensorlink/internal/harvest"
	"github.com/xmidt-org/talaria/sensorlink/internal/server"
	"github.com/xmidt-org/talaria/sensorlink/runtime"
)

var reconnectDelay time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the discovery API, metrics and scheduled log harvests",
	Long: `Connects to the peripheral and keeps a session open, reconnecting after
a transport failure. Retained nodes are recovered on demand by the harvest
schedule and the drain endpoint.

Endpoints:
  GET  /api/nodes                        nodes of the current session
  POST /api/nodes/{identifier}/drain     recover and drain a retained node
  GET  /metrics                          Prometheus metrics`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().DurationVar(&reconnectDelay, "reconnect-delay", 5*time.Second, "wait between connection attempts")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := runtime.NewMetrics(reg)
	if err != nil {
		return err
	}
	defs, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer defs.Close()

	var current atomic.Pointer[runtime.Session]
	session := func() *runtime.Session { return current.Load() }

	if opts.Harvest.Schedule != "" {
		h, err := harvest.New(opts.Harvest, session, func(id string, res runtime.DrainResult, err error) {
			if err != nil {
				glog.Infof("[harvest]%s: %v\n", id, err)
				return
			}
			glog.Infof("[harvest]%s: %d of %d entries decoded\n", id, len(res.Entries), res.Total)
		})
		if err != nil {
			return err
		}
		h.Start()
		defer h.Stop()
	}

	_, errCh, err := server.StartDiscoveryServer(ctx, server.DiscoveryConfig{
		ListenAddr: opts.Discovery.ListenAddr,
		Session:    session,
		Gatherer:   reg,
	})
	if err != nil {
		return err
	}

	l := newLink()
	for {
		s, err := l.connect(ctx, defs, metrics)
		if err != nil {
			glog.Infof("connect failed: %v\n", err)
		} else {
			current.Store(s)
			glog.Infof("session %s connected\n", s.ID())
			stopped, err := waitSession(ctx, s, errCh)
			current.Store(nil)
			if stopped {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		case <-time.After(reconnectDelay):
		}
	}
}

// waitSession blocks until s ends or serving stops. stopped reports the
// latter, with the discovery API's error if it failed.
func waitSession(ctx context.Context, s *runtime.Session, errCh <-chan error) (stopped bool, err error) {
	select {
	case <-ctx.Done():
		glog.Infof("shutdown signal received; stopping server\n")
		return true, s.Close()
	case err := <-errCh:
		_ = s.Close()
		return true, err
	case <-s.Done():
		glog.Infof("session %s ended: %v\n", s.ID(), s.Err())
		return false, nil
	}
}
