package main

import (
	"context"
	goflag "flag"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xmidt-org/talaria/sensorlink"
	"github.com/xmidt-org/talaria/sensorlink/internal/peersim"
	"github.com/xmidt-org/talaria/sensorlink/runtime"
	"github.com/xmidt-org/talaria/sensorlink/store"
)

var (
	configPath string
	simulate   bool
	opts       sensorlink.Options
)

var rootCmd = &cobra.Command{
	Use:   "sensorlink",
	Short: "Host engine for programmable sensor peripherals",
	Long: `sensorlink talks to one sensor peripheral through its gateway. It keeps
filters, loggers and trigger programs on the peripheral, recovers retained
nodes across reconnects and drains the logs the peripheral captured offline.

  - serve   Run the discovery API, metrics and scheduled log harvests
  - drain   Recover a retained node and print its log
  - reset   Clear every filter, trigger entry and logger on the peripheral`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// glog reads its flags from the go flag set.
		_ = goflag.CommandLine.Parse(nil)
		var err error
		if configPath == "" {
			opts = sensorlink.DefaultOptions()
			return opts.Validate()
		}
		opts, err = sensorlink.LoadOptions(configPath)
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML options file")
	rootCmd.PersistentFlags().BoolVar(&simulate, "simulate", false, "use an in-process simulated peripheral instead of the gateway")
	rootCmd.PersistentFlags().AddGoFlagSet(goflag.CommandLine)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(drainCmd)
	rootCmd.AddCommand(resetCmd)
}

// link opens transports to the configured peripheral. In simulate mode every
// call reaches the same simulated peer, so its state outlives sessions.
type link struct {
	auth sensorlink.AuthStrategy
	peer *peersim.Peer
}

func newLink() *link {
	l := &link{auth: sensorlink.StaticAuth{Value: opts.Gateway.Authorization}}
	if simulate {
		l.peer = peersim.New(peersim.DefaultConfig())
	}
	return l
}

func (l *link) dial(ctx context.Context) (sensorlink.Transport, error) {
	if l.peer != nil {
		return l.peer.Connect(), nil
	}
	if opts.Gateway.URL == "" {
		return nil, fmt.Errorf("%w: gateway.url is required without --simulate", sensorlink.ErrInvalidParameter)
	}
	return runtime.DialGateway(ctx, opts.Gateway, l.auth)
}

// connect dials and starts a session over defs.
func (l *link) connect(ctx context.Context, defs sensorlink.DefinitionStore, m *runtime.Metrics) (*runtime.Session, error) {
	tr, err := l.dial(ctx)
	if err != nil {
		return nil, err
	}
	return runtime.Connect(ctx, tr, runtime.Config{Engine: opts.Engine, Store: defs, Metrics: m})
}

func openStore(ctx context.Context) (store.Store, error) {
	return store.New(ctx, opts.Store, sensorlink.StaticAuth{Value: opts.Gateway.Authorization})
}
