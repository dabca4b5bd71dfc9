// Package harvest drains retained nodes on a cron schedule, so logs the
// peripheral captured while nobody was listening reach the host without a
// caller asking for them.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/robfig/cron/v3"

	"github.com/xmidt-org/talaria/sensorlink"
	"github.com/xmidt-org/talaria/sensorlink/runtime"
)

// Sink receives the outcome of one identifier's drain.
type Sink func(identifier string, res runtime.DrainResult, err error)

// Harvester runs the configured drains on every schedule tick.
type Harvester struct {
	cfg     sensorlink.HarvestConfig
	current func() *runtime.Session
	sink    Sink
	timeout time.Duration
	c       *cron.Cron
}

// New validates the schedule. current returns the live session or nil.
func New(cfg sensorlink.HarvestConfig, current func() *runtime.Session, sink Sink) (*Harvester, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	if sink == nil {
		sink = func(string, runtime.DrainResult, error) {}
	}
	h := &Harvester{
		cfg:     cfg,
		current: current,
		sink:    sink,
		timeout: time.Minute,
		c:       cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger))),
	}
	if _, err := h.c.AddFunc(cfg.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()
		if err := h.RunOnce(ctx); err != nil {
			glog.Infof("[harvest]tick skipped: %v\n", err)
		}
	}); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Harvester) Start() {
	glog.V(2).Infof("[harvest]scheduled %q for %v\n", h.cfg.Schedule, h.cfg.Identifiers)
	h.c.Start()
}

// Stop stops the schedule and waits for a running harvest to finish.
func (h *Harvester) Stop() {
	<-h.c.Stop().Done()
}

// RunOnce recovers and drains every configured identifier on the current
// session. Each outcome goes to the sink; one failing identifier does not
// stop the others.
func (h *Harvester) RunOnce(ctx context.Context) error {
	s := h.current()
	if s == nil || s.Err() != nil {
		return sensorlink.ErrNotConnected
	}
	var errs []error
	for _, id := range h.cfg.Identifiers {
		res, err := Drain(ctx, s, id, h.cfg.StopAfter)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
		h.sink(id, res, err)
	}
	return errors.Join(errs...)
}

// Drain recovers identifier on s and drains its log.
func Drain(ctx context.Context, s *runtime.Session, identifier string, stopAfter bool) (runtime.DrainResult, error) {
	n, err := s.Recover(ctx, identifier)
	if err != nil {
		return runtime.DrainResult{}, err
	}
	res, err := s.Drain(ctx, n, runtime.DrainOptions{StopAfter: stopAfter})
	if err != nil {
		return runtime.DrainResult{}, err
	}
	glog.V(2).Infof("[harvest]%s: %d entries, %d decode errors\n", identifier, len(res.Entries), res.DecodeErrors)
	return res, nil
}
