package cmd

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/CraigKelly/nutsample/sampler"
)

// monitor serves sampler metrics over HTTP while chains run
type monitor struct {
	reg     *prometheus.Registry
	stopped chan struct{}
	server  *http.Server
	addr    string
	log     *zap.Logger
}

func newMonitor(addr string, log *zap.Logger) *monitor {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	return &monitor{reg: reg, addr: addr, log: log}
}

// Start begins serving /metrics
func (m *monitor) Start() error {
	if m.server != nil {
		return errors.Errorf("BUG: You may only start the process monitor once")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}))
	// Help the user and redirect to the only thing currently available
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/metrics", http.StatusTemporaryRedirect)
	})

	ln, err := net.Listen("tcp", m.addr)
	if err != nil {
		return errors.Wrapf(err, "Could not listen on %s", m.addr)
	}
	m.addr = ln.Addr().String()
	m.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	m.stopped = make(chan struct{})

	go func() {
		defer close(m.stopped)
		m.log.Info("metrics available", zap.String("addr", m.addr), zap.String("path", "/metrics"))
		if err := m.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			m.log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Stop closes the server, waiting briefly for it to exit
func (m *monitor) Stop() {
	if m.server == nil {
		return
	}

	m.server.Close()

	select {
	case <-m.stopped:
		m.log.Debug("metrics server stopped")
	case <-time.After(2 * time.Second):
		m.log.Warn("metrics server would NOT stop: just continuing on")
	}
}

// watch logs every chain's progress until ctx is done
func watch(ctx context.Context, s *sampler.Sampler, every time.Duration, log *zap.Logger) {
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			for _, p := range s.Progress() {
				log.Info("progress",
					zap.Int("chain", p.Chain),
					zap.Int("iteration", p.Iteration),
					zap.Stringer("phase", p.Phase),
					zap.Float64("step_size", p.StepSize),
					zap.Int("divergences", p.Divergences),
				)
			}
		}
	}
}
