package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	logx "tickd/pkg/logx"
)

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// metricsServer serves /metrics for reg and, optionally, /debug/pprof/.
type metricsServer struct {
	srv *http.Server
	ln  net.Listener
	log logx.Logger
}

func listenMetrics(addr string, reg *prometheus.Registry, pprof bool, log logx.Logger) (*metricsServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if pprof {
		mux.HandleFunc("/debug/pprof/", hpprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)
		log.Info("pprof enabled", logx.String("path", "/debug/pprof/"))
	}
	return &metricsServer{
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ln:  ln,
		log: log,
	}, nil
}

func (m *metricsServer) Addr() string { return m.ln.Addr().String() }

func (m *metricsServer) serve(context.Context) error {
	m.log.Info("metrics listening", logx.String("addr", m.Addr()))
	if err := m.srv.Serve(m.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (m *metricsServer) shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
