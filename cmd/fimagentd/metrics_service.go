package main

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/bcherng/fim-agent/internal/metrics"
	"github.com/bcherng/fim-agent/node"
)

// metricsService serves reg's /metrics endpoint, wrapped as a node.Service
// so it starts/stops under the same LifecycleManager as the daemon itself.
type metricsService struct {
	addr   string
	reg    *metrics.Registry
	server *http.Server
}

var _ node.Service = (*metricsService)(nil)

func newMetricsService(addr string, reg *metrics.Registry) *metricsService {
	return &metricsService{addr: addr, reg: reg}
}

func (s *metricsService) Name() string { return "metrics" }

func (s *metricsService) Start() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.reg.Handler())
	s.server = &http.Server{Addr: s.addr, Handler: mux}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			// Nothing else listens here; losing the metrics endpoint does not
			// affect the attestation pipeline's correctness.
			_ = err
		}
	}()
	return nil
}

func (s *metricsService) Stop() error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(context.Background())
}
