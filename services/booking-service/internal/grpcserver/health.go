package grpcserver

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/md-rashed-zaman/apptsched/libs/grpcx"
	"github.com/md-rashed-zaman/apptsched/libs/runtime"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name load balancers probe for the booking surface.
const ServiceName = "apptsched.booking.v1.Booking"

// Health mirrors the /readyz checks into grpc.health.v1 so probes over either transport agree.
type Health struct {
	srv    *health.Server
	checks []runtime.ReadyCheck
	logger *slog.Logger
	last   healthpb.HealthCheckResponse_ServingStatus
}

func NewHealth(logger *slog.Logger, checks ...runtime.ReadyCheck) *Health {
	return &Health{
		srv:    health.NewServer(),
		checks: checks,
		logger: logger,
		last:   healthpb.HealthCheckResponse_UNKNOWN,
	}
}

func (h *Health) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.srv)
}

// Refresh runs the checks once and publishes the result for both the overall ("") and booking
// service names.
func (h *Health) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	failures := runtime.RunChecks(ctx, h.checks)
	if len(failures) > 0 {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	if status != h.last {
		h.logger.Info("grpc health changed", "status", status.String(), "failures", strings.Join(failures, "; "))
		h.last = status
	}
	h.srv.SetServingStatus("", status)
	h.srv.SetServingStatus(ServiceName, status)
	return status
}

// Watch refreshes every interval until ctx ends, then marks everything NOT_SERVING so clients
// drain before the listener closes.
func (h *Health) Watch(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 5 * time.Second
	}
	h.Refresh(ctx)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.srv.Shutdown()
			return
		case <-ticker.C:
			h.Refresh(ctx)
		}
	}
}

// Start listens on addr and serves health until ctx ends.
func Start(ctx context.Context, logger *slog.Logger, addr string, h *Health, every time.Duration) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := grpcx.NewServer(logger)
	h.Register(srv)

	go h.Watch(ctx, every)
	go func() {
		logger.Info("grpc server starting", "addr", lis.Addr().String())
		if err := srv.Serve(lis); err != nil {
			logger.Error("grpc server error", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()
	return nil
}
