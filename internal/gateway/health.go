// ABOUTME: Standard gRPC health service for the relay
// ABOUTME: Serving status follows whether the store answers a ping

package gateway

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// RelayServiceName is the health service name reported alongside the
// overall ("") status.
const RelayServiceName = "coven.relay"

func registerHealthService(server *grpc.Server, hs *health.Server) {
	healthpb.RegisterHealthServer(server, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(RelayServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
}

// checkStoreHealth pings the store once and publishes the result.
func (g *Gateway) checkStoreHealth(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if err := g.store.Ping(pingCtx); err != nil {
		g.logger.Warn("store health check failed", "error", err)
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(RelayServiceName, status)
}

// watchStoreHealth refreshes the health status every interval until ctx is done.
func (g *Gateway) watchStoreHealth(ctx context.Context, interval time.Duration) {
	g.checkStoreHealth(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.checkStoreHealth(ctx)
		}
	}
}
