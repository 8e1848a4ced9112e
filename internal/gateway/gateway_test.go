// ABOUTME: Tests for Gateway construction, lifecycle and the gRPC health service
// ABOUTME: Uses real listeners for Run and bufconn for gRPC health checks

package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/realtime"
	"github.com/2389/coven-relay/internal/store"
)

// freeAddr finds an available local TCP address.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestGatewayNew(t *testing.T) {
	cfg := testConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "relay.db")

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	assert.Same(t, cfg, gw.config)
	assert.NotNil(t, gw.store)
	assert.NotNil(t, gw.conversation)
	assert.NotNil(t, gw.fanout)
	assert.Nil(t, gw.redis, "local backend needs no redis client")
	assert.Nil(t, gw.uploader, "media is off without a bucket")
}

func TestGatewayNew_DBPathFromEnv(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "env.db")
	t.Setenv("COVEN_RELAY_DB_PATH", dbPath)

	cfg := testConfig()
	cfg.Database.Path = "/nonexistent/dir/ignored.db"

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	assert.FileExists(t, dbPath)
}

func TestGatewayNew_WeakSecret(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.JWTSecret = "short"

	_, err := New(cfg, testLogger())
	assert.Error(t, err)
}

func TestGatewayNew_RedisUnreachable(t *testing.T) {
	cfg := testConfig()
	cfg.Realtime.Backend = config.RealtimeRedis
	cfg.Realtime.Redis.Addr = freeAddr(t) // nothing listens here

	_, err := New(cfg, testLogger())
	assert.Error(t, err)
}

func TestGatewayNew_MediaEnabled(t *testing.T) {
	cfg := testConfig()
	cfg.Media = config.MediaConfig{
		Endpoint:        "http://127.0.0.1:9000",
		Region:          "us-east-1",
		Bucket:          "relay-media",
		AccessKeyID:     "minio",
		SecretAccessKey: "minio-secret",
		UsePathStyle:    true,
	}

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	require.NotNil(t, gw.uploader)
	assert.Equal(t, int64(config.DefaultMaxUploadBytes), gw.uploader.MaxBytes())
}

func TestGatewayRunAndShutdown(t *testing.T) {
	cfg := testConfig()
	cfg.Server.HTTPAddr = freeAddr(t)
	cfg.Server.GRPCAddr = freeAddr(t)
	cfg.Database.Path = filepath.Join(t.TempDir(), "relay.db")

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	conn, err := grpc.NewClient(cfg.Server.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)
	require.Eventually(t, func() bool {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
		return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestGatewayRun_ListenError(t *testing.T) {
	cfg := testConfig()
	cfg.Server.HTTPAddr = "256.0.0.1:0"
	cfg.Database.Path = filepath.Join(t.TempDir(), "relay.db")

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	assert.Error(t, gw.Run(context.Background()))
}

func TestGRPCHealth_FollowsStore(t *testing.T) {
	s := store.NewMockStore()
	gw, err := newGateway(testConfig(), components{
		store:     s,
		transport: realtime.NewLocalTransport(0, testLogger()),
	}, testLogger())
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	lis := bufconn.Listen(1 << 20)
	go func() { _ = gw.grpcServer.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)
	ctx := context.Background()

	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		return resp.GetStatus()
	}

	// Not serving until the first store check
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(""))

	gw.checkStoreHealth(ctx)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(RelayServiceName))

	s.SetErr(errors.New("disk gone"))
	gw.checkStoreHealth(ctx)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(RelayServiceName))
}

func TestResolveTailscaleAuthKey(t *testing.T) {
	key, err := resolveTailscaleAuthKey("tskey-config")
	require.NoError(t, err)
	assert.Equal(t, "tskey-config", key)

	t.Setenv("TS_AUTHKEY", "tskey-env")
	key, err = resolveTailscaleAuthKey("")
	require.NoError(t, err)
	assert.Equal(t, "tskey-env", key)

	t.Setenv("TS_AUTHKEY", "")
	_, err = resolveTailscaleAuthKey("")
	assert.Error(t, err)
}

func TestResolveTailscaleStateDir(t *testing.T) {
	assert.Equal(t, "/var/lib/relay", resolveTailscaleStateDir("/var/lib/relay"))

	t.Setenv("XDG_DATA_HOME", "/tmp/xdg")
	assert.Equal(t, filepath.Join("/tmp/xdg", "coven", "tailscale"), resolveTailscaleStateDir(""))
}
