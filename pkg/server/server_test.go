package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/openjdbcproxy/ojp-go/pkg/classify"
	"github.com/openjdbcproxy/ojp-go/pkg/executor"
	"github.com/openjdbcproxy/ojp-go/pkg/slots"
)

const (
	TEST_TIMEOUT    = 50 * time.Millisecond
	UPDATE_METHOD   = "/ojp.StatementService/ExecuteUpdate"
	QUERY_METHOD    = "/ojp.StatementService/ExecuteQuery"
	BUFCONN_BUFSIZE = 1024 * 1024
)

func setup(t *testing.T, total, slowPercentage int) (*slots.Manager, *executor.Executor) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	m, err := slots.New(total, slowPercentage, time.Hour, logger)
	require.NoError(t, err)

	rules := classify.NewStatic(slots.Fast)
	rules.SetPrefix(UPDATE_METHOD, slots.Slow)

	return m, executor.New(m, rules, nil, executor.Options{AcquireTimeout: TEST_TIMEOUT}, logger)
}

func TestConfig_Validate(t *testing.T) {
	cfg := Config{}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":1059", cfg.Address)
	assert.Equal(t, time.Duration(0), cfg.IdleTimeout, "an explicit zero idle timeout is kept")
	assert.Equal(t, DefaultExemptMethods, cfg.ExemptMethods)
	assert.Equal(t, DefaultEtcdKey, cfg.EtcdKey)

	cfg = Config{IdleTimeout: 3 * time.Second}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3*time.Second, cfg.IdleTimeout)

	bad := []Config{
		{SlowSlotPercentage: -1},
		{SlowSlotPercentage: 101},
		{IdleTimeout: -time.Second},
		{Address: ":9000", AdminAddress: ":9000"},
		{LogFormat: "xml"},
	}
	for _, c := range bad {
		assert.Error(t, c.Validate(), "%+v", c)
	}
}

func TestUnaryAdmissionInterceptor_HoldsSlot(t *testing.T) {
	m, exec := setup(t, 4, 50)
	interceptor := UnaryAdmissionInterceptor(exec, nil)

	resp, err := interceptor(context.Background(), "req", &grpc.UnaryServerInfo{FullMethod: UPDATE_METHOD},
		func(ctx context.Context, req any) (any, error) {
			assert.Equal(t, 1, m.ActiveSlow())
			return "resp", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "resp", resp)
	assert.Equal(t, 0, m.ActiveSlow())
}

func TestUnaryAdmissionInterceptor_Exhausted(t *testing.T) {
	m, exec := setup(t, 4, 50)
	interceptor := UnaryAdmissionInterceptor(exec, nil)
	ctx := context.Background()

	var held []*slots.Grant
	for i := 0; i < m.SlowSlots(); i++ {
		g, err := m.AcquireSlow(ctx, 0)
		require.NoError(t, err)
		held = append(held, g)
	}

	called := false
	_, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: UPDATE_METHOD},
		func(ctx context.Context, req any) (any, error) {
			called = true
			return nil, nil
		})
	assert.False(t, called)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))

	// fast calls are unaffected
	_, err = interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: QUERY_METHOD},
		func(ctx context.Context, req any) (any, error) { return nil, nil })
	assert.NoError(t, err)

	for _, g := range held {
		require.NoError(t, g.Release())
	}
}

func TestUnaryAdmissionInterceptor_HandlerErrorPassesThrough(t *testing.T) {
	_, exec := setup(t, 4, 50)
	interceptor := UnaryAdmissionInterceptor(exec, nil)

	want := status.Error(codes.InvalidArgument, "bad statement")
	_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: QUERY_METHOD},
		func(ctx context.Context, req any) (any, error) { return nil, want })
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	// a context error returned by the handler itself is not an admission failure
	_, err = interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: QUERY_METHOD},
		func(ctx context.Context, req any) (any, error) { return nil, context.DeadlineExceeded })
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestUnaryAdmissionInterceptor_Canceled(t *testing.T) {
	_, exec := setup(t, 4, 50)
	interceptor := UnaryAdmissionInterceptor(exec, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: QUERY_METHOD},
		func(ctx context.Context, req any) (any, error) { return nil, nil })
	assert.Equal(t, codes.Canceled, status.Code(err))
}

func TestUnaryAdmissionInterceptor_Exempt(t *testing.T) {
	m, exec := setup(t, 1, 100)
	interceptor := UnaryAdmissionInterceptor(exec, []string{UPDATE_METHOD})

	g, err := m.AcquireSlow(context.Background(), 0)
	require.NoError(t, err)
	defer g.Release()

	_, err = interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: UPDATE_METHOD},
		func(ctx context.Context, req any) (any, error) { return nil, nil })
	assert.NoError(t, err)
}

type fakeStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (f *fakeStream) Context() context.Context { return f.ctx }

func TestStreamAdmissionInterceptor(t *testing.T) {
	m, exec := setup(t, 2, 50)
	interceptor := StreamAdmissionInterceptor(exec, nil)
	ss := &fakeStream{ctx: context.Background()}
	info := &grpc.StreamServerInfo{FullMethod: UPDATE_METHOD}

	err := interceptor(nil, ss, info, func(srv any, stream grpc.ServerStream) error {
		assert.Equal(t, 1, m.ActiveSlow())

		// the only slow slot is held by this stream
		err := interceptor(nil, ss, info, func(any, grpc.ServerStream) error { return nil })
		assert.Equal(t, codes.ResourceExhausted, status.Code(err))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, m.ActiveSlow())
}

func dial(t *testing.T, lis *bufconn.Listener) *grpc.ClientConn {
	t.Helper()
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func serve(t *testing.T, cfg Config, m *slots.Manager) *bufconn.Listener {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	s, err := New(cfg, m, classify.NewStatic(slots.Slow), logger)
	require.NoError(t, err)

	lis := bufconn.Listen(BUFCONN_BUFSIZE)
	ctx, cancel := context.WithCancel(context.Background())

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, s.Serve(ctx, lis))
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return lis
}

func TestServer_HealthIsExempt(t *testing.T) {
	m, err := slots.New(1, 100, time.Hour, nil)
	require.NoError(t, err)

	lis := serve(t, Config{AcquireTimeout: TEST_TIMEOUT}, m)
	client := healthpb.NewHealthClient(dial(t, lis))

	g, err := m.AcquireSlow(context.Background(), 0)
	require.NoError(t, err)
	defer g.Release()

	resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: HealthService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestServer_AdmissionOverTheWire(t *testing.T) {
	m, err := slots.New(1, 100, time.Hour, nil)
	require.NoError(t, err)

	lis := serve(t, Config{AcquireTimeout: TEST_TIMEOUT, ExemptMethods: []string{}}, m)
	client := healthpb.NewHealthClient(dial(t, lis))
	ctx := context.Background()

	g, err := m.AcquireSlow(ctx, 0)
	require.NoError(t, err)

	_, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))

	require.NoError(t, g.Release())

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
	assert.Equal(t, 0, m.ActiveSlow())
}

func TestServer_RegisterNilPanics(t *testing.T) {
	m, err := slots.New(1, 100, time.Hour, nil)
	require.NoError(t, err)
	s, err := New(Config{}, m, classify.NewStatic(slots.Fast), nil)
	require.NoError(t, err)

	assert.Panics(t, func() { s.Register(nil) })
	assert.NotPanics(t, func() { s.Register(func(grpc.ServiceRegistrar) {}) })
}

func TestServer_ExemptMethodUsesExecutor(t *testing.T) {
	m, exec := setup(t, 4, 50)
	s, err := NewWithExecutor(Config{ExemptMethods: []string{QUERY_METHOD}}, exec, nil)
	require.NoError(t, err)
	require.Same(t, exec, s.Executor())

	interceptor := UnaryAdmissionInterceptor(s.Executor(), []string{QUERY_METHOD})
	_, err = interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: QUERY_METHOD},
		func(ctx context.Context, req any) (any, error) {
			assert.Equal(t, 0, m.ActiveFast(), "exempt call holds no slot")
			return nil, s.Executor().DoClass(ctx, slots.Fast, "SELECT 1", func(context.Context) error {
				assert.Equal(t, 1, m.ActiveFast())
				return nil
			})
		})
	require.NoError(t, err)
	assert.Equal(t, 0, m.ActiveFast())
}
