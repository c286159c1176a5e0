package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openjdbcproxy/ojp-go/pkg/slots"
)

func setup(t *testing.T) (*Server, *slots.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	m, err := slots.New(10, 20, 10*time.Second, logger)
	require.NoError(t, err)
	return New("127.0.0.1:0", m, logger), m
}

func TestHealthz(t *testing.T) {
	s, _ := setup(t)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestGetSlots(t *testing.T) {
	s, m := setup(t)
	g, err := m.AcquireSlow(context.Background(), 0)
	require.NoError(t, err)
	defer g.Release()

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/slots", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp SlotsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 10, resp.TotalSlots)
	assert.Equal(t, 2, resp.SlowSlots)
	assert.Equal(t, 8, resp.FastSlots)
	assert.Equal(t, 1, resp.ActiveSlow)
	assert.True(t, resp.Enabled)
	assert.Equal(t, m.Status(), resp.Status)
}

func TestPutEnabled(t *testing.T) {
	s, m := setup(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/slots/enabled", strings.NewReader(`{"enabled": false}`))
	req.Header.Set("Content-Type", "application/json")
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, m.IsEnabled())

	var resp SlotsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Enabled)
}

func TestPutEnabled_BadRequest(t *testing.T) {
	s, m := setup(t)

	for _, body := range []string{``, `{}`, `{"enabled": "maybe"}`, `not json`} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPut, "/slots/enabled", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		s.Handler().ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code, "body %q", body)
	}
	assert.True(t, m.IsEnabled())
}

func TestClient(t *testing.T) {
	s, m := setup(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	c := NewClient(ts.URL, nil)
	ctx := context.Background()

	resp, err := c.Slots(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, resp.TotalSlots)

	resp, err = c.SetEnabled(ctx, false)
	require.NoError(t, err)
	assert.False(t, resp.Enabled)
	assert.False(t, m.IsEnabled())

	resp, err = c.SetEnabled(ctx, true)
	require.NoError(t, err)
	assert.True(t, resp.Enabled)
	assert.True(t, m.IsEnabled())
}

func TestClient_ErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	_, err := NewClient(strings.TrimPrefix(ts.URL, "http://"), nil).Slots(context.Background())
	assert.ErrorContains(t, err, "404")
}

func TestRun_Shutdown(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m, err := slots.New(2, 50, time.Second, nil)
	require.NoError(t, err)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	s := New(addr, m, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	c := NewClient(addr, nil)
	require.Eventually(t, func() bool {
		_, err := c.Slots(context.Background())
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(shutdownTimeout + time.Second):
		t.Fatal("admin server did not shut down")
	}
}
