package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openjdbcproxy/ojp-go/pkg/backend"
	"github.com/openjdbcproxy/ojp-go/pkg/server"
)

func TestServe_StopsOnCancel(t *testing.T) {
	cfg := server.Config{
		Address:            "127.0.0.1:0",
		SlowSlotPercentage: server.DefaultSlowSlotPercentage,
		Backend: backend.Options{
			DSN:          filepath.Join(t.TempDir(), "ojp.db"),
			MaxOpenConns: 5,
		},
		LogLevel: "debug",
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

func TestServe_InvalidConfig(t *testing.T) {
	err := serve(context.Background(), server.Config{SlowSlotPercentage: 150})
	require.Error(t, err)
}
