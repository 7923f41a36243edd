package app

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestLogger(t *testing.T) {
	t.Parallel()

	log := Logger("DEBUG")
	require.True(t, log.Core().Enabled(zapcore.DebugLevel))

	log = Logger("warn")
	require.False(t, log.Core().Enabled(zapcore.InfoLevel))

	require.Panics(t, func() { Logger("chatty") })
}

func TestServeStopsOnCancel(t *testing.T) {
	t.Parallel()

	srv := &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler()}
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, srv, zap.NewNop(), func() { close(stopped) })
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	<-stopped
}
