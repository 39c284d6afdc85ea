package rpcserver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironfish/clusterd/internal/logging"
)

func TestServer_Serve_ReturnsOnContextCancel(t *testing.T) {
	s := New(logging.Nop())
	s.SetServing("clusterd", true)

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after context cancellation")
	}
}

func TestServer_Registrar_ReturnsUnderlyingGRPCServer(t *testing.T) {
	s := New(logging.Nop())
	assert.NotNil(t, s.Registrar())
}

func TestServer_SetServing_NeverPanics(t *testing.T) {
	s := New(logging.Nop())
	s.SetServing("clusterd", false)
	s.SetServing("clusterd", true)
}
