package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSupervisorStartThenCancelDoesNotHang(t *testing.T) {
	backend := openTestBackendForDaemon(t)
	cfg := Config{
		NodeID:               "node-a",
		ListenAddr:           "127.0.0.1:0",
		EnvName:              "env1",
		ProposersClusterName: "proposers",
		Proposers:            []string{"node-a"},
		Accepters:            []string{"node-a"},
		Learners:             []string{"node-a"},
		RequestTimeout:       50 * time.Millisecond,
		HeartbeatTimeout:     20 * time.Millisecond,
		StoredTimeout:        time.Second,
	}

	sup, err := NewSupervisor(cfg, backend)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	sup.Start(ctx)

	time.Sleep(50 * time.Millisecond)
	cancel()

	done := make(chan struct{})
	go func() {
		sup.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Supervisor to shut down every worker after cancellation")
	}

	require.Empty(t, sup.Errs())
}

func TestSupervisorStopCancelsAndWaits(t *testing.T) {
	backend := openTestBackendForDaemon(t)
	cfg := Config{
		NodeID:               "node-a",
		ListenAddr:           "127.0.0.1:0",
		EnvName:              "env1",
		ProposersClusterName: "proposers",
		Proposers:            []string{"node-a"},
		Accepters:            []string{"node-a"},
		Learners:             []string{"node-a"},
		RequestTimeout:       50 * time.Millisecond,
		HeartbeatTimeout:     20 * time.Millisecond,
		StoredTimeout:        time.Second,
	}

	sup, err := NewSupervisor(cfg, backend)
	require.NoError(t, err)

	sup.Start(context.Background())
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		sup.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Stop to return once every worker exits")
	}
}
