//go:build integration

package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startRedis brings up a disposable Redis container for the lifetime of a
// single test, mirroring the teacher's container-per-test integration style.
func startRedis(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)

	store := New(Config{Addr: host + ":" + port.Port(), TTL: 0})
	t.Cleanup(func() { _ = store.Close() })

	require.Eventually(t, func() bool {
		return store.Ping(ctx) == nil
	}, 10*time.Second, 200*time.Millisecond)

	return store
}

func TestCompareAndSwapFirstWriteRequiresAbsence(t *testing.T) {
	store := startRedis(t)
	ctx := context.Background()

	err := store.CompareAndSwap(ctx, "qid-1", "", "queued")
	require.NoError(t, err)

	val, err := store.Get(ctx, "qid-1")
	require.NoError(t, err)
	require.Equal(t, "queued", val)
}

func TestCompareAndSwapRejectsStaleExpectation(t *testing.T) {
	store := startRedis(t)
	ctx := context.Background()

	require.NoError(t, store.CompareAndSwap(ctx, "qid-2", "", "queued"))
	require.NoError(t, store.CompareAndSwap(ctx, "qid-2", "queued", "executing"))

	err := store.CompareAndSwap(ctx, "qid-2", "queued", "executing")
	require.ErrorIs(t, err, ErrConflict)
}

func TestCompareAndSwapEnforcesSingleWinnerUnderRace(t *testing.T) {
	store := startRedis(t)
	ctx := context.Background()
	require.NoError(t, store.CompareAndSwap(ctx, "qid-3", "", "queued"))

	const attempts = 20
	wins := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			wins <- store.CompareAndSwap(ctx, "qid-3", "queued", "executing")
		}()
	}

	successes := 0
	for i := 0; i < attempts; i++ {
		if err := <-wins; err == nil {
			successes++
		}
	}
	require.Equal(t, 1, successes, "exactly one caller should win the race into executing")
}
