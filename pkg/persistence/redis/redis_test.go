package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/dukex/formflow/pkg/log"
	"github.com/dukex/formflow/pkg/persistence"
	"github.com/dukex/formflow/pkg/persistence/persistencetest"
	formflowredis "github.com/dukex/formflow/pkg/persistence/redis"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRedis(t *testing.T) string {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping redis container test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, container.Terminate(context.Background()))
	})

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	return endpoint
}

func TestFlowStateRepository(t *testing.T) {
	addr := startRedis(t)

	persistencetest.FlowStateRepositoryTest(t, func(t *testing.T) persistence.FlowStateRepository {
		t.Helper()

		client := redis.NewClient(&redis.Options{Addr: addr})

		// a fresh prefix per test keeps the suite isolated on one server
		p, err := formflowredis.NewWithClient(context.Background(), log.Discard(), client, "test-"+uuid.NewString())
		require.NoError(t, err)

		t.Cleanup(func() {
			require.NoError(t, p.Close(context.Background()))
		})

		return p.FlowStateRepository()
	})
}
