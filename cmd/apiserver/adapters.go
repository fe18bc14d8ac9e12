package main

import (
	"context"
	"time"

	"github.com/molforge/molforge/internal/application/ingestion"
	"github.com/molforge/molforge/internal/infrastructure/database/postgres"
	"github.com/molforge/molforge/internal/infrastructure/database/redis"
)

// Health checkers for the readiness probe.

type postgresHealthAdapter struct {
	conn *postgres.Connection
}

func (a *postgresHealthAdapter) Name() string { return "postgres" }

func (a *postgresHealthAdapter) Check(ctx context.Context) error {
	return a.conn.HealthCheck(ctx)
}

type redisHealthAdapter struct {
	client *redis.Client
}

func (a *redisHealthAdapter) Name() string { return "redis" }

func (a *redisHealthAdapter) Check(ctx context.Context) error {
	return a.client.Ping(ctx)
}

// uploadLockTTL bounds how long a crashed run keeps its upload locked; the
// running worker extends the lock at every checkpoint.
const uploadLockTTL = 2 * time.Minute

// uploadLocks hands the ingestion service one distributed mutex per upload.
func uploadLocks(client *redis.Client) ingestion.LockProvider {
	return func(uploadID string) ingestion.UploadLock {
		return client.NewMutex("ingest:upload:"+uploadID, redis.WithTTL(uploadLockTTL))
	}
}
