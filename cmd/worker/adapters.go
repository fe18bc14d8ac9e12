package main

import (
	"time"

	"github.com/molforge/molforge/internal/application/ingestion"
	"github.com/molforge/molforge/internal/infrastructure/database/redis"
)

// uploadLockTTL bounds how long a crashed run keeps its upload locked; the
// running worker extends the lock at every checkpoint.
const uploadLockTTL = 2 * time.Minute

// uploadLocks hands the ingestion service one distributed mutex per upload.
func uploadLocks(client *redis.Client) ingestion.LockProvider {
	return func(uploadID string) ingestion.UploadLock {
		return client.NewMutex("ingest:upload:"+uploadID, redis.WithTTL(uploadLockTTL))
	}
}
