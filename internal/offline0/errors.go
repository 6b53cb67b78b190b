package offline0

import "errors"

var (
	ErrCacheMiss     = errors.New("offline0: not cached")
	ErrQuotaExceeded = errors.New("offline0: cache quota exceeded")
	ErrStorageClosed = errors.New("offline0: storage is closed")

	// ErrNotInstalled is returned by Activate when no install completed.
	ErrNotInstalled = errors.New("offline0: version not installed")

	ErrNoClients         = errors.New("offline0: no client to open a window")
	ErrQueueItemNotFound = errors.New("offline0: queue item not found")
)
