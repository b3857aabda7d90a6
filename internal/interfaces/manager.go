package interfaces

import "context"

// StorageManager bundles the storage interfaces backed by one database.
type StorageManager interface {
	SpaceStorage() SpaceStorage
	DocumentStorage() DocumentStorage
	ChunkStorage() ChunkStorage
	IngestJobs() IngestJobStore
	VocJobs() VocJobStore
	Ping(ctx context.Context) error
	Close() error
}
