package sqlite

import (
	"context"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/audiens/internal/interfaces"
)

// Manager implements the StorageManager interface
type Manager struct {
	db         *SQLiteDB
	spaces     interfaces.SpaceStorage
	documents  interfaces.DocumentStorage
	chunks     interfaces.ChunkStorage
	ingestJobs interfaces.IngestJobStore
	vocJobs    interfaces.VocJobStore
	logger     arbor.ILogger
}

// NewManager creates a new SQLite storage manager
func NewManager(logger arbor.ILogger, dsn string) (interfaces.StorageManager, error) {
	db, err := NewSQLiteDB(logger, dsn)
	if err != nil {
		return nil, err
	}

	return &Manager{
		db:         db,
		spaces:     NewSpaceStorage(db, logger),
		documents:  NewDocumentStorage(db, logger),
		chunks:     NewChunkStorage(db, logger),
		ingestJobs: NewIngestJobStorage(db, logger),
		vocJobs:    NewVocStorage(db, logger),
		logger:     logger,
	}, nil
}

// SpaceStorage returns the space storage interface
func (m *Manager) SpaceStorage() interfaces.SpaceStorage {
	return m.spaces
}

// DocumentStorage returns the document storage interface
func (m *Manager) DocumentStorage() interfaces.DocumentStorage {
	return m.documents
}

// ChunkStorage returns the chunk storage interface
func (m *Manager) ChunkStorage() interfaces.ChunkStorage {
	return m.chunks
}

// IngestJobs returns the ingest job store
func (m *Manager) IngestJobs() interfaces.IngestJobStore {
	return m.ingestJobs
}

// VocJobs returns the VOC job store
func (m *Manager) VocJobs() interfaces.VocJobStore {
	return m.vocJobs
}

// DB returns the underlying database handle
func (m *Manager) DB() *SQLiteDB {
	return m.db
}

// Ping verifies the database connection
func (m *Manager) Ping(ctx context.Context) error {
	return m.db.Ping(ctx)
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
