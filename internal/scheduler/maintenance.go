package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/audiens/internal/common"
	"github.com/ternarybob/audiens/internal/interfaces"
	"github.com/ternarybob/audiens/internal/models"
)

// staleLeaseGrace is how long past its lease a RUNNING job sits before the
// sweep requeues it. Claim already reclaims freshly expired leases; the
// sweep only mops up after crashed workers.
const staleLeaseGrace = 5 * time.Minute

// Maintenance runs the periodic background jobs: requeueing stale leases
// and dropping superseded chunk versions.
type Maintenance struct {
	cron      *cron.Cron
	storage   interfaces.StorageManager
	vectors   interfaces.VectorIndex
	texts     interfaces.TextIndex
	schedules common.MaintenanceCfg
	logger    arbor.ILogger
}

// NewMaintenance wires the cron scheduler. Index handles may be nil when a
// backend is disabled; cleanup then only touches the chunk table.
func NewMaintenance(storage interfaces.StorageManager, vectors interfaces.VectorIndex, texts interfaces.TextIndex, cfg common.MaintenanceCfg, logger arbor.ILogger) *Maintenance {
	return &Maintenance{
		cron:      cron.New(cron.WithSeconds()),
		storage:   storage,
		vectors:   vectors,
		texts:     texts,
		schedules: cfg,
		logger:    logger,
	}
}

// Start registers and starts the cron entries.
func (m *Maintenance) Start() error {
	if !m.schedules.Enabled {
		m.logger.Info().Msg("Maintenance jobs disabled")
		return nil
	}

	if _, err := m.cron.AddFunc(m.schedules.StaleSweepSchedule, m.sweepStaleLeases); err != nil {
		return err
	}
	if _, err := m.cron.AddFunc(m.schedules.CleanupSchedule, m.cleanupSupersededVersions); err != nil {
		return err
	}

	m.cron.Start()
	m.logger.Info().
		Str("stale_sweep", m.schedules.StaleSweepSchedule).
		Str("cleanup", m.schedules.CleanupSchedule).
		Msg("Maintenance jobs scheduled")
	return nil
}

// Stop stops the cron scheduler and waits for running entries.
func (m *Maintenance) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
}

func (m *Maintenance) sweepStaleLeases() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := m.storage.IngestJobs().RequeueExpiredIngestLeases(ctx, staleLeaseGrace)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Stale lease sweep failed")
		return
	}
	if n > 0 {
		m.logger.Info().Int64("requeued", n).Msg("Stale ingest leases requeued")
	}
}

// cleanupSupersededVersions removes chunk and index entries that lost their
// promotion race: everything except each INDEXED document's active version.
func (m *Maintenance) cleanupSupersededVersions() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	spaces, err := m.storage.SpaceStorage().ListSpaces(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Version cleanup failed listing spaces")
		return
	}

	cleaned := 0
	for _, space := range spaces {
		offset := 0
		for {
			docs, err := m.storage.DocumentStorage().ListDocuments(ctx, space.SpaceCode, 200, offset)
			if err != nil {
				m.logger.Warn().Err(err).Str("space", space.SpaceCode).Msg("Version cleanup failed listing documents")
				break
			}
			if len(docs) == 0 {
				break
			}
			for _, doc := range docs {
				if doc.Status != models.DocumentStatusIndexed || doc.ActiveIndexVersion == 0 {
					continue
				}
				keep := doc.ActiveIndexVersion
				if err := m.storage.ChunkStorage().DeleteChunksByDocument(ctx, doc.ID, keep); err != nil {
					m.logger.Warn().Err(err).Int64("document_id", doc.ID).Msg("Chunk cleanup failed")
					continue
				}
				if m.vectors != nil {
					if err := m.vectors.DeleteByDocument(ctx, doc.SpaceCode, doc.ID, keep); err != nil {
						m.logger.Warn().Err(err).Int64("document_id", doc.ID).Msg("Vector cleanup failed")
					}
				}
				if m.texts != nil {
					if err := m.texts.DeleteByDocument(ctx, doc.SpaceCode, doc.ID, keep); err != nil {
						m.logger.Warn().Err(err).Int64("document_id", doc.ID).Msg("Text index cleanup failed")
					}
				}
				cleaned++
			}
			offset += len(docs)
		}
	}

	if cleaned > 0 {
		m.logger.Info().Int("documents", cleaned).Msg("Superseded index versions cleaned")
	}
}
