package index

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/audiens/internal/common"
	"github.com/ternarybob/audiens/internal/interfaces"
	"github.com/ternarybob/audiens/internal/storage/sqlite"
)

// Backends bundles the selected index adapters.
type Backends struct {
	Vector interfaces.VectorIndex
	Text   interfaces.TextIndex
}

// NewBackends selects the index backends from configuration. External
// backends win over the embedded ones when enabled; a disabled concern
// leaves its handle nil and retrieval degrades accordingly.
func NewBackends(cfg *common.IndexConfig, db *sqlite.SQLiteDB, logger arbor.ILogger) *Backends {
	b := &Backends{}

	switch {
	case cfg.MilvusEnabled && cfg.MilvusURL != "":
		logger.Info().Str("url", cfg.MilvusURL).Msg("Vector index: milvus")
		b.Vector = NewMilvusVectorIndex(cfg.MilvusURL, logger)
	case cfg.VectorEnabled:
		logger.Info().Msg("Vector index: embedded")
		b.Vector = NewLocalVectorIndex(db, logger)
	}

	switch {
	case cfg.ESEnabled && cfg.ESURL != "":
		logger.Info().Str("url", cfg.ESURL).Msg("Text index: elasticsearch")
		b.Text = NewElasticTextIndex(cfg.ESURL, logger)
	case cfg.TextEnabled:
		logger.Info().Msg("Text index: embedded fts5")
		b.Text = NewFTS5TextIndex(db, logger)
	}

	return b
}
