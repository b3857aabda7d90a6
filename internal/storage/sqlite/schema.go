package sqlite

const schemaSQL = `
-- Knowledge base spaces
CREATE TABLE IF NOT EXISTS kb_spaces (
	space_code TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	description TEXT,
	enabled INTEGER NOT NULL DEFAULT 1,
	status INTEGER NOT NULL DEFAULT 10,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

-- Uploaded documents with index promotion state
-- active_index_version only ever increases; 0 means never indexed
CREATE TABLE IF NOT EXISTS documents (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	space_code TEXT NOT NULL,
	filename TEXT NOT NULL,
	content_type TEXT NOT NULL,
	size INTEGER NOT NULL DEFAULT 0,
	storage_uri TEXT NOT NULL,
	sha256 TEXT NOT NULL,
	status INTEGER NOT NULL DEFAULT 10,
	active_index_version INTEGER NOT NULL DEFAULT 0,
	uploader_id TEXT,
	last_error TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	deleted_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_documents_space ON documents(space_code, status, created_at DESC);

-- Chunks for every (document, index_version), superseded versions included
-- until cleanup runs
CREATE TABLE IF NOT EXISTS chunks (
	chunk_id TEXT PRIMARY KEY,
	document_id INTEGER NOT NULL,
	space_code TEXT NOT NULL,
	index_version INTEGER NOT NULL,
	chunk_index INTEGER NOT NULL,
	modality TEXT NOT NULL DEFAULT 'text',
	locator TEXT,
	content TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	token_count INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	UNIQUE(document_id, index_version, chunk_index)
);

CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id, index_version, chunk_index);
CREATE INDEX IF NOT EXISTS idx_chunks_space ON chunks(space_code, index_version);

-- Searchable chunks: only chunks of INDEXED, non-deleted documents in live
-- spaces, at the document's promoted version
CREATE VIEW IF NOT EXISTS searchable_chunks AS
SELECT c.chunk_id, c.document_id, c.space_code, c.index_version, c.chunk_index,
	c.modality, c.locator, c.content, c.content_hash, c.token_count
FROM chunks c
JOIN documents d ON d.id = c.document_id
JOIN kb_spaces s ON s.space_code = c.space_code
WHERE d.status = 30
	AND d.deleted_at IS NULL
	AND c.index_version = d.active_index_version
	AND s.status = 10;

-- FTS5 index over chunk content
CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
	content,
	content=chunks,
	content_rowid=rowid
);

-- Triggers to keep FTS index in sync
CREATE TRIGGER IF NOT EXISTS chunks_fts_insert AFTER INSERT ON chunks BEGIN
	INSERT INTO chunks_fts(rowid, content) VALUES (new.rowid, new.content);
END;

CREATE TRIGGER IF NOT EXISTS chunks_fts_update AFTER UPDATE OF content ON chunks BEGIN
	UPDATE chunks_fts SET content = new.content WHERE rowid = new.rowid;
END;

CREATE TRIGGER IF NOT EXISTS chunks_fts_delete AFTER DELETE ON chunks BEGIN
	DELETE FROM chunks_fts WHERE rowid = old.rowid;
END;

-- Embedded vector index. One embedding per chunk, stored as little-endian
-- float32 bytes
CREATE TABLE IF NOT EXISTS chunk_vectors (
	chunk_id TEXT PRIMARY KEY,
	space_code TEXT NOT NULL,
	document_id INTEGER NOT NULL,
	index_version INTEGER NOT NULL,
	dim INTEGER NOT NULL,
	embedding BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chunk_vectors_space ON chunk_vectors(space_code);
CREATE INDEX IF NOT EXISTS idx_chunk_vectors_document ON chunk_vectors(document_id, index_version);

-- Ingest job queue. Claimed under a lease; idempotency_key makes repeated
-- creation return the existing row
CREATE TABLE IF NOT EXISTS ingest_jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	document_id INTEGER NOT NULL,
	space_code TEXT NOT NULL,
	pipeline_version TEXT NOT NULL,
	index_version INTEGER NOT NULL,
	idempotency_key TEXT NOT NULL UNIQUE,
	status INTEGER NOT NULL DEFAULT 10,
	try_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	locked_by TEXT,
	locked_until INTEGER,
	last_error TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ingest_jobs_claim ON ingest_jobs(status, created_at);
CREATE INDEX IF NOT EXISTS idx_ingest_jobs_document ON ingest_jobs(document_id, created_at DESC);

-- VOC analysis jobs. input_hash makes submission idempotent
CREATE TABLE IF NOT EXISTS voc_jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	input_hash TEXT NOT NULL UNIQUE,
	site_code TEXT NOT NULL,
	scope_type TEXT NOT NULL,
	scope_value TEXT NOT NULL,
	params TEXT NOT NULL,
	status INTEGER NOT NULL DEFAULT 10,
	stage TEXT,
	preferred_task_id TEXT,
	preferred_run_id INTEGER NOT NULL DEFAULT 0,
	error_code TEXT,
	error_message TEXT,
	failed_stage TEXT,
	try_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	locked_by TEXT,
	locked_until INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_voc_jobs_claim ON voc_jobs(status, created_at);

-- One row per crawl unit handed to the external spider. Only the SHA-256
-- hash of the callback token is stored
CREATE TABLE IF NOT EXISTS spider_tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id INTEGER NOT NULL,
	task_id TEXT NOT NULL UNIQUE,
	run_type TEXT NOT NULL,
	scope_type TEXT NOT NULL,
	scope_value TEXT NOT NULL,
	status INTEGER NOT NULL DEFAULT 10,
	run_id INTEGER NOT NULL DEFAULT 0,
	callback_token_hash TEXT NOT NULL,
	callback_token_created_at INTEGER NOT NULL,
	last_error TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_spider_tasks_job ON spider_tasks(job_id, created_at);

-- Analyzer outputs, one row per (job, module), overwritten on re-run
CREATE TABLE IF NOT EXISTS voc_outputs (
	job_id INTEGER NOT NULL,
	module_code TEXT NOT NULL,
	schema_version TEXT NOT NULL,
	payload TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (job_id, module_code)
);

-- Evidence snippets backing analyzer outputs, cleared per module before a
-- re-run
CREATE TABLE IF NOT EXISTS voc_evidence (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id INTEGER NOT NULL,
	module_code TEXT NOT NULL,
	source_type TEXT NOT NULL,
	source_id TEXT NOT NULL,
	kind TEXT,
	snippet TEXT NOT NULL,
	meta TEXT
);

CREATE INDEX IF NOT EXISTS idx_voc_evidence_job ON voc_evidence(job_id, module_code);

-- Assembled reports, one per job
CREATE TABLE IF NOT EXISTS voc_reports (
	job_id INTEGER PRIMARY KEY,
	report_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	meta TEXT,
	updated_at INTEGER NOT NULL
);
`

// InitSchema initializes the database schema.
func (s *SQLiteDB) InitSchema() error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return err
	}
	s.logger.Info().Msg("Database schema initialized")
	return nil
}
