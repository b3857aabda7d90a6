package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/audiens/internal/interfaces"
	"github.com/ternarybob/audiens/internal/models"
)

// DocumentStorage implements SQLite storage for uploaded documents
type DocumentStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
}

// NewDocumentStorage creates a new document storage instance
func NewDocumentStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.DocumentStorage {
	return &DocumentStorage{
		db:     db,
		logger: logger,
	}
}

const documentColumns = `id, space_code, filename, content_type, size, storage_uri, sha256,
	status, active_index_version, uploader_id, last_error, created_at, updated_at, deleted_at`

// CreateDocument inserts an UPLOADED document and returns its id.
func (s *DocumentStorage) CreateDocument(ctx context.Context, doc *models.Document) (int64, error) {
	now := time.Now().Unix()
	if doc.Status == 0 {
		doc.Status = models.DocumentStatusUploaded
	}

	query := `
		INSERT INTO documents (space_code, filename, content_type, size, storage_uri, sha256,
			status, active_index_version, uploader_id, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?)
	`
	result, err := s.db.db.ExecContext(ctx, query,
		doc.SpaceCode, doc.Filename, doc.ContentType, doc.Size, doc.StorageURI, doc.SHA256,
		int(doc.Status), doc.ActiveIndexVersion, doc.UploaderID, now, now)
	if err != nil {
		return 0, models.NewStorageError("create document", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, models.NewStorageError("create document", err)
	}

	doc.ID = id
	doc.CreatedAt = time.Unix(now, 0)
	doc.UpdatedAt = time.Unix(now, 0)
	return id, nil
}

// GetDocument returns the document including soft-deleted rows.
func (s *DocumentStorage) GetDocument(ctx context.Context, documentID int64) (*models.Document, error) {
	row := s.db.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = ?`, documentID)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, models.NewStorageError("get document", err)
	}
	return doc, nil
}

// ListDocuments returns non-deleted documents of a space, newest first.
func (s *DocumentStorage) ListDocuments(ctx context.Context, spaceCode string, limit, offset int) ([]*models.Document, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + documentColumns + `
		FROM documents
		WHERE space_code = ? AND deleted_at IS NULL
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`
	rows, err := s.db.db.QueryContext(ctx, query, spaceCode, limit, offset)
	if err != nil {
		return nil, models.NewStorageError("list documents", err)
	}
	defer rows.Close()

	var docs []*models.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, models.NewStorageError("list documents", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// MarkDocumentStatus moves the document lifecycle state. last_error is
// overwritten; pass "" to clear it. DELETED is terminal: a soft-deleted
// document is never moved again, the call returns ErrNotFound.
func (s *DocumentStorage) MarkDocumentStatus(ctx context.Context, documentID int64, status models.DocumentStatus, lastError string) error {
	result, err := s.db.db.ExecContext(ctx,
		`UPDATE documents SET status = ?, last_error = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		int(status), lastError, time.Now().Unix(), documentID)
	if err != nil {
		return models.NewStorageError("mark document status", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// SetActiveIndexVersion promotes a version. The guard in the WHERE clause
// keeps the stored value monotone even under concurrent promotions.
func (s *DocumentStorage) SetActiveIndexVersion(ctx context.Context, documentID int64, version int) error {
	_, err := s.db.db.ExecContext(ctx,
		`UPDATE documents SET active_index_version = ?, updated_at = ?
		 WHERE id = ? AND active_index_version < ?`,
		version, time.Now().Unix(), documentID, version)
	if err != nil {
		return models.NewStorageError("set active index version", err)
	}
	return nil
}

// SoftDeleteDocument marks the document DELETED and records deleted_at.
// Repeated deletion is a no-op.
func (s *DocumentStorage) SoftDeleteDocument(ctx context.Context, documentID int64) error {
	now := time.Now().Unix()
	result, err := s.db.db.ExecContext(ctx,
		`UPDATE documents SET status = ?, deleted_at = ?, updated_at = ?
		 WHERE id = ? AND deleted_at IS NULL`,
		int(models.DocumentStatusDeleted), now, now, documentID)
	if err != nil {
		return models.NewStorageError("soft delete document", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		// Either missing or already deleted; distinguish for the caller.
		var exists int
		if err := s.db.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM documents WHERE id = ?`, documentID).Scan(&exists); err == nil && exists == 0 {
			return models.ErrNotFound
		}
	}
	return nil
}

// SoftDeleteDocumentsBySpace deletes every live document of a space and
// returns the affected ids.
func (s *DocumentStorage) SoftDeleteDocumentsBySpace(ctx context.Context, spaceCode string) ([]int64, error) {
	now := time.Now().Unix()
	rows, err := s.db.db.QueryContext(ctx,
		`UPDATE documents SET status = ?, deleted_at = ?, updated_at = ?
		 WHERE space_code = ? AND deleted_at IS NULL
		 RETURNING id`,
		int(models.DocumentStatusDeleted), now, now, spaceCode)
	if err != nil {
		return nil, models.NewStorageError("soft delete documents by space", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, models.NewStorageError("soft delete documents by space", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanDocument(row rowScanner) (*models.Document, error) {
	var doc models.Document
	var uploaderID, lastError sql.NullString
	var status int
	var createdAt, updatedAt int64
	var deletedAt sql.NullInt64

	if err := row.Scan(&doc.ID, &doc.SpaceCode, &doc.Filename, &doc.ContentType, &doc.Size,
		&doc.StorageURI, &doc.SHA256, &status, &doc.ActiveIndexVersion,
		&uploaderID, &lastError, &createdAt, &updatedAt, &deletedAt); err != nil {
		return nil, err
	}

	doc.Status = models.DocumentStatus(status)
	doc.UploaderID = uploaderID.String
	doc.LastError = lastError.String
	doc.CreatedAt = time.Unix(createdAt, 0)
	doc.UpdatedAt = time.Unix(updatedAt, 0)
	if deletedAt.Valid {
		t := time.Unix(deletedAt.Int64, 0)
		doc.DeletedAt = &t
	}
	return &doc, nil
}
