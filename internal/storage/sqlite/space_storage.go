package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/audiens/internal/interfaces"
	"github.com/ternarybob/audiens/internal/models"
)

// SpaceStorage implements SQLite storage for knowledge base spaces
type SpaceStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
}

// NewSpaceStorage creates a new space storage instance
func NewSpaceStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.SpaceStorage {
	return &SpaceStorage{
		db:     db,
		logger: logger,
	}
}

// CreateSpace inserts a new space. A duplicate space_code is a
// ConstraintError.
func (s *SpaceStorage) CreateSpace(ctx context.Context, space *models.KbSpace) error {
	now := time.Now().Unix()
	if space.Status == 0 {
		space.Status = models.SpaceStatusActive
	}

	query := `
		INSERT INTO kb_spaces (space_code, display_name, description, enabled, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.db.ExecContext(ctx, query,
		space.SpaceCode, space.DisplayName, space.Description,
		boolToInt(space.Enabled), int(space.Status), now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return models.NewConstraintError("create space", err)
		}
		return models.NewStorageError("create space", err)
	}

	space.CreatedAt = time.Unix(now, 0)
	space.UpdatedAt = time.Unix(now, 0)
	return nil
}

// GetSpace returns the space or ErrNotFound.
func (s *SpaceStorage) GetSpace(ctx context.Context, spaceCode string) (*models.KbSpace, error) {
	query := `
		SELECT space_code, display_name, description, enabled, status, created_at, updated_at
		FROM kb_spaces WHERE space_code = ?
	`
	row := s.db.db.QueryRowContext(ctx, query, spaceCode)
	space, err := scanSpace(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, models.NewStorageError("get space", err)
	}
	return space, nil
}

// ListSpaces returns all non-deleted spaces ordered by space_code.
func (s *SpaceStorage) ListSpaces(ctx context.Context) ([]*models.KbSpace, error) {
	query := `
		SELECT space_code, display_name, description, enabled, status, created_at, updated_at
		FROM kb_spaces WHERE status != ? ORDER BY space_code
	`
	rows, err := s.db.db.QueryContext(ctx, query, int(models.SpaceStatusDeleted))
	if err != nil {
		return nil, models.NewStorageError("list spaces", err)
	}
	defer rows.Close()

	var spaces []*models.KbSpace
	for rows.Next() {
		space, err := scanSpace(rows)
		if err != nil {
			return nil, models.NewStorageError("list spaces", err)
		}
		spaces = append(spaces, space)
	}
	return spaces, rows.Err()
}

// UpdateSpace updates display fields and the enabled flag.
func (s *SpaceStorage) UpdateSpace(ctx context.Context, space *models.KbSpace) error {
	query := `
		UPDATE kb_spaces
		SET display_name = ?, description = ?, enabled = ?, updated_at = ?
		WHERE space_code = ? AND status != ?
	`
	result, err := s.db.db.ExecContext(ctx, query,
		space.DisplayName, space.Description, boolToInt(space.Enabled),
		time.Now().Unix(), space.SpaceCode, int(models.SpaceStatusDeleted))
	if err != nil {
		return models.NewStorageError("update space", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// DeleteSpace soft-deletes the space. Already-deleted spaces return
// ErrNotFound.
func (s *SpaceStorage) DeleteSpace(ctx context.Context, spaceCode string) error {
	query := `
		UPDATE kb_spaces SET status = ?, enabled = 0, updated_at = ?
		WHERE space_code = ? AND status != ?
	`
	result, err := s.db.db.ExecContext(ctx, query,
		int(models.SpaceStatusDeleted), time.Now().Unix(), spaceCode, int(models.SpaceStatusDeleted))
	if err != nil {
		return models.NewStorageError("delete space", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	s.logger.Info().Str("space", spaceCode).Msg("Space soft-deleted")
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSpace(row rowScanner) (*models.KbSpace, error) {
	var space models.KbSpace
	var description sql.NullString
	var enabled, status int
	var createdAt, updatedAt int64

	if err := row.Scan(&space.SpaceCode, &space.DisplayName, &description,
		&enabled, &status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	space.Description = description.String
	space.Enabled = enabled != 0
	space.Status = models.SpaceStatus(status)
	space.CreatedAt = time.Unix(createdAt, 0)
	space.UpdatedAt = time.Unix(updatedAt, 0)
	return &space, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation matches SQLite's unique constraint error text. The
// modernc driver does not expose typed error codes on the sql.DB surface.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
