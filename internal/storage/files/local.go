// Package files stores uploaded document bytes outside the database.
package files

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/audiens/internal/common"
	"github.com/ternarybob/audiens/internal/interfaces"
	"github.com/ternarybob/audiens/internal/models"
)

const localScheme = "local://"

// LocalStorage keeps uploaded files on the local filesystem under a
// per-space directory. URIs look like local://<space>/<uuid>_<filename>.
type LocalStorage struct {
	baseDir string
	logger  arbor.ILogger
}

// NewFileStorage builds the configured file storage backend.
func NewFileStorage(cfg *common.StorageConfig, logger arbor.ILogger) (interfaces.FileStorage, error) {
	switch cfg.Backend {
	case "local", "":
		return NewLocalStorage(cfg.Dir, logger)
	case "s3":
		// The storage URI scheme is designed for it, but no object store
		// client is wired yet.
		return nil, fmt.Errorf("storage backend s3 is not configured in this build")
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// NewLocalStorage creates a local file storage rooted at baseDir.
func NewLocalStorage(baseDir string, logger arbor.ILogger) (*LocalStorage, error) {
	if baseDir == "" {
		baseDir = "./data/uploads"
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return &LocalStorage{baseDir: baseDir, logger: logger}, nil
}

// Save stores content and returns its storage URI. The random prefix keeps
// repeated uploads of the same filename apart.
func (s *LocalStorage) Save(ctx context.Context, spaceCode, filename string, content []byte) (string, error) {
	safeName := sanitizeFilename(filename)
	key := fmt.Sprintf("%s/%s_%s", spaceCode, uuid.New().String()[:8], safeName)

	path := filepath.Join(s.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", models.NewStorageError("save file", err)
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		return "", models.NewStorageError("save file", err)
	}

	s.logger.Debug().Str("key", key).Int("size", len(content)).Msg("File stored")
	return localScheme + key, nil
}

// Load reads the bytes behind a storage URI.
func (s *LocalStorage) Load(ctx context.Context, storageURI string) ([]byte, error) {
	path, err := s.resolve(storageURI)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, models.ErrNotFound
		}
		return nil, models.NewStorageError("load file", err)
	}
	return data, nil
}

// Delete removes the stored file. A missing file is not an error.
func (s *LocalStorage) Delete(ctx context.Context, storageURI string) error {
	path, err := s.resolve(storageURI)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return models.NewStorageError("delete file", err)
	}
	return nil
}

func (s *LocalStorage) resolve(storageURI string) (string, error) {
	if !strings.HasPrefix(storageURI, localScheme) {
		return "", models.NewConstraintError("resolve uri",
			fmt.Errorf("unsupported storage uri: %s", storageURI))
	}
	key := strings.TrimPrefix(storageURI, localScheme)
	path := filepath.Join(s.baseDir, filepath.FromSlash(key))

	// Refuse anything that escapes the base directory.
	cleanBase, _ := filepath.Abs(s.baseDir)
	cleanPath, _ := filepath.Abs(path)
	if !strings.HasPrefix(cleanPath, cleanBase+string(filepath.Separator)) {
		return "", models.NewConstraintError("resolve uri",
			fmt.Errorf("storage uri escapes base directory: %s", storageURI))
	}
	return path, nil
}

func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	replacer := strings.NewReplacer(" ", "_", "\\", "_", ":", "_")
	name = replacer.Replace(name)
	if name == "" || name == "." {
		name = "upload"
	}
	return name
}
