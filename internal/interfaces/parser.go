package interfaces

import (
	"context"

	"github.com/ternarybob/audiens/internal/models"
)

// Parser turns stored document bytes into normalized text and elements.
// Implementations classify failures as retryable or permanent via
// models.UpstreamError.
type Parser interface {
	// Parse reads the document at storageURI and extracts its content.
	Parse(ctx context.Context, storageURI, contentType string) (*models.ParseResult, error)
	// Supports reports whether this parser handles the content type or
	// filename extension.
	Supports(contentType, filename string) bool
}
