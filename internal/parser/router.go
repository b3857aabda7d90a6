// Package parser turns stored document bytes into normalized text and
// structural elements for the chunker.
package parser

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/audiens/internal/common"
	"github.com/ternarybob/audiens/internal/interfaces"
	"github.com/ternarybob/audiens/internal/models"
)

// Router picks the parser for a document by content type, then filename
// extension, then a binary sniff. Modalities without an enabled backend
// (OCR for images, ASR for audio) are rejected permanently rather than
// retried forever.
type Router struct {
	files      interfaces.FileStorage
	parsers    []interfaces.Parser
	ocrEnabled bool
	asrEnabled bool
	logger     arbor.ILogger
}

// NewRouter builds the parser router with the standard parser set.
func NewRouter(files interfaces.FileStorage, cfg *common.IngestConfig, logger arbor.ILogger) *Router {
	return &Router{
		files: files,
		parsers: []interfaces.Parser{
			NewPDFParser(files, logger),
			NewDocxParser(files, logger),
			NewHTMLParser(files, logger),
			NewMarkdownParser(files, logger),
			NewTextParser(files, logger),
		},
		ocrEnabled: cfg.OCREnabled,
		asrEnabled: cfg.ASREnabled,
		logger:     logger,
	}
}

// Parse routes the document to a parser and validates the outcome. An
// empty parse is a permanent failure: retrying cannot add content.
func (r *Router) Parse(ctx context.Context, storageURI, contentType, filename string) (*models.ParseResult, error) {
	if err := r.checkModality(contentType, filename); err != nil {
		return nil, err
	}

	for _, p := range r.parsers {
		if !p.Supports(contentType, filename) {
			continue
		}
		result, err := p.Parse(ctx, storageURI, contentType)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(result.Text) == "" {
			return nil, models.NewConstraintError("parse",
				fmt.Errorf("document %q produced no text", filename))
		}
		return result, nil
	}

	// Nothing claimed the type; sniff before falling back to plain text so
	// binary blobs fail cleanly instead of producing garbage chunks.
	data, err := r.files.Load(ctx, storageURI)
	if err != nil {
		return nil, err
	}
	if isBinary(data) {
		return nil, models.NewConstraintError("parse",
			fmt.Errorf("unsupported binary content type %q for %q", contentType, filename))
	}

	r.logger.Debug().
		Str("content_type", contentType).
		Str("filename", filename).
		Msg("No dedicated parser, treating as plain text")
	return NewTextParser(r.files, r.logger).Parse(ctx, storageURI, contentType)
}

// checkModality rejects media that needs a disabled extraction backend.
func (r *Router) checkModality(contentType, filename string) error {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		if !r.ocrEnabled {
			return models.NewConstraintError("parse",
				fmt.Errorf("image document %q requires OCR, which is not enabled", filename))
		}
		return models.NewConstraintError("parse",
			fmt.Errorf("OCR backend is not configured in this build"))
	case strings.HasPrefix(contentType, "audio/"), strings.HasPrefix(contentType, "video/"):
		if !r.asrEnabled {
			return models.NewConstraintError("parse",
				fmt.Errorf("media document %q requires transcription, which is not enabled", filename))
		}
		return models.NewConstraintError("parse",
			fmt.Errorf("transcription backend is not configured in this build"))
	}
	return nil
}

// isBinary applies the classic sniff: NUL bytes or invalid UTF-8 in the
// first 8KB. The window is trimmed back to a rune boundary so a multibyte
// character cut at the edge does not misclassify valid text.
func isBinary(data []byte) bool {
	probe := data
	if len(probe) > 8192 {
		cut := 8192
		for cut > 0 && !utf8.RuneStart(probe[cut]) {
			cut--
		}
		probe = probe[:cut]
	}
	for _, b := range probe {
		if b == 0 {
			return true
		}
	}
	return !utf8.Valid(probe)
}

func extOf(filename string) string {
	return strings.ToLower(filepath.Ext(filename))
}
