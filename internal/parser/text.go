package parser

import (
	"context"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/audiens/internal/interfaces"
	"github.com/ternarybob/audiens/internal/models"
)

// TextParser handles plain text. Paragraphs separated by blank lines become
// elements with character offsets into the normalized text.
type TextParser struct {
	files  interfaces.FileStorage
	logger arbor.ILogger
}

// NewTextParser creates a plain text parser.
func NewTextParser(files interfaces.FileStorage, logger arbor.ILogger) *TextParser {
	return &TextParser{files: files, logger: logger}
}

func (p *TextParser) Supports(contentType, filename string) bool {
	if strings.HasPrefix(contentType, "text/plain") {
		return true
	}
	switch extOf(filename) {
	case ".txt", ".log", ".csv":
		return true
	}
	return false
}

func (p *TextParser) Parse(ctx context.Context, storageURI, contentType string) (*models.ParseResult, error) {
	data, err := p.files.Load(ctx, storageURI)
	if err != nil {
		return nil, err
	}
	return textToResult(normalizeNewlines(string(data))), nil
}

// textToResult splits normalized text into paragraph elements with char
// offsets into the full text.
func textToResult(text string) *models.ParseResult {
	result := &models.ParseResult{
		Text:           text,
		SourceModality: models.ModalityText,
	}

	offset := 0
	for _, para := range strings.Split(text, "\n\n") {
		trimmed := strings.TrimSpace(para)
		if trimmed != "" {
			start := offset + strings.Index(para, trimmed)
			result.Elements = append(result.Elements, models.Element{
				Text: trimmed,
				Locator: &models.Locator{
					CharStart: start,
					CharEnd:   start + len(trimmed),
				},
			})
		}
		offset += len(para) + 2
	}
	return result
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}
