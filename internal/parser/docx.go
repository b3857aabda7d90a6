package parser

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/audiens/internal/interfaces"
	"github.com/ternarybob/audiens/internal/models"
)

const docxContentType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

// DocxParser reads word/document.xml out of the OOXML zip container and
// walks its paragraph runs. Corrupt containers are permanent failures.
type DocxParser struct {
	files  interfaces.FileStorage
	logger arbor.ILogger
}

// NewDocxParser creates a DOCX parser.
func NewDocxParser(files interfaces.FileStorage, logger arbor.ILogger) *DocxParser {
	return &DocxParser{files: files, logger: logger}
}

func (p *DocxParser) Supports(contentType, filename string) bool {
	return strings.HasPrefix(contentType, docxContentType) || extOf(filename) == ".docx"
}

func (p *DocxParser) Parse(ctx context.Context, storageURI, contentType string) (*models.ParseResult, error) {
	data, err := p.files.Load(ctx, storageURI)
	if err != nil {
		return nil, err
	}

	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, models.NewConstraintError("parse docx", fmt.Errorf("not a valid docx container: %w", err))
	}

	var docXML []byte
	for _, f := range reader.File {
		if f.Name == "word/document.xml" {
			rc, err := f.Open()
			if err != nil {
				return nil, models.NewConstraintError("parse docx", err)
			}
			docXML, err = io.ReadAll(rc)
			rc.Close()
			if err != nil {
				return nil, models.NewConstraintError("parse docx", err)
			}
			break
		}
	}
	if docXML == nil {
		return nil, models.NewConstraintError("parse docx",
			fmt.Errorf("docx container has no word/document.xml"))
	}

	paragraphs, err := extractDocxParagraphs(docXML)
	if err != nil {
		return nil, models.NewConstraintError("parse docx", err)
	}

	return joinBlocks(paragraphs), nil
}

// extractDocxParagraphs streams the document XML collecting <w:t> text per
// <w:p> paragraph. Tabs and line breaks inside runs map to their text
// equivalents.
func extractDocxParagraphs(docXML []byte) ([]string, error) {
	decoder := xml.NewDecoder(bytes.NewReader(docXML))

	var paragraphs []string
	var current strings.Builder
	inParagraph := false

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("malformed document xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				inParagraph = true
				current.Reset()
			case "tab":
				if inParagraph {
					current.WriteByte('\t')
				}
			case "br", "cr":
				if inParagraph {
					current.WriteByte('\n')
				}
			case "t":
				if inParagraph {
					var text string
					if err := decoder.DecodeElement(&text, &t); err != nil {
						return nil, fmt.Errorf("malformed text run: %w", err)
					}
					current.WriteString(text)
				}
			}
		case xml.EndElement:
			if t.Name.Local == "p" && inParagraph {
				inParagraph = false
				if para := strings.TrimSpace(current.String()); para != "" {
					paragraphs = append(paragraphs, para)
				}
			}
		}
	}
	return paragraphs, nil
}
