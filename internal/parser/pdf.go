package parser

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/audiens/internal/interfaces"
	"github.com/ternarybob/audiens/internal/models"
)

// PDFParser extracts text per page from the PDF content streams. Each page
// becomes one element carrying its page number, so chunk locators can point
// back into the document. Encrypted or corrupt files fail permanently.
type PDFParser struct {
	files  interfaces.FileStorage
	logger arbor.ILogger
}

// NewPDFParser creates a PDF parser.
func NewPDFParser(files interfaces.FileStorage, logger arbor.ILogger) *PDFParser {
	return &PDFParser{files: files, logger: logger}
}

func (p *PDFParser) Supports(contentType, filename string) bool {
	return strings.HasPrefix(contentType, "application/pdf") || extOf(filename) == ".pdf"
}

func (p *PDFParser) Parse(ctx context.Context, storageURI, contentType string) (*models.ParseResult, error) {
	data, err := p.files.Load(ctx, storageURI)
	if err != nil {
		return nil, err
	}

	conf := model.NewDefaultConfiguration()
	pdfCtx, err := api.ReadContext(bytes.NewReader(data), conf)
	if err != nil {
		return nil, models.NewConstraintError("parse pdf", fmt.Errorf("unreadable pdf: %w", err))
	}
	if err := api.ValidateContext(pdfCtx); err != nil {
		return nil, models.NewConstraintError("parse pdf", fmt.Errorf("invalid pdf: %w", err))
	}

	result := &models.ParseResult{SourceModality: models.ModalityText}
	var buf strings.Builder

	for page := 1; page <= pdfCtx.PageCount; page++ {
		reader, err := pdfcpu.ExtractPageContent(pdfCtx, page)
		if err != nil {
			p.logger.Warn().Err(err).Int("page", page).Msg("Page content extraction failed")
			continue
		}
		if reader == nil {
			continue
		}
		raw, err := io.ReadAll(reader)
		if err != nil {
			p.logger.Warn().Err(err).Int("page", page).Msg("Page content read failed")
			continue
		}

		pageText := strings.TrimSpace(decodeContentText(raw))
		if pageText == "" {
			continue
		}

		if buf.Len() > 0 {
			buf.WriteString("\n\n")
		}
		start := buf.Len()
		buf.WriteString(pageText)
		result.Elements = append(result.Elements, models.Element{
			Text: pageText,
			Locator: &models.Locator{
				Pages:     []int{page},
				CharStart: start,
				CharEnd:   buf.Len(),
			},
		})
	}

	result.Text = buf.String()
	return result, nil
}

// decodeContentText pulls the text-showing operators (Tj, TJ, ', ") out of
// a decoded content stream. Text in embedded-font encodings that is not
// byte-compatible with ASCII comes out garbled; that limitation is accepted
// for v1.
func decodeContentText(content []byte) string {
	var sb strings.Builder
	s := string(content)

	i := 0
	lineHasText := false
	for i < len(s) {
		switch s[i] {
		case '(':
			str, next := readLiteralString(s, i)
			sb.WriteString(str)
			lineHasText = true
			i = next
		case '<':
			// Hex strings carry font-encoded glyph ids; skip them.
			end := strings.IndexByte(s[i:], '>')
			if end < 0 {
				i = len(s)
				break
			}
			i += end + 1
		case 'T':
			// TD/Td/T* move the text cursor to a new line
			if i+1 < len(s) && (s[i+1] == 'd' || s[i+1] == 'D' || s[i+1] == '*') {
				if lineHasText {
					sb.WriteByte('\n')
					lineHasText = false
				}
				i += 2
				continue
			}
			i++
		default:
			i++
		}
	}
	return collapseBlankLines(sb.String())
}

// readLiteralString consumes a PDF literal string starting at the opening
// parenthesis and returns the unescaped text plus the index after the
// closing parenthesis.
func readLiteralString(s string, start int) (string, int) {
	var sb strings.Builder
	depth := 0
	i := start
	for i < len(s) {
		c := s[i]
		switch c {
		case '\\':
			if i+1 >= len(s) {
				return sb.String(), len(s)
			}
			next := s[i+1]
			switch next {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r', 'f', 'b':
				// ignore
			case '(', ')', '\\':
				sb.WriteByte(next)
			default:
				if next >= '0' && next <= '7' {
					// up to three octal digits
					j := i + 1
					for j < len(s) && j < i+4 && s[j] >= '0' && s[j] <= '7' {
						j++
					}
					if code, err := strconv.ParseInt(s[i+1:j], 8, 32); err == nil && code >= 32 && code < 127 {
						sb.WriteByte(byte(code))
					}
					i = j
					continue
				}
				sb.WriteByte(next)
			}
			i += 2
		case '(':
			if depth > 0 {
				sb.WriteByte(c)
			}
			depth++
			i++
		case ')':
			depth--
			if depth == 0 {
				return sb.String(), i + 1
			}
			sb.WriteByte(c)
			i++
		default:
			sb.WriteByte(c)
			i++
		}
	}
	return sb.String(), len(s)
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return strings.Join(out, "\n")
}
