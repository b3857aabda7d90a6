package parser

import (
	"bytes"
	"context"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/audiens/internal/interfaces"
	"github.com/ternarybob/audiens/internal/models"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// MarkdownParser extracts text from markdown using the goldmark AST so
// formatting syntax never leaks into chunks. Each top-level block becomes
// one element.
type MarkdownParser struct {
	files  interfaces.FileStorage
	md     goldmark.Markdown
	logger arbor.ILogger
}

// NewMarkdownParser creates a markdown parser with GFM tables enabled.
func NewMarkdownParser(files interfaces.FileStorage, logger arbor.ILogger) *MarkdownParser {
	return &MarkdownParser{
		files:  files,
		md:     goldmark.New(goldmark.WithExtensions(extension.GFM)),
		logger: logger,
	}
}

func (p *MarkdownParser) Supports(contentType, filename string) bool {
	if strings.HasPrefix(contentType, "text/markdown") {
		return true
	}
	switch extOf(filename) {
	case ".md", ".markdown":
		return true
	}
	return false
}

func (p *MarkdownParser) Parse(ctx context.Context, storageURI, contentType string) (*models.ParseResult, error) {
	data, err := p.files.Load(ctx, storageURI)
	if err != nil {
		return nil, err
	}

	source := []byte(normalizeNewlines(string(data)))
	doc := p.md.Parser().Parse(text.NewReader(source))

	var blocks []string
	for node := doc.FirstChild(); node != nil; node = node.NextSibling() {
		block := strings.TrimSpace(blockText(node, source))
		if block != "" {
			blocks = append(blocks, block)
		}
	}

	return joinBlocks(blocks), nil
}

// blockText flattens a block node into plain text. Table rows render one
// line per row with cells joined by " | ".
func blockText(node ast.Node, source []byte) string {
	var sb strings.Builder
	var walk func(n ast.Node)
	walk = func(n ast.Node) {
		switch v := n.(type) {
		case *ast.Text:
			sb.Write(v.Segment.Value(source))
			if v.SoftLineBreak() || v.HardLineBreak() {
				sb.WriteByte('\n')
			}
			return
		case *ast.AutoLink:
			sb.Write(v.URL(source))
			return
		case *ast.CodeBlock, *ast.FencedCodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				sb.Write(seg.Value(source))
			}
			return
		}

		for child := n.FirstChild(); child != nil; child = child.NextSibling() {
			walk(child)
			switch child.Kind() {
			case ast.KindListItem, ast.KindParagraph, ast.KindHeading:
				sb.WriteByte('\n')
			}
			if child.Kind() == east.KindTableCell && child.NextSibling() != nil {
				sb.WriteString(" | ")
			}
			if child.Kind() == east.KindTableRow || child.Kind() == east.KindTableHeader {
				sb.WriteByte('\n')
			}
		}
	}
	walk(node)
	return sb.String()
}

// joinBlocks assembles elements with running char offsets into the final
// text.
func joinBlocks(blocks []string) *models.ParseResult {
	var buf bytes.Buffer
	result := &models.ParseResult{SourceModality: models.ModalityText}

	for i, block := range blocks {
		if i > 0 {
			buf.WriteString("\n\n")
		}
		start := buf.Len()
		buf.WriteString(block)
		result.Elements = append(result.Elements, models.Element{
			Text: block,
			Locator: &models.Locator{
				CharStart: start,
				CharEnd:   buf.Len(),
			},
		})
	}
	result.Text = buf.String()
	return result
}
