package parser

import (
	"context"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/audiens/internal/interfaces"
	"github.com/ternarybob/audiens/internal/models"
)

// HTMLParser strips boilerplate with goquery, converts the remaining
// markup to markdown and falls back to tag stripping when the converter
// chokes.
type HTMLParser struct {
	files  interfaces.FileStorage
	logger arbor.ILogger
}

// NewHTMLParser creates an HTML parser.
func NewHTMLParser(files interfaces.FileStorage, logger arbor.ILogger) *HTMLParser {
	return &HTMLParser{files: files, logger: logger}
}

func (p *HTMLParser) Supports(contentType, filename string) bool {
	if strings.HasPrefix(contentType, "text/html") || strings.HasPrefix(contentType, "application/xhtml") {
		return true
	}
	switch extOf(filename) {
	case ".html", ".htm", ".xhtml":
		return true
	}
	return false
}

func (p *HTMLParser) Parse(ctx context.Context, storageURI, contentType string) (*models.ParseResult, error) {
	data, err := p.files.Load(ctx, storageURI)
	if err != nil {
		return nil, err
	}

	cleaned, err := stripBoilerplate(string(data))
	if err != nil {
		return nil, models.NewConstraintError("parse html", err)
	}

	converter := md.NewConverter("", true, nil)
	markdown, err := converter.ConvertString(cleaned)
	if err != nil || strings.TrimSpace(markdown) == "" {
		if err != nil {
			p.logger.Warn().Err(err).Msg("HTML to markdown conversion failed, stripping tags")
		}
		markdown = stripHTMLTags(cleaned)
	}

	return textToResult(normalizeNewlines(markdown)), nil
}

// stripBoilerplate removes script, style and navigation chrome before
// conversion.
func stripBoilerplate(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}

	doc.Find("script, style, noscript, nav, header, footer, iframe").Remove()

	body := doc.Find("body")
	if body.Length() == 0 {
		return html, nil
	}
	inner, err := body.Html()
	if err != nil {
		return html, nil
	}
	return inner, nil
}

var (
	tagRe   = regexp.MustCompile(`<[^>]*>`)
	spaceRe = regexp.MustCompile(`[ \t]+`)
)

// stripHTMLTags is the last-resort extraction when conversion fails.
func stripHTMLTags(html string) string {
	stripped := tagRe.ReplaceAllString(html, " ")
	stripped = spaceRe.ReplaceAllString(stripped, " ")

	replacer := strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", "\"",
		"&#39;", "'",
		"&nbsp;", " ",
	)
	return strings.TrimSpace(replacer.Replace(stripped))
}
