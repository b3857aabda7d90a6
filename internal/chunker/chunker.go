// Package chunker splits parsed documents into retrieval-sized chunks.
package chunker

import (
	"sort"
	"strings"

	"github.com/ternarybob/audiens/internal/models"
)

// maxBBoxesPerChunk caps the bounding boxes carried by a merged locator so
// one dense page cannot bloat the stored locator JSON.
const maxBBoxesPerChunk = 50

// Chunker packs parsed elements into chunks of at most MaxChars
// characters. Oversized elements are hard-split with Overlap characters of
// carry-over. Chunk ids are derived from (document, version, index), so
// rerunning the same input yields byte-identical chunks.
type Chunker struct {
	MaxChars int
	Overlap  int
}

// New creates a chunker; zero or negative settings fall back to defaults.
func New(maxChars, overlap int) *Chunker {
	if maxChars <= 0 {
		maxChars = 800
	}
	if overlap < 0 || overlap >= maxChars {
		overlap = maxChars / 10
	}
	return &Chunker{MaxChars: maxChars, Overlap: overlap}
}

// Chunk converts a parse result into chunk rows with dense 0-based indices.
// Each packed chunk starts with the tail of the previous one, so a sentence
// cut at a boundary is still retrievable from the next chunk.
func (c *Chunker) Chunk(result *models.ParseResult, documentID int64, spaceCode string, indexVersion int) []*models.Chunk {
	var chunks []*models.Chunk

	var pending []models.Element
	pendingLen := 0
	carry := ""

	carryBudget := func() int {
		if carry == "" {
			return 0
		}
		return len(carry) + 2
	}

	flush := func() {
		if len(pending) == 0 {
			return
		}
		content := joinElements(pending)
		// The carry is dropped when even a single element leaves no room
		// for it; MaxChars always bounds the chunk.
		if carry != "" && len(carry)+2+len(content) <= c.MaxChars {
			content = carry + "\n\n" + content
		}
		chunks = append(chunks, c.buildChunk(documentID, spaceCode, indexVersion, len(chunks), content, mergeLocators(pending)))
		carry = c.tailOf(content)
		pending = nil
		pendingLen = 0
	}

	for _, el := range result.Elements {
		if len(el.Text) > c.MaxChars {
			flush()
			pieces := c.hardSplit(el)
			for _, piece := range pieces {
				chunks = append(chunks, c.buildChunk(documentID, spaceCode, indexVersion, len(chunks), piece.Text, piece.Locator))
			}
			if len(pieces) > 0 {
				carry = c.tailOf(pieces[len(pieces)-1].Text)
			}
			continue
		}

		joined := carryBudget() + pendingLen + len(el.Text)
		if len(pending) > 0 {
			joined += 2
		}
		if joined > c.MaxChars && len(pending) > 0 {
			flush()
		}
		pending = append(pending, el)
		pendingLen += len(el.Text)
		if len(pending) > 1 {
			pendingLen += 2
		}
	}
	flush()

	return chunks
}

// tailOf returns the carry-over for the next chunk: the last Overlap
// characters of content, advanced to the next word boundary.
func (c *Chunker) tailOf(content string) string {
	if c.Overlap <= 0 {
		return ""
	}
	if len(content) <= c.Overlap {
		return content
	}
	cut := len(content) - c.Overlap
	if idx := strings.IndexFunc(content[cut:], isSpace); idx >= 0 {
		cut += idx + 1
	}
	if cut >= len(content) {
		return ""
	}
	return content[cut:]
}

func (c *Chunker) buildChunk(documentID int64, spaceCode string, indexVersion, index int, content string, locator *models.Locator) *models.Chunk {
	return &models.Chunk{
		ChunkID:      models.ChunkID(documentID, indexVersion, index),
		DocumentID:   documentID,
		SpaceCode:    spaceCode,
		IndexVersion: indexVersion,
		ChunkIndex:   index,
		Modality:     models.ModalityText,
		Locator:      locator,
		Content:      content,
		ContentHash:  models.ContentHash(content),
		TokenCount:   EstimateTokens(content),
	}
}

// hardSplit cuts an oversized element into MaxChars windows with Overlap
// carry-over, preferring whitespace boundaries near the cut.
func (c *Chunker) hardSplit(el models.Element) []models.Element {
	text := el.Text
	base := 0
	if el.Locator != nil {
		base = el.Locator.CharStart
	}

	var pieces []models.Element
	start := 0
	for start < len(text) {
		end := start + c.MaxChars
		if end >= len(text) {
			end = len(text)
		} else {
			// Back up to the nearest whitespace within the final tenth of
			// the window to avoid cutting mid-word.
			if idx := strings.LastIndexFunc(text[start:end], isSpace); idx > c.MaxChars*9/10 {
				end = start + idx
			}
		}

		piece := strings.TrimSpace(text[start:end])
		if piece != "" {
			locator := &models.Locator{
				CharStart: base + start,
				CharEnd:   base + end,
			}
			if el.Locator != nil {
				locator.Pages = el.Locator.Pages
				locator.TimeStart = el.Locator.TimeStart
				locator.TimeEnd = el.Locator.TimeEnd
			}
			pieces = append(pieces, models.Element{Text: piece, Locator: locator})
		}

		if end == len(text) {
			break
		}
		next := end - c.Overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return pieces
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\n' || r == '\t'
}

func joinElements(elements []models.Element) string {
	parts := make([]string, len(elements))
	for i, el := range elements {
		parts[i] = el.Text
	}
	return strings.Join(parts, "\n\n")
}

// mergeLocators unions the element locators: sorted distinct pages, the
// widest char and time ranges, bounding boxes capped at maxBBoxesPerChunk.
func mergeLocators(elements []models.Element) *models.Locator {
	merged := &models.Locator{CharStart: -1}
	pageSet := make(map[int]struct{})

	for _, el := range elements {
		loc := el.Locator
		if loc == nil {
			continue
		}
		if merged.CharStart < 0 || loc.CharStart < merged.CharStart {
			merged.CharStart = loc.CharStart
		}
		if loc.CharEnd > merged.CharEnd {
			merged.CharEnd = loc.CharEnd
		}
		for _, page := range loc.Pages {
			pageSet[page] = struct{}{}
		}
		if loc.TimeStart > 0 && (merged.TimeStart == 0 || loc.TimeStart < merged.TimeStart) {
			merged.TimeStart = loc.TimeStart
		}
		if loc.TimeEnd > merged.TimeEnd {
			merged.TimeEnd = loc.TimeEnd
		}
		for _, box := range loc.BBoxes {
			if len(merged.BBoxes) < maxBBoxesPerChunk {
				merged.BBoxes = append(merged.BBoxes, box)
			}
		}
	}

	if merged.CharStart < 0 {
		merged.CharStart = 0
	}
	if len(pageSet) > 0 {
		merged.Pages = make([]int, 0, len(pageSet))
		for page := range pageSet {
			merged.Pages = append(merged.Pages, page)
		}
		sort.Ints(merged.Pages)
	}
	return merged
}
