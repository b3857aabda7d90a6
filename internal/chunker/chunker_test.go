package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/audiens/internal/models"
)

func elementsFromParas(paras ...string) *models.ParseResult {
	result := &models.ParseResult{SourceModality: models.ModalityText}
	offset := 0
	for i, p := range paras {
		if i > 0 {
			offset += 2
		}
		result.Elements = append(result.Elements, models.Element{
			Text:    p,
			Locator: &models.Locator{CharStart: offset, CharEnd: offset + len(p)},
		})
		offset += len(p)
	}
	return result
}

func TestChunker_PacksSmallElements(t *testing.T) {
	c := New(100, 10)
	result := elementsFromParas("alpha paragraph", "beta paragraph", "gamma paragraph")

	chunks := c.Chunk(result, 1, "kb1", 1)
	require.Len(t, chunks, 1)
	assert.Equal(t, "alpha paragraph\n\nbeta paragraph\n\ngamma paragraph", chunks[0].Content)
	assert.Equal(t, 0, chunks[0].ChunkIndex)
	assert.Equal(t, models.ChunkID(1, 1, 0), chunks[0].ChunkID)
	require.NotNil(t, chunks[0].Locator)
	assert.Equal(t, 0, chunks[0].Locator.CharStart)
}

func TestChunker_DenseIndicesAcrossBoundaries(t *testing.T) {
	c := New(30, 5)
	result := elementsFromParas(
		"first small paragraph here",
		"second small paragraph here",
		"third small paragraph here",
	)

	chunks := c.Chunk(result, 7, "kb1", 2)
	require.True(t, len(chunks) >= 3)
	for i, chunk := range chunks {
		assert.Equal(t, i, chunk.ChunkIndex, "indices must be dense and 0-based")
		assert.Equal(t, models.ChunkID(7, 2, i), chunk.ChunkID)
		assert.Equal(t, models.ContentHash(chunk.Content), chunk.ContentHash)
	}
}

func TestChunker_PackedChunksCarryOverlap(t *testing.T) {
	c := New(100, 20)
	p1 := "alpha bravo charlie delta echo foxtrot golf hotel"
	p2 := "india juliet kilo lima mike november oscar papa quebec romeo"
	result := elementsFromParas(p1, p2)

	chunks := c.Chunk(result, 9, "kb1", 1)
	require.Len(t, chunks, 2)
	assert.Equal(t, p1, chunks[0].Content)

	// The second chunk opens with the word-aligned tail of the first.
	sep := strings.Index(chunks[1].Content, "\n\n")
	require.Greater(t, sep, 0)
	overlap := chunks[1].Content[:sep]
	assert.True(t, strings.HasSuffix(chunks[0].Content, overlap))
	assert.LessOrEqual(t, len(overlap), c.Overlap)
	assert.Equal(t, p2, chunks[1].Content[sep+2:])
	assert.LessOrEqual(t, len(chunks[1].Content), c.MaxChars)
}

func TestChunker_HardSplitWithOverlap(t *testing.T) {
	c := New(100, 20)
	long := strings.Repeat("lorem ipsum dolor sit amet ", 20) // ~540 chars
	result := elementsFromParas(long)

	chunks := c.Chunk(result, 3, "kb1", 1)
	require.True(t, len(chunks) > 1, "oversized element must be split")

	for _, chunk := range chunks {
		assert.LessOrEqual(t, len(chunk.Content), 100)
	}

	// Consecutive windows overlap: the tail of one reappears in the next
	for i := 1; i < len(chunks); i++ {
		prev := chunks[i-1]
		cur := chunks[i]
		require.NotNil(t, prev.Locator)
		require.NotNil(t, cur.Locator)
		assert.Less(t, cur.Locator.CharStart, prev.Locator.CharEnd,
			"window %d should start before window %d ends", i, i-1)
	}
}

func TestChunker_Deterministic(t *testing.T) {
	c := New(50, 10)
	long := strings.Repeat("deterministic output expected ", 10)
	result := elementsFromParas(long, "tail paragraph")

	a := c.Chunk(result, 11, "kb1", 4)
	b := c.Chunk(result, 11, "kb1", 4)

	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].ChunkID, b[i].ChunkID)
		assert.Equal(t, a[i].Content, b[i].Content)
		assert.Equal(t, a[i].ContentHash, b[i].ContentHash)
	}
}

func TestChunker_MergesLocators(t *testing.T) {
	c := New(200, 10)
	result := &models.ParseResult{
		Elements: []models.Element{
			{Text: "page one text", Locator: &models.Locator{Pages: []int{1}, CharStart: 0, CharEnd: 13}},
			{Text: "page two text", Locator: &models.Locator{Pages: []int{2}, CharStart: 15, CharEnd: 28}},
		},
	}

	chunks := c.Chunk(result, 5, "kb1", 1)
	require.Len(t, chunks, 1)
	loc := chunks[0].Locator
	require.NotNil(t, loc)
	assert.Equal(t, []int{1, 2}, loc.Pages)
	assert.Equal(t, 0, loc.CharStart)
	assert.Equal(t, 28, loc.CharEnd)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 2, EstimateTokens("hello world"))
	// Each CJK rune is one token
	assert.Equal(t, 4, EstimateTokens("全自動咖啡"[0:12]))
	// Mixed: 2 words + 2 CJK runes
	assert.Equal(t, 4, EstimateTokens("coffee 咖啡 machine"))
}
