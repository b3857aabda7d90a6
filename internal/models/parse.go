package models

// Element is one structural unit produced by a parser: a paragraph, a page
// of text, a table rendering, an OCR block.
type Element struct {
	Text    string   `json:"text"`
	Locator *Locator `json:"locator,omitempty"`
	Source  string   `json:"source,omitempty"`
}

// ParseResult is the normalized output of any parser. Text is the full
// concatenated content; Elements preserve structure for the chunker.
type ParseResult struct {
	Text           string    `json:"text"`
	Elements       []Element `json:"elements"`
	SourceModality Modality  `json:"source_modality"`
}
