package interfaces

import "context"

// Message is one chat turn sent to an LLM provider.
type Message struct {
	Role    string `json:"role"` // system | user | assistant
	Content string `json:"content"`
	// ImageURL carries a data URL for multimodal providers; empty for text.
	ImageURL string `json:"image_url,omitempty"`
}

// StreamEventKind discriminates streaming events.
type StreamEventKind int

const (
	StreamDelta StreamEventKind = iota
	StreamCompleted
	StreamError
)

// StreamEvent is one element of a streamed LLM response. The channel
// carries deltas as they arrive with no intermediate buffering; the final
// event is either StreamCompleted or StreamError.
type StreamEvent struct {
	Kind StreamEventKind
	Text string
	Err  error
}

// LLMService is one configured model profile's client.
type LLMService interface {
	// Name returns the profile name for routing and logging.
	Name() string
	Generate(ctx context.Context, messages []Message) (string, error)
	// GenerateStream returns a channel closed after the terminal event.
	GenerateStream(ctx context.Context, messages []Message) (<-chan StreamEvent, error)
}

// Summarizer enriches analyzer payloads and reports. Failures never change
// pipeline state; they only annotate output metadata.
type Summarizer interface {
	// Summarize walks the routing table's candidates for flowCode until one
	// succeeds.
	Summarize(ctx context.Context, flowCode, prompt string) (text string, modelName string, err error)
}
