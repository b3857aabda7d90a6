package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/audiens/internal/common"
	"github.com/ternarybob/audiens/internal/interfaces"
	"github.com/ternarybob/audiens/internal/models"
)

func TestOpenAIService_Generate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req.Model)
		assert.False(t, req.Stream)

		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": "summary text"}},
			},
		})
	}))
	defer server.Close()

	svc, err := NewOpenAIService(&common.ModelProfile{
		Name: "fast", Provider: "openai", BaseURL: server.URL,
		APIKey: "test-key", Model: "gpt-4o-mini",
	}, arbor.NewLogger())
	require.NoError(t, err)

	out, err := svc.Generate(context.Background(), []interfaces.Message{{Role: "user", Content: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "summary text", out)
}

func TestOpenAIService_GenerateStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	svc, err := NewOpenAIService(&common.ModelProfile{
		Name: "fast", Provider: "openai", BaseURL: server.URL, Model: "gpt-4o-mini",
	}, arbor.NewLogger())
	require.NoError(t, err)

	events, err := svc.GenerateStream(context.Background(), []interfaces.Message{{Role: "user", Content: "hi"}})
	require.NoError(t, err)

	var text string
	var completed bool
	for ev := range events {
		switch ev.Kind {
		case interfaces.StreamDelta:
			text += ev.Text
		case interfaces.StreamCompleted:
			completed = true
		case interfaces.StreamError:
			t.Fatalf("unexpected stream error: %v", ev.Err)
		}
	}
	assert.Equal(t, "hello", text)
	assert.True(t, completed)
}

func TestOpenAIService_ServerErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	svc, err := NewOpenAIService(&common.ModelProfile{
		Name: "fast", BaseURL: server.URL, Model: "gpt-4o-mini",
	}, arbor.NewLogger())
	require.NoError(t, err)

	_, err = svc.Generate(context.Background(), []interfaces.Message{{Role: "user", Content: "hi"}})
	require.Error(t, err)
	assert.True(t, models.IsRetryable(err))
}

func TestOllamaService_GenerateStreamNDJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		fmt.Fprintln(w, `{"message":{"content":"one "},"done":false}`)
		fmt.Fprintln(w, `{"message":{"content":"two"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"content":""},"done":true}`)
	}))
	defer server.Close()

	svc, err := NewOllamaService(&common.ModelProfile{
		Name: "local", Provider: "ollama", BaseURL: server.URL, Model: "llama3",
	}, arbor.NewLogger())
	require.NoError(t, err)

	events, err := svc.GenerateStream(context.Background(), []interfaces.Message{{Role: "user", Content: "hi"}})
	require.NoError(t, err)

	var text string
	for ev := range events {
		if ev.Kind == interfaces.StreamDelta {
			text += ev.Text
		}
	}
	assert.Equal(t, "one two", text)
}

type stubService struct {
	name string
	text string
	err  error
}

func (s *stubService) Name() string { return s.name }

func (s *stubService) Generate(ctx context.Context, messages []interfaces.Message) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.text, nil
}

func (s *stubService) GenerateStream(ctx context.Context, messages []interfaces.Message) (<-chan interfaces.StreamEvent, error) {
	return nil, fmt.Errorf("not implemented")
}

func TestSummarizer_WalksCandidatesOnError(t *testing.T) {
	services := map[string]interfaces.LLMService{
		"primary":  &stubService{name: "primary", err: fmt.Errorf("rate limited")},
		"fallback": &stubService{name: "fallback", text: "fallback summary"},
	}
	routes := map[string][]string{
		"voc.report": {"primary", "fallback"},
	}

	summarizer := NewSummarizer(services, routes, arbor.NewLogger())
	require.NotNil(t, summarizer)

	text, model, err := summarizer.Summarize(context.Background(), "voc.report", "summarize this")
	require.NoError(t, err)
	assert.Equal(t, "fallback summary", text)
	assert.Equal(t, "fallback", model)
}

func TestSummarizer_FallsBackToDefaultRoute(t *testing.T) {
	services := map[string]interfaces.LLMService{
		"primary": &stubService{name: "primary", text: "default route answer"},
	}
	routes := map[string][]string{
		"default": {"primary"},
	}

	summarizer := NewSummarizer(services, routes, arbor.NewLogger())
	text, model, err := summarizer.Summarize(context.Background(), "voc.review.overview", "summarize")
	require.NoError(t, err)
	assert.Equal(t, "default route answer", text)
	assert.Equal(t, "primary", model)
}

func TestSummarizer_AllCandidatesFail(t *testing.T) {
	services := map[string]interfaces.LLMService{
		"primary": &stubService{name: "primary", err: fmt.Errorf("down")},
	}
	routes := map[string][]string{"default": {"primary"}}

	summarizer := NewSummarizer(services, routes, arbor.NewLogger())
	_, _, err := summarizer.Summarize(context.Background(), "anything", "summarize")
	require.Error(t, err)
}

func TestNewSummarizer_NilWithoutProfiles(t *testing.T) {
	assert.Nil(t, NewSummarizer(nil, nil, arbor.NewLogger()))
}
