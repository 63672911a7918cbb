package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kirillkom/archive-pipeline/internal/core/domain"
)

func newTestClient(url string) *Client {
	return New(Config{
		BaseURL:          url,
		APIKey:           "secret",
		Model:            "gpt-4o",
		EmbeddingModel:   "text-embedding-3-small",
		OCRTimeout:       2 * time.Second,
		AnalysisTimeout:  2 * time.Second,
		EmbeddingTimeout: 2 * time.Second,
		AnswerTimeout:    2 * time.Second,
	})
}

func TestExtractTextSendsPagesInOrder(t *testing.T) {
	var captured responsesRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/responses" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Fatalf("unexpected auth header: %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"output_text":"Page one\nPage two"}`))
	}))
	defer server.Close()

	extractor := NewTextExtractor(newTestClient(server.URL))
	text, err := extractor.ExtractText(context.Background(), []domain.PageImage{
		{MimeType: "image/png", Data: []byte("first")},
		{MimeType: "image/jpeg", Data: []byte("second")},
	})
	if err != nil {
		t.Fatalf("ExtractText() error = %v", err)
	}
	if text != "Page one\nPage two" {
		t.Fatalf("unexpected text: %q", text)
	}
	if len(captured.Input) != 1 || captured.Input[0].Role != "user" {
		t.Fatalf("unexpected input: %+v", captured.Input)
	}
	content := captured.Input[0].Content
	if len(content) != 3 || content[0].Type != "input_text" {
		t.Fatalf("unexpected content: %+v", content)
	}
	if !strings.HasPrefix(content[1].ImageURL, "data:image/png;base64,") || !strings.HasPrefix(content[2].ImageURL, "data:image/jpeg;base64,") {
		t.Fatalf("pages out of order or wrong mime: %q %q", content[1].ImageURL[:24], content[2].ImageURL[:24])
	}
}

func TestResponseTextFallsBackToOutputParts(t *testing.T) {
	var resp responsesResponse
	raw := `{"output":[{"content":[{"type":"output_text","text":" first "},{"type":"refusal","text":"no"}]},{"content":[{"type":"output_text","text":"second "}]}]}`
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := resp.text(); got != "first \nsecond" {
		t.Fatalf("unexpected text: %q", got)
	}
}

func TestAnalyzeToleratesWrappedJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"output_text": "Here you go:\n```json\n{\"report_number\":\"12\",\"sss_participants\":[\"A\"]}\n```",
		})
	}))
	defer server.Close()

	analyzer := NewAnalyzer(newTestClient(server.URL))
	data, err := analyzer.Analyze(context.Background(), "ocr text")
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if data["report_number"] != "12" {
		t.Fatalf("unexpected data: %#v", data)
	}
}

func TestParseStructuredJSONReturnsEmptyMapOnGarbage(t *testing.T) {
	for _, raw := range []string{"", "not json", "{broken", "} backwards {", "[1,2,3]"} {
		got := parseStructuredJSON(raw)
		if got == nil || len(got) != 0 {
			t.Fatalf("expected empty map for %q, got %#v", raw, got)
		}
	}
}

func TestEmbedReturnsEchoedIndexes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			http.NotFound(w, r)
			return
		}
		var req embeddingsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(req.Input) != 2 || req.Model != "text-embedding-3-small" {
			t.Fatalf("unexpected request: %+v", req)
		}
		_, _ = w.Write([]byte(`{"data":[{"index":1,"embedding":[0.5,0.6]},{"index":0,"embedding":[0.1,0.2]}]}`))
	}))
	defer server.Close()

	embedder := NewEmbedder(newTestClient(server.URL))
	vectors, err := embedder.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(vectors) != 2 || vectors[0].Index != 1 || vectors[1].Vector[0] != 0.1 {
		t.Fatalf("unexpected vectors: %+v", vectors)
	}
}

func TestServerErrorIsTemporaryWithBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	embedder := NewEmbedder(newTestClient(server.URL))
	_, err := embedder.Embed(context.Background(), []string{"hello"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary error, got %v", err)
	}
	if !strings.Contains(err.Error(), "model overloaded") {
		t.Fatalf("expected response body in error, got %v", err)
	}
}

func TestClientErrorIsNotTemporaryAndNotRetried(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "bad image", http.StatusBadRequest)
	}))
	defer server.Close()

	extractor := NewTextExtractor(newTestClient(server.URL))
	_, err := extractor.ExtractText(context.Background(), []domain.PageImage{{MimeType: "image/png", Data: []byte("x")}})
	if err == nil {
		t.Fatalf("expected error")
	}
	if domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("400 must not be temporary: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}

func TestGeneratorSendsQuestionAndContext(t *testing.T) {
	var captured responsesRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&captured)
		_, _ = w.Write([]byte(`{"output_text":"answer"}`))
	}))
	defer server.Close()

	gen := NewGenerator(newTestClient(server.URL))
	answer, err := gen.GenerateAnswer(context.Background(), "where?", "Document: A\nText: cave")
	if err != nil {
		t.Fatalf("GenerateAnswer() error = %v", err)
	}
	if answer != "answer" {
		t.Fatalf("unexpected answer: %q", answer)
	}
	if len(captured.Input) != 2 || captured.Input[0].Role != "system" {
		t.Fatalf("unexpected input: %+v", captured.Input)
	}
	user := captured.Input[1].Content[0].Text
	if !strings.Contains(user, "where?") || !strings.Contains(user, "Text: cave") {
		t.Fatalf("unexpected user prompt: %s", user)
	}
}

func TestDataURISniffsMissingMime(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}
	uri := dataURI(domain.PageImage{Data: png})
	if !strings.HasPrefix(uri, "data:image/png;base64,") {
		t.Fatalf("unexpected uri prefix: %s", uri[:30])
	}
}
