package openai

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/time/rate"

	"github.com/kirillkom/archive-pipeline/internal/core/domain"
	"github.com/kirillkom/archive-pipeline/internal/infrastructure/resilience"
)

type Config struct {
	BaseURL             string
	APIKey              string
	Model               string
	EmbeddingModel      string
	EmbeddingDimensions int

	OCRTimeout       time.Duration
	AnalysisTimeout  time.Duration
	EmbeddingTimeout time.Duration
	AnswerTimeout    time.Duration

	RequestsPerSecond float64
	Resilience        resilience.Config
}

// Client talks to an OpenAI-compatible Responses and Embeddings API.
// Failed calls are never retried here; job attempts belong to the worker.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	executor   *resilience.Executor
}

func New(cfg Config) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.OCRTimeout <= 0 {
		cfg.OCRTimeout = 600 * time.Second
	}
	if cfg.AnalysisTimeout <= 0 {
		cfg.AnalysisTimeout = 600 * time.Second
	}
	if cfg.EmbeddingTimeout <= 0 {
		cfg.EmbeddingTimeout = 60 * time.Second
	}
	if cfg.AnswerTimeout <= 0 {
		cfg.AnswerTimeout = 60 * time.Second
	}

	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = max(1, int(cfg.RequestsPerSecond))
	}

	resCfg := cfg.Resilience
	resCfg.RetryMaxAttempts = 1

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		limiter:    rate.NewLimiter(limit, burst),
		executor:   resilience.NewExecutor(resCfg),
	}
}

type TextExtractor struct {
	client *Client
}

func NewTextExtractor(client *Client) *TextExtractor {
	return &TextExtractor{client: client}
}

// ExtractText sends every page in order as one multi-image request.
func (e *TextExtractor) ExtractText(ctx context.Context, pages []domain.PageImage) (string, error) {
	if len(pages) == 0 {
		return "", domain.WrapError(domain.ErrInvalidInput, "ocr", fmt.Errorf("no page images"))
	}

	content := make([]contentItem, 0, len(pages)+1)
	content = append(content, contentItem{Type: "input_text", Text: ocrPrompt})
	for _, page := range pages {
		content = append(content, contentItem{Type: "input_image", ImageURL: dataURI(page)})
	}

	req := responsesRequest{
		Model: e.client.cfg.Model,
		Input: []inputMessage{{Role: "user", Content: content}},
	}
	return e.client.respond(ctx, "ocr", e.client.cfg.OCRTimeout, req)
}

type Analyzer struct {
	client *Client
}

func NewAnalyzer(client *Client) *Analyzer {
	return &Analyzer{client: client}
}

// Analyze never fails on malformed model output; it yields an empty map instead.
func (a *Analyzer) Analyze(ctx context.Context, text string) (map[string]any, error) {
	req := responsesRequest{
		Model: a.client.cfg.Model,
		Input: []inputMessage{{
			Role: "user",
			Content: []contentItem{
				{Type: "input_text", Text: analysisPrompt},
				{Type: "input_text", Text: text},
			},
		}},
	}
	raw, err := a.client.respond(ctx, "analyze", a.client.cfg.AnalysisTimeout, req)
	if err != nil {
		return nil, err
	}
	return parseStructuredJSON(raw), nil
}

type Embedder struct {
	client *Client
}

func NewEmbedder(client *Client) *Embedder {
	return &Embedder{client: client}
}

func (e *Embedder) Model() string {
	return e.client.cfg.EmbeddingModel
}

// Embed returns vectors tagged with the index of the input they belong to.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([]domain.Embedding, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	request := embeddingsRequest{
		Model:      e.client.cfg.EmbeddingModel,
		Input:      texts,
		Dimensions: e.client.cfg.EmbeddingDimensions,
	}

	var response embeddingsResponse
	err := e.client.call(ctx, "embed", e.client.cfg.EmbeddingTimeout, func(callCtx context.Context) error {
		return e.client.postJSON(callCtx, "/v1/embeddings", request, &response, "embed")
	})
	if err != nil {
		return nil, err
	}

	out := make([]domain.Embedding, 0, len(response.Data))
	for _, item := range response.Data {
		out = append(out, domain.Embedding{Index: item.Index, Vector: item.Embedding})
	}
	return out, nil
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 || len(vectors[0].Vector) == 0 {
		return nil, fmt.Errorf("empty embedding result")
	}
	return vectors[0].Vector, nil
}

type Generator struct {
	client *Client
}

func NewGenerator(client *Client) *Generator {
	return &Generator{client: client}
}

func (g *Generator) GenerateAnswer(ctx context.Context, question, contextText string) (string, error) {
	req := responsesRequest{
		Model: g.client.cfg.Model,
		Input: []inputMessage{
			{Role: "system", Content: []contentItem{{Type: "input_text", Text: answerInstruction}}},
			{Role: "user", Content: []contentItem{{Type: "input_text", Text: buildAnswerInput(question, contextText)}}},
		},
	}
	return g.client.respond(ctx, "answer", g.client.cfg.AnswerTimeout, req)
}

func (c *Client) respond(ctx context.Context, operation string, timeout time.Duration, req responsesRequest) (string, error) {
	var response responsesResponse
	err := c.call(ctx, operation, timeout, func(callCtx context.Context) error {
		return c.postJSON(callCtx, "/v1/responses", req, &response, operation)
	})
	if err != nil {
		return "", err
	}
	return response.text(), nil
}

// call applies the rate limit, the per-call deadline and the circuit breaker.
func (c *Client) call(ctx context.Context, operation string, timeout time.Duration, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.limiter.Wait(callCtx); err != nil {
		return wrapTemporaryIfNeeded(operation, fmt.Errorf("inference %s rate limit: %w", operation, err))
	}

	err := c.executor.Execute(callCtx, "inference_"+operation, fn, classifyInferenceError)
	return wrapTemporaryIfNeeded(operation, err)
}

func dataURI(page domain.PageImage) string {
	mime := page.MimeType
	if mime == "" || mime == "application/octet-stream" {
		mime = mimetype.Detect(page.Data).String()
	}
	if !strings.HasPrefix(mime, "image/") {
		mime = "image/png"
	}
	if i := strings.IndexByte(mime, ';'); i > 0 {
		mime = mime[:i]
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(page.Data)
}
