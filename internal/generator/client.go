package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/mailtrack/internal/obs"
	"github.com/noah-isme/mailtrack/internal/resilience"
)

const (
	systemPrompt = "You are a professional email writer. Format the email with a greeting, body, and signature."
	maxErrorBody = 512
)

// Options configure a chat completions Client.
type Options struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	MaxAttempts int
	Logger      zerolog.Logger
}

// Client calls an OpenAI-compatible /chat/completions endpoint.
type Client struct {
	http        resilience.HTTPClient
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
	logger      zerolog.Logger
}

// NewClient builds a Client with an instrumented transport, retries and a
// circuit breaker around the upstream.
func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	breaker := resilience.NewBreaker(5, 0.5, 30*time.Second).WithTarget("generator").WithLogger(opts.Logger)
	return newClient(opts, resilience.HTTPClient{
		Client:      httpClient,
		Breaker:     breaker,
		Target:      "generator",
		MaxAttempts: opts.MaxAttempts,
		BaseBackoff: 250 * time.Millisecond,
		Jitter:      0.2,
		Timeout:     timeout,
	})
}

func newClient(opts Options, hc resilience.HTTPClient) *Client {
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = "mistralai/Mistral-7B-Instruct-v0.2"
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 500
	}
	return &Client{
		http:        hc,
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		apiKey:      opts.APIKey,
		model:       model,
		temperature: opts.Temperature,
		maxTokens:   maxTokens,
		logger:      opts.Logger,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// UserPrompt renders the brief into the instruction sent to the model.
func UserPrompt(p Params) string {
	return fmt.Sprintf("Write a professional email to %s from %s. The purpose of the email is to %s. Additional information: %s",
		p.RecipientName, p.Company, p.Purpose, p.AdditionalInfo)
}

// Generate requests a completion for params and formats it. Every failure is
// wrapped with ErrGeneration.
func (c *Client) Generate(ctx context.Context, params Params) (Content, error) {
	ctx, span := otel.Tracer("generator.Client").Start(ctx, "Client.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("generator.model", c.model))

	start := time.Now()
	content, err := c.generate(ctx, params)
	if obs.GeneratorLatency != nil {
		obs.GeneratorLatency.Observe(obs.DurationMillis(time.Since(start)))
	}
	result := "ok"
	if err != nil {
		result = "error"
		span.RecordError(err)
		c.logger.Warn().Err(err).Str("model", c.model).Msg("generator_request_failed")
	}
	if obs.GeneratorRequestsTotal != nil {
		obs.GeneratorRequestsTotal.WithLabelValues(result).Inc()
	}
	return content, err
}

func (c *Client) generate(ctx context.Context, params Params) (Content, error) {
	if c.baseURL == "" {
		return Content{}, fmt.Errorf("%w: base url not configured", ErrGeneration)
	}
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: UserPrompt(params)},
		},
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return Content{}, fmt.Errorf("%w: encode request: %v", ErrGeneration, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Content{}, fmt.Errorf("%w: build request: %v", ErrGeneration, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "mailtrack-generator/1.0")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return Content{}, fmt.Errorf("%w: %w", ErrGeneration, err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Content{}, fmt.Errorf("%w: read response: %v", ErrGeneration, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(data)
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return Content{}, fmt.Errorf("%w: upstream status %d: %s", ErrGeneration, resp.StatusCode, strings.TrimSpace(snippet))
	}
	var decoded chatResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		return Content{}, fmt.Errorf("%w: decode response: %v", ErrGeneration, err)
	}
	if len(decoded.Choices) == 0 || strings.TrimSpace(decoded.Choices[0].Message.Content) == "" {
		return Content{}, fmt.Errorf("%w: empty completion", ErrGeneration)
	}
	return Format(decoded.Choices[0].Message.Content), nil
}
