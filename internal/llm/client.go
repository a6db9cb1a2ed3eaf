// Package llm is the transport to the local LLM service, an Open WebUI
// instance exposing the OpenAI chat-completions API.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/starford/ansuz/internal/apperr"
)

var (
	// ErrUnavailable means the service could not be reached or answered 5xx
	// or 429. It is transient.
	ErrUnavailable = errors.New("llm: service unavailable")
	// ErrTimeout means one call exceeded its deadline. The field is marked
	// unavailable.
	ErrTimeout = errors.New("llm: call timed out")
	// ErrRejected means the service refused the request.
	ErrRejected = errors.New("llm: request rejected")
	// ErrMalformed means the response carried no usable content.
	ErrMalformed = errors.New("llm: malformed response")
)

// Config configures the client.
type Config struct {
	URL            string
	APIKey         string
	Model          string
	Timeout        time.Duration
	Temperature    float64
	MaxInputTokens int
}

// Client issues chat completions. It is safe for concurrent use.
type Client struct {
	cfg    Config
	api    openai.Client
	http   *http.Client
	tokens *Truncator
	logger *slog.Logger
}

// New creates a Client. SDK-level retries are disabled; callers own retry
// policy.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	base := strings.TrimRight(cfg.URL, "/")
	hc := &http.Client{}
	return &Client{
		cfg: cfg,
		api: openai.NewClient(
			option.WithBaseURL(base+"/api/"),
			option.WithAPIKey(cfg.APIKey),
			option.WithHTTPClient(hc),
			option.WithMaxRetries(0),
		),
		http:   hc,
		tokens: NewTruncator(cfg.MaxInputTokens),
		logger: logger,
	}
}

// Complete sends a system and user prompt and returns the reply text. The
// user prompt is truncated to the configured token budget.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	callCtx := ctx
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if system != "" {
		msgs = append(msgs, openai.SystemMessage(system))
	}
	msgs = append(msgs, openai.UserMessage(c.tokens.Truncate(user)))

	started := time.Now()
	resp, err := c.api.Chat.Completions.New(callCtx, openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.cfg.Model),
		Messages:    msgs,
		Temperature: openai.Float(c.cfg.Temperature),
	})
	if err != nil {
		return "", c.classify(ctx, callCtx, err)
	}
	if len(resp.Choices) == 0 {
		return "", apperr.Partial("llm: complete", ErrMalformed)
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", apperr.Partial("llm: complete", ErrMalformed)
	}

	c.logger.Debug("llm: completion",
		slog.String("model", c.cfg.Model),
		slog.Duration("took", time.Since(started)))
	return content, nil
}

func (c *Client) classify(parent, call context.Context, err error) error {
	if parent.Err() != nil {
		return apperr.Transient("llm: complete", parent.Err())
	}
	if errors.Is(call.Err(), context.DeadlineExceeded) {
		return apperr.Partial("llm: complete", ErrTimeout)
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		code := apiErr.StatusCode
		if code == http.StatusTooManyRequests || code >= http.StatusInternalServerError {
			return apperr.Transient("llm: complete", fmt.Errorf("%w: status %d", ErrUnavailable, code))
		}
		return apperr.Partial("llm: complete", fmt.Errorf("%w: status %d", ErrRejected, code))
	}
	return apperr.Transient("llm: complete", fmt.Errorf("%w: %v", ErrUnavailable, err))
}

// Health checks GET {url}/health.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.cfg.URL, "/")+"/health", nil)
	if err != nil {
		return fmt.Errorf("llm: health: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Transient("llm: health", fmt.Errorf("%w: %v", ErrUnavailable, err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apperr.Transient("llm: health", fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode))
	}
	return nil
}
