package extraction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
	"golang.org/x/time/rate"
)

// ErrEmptyModelOutput is returned when the model answers with nothing.
var ErrEmptyModelOutput = errors.New("empty model output")

// Executor runs one prompt against a language model.
type Executor interface {
	Run(ctx context.Context, prompt Prompt) (string, error)
}

// Redactor removes secrets from text.
type Redactor interface {
	Redact(text string) string
}

const (
	defaultMaxRetries  = 2
	defaultBaseBackoff = time.Second
	defaultMaxTokens   = 4096
	defaultTemperature = 0.2
)

// LLMConfig configures the OpenAI-compatible executor.
type LLMConfig struct {
	Model             string
	BaseURL           string
	APIKey            string `json:"-"`
	RequestsPerMinute float64
	MaxRetries        int
}

// LLMExecutor runs prompts through langchaingo against any OpenAI-compatible endpoint.
type LLMExecutor struct {
	model      llms.Model
	limiter    *rate.Limiter
	maxRetries int
	backoff    time.Duration
}

// NewLLMExecutor creates an executor. A non-positive request rate disables limiting.
func NewLLMExecutor(cfg LLMConfig) (*LLMExecutor, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm model is required")
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("llm API key required")
		}
		// Local OpenAI-compatible servers ignore the token but langchaingo requires one.
		apiKey = "placeholder"
	}

	opts := []openai.Option{openai.WithModel(cfg.Model), openai.WithToken(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create openai client: %w", err)
	}
	return newLLMExecutor(model, cfg), nil
}

func newLLMExecutor(model llms.Model, cfg LLMConfig) *LLMExecutor {
	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Limit(cfg.RequestsPerMinute / 60)
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = defaultMaxRetries
	}
	return &LLMExecutor{
		model:      model,
		limiter:    rate.NewLimiter(limit, 1),
		maxRetries: retries,
		backoff:    defaultBaseBackoff,
	}
}

// Run sends the prompt, retrying failed calls with exponential backoff until
// the context ends.
func (e *LLMExecutor) Run(ctx context.Context, prompt Prompt) (string, error) {
	messages := []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, prompt.System),
		llms.TextParts(schema.ChatMessageTypeHuman, prompt.User),
	}

	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := e.backoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		if err := e.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limiter: %w", err)
		}

		resp, err := e.model.GenerateContent(ctx, messages,
			llms.WithTemperature(defaultTemperature),
			llms.WithMaxTokens(defaultMaxTokens),
		)
		if err == nil {
			if len(resp.Choices) == 0 {
				return "", nil
			}
			return resp.Choices[0].Content, nil
		}
		if ctx.Err() != nil {
			return "", err
		}
		lastErr = err
		log.Debug().Err(err).Int("attempt", attempt+1).Msg("LLM call failed")
	}
	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

// runBounded runs the executor under a deadline and normalizes its output.
func runBounded(ctx context.Context, exec Executor, prompt Prompt, timeout time.Duration) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	out, err := exec.Run(ctx, prompt)
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", ErrEmptyModelOutput
	}
	return out, nil
}
