package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"mime"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/goccy/go-json"
	"github.com/phrazzld/scry-ingest/internal/config"
	"github.com/phrazzld/scry-ingest/internal/domain"
	"github.com/phrazzld/scry-ingest/internal/inference"
	"github.com/phrazzld/scry-ingest/internal/metrics"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

const breakerName = "gemini"

// contentGenerator is the part of *genai.Models the classifier calls.
type contentGenerator interface {
	GenerateContent(
		ctx context.Context,
		model string,
		contents []*genai.Content,
		config *genai.GenerateContentConfig,
	) (*genai.GenerateContentResponse, error)
}

// Classifier implements inference.Classifier using the Gemini API.
type Classifier struct {
	models     contentGenerator
	model      string
	prompt     *template.Template
	genConfig  *genai.GenerateContentConfig
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker[*genai.GenerateContentResponse]
	maxRetries int
	baseDelay  time.Duration
	jitter     func() float64
	logger     *slog.Logger
}

var _ inference.Classifier = (*Classifier)(nil)

// New creates a Classifier backed by a Gemini API client.
func New(ctx context.Context, cfg config.LLMConfig, logger *slog.Logger) (*Classifier, error) {
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("%w: gemini API key cannot be empty", inference.ErrInvalidConfig)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Gemini client: %v", inference.ErrInvalidConfig, err)
	}

	return newClassifier(client.Models, cfg, logger)
}

func newClassifier(models contentGenerator, cfg config.LLMConfig, logger *slog.Logger) (*Classifier, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.ModelName == "" {
		return nil, fmt.Errorf("%w: model name cannot be empty", inference.ErrInvalidConfig)
	}

	prompt, err := loadPrompt(cfg.PromptTemplatePath)
	if err != nil {
		return nil, err
	}

	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		logger.Warn("invalid max retries value, using default", "max_retries", 3)
		maxRetries = 3
	}
	baseDelay := time.Duration(cfg.RetryDelaySeconds) * time.Second
	if baseDelay <= 0 {
		baseDelay = 2 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	c := &Classifier{
		models: models,
		model:  cfg.ModelName,
		prompt: prompt,
		genConfig: &genai.GenerateContentConfig{
			ResponseMIMEType: "application/json",
			Temperature:      genai.Ptr[float32](0),
		},
		limiter:    rate.NewLimiter(limit, 1),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		jitter:     rand.Float64,
		logger:     logger.With("component", "gemini_classifier", "model", cfg.ModelName),
	}
	c.breaker = gobreaker.NewCircuitBreaker[*genai.GenerateContentResponse](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !isTransientCause(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			c.logger.Warn("circuit breaker state changed", "from", from.String(), "to", to.String())
		},
	})
	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(float64(gobreaker.StateClosed))

	return c, nil
}

// Classify sends the object to the model and parses its label and score.
func (c *Classifier) Classify(ctx context.Context, in inference.Input) (*domain.Outcome, error) {
	if len(in.Data) == 0 {
		return nil, fmt.Errorf("%w: %w", inference.ErrUnsupportedContent, ErrEmptyContent)
	}

	part, err := contentPart(in)
	if err != nil {
		return nil, err
	}

	prompt, err := renderPrompt(c.prompt, in)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", inference.ErrClassificationFailed, err)
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{genai.NewPartFromText(prompt), part}, genai.RoleUser),
	}

	resp, err := c.generateWithRetry(ctx, contents)
	if err != nil {
		return nil, err
	}

	outcome, err := parseResponse(resp)
	if err != nil {
		c.logger.WarnContext(ctx, "unusable model response", "error", err)
		return nil, err
	}
	return outcome, nil
}

// generateWithRetry calls the model up to maxRetries+1 times. Transient
// failures back off exponentially with jitter; permanent ones return at once.
func (c *Classifier) generateWithRetry(
	ctx context.Context,
	contents []*genai.Content,
) (*genai.GenerateContentResponse, error) {
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", inference.ErrTransientFailure, err)
		}

		start := time.Now()
		resp, err := c.breaker.Execute(func() (*genai.GenerateContentResponse, error) {
			return c.models.GenerateContent(ctx, c.model, contents, c.genConfig)
		})
		metrics.ClassifierDuration.Observe(time.Since(start).Seconds())

		if err == nil {
			metrics.ClassifierRequests.WithLabelValues("success").Inc()
			return resp, nil
		}

		err = classifyError(err)
		if !inference.IsTransient(err) {
			metrics.ClassifierRequests.WithLabelValues("permanent_error").Inc()
			c.logger.ErrorContext(ctx, "Gemini API call failed permanently", "attempt", attempt+1, "error", err)
			return nil, err
		}
		metrics.ClassifierRequests.WithLabelValues("transient_error").Inc()

		if attempt >= c.maxRetries {
			c.logger.WarnContext(ctx, "maximum retry attempts reached", "max_retries", c.maxRetries, "error", err)
			return nil, fmt.Errorf("%w: exceeded maximum retry attempts (%d): %v",
				inference.ErrTransientFailure, c.maxRetries, err)
		}

		delay := c.backoff(attempt)
		c.logger.InfoContext(ctx, "retrying Gemini API call",
			"attempt", attempt+1,
			"delay", delay,
			"error", err)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %v", inference.ErrTransientFailure, ctx.Err())
		}
	}
}

// backoff returns baseDelay * 2^attempt scaled by a jitter factor in [0.5, 1).
func (c *Classifier) backoff(attempt int) time.Duration {
	d := float64(c.baseDelay) * math.Pow(2, float64(attempt))
	return time.Duration(d * (0.5 + c.jitter()*0.5))
}

// classifyError wraps err in ErrTransientFailure or ErrClassificationFailed.
func classifyError(err error) error {
	if isTransientCause(err) {
		return fmt.Errorf("%w: %v", inference.ErrTransientFailure, err)
	}
	return fmt.Errorf("%w: %v", inference.ErrClassificationFailed, err)
}

func isTransientCause(err error) bool {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests ||
			apiErr.Code == http.StatusRequestTimeout ||
			apiErr.Code >= http.StatusInternalServerError
	}
	// Anything else is a transport failure.
	return true
}

// contentPart turns the object body into a request part the model accepts.
func contentPart(in inference.Input) (*genai.Part, error) {
	mediaType, _, err := mime.ParseMediaType(in.ContentType)
	if err != nil {
		return nil, fmt.Errorf("%w: content type %q", inference.ErrUnsupportedContent, in.ContentType)
	}

	switch {
	case strings.HasPrefix(mediaType, "image/"), mediaType == "application/pdf":
		return genai.NewPartFromBytes(in.Data, mediaType), nil
	case strings.HasPrefix(mediaType, "text/"), mediaType == "application/json":
		return genai.NewPartFromText(string(in.Data)), nil
	default:
		return nil, fmt.Errorf("%w: content type %q", inference.ErrUnsupportedContent, mediaType)
	}
}

func parseResponse(resp *genai.GenerateContentResponse) (*domain.Outcome, error) {
	if resp == nil {
		return nil, fmt.Errorf("%w: nil response", inference.ErrInvalidResponse)
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return nil, fmt.Errorf("%w: prompt blocked: %s", inference.ErrContentBlocked, resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("%w: no content generated", inference.ErrInvalidResponse)
	}
	if resp.Candidates[0].FinishReason == genai.FinishReasonSafety {
		return nil, fmt.Errorf("%w: content blocked by safety filters", inference.ErrContentBlocked)
	}
	if resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("%w: empty content in response", inference.ErrInvalidResponse)
	}

	text := strings.TrimSpace(resp.Text())
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimSuffix(strings.TrimPrefix(text, "```"), "```")

	var parsed ResponseSchema
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &parsed); err != nil {
		return nil, fmt.Errorf("%w: failed to parse JSON response: %v", inference.ErrInvalidResponse, err)
	}

	outcome := &domain.Outcome{Label: strings.TrimSpace(parsed.Label), Score: parsed.Score}
	if err := outcome.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", inference.ErrInvalidResponse, err)
	}
	return outcome, nil
}
