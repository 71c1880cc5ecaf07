package gemini

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/phrazzld/scry-ingest/internal/config"
	"github.com/phrazzld/scry-ingest/internal/inference"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

// fakeModels replays scripted responses, one per call. The last entry repeats.
type fakeModels struct {
	mu       sync.Mutex
	replies  []reply
	calls    int
	contents [][]*genai.Content
}

type reply struct {
	resp *genai.GenerateContentResponse
	err  error
}

func (f *fakeModels) GenerateContent(
	_ context.Context,
	_ string,
	contents []*genai.Content,
	_ *genai.GenerateContentConfig,
) (*genai.GenerateContentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contents = append(f.contents, contents)
	r := f.replies[min(f.calls, len(f.replies)-1)]
	f.calls++
	return r.resp, r.err
}

func (f *fakeModels) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content:      &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{{Text: text}}},
			FinishReason: genai.FinishReasonStop,
		}},
	}
}

func testConfig() config.LLMConfig {
	return config.LLMConfig{
		GeminiAPIKey:      "test-key",
		ModelName:         "gemini-test",
		MaxRetries:        2,
		RetryDelaySeconds: 1,
		RequestsPerSecond: 1000,
	}
}

func newTestClassifier(t *testing.T, models *fakeModels, cfg config.LLMConfig) *Classifier {
	t.Helper()
	c, err := newClassifier(models, cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	c.baseDelay = time.Millisecond
	c.jitter = func() float64 { return 0 }
	return c
}

var jpeg = inference.Input{Name: "photos/cat.jpg", ContentType: "image/jpeg", Data: []byte{0xff, 0xd8, 0xff}}

func TestClassify_Success(t *testing.T) {
	models := &fakeModels{replies: []reply{{resp: textResponse(`{"label": "cat", "score": 0.93}`)}}}
	c := newTestClassifier(t, models, testConfig())

	outcome, err := c.Classify(context.Background(), jpeg)
	require.NoError(t, err)
	assert.Equal(t, "cat", outcome.Label)
	assert.InDelta(t, 0.93, outcome.Score, 1e-9)

	require.Len(t, models.contents, 1)
	parts := models.contents[0][0].Parts
	require.Len(t, parts, 2)
	assert.Contains(t, parts[0].Text, `"photos/cat.jpg"`)
	require.NotNil(t, parts[1].InlineData)
	assert.Equal(t, "image/jpeg", parts[1].InlineData.MIMEType)
}

func TestClassify_CodeFencedResponse(t *testing.T) {
	models := &fakeModels{replies: []reply{{resp: textResponse("```json\n{\"label\": \"dog\", \"score\": 1}\n```")}}}
	c := newTestClassifier(t, models, testConfig())

	outcome, err := c.Classify(context.Background(), jpeg)
	require.NoError(t, err)
	assert.Equal(t, "dog", outcome.Label)
}

func TestClassify_TransientErrorsAreRetried(t *testing.T) {
	models := &fakeModels{replies: []reply{
		{err: genai.APIError{Code: 503, Message: "overloaded"}},
		{err: genai.APIError{Code: 429, Message: "slow down"}},
		{resp: textResponse(`{"label": "cat", "score": 0.5}`)},
	}}
	c := newTestClassifier(t, models, testConfig())

	outcome, err := c.Classify(context.Background(), jpeg)
	require.NoError(t, err)
	assert.Equal(t, "cat", outcome.Label)
	assert.Equal(t, 3, models.callCount())
}

func TestClassify_RetriesExhausted(t *testing.T) {
	models := &fakeModels{replies: []reply{{err: errors.New("connection reset")}}}
	c := newTestClassifier(t, models, testConfig())

	_, err := c.Classify(context.Background(), jpeg)
	require.Error(t, err)
	assert.True(t, inference.IsTransient(err))
	assert.Equal(t, 3, models.callCount())
}

func TestClassify_PermanentErrors(t *testing.T) {
	tests := []struct {
		name    string
		reply   reply
		wantErr error
	}{
		{"bad request", reply{err: genai.APIError{Code: 400, Message: "bad"}}, inference.ErrClassificationFailed},
		{"safety block", reply{resp: &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
			Content: &genai.Content{}, FinishReason: genai.FinishReasonSafety,
		}}}}, inference.ErrContentBlocked},
		{"no candidates", reply{resp: &genai.GenerateContentResponse{}}, inference.ErrInvalidResponse},
		{"not json", reply{resp: textResponse("a cat, probably")}, inference.ErrInvalidResponse},
		{"score out of range", reply{resp: textResponse(`{"label": "cat", "score": 3}`)}, inference.ErrInvalidResponse},
		{"empty label", reply{resp: textResponse(`{"label": " ", "score": 0.2}`)}, inference.ErrInvalidResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			models := &fakeModels{replies: []reply{tt.reply}}
			c := newTestClassifier(t, models, testConfig())

			_, err := c.Classify(context.Background(), jpeg)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.False(t, inference.IsTransient(err))
			assert.Equal(t, 1, models.callCount())
		})
	}
}

func TestClassify_UnsupportedContent(t *testing.T) {
	models := &fakeModels{replies: []reply{{resp: textResponse(`{"label": "x", "score": 0}`)}}}
	c := newTestClassifier(t, models, testConfig())

	for _, in := range []inference.Input{
		{Name: "a.bin", ContentType: "application/octet-stream", Data: []byte{1}},
		{Name: "a.jpg", ContentType: "", Data: []byte{1}},
		{Name: "a.jpg", ContentType: "image/jpeg"},
	} {
		_, err := c.Classify(context.Background(), in)
		assert.ErrorIs(t, err, inference.ErrUnsupportedContent)
	}
	assert.Zero(t, models.callCount())
}

func TestClassify_TextContent(t *testing.T) {
	models := &fakeModels{replies: []reply{{resp: textResponse(`{"label": "invoice", "score": 0.8}`)}}}
	c := newTestClassifier(t, models, testConfig())

	_, err := c.Classify(context.Background(), inference.Input{
		Name: "docs/a.txt", ContentType: "text/plain; charset=utf-8", Data: []byte("total due"),
	})
	require.NoError(t, err)
	assert.Equal(t, "total due", models.contents[0][0].Parts[1].Text)
}

func TestClassify_CancelledDuringBackoff(t *testing.T) {
	models := &fakeModels{replies: []reply{{err: genai.APIError{Code: 500}}}}
	c := newTestClassifier(t, models, testConfig())
	c.baseDelay = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Classify(ctx, jpeg)
	require.Error(t, err)
	assert.True(t, inference.IsTransient(err))
}

func TestClassify_BreakerOpensOnRepeatedFailures(t *testing.T) {
	models := &fakeModels{replies: []reply{{err: genai.APIError{Code: 500}}}}
	cfg := testConfig()
	cfg.MaxRetries = 0
	c := newTestClassifier(t, models, cfg)

	for i := 0; i < 5; i++ {
		_, err := c.Classify(context.Background(), jpeg)
		require.Error(t, err)
	}
	calls := models.callCount()

	_, err := c.Classify(context.Background(), jpeg)
	require.Error(t, err)
	assert.True(t, inference.IsTransient(err), "an open breaker is a transient failure")
	assert.Equal(t, calls, models.callCount(), "an open breaker short-circuits the call")
}

func TestClassify_PermanentErrorsDoNotTripBreaker(t *testing.T) {
	models := &fakeModels{replies: []reply{{err: genai.APIError{Code: 400}}}}
	c := newTestClassifier(t, models, testConfig())

	for i := 0; i < 8; i++ {
		_, _ = c.Classify(context.Background(), jpeg)
	}
	assert.Equal(t, 8, models.callCount())
}

func TestNewClassifier_Config(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	cfg := testConfig()
	cfg.ModelName = ""
	_, err := newClassifier(&fakeModels{}, cfg, logger)
	assert.ErrorIs(t, err, inference.ErrInvalidConfig)

	cfg = testConfig()
	cfg.PromptTemplatePath = filepath.Join(t.TempDir(), "missing.tmpl")
	_, err = newClassifier(&fakeModels{}, cfg, logger)
	assert.ErrorIs(t, err, inference.ErrInvalidConfig)

	_, err = newClassifier(&fakeModels{}, testConfig(), nil)
	assert.Error(t, err)

	_, err = New(context.Background(), config.LLMConfig{ModelName: "m"}, logger)
	assert.ErrorIs(t, err, inference.ErrInvalidConfig)
}

func TestPromptTemplateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompt.tmpl")
	require.NoError(t, os.WriteFile(path, []byte("Classify {{.Name}} ({{.ContentType}})"), 0o600))

	cfg := testConfig()
	cfg.PromptTemplatePath = path
	models := &fakeModels{replies: []reply{{resp: textResponse(`{"label": "cat", "score": 0.5}`)}}}
	c := newTestClassifier(t, models, cfg)

	_, err := c.Classify(context.Background(), jpeg)
	require.NoError(t, err)
	assert.Equal(t, "Classify photos/cat.jpg (image/jpeg)", models.contents[0][0].Parts[0].Text)
}

func TestBackoff(t *testing.T) {
	c := &Classifier{baseDelay: time.Second, jitter: func() float64 { return 1 }}
	assert.Equal(t, time.Second, c.backoff(0))
	assert.Equal(t, 4*time.Second, c.backoff(2))

	c.jitter = func() float64 { return 0 }
	assert.Equal(t, 2*time.Second, c.backoff(2))
}
