package explain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/fusionscore/internal/config"
	"github.com/sells-group/fusionscore/internal/maturity"
	"github.com/sells-group/fusionscore/internal/resilience"
	"github.com/sells-group/fusionscore/pkg/anthropic"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if resp := args.Get(0); resp != nil {
		return resp.(*anthropic.MessageResponse), args.Error(1)
	}
	return nil, args.Error(1)
}

func textResponse(s string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{Content: []anthropic.ContentBlock{{Type: "text", Text: s}}}
}

func testConfig() config.ExplainerConfig {
	return config.ExplainerConfig{Enabled: true, TimeoutSecs: 1, MaxTokens: 100, RatePerSec: 1000, BreakerThreshold: 2, BreakerResetSecs: 60}
}

func TestLLM_Success(t *testing.T) {
	client := &mockClient{}
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == "claude-haiku-4-5-20251001" && req.MaxTokens == 100 &&
			len(req.System) == 1 && len(req.Messages) == 1
	})).Return(textResponse("Throughput now carries the most weight."), nil)

	var reasons []string
	l := NewLLM(client, "claude-haiku-4-5-20251001", testConfig(), WithFallbackHook(func(r string) { reasons = append(reasons, r) }))

	text, err := l.Explain(context.Background(), sampleInput(maturity.Analyze))
	require.NoError(t, err)
	assert.Equal(t, "Throughput now carries the most weight.", text)
	assert.Empty(t, reasons)
	client.AssertExpectations(t)
}

func TestLLM_ErrorFallsBack(t *testing.T) {
	client := &mockClient{}
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("api down"))

	var reasons []string
	l := NewLLM(client, "m", testConfig(), WithFallbackHook(func(r string) { reasons = append(reasons, r) }))
	in := sampleInput(maturity.Analyze)

	text, err := l.Explain(context.Background(), in)
	require.NoError(t, err)
	want, _ := Deterministic{}.Explain(context.Background(), in)
	assert.Equal(t, want, text)
	assert.Equal(t, []string{ReasonError}, reasons)
}

func TestLLM_BreakerOpensAfterFailures(t *testing.T) {
	client := &mockClient{}
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("api down")).Times(2)

	var reasons []string
	l := NewLLM(client, "m", testConfig(), WithFallbackHook(func(r string) { reasons = append(reasons, r) }))
	for i := 0; i < 3; i++ {
		_, err := l.Explain(context.Background(), sampleInput(maturity.Observe))
		require.NoError(t, err)
	}
	assert.Equal(t, []string{ReasonError, ReasonError, ReasonBreakerOpen}, reasons)
	assert.Equal(t, resilience.BreakerOpen, l.breaker.State())
	client.AssertNumberOfCalls(t, "CreateMessage", 2)
}

func TestLLM_TimeoutFallsBack(t *testing.T) {
	client := &mockClient{}
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded)

	var reasons []string
	l := NewLLM(client, "m", testConfig(), WithFallbackHook(func(r string) { reasons = append(reasons, r) }))
	l.timeout = 10 * time.Millisecond

	text, err := l.Explain(context.Background(), sampleInput(maturity.Observe))
	require.NoError(t, err)
	assert.NotEmpty(t, text)
	assert.Equal(t, []string{ReasonTimeout}, reasons)
}

func TestLLM_RateLimited(t *testing.T) {
	client := &mockClient{}
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse("ok"), nil).Once()

	cfg := testConfig()
	cfg.RatePerSec = 0.001
	var reasons []string
	l := NewLLM(client, "m", cfg, WithFallbackHook(func(r string) { reasons = append(reasons, r) }))

	first, err := l.Explain(context.Background(), sampleInput(maturity.Observe))
	require.NoError(t, err)
	assert.Equal(t, "ok", first)

	second, err := l.Explain(context.Background(), sampleInput(maturity.Observe))
	require.NoError(t, err)
	assert.NotEqual(t, "ok", second)
	assert.Equal(t, []string{ReasonRateLimited}, reasons)
	client.AssertExpectations(t)
}

func TestLLM_EmptyResponse(t *testing.T) {
	client := &mockClient{}
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse("   "), nil)

	var reasons []string
	l := NewLLM(client, "m", testConfig(), WithFallbackHook(func(r string) { reasons = append(reasons, r) }))
	_, err := l.Explain(context.Background(), sampleInput(maturity.Observe))
	require.NoError(t, err)
	assert.Equal(t, []string{ReasonEmpty}, reasons)
}

func TestPrompt_GatesForwardLooking(t *testing.T) {
	p := prompt(sampleInput(maturity.Analyze), "facts")
	assert.Contains(t, p, "Permitted language: descriptive, comparative")
	assert.Contains(t, p, "Do not predict")

	p = prompt(sampleInput(maturity.Predict), "facts")
	assert.NotContains(t, p, "Do not predict")
}

func TestNew_SelectsStrategy(t *testing.T) {
	cfg := &config.Config{}
	assert.IsType(t, Deterministic{}, New(cfg, &mockClient{}))

	cfg.Explainer = testConfig()
	assert.IsType(t, Deterministic{}, New(cfg, nil))
	assert.IsType(t, &LLM{}, New(cfg, &mockClient{}))
}
