package explain

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/fusionscore/internal/config"
	"github.com/sells-group/fusionscore/internal/maturity"
	"github.com/sells-group/fusionscore/internal/resilience"
	"github.com/sells-group/fusionscore/pkg/anthropic"
)

// Fallback reasons reported to the fallback hook.
const (
	ReasonRateLimited = "rate_limited"
	ReasonBreakerOpen = "breaker_open"
	ReasonTimeout     = "timeout"
	ReasonError       = "error"
	ReasonEmpty       = "empty"
)

const systemPrompt = `You explain weight recalibrations of an activity scoring engine to the people whose work is being measured.
Write two or three plain sentences. Use only the facts provided. Never invent numbers.
Respect the permitted language: if forward-looking language is not permitted, make no predictions; if comparative language is not permitted, do not compare against the past.`

// LLM generates explanations with a language model and falls back to a
// deterministic explanation on any failure.
type LLM struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	timeout   time.Duration
	breaker   *resilience.Breaker
	limiter   *rate.Limiter
	fallback  Explainer

	onFallback func(reason string)
}

// Option configures an LLM explainer.
type Option func(*LLM)

// WithFallbackHook registers fn to be called with the reason every time the
// deterministic fallback is used.
func WithFallbackHook(fn func(reason string)) Option {
	return func(l *LLM) { l.onFallback = fn }
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(b *resilience.Breaker) Option {
	return func(l *LLM) { l.breaker = b }
}

// NewLLM creates an LLM explainer.
func NewLLM(client anthropic.Client, model string, cfg config.ExplainerConfig, opts ...Option) *LLM {
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 300
	}
	perSec := cfg.RatePerSec
	if perSec <= 0 {
		perSec = 2
	}
	l := &LLM{
		client:    client,
		model:     model,
		maxTokens: maxTokens,
		timeout:   timeout,
		breaker:   resilience.NewBreaker(resilience.ExplainerBreaker(cfg)),
		limiter:   rate.NewLimiter(rate.Limit(perSec), int(math.Max(1, math.Ceil(perSec)))),
		fallback:  Deterministic{},
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// New returns the explainer selected by configuration: the LLM strategy when
// enabled and a client is available, otherwise the deterministic one.
func New(cfg *config.Config, client anthropic.Client, opts ...Option) Explainer {
	if cfg == nil || !cfg.Explainer.Enabled || client == nil {
		return Deterministic{}
	}
	return NewLLM(client, cfg.Anthropic.Model, cfg.Explainer, opts...)
}

// Explain implements Explainer. It never returns an error from the language
// model; failures degrade to the deterministic text.
func (l *LLM) Explain(ctx context.Context, in Input) (string, error) {
	facts, err := l.fallback.Explain(ctx, in)
	if err != nil {
		return "", err
	}

	if !l.limiter.Allow() {
		return l.degrade(facts, ReasonRateLimited, nil)
	}

	callCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	text, err := resilience.Call(callCtx, l.breaker, func(ctx context.Context) (string, error) {
		resp, err := l.client.CreateMessage(ctx, anthropic.MessageRequest{
			Model:     l.model,
			MaxTokens: l.maxTokens,
			System:    anthropic.CachedSystem(systemPrompt),
			Messages:  []anthropic.Message{{Role: "user", Content: prompt(in, facts)}},
		})
		if err != nil {
			if resilience.IsTransientHTTPStatus(anthropic.StatusCode(err)) {
				return "", resilience.NewTransientError(err, anthropic.StatusCode(err))
			}
			return "", err
		}
		resp.Usage.LogCost(l.model, zap.String("entity_id", in.EntityID), zap.String("source_id", in.SourceID))
		return resp.Text(), nil
	})

	switch {
	case errors.Is(err, resilience.ErrBreakerOpen):
		return l.degrade(facts, ReasonBreakerOpen, err)
	case err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return l.degrade(facts, ReasonTimeout, err)
	case err != nil:
		return l.degrade(facts, ReasonError, err)
	case text == "":
		return l.degrade(facts, ReasonEmpty, nil)
	}
	return text, nil
}

func (l *LLM) degrade(facts, reason string, err error) (string, error) {
	fields := []zap.Field{zap.String("reason", reason)}
	if err != nil {
		fields = append(fields, zap.Error(eris.Wrap(err, "explain: generate")))
	}
	zap.L().Debug("explain: using deterministic explanation", fields...)
	if l.onFallback != nil {
		l.onFallback(reason)
	}
	return facts, nil
}

func prompt(in Input, facts string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Facts: %s\n", facts)
	fmt.Fprintf(&b, "Maturity tier: %s\n", in.Tier)
	var permitted []string
	for _, f := range in.Tier.Features() {
		permitted = append(permitted, string(f))
	}
	fmt.Fprintf(&b, "Permitted language: %s\n", strings.Join(permitted, ", "))
	if !in.Tier.Permits(maturity.ForwardLooking) {
		b.WriteString("Do not predict future scores.\n")
	}
	return b.String()
}
