package recommend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"helpdesk/internal/metrics"
	"helpdesk/internal/util"
	"helpdesk/pkg/ai"
)

// ErrExternal marks every failure of the language model boundary: timeouts,
// transport errors, malformed or empty payloads, an open circuit.
var ErrExternal = errors.New("external service error")

const (
	defaultTimeout         = 10 * time.Second
	defaultBreakerFailures = 5
	defaultBreakerCooldown = 30 * time.Second
)

// Config wires a Gateway.
type Config struct {
	Generator ai.TextGenerator
	// ModelID is reported by Call for diagnostics.
	ModelID string
	Timeout time.Duration
	// BreakerFailures consecutive failures open the circuit for BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// Response is the outcome of one boundary call.
type Response struct {
	OutputText string
	Usage      *ai.Usage
	// IsFallback is set when no backend produced the text.
	IsFallback bool
	Latency    time.Duration
	ModelID    string
}

// Gateway is the single entry point to the language model. It bounds every
// call with a timeout and a circuit breaker and never returns a panic or an
// unclassified error to callers.
type Gateway struct {
	gen      ai.TextGenerator
	modelID  string
	timeout  time.Duration
	breaker  *gobreaker.CircuitBreaker
	disabled bool
}

// New builds a Gateway. A nil generator behaves like the disabled backend.
func New(cfg Config) *Gateway {
	gen := cfg.Generator
	if gen == nil {
		gen = ai.DisabledGenerator{}
	}
	_, disabled := gen.(ai.DisabledGenerator)
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = defaultBreakerFailures
	}
	cooldown := cfg.BreakerCooldown
	if cooldown <= 0 {
		cooldown = defaultBreakerCooldown
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
	})
	return &Gateway{
		gen:      gen,
		modelID:  strings.TrimSpace(cfg.ModelID),
		timeout:  timeout,
		breaker:  breaker,
		disabled: disabled,
	}
}

// ModelID returns the configured model identifier.
func (g *Gateway) ModelID() string {
	return g.modelID
}

// Call sends one prompt pair to the backend. The disabled backend yields an
// empty fallback response and no error; every other failure is returned as
// ErrExternal alongside a fallback response.
func (g *Gateway) Call(ctx context.Context, systemPrompt, userPrompt string) (Response, error) {
	return g.call(ctx, "call", systemPrompt, userPrompt)
}

func (g *Gateway) call(ctx context.Context, op, systemPrompt, userPrompt string) (Response, error) {
	resp := Response{ModelID: g.modelID, IsFallback: true}
	if g.disabled {
		metrics.RecordGatewayCall(op, "fallback", 0)
		return resp, nil
	}

	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	out, err := g.breaker.Execute(func() (res interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("backend panic: %v", r)
			}
		}()
		return g.gen.GenerateText(callCtx, systemPrompt, userPrompt)
	})
	resp.Latency = time.Since(start)

	if err != nil {
		outcome := "error"
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			outcome = "open"
		case errors.Is(err, ai.ErrDisabled):
			metrics.RecordGatewayCall(op, "fallback", resp.Latency)
			return resp, nil
		}
		metrics.RecordGatewayCall(op, outcome, resp.Latency)
		util.LoggerFromContext(ctx).Warn("llm call failed", "op", op, "outcome", outcome, "latency_ms", resp.Latency.Milliseconds(), "err", err)
		return resp, fmt.Errorf("%w: %s: %v", ErrExternal, op, err)
	}

	completion, ok := out.(ai.Completion)
	if !ok || strings.TrimSpace(completion.Text) == "" {
		metrics.RecordGatewayCall(op, "error", resp.Latency)
		util.LoggerFromContext(ctx).Warn("llm returned empty payload", "op", op)
		return resp, fmt.Errorf("%w: %s: empty payload", ErrExternal, op)
	}
	metrics.RecordGatewayCall(op, "ok", resp.Latency)
	if completion.Usage != nil {
		metrics.RecordTokens(completion.Usage.InputTokens, completion.Usage.OutputTokens)
	}
	resp.OutputText = strings.TrimSpace(completion.Text)
	resp.Usage = completion.Usage
	resp.IsFallback = false
	return resp, nil
}
