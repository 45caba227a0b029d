package engine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Limits bound every external model call. Zero timeouts disable the
// corresponding deadline; a zero rate disables throttling.
type Limits struct {
	ChatTimeout  time.Duration
	EmbedTimeout time.Duration
	RatePerSec   float64
	Burst        int
}

// DefaultLimits are used when configuration leaves a field unset.
var DefaultLimits = Limits{
	ChatTimeout:  60 * time.Second,
	EmbedTimeout: 10 * time.Second,
	RatePerSec:   10,
	Burst:        5,
}

// Limited wraps an Engine so Chat and Embed share one token-bucket limiter
// and run under per-call deadlines. Other methods pass through.
type Limited struct {
	Engine
	limits  Limits
	limiter *rate.Limiter
}

// WithLimits wraps e.
func WithLimits(e Engine, l Limits) *Limited {
	limit := rate.Inf
	if l.RatePerSec > 0 {
		limit = rate.Limit(l.RatePerSec)
	}
	burst := l.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limited{Engine: e, limits: l, limiter: rate.NewLimiter(limit, burst)}
}

func (l *Limited) Chat(ctx context.Context, model string, messages []Message, format *Schema) (string, error) {
	ctx, cancel := withTimeout(ctx, l.limits.ChatTimeout)
	defer cancel()
	if err := l.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("chat rate limit: %w", err)
	}
	out, err := l.Engine.Chat(ctx, model, messages, format)
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("chat timed out after %s: %w", l.limits.ChatTimeout, err)
	}
	return out, err
}

func (l *Limited) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	ctx, cancel := withTimeout(ctx, l.limits.EmbedTimeout)
	defer cancel()
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("embed rate limit: %w", err)
	}
	vec, err := l.Engine.Embed(ctx, model, text)
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("embed timed out after %s: %w", l.limits.EmbedTimeout, err)
	}
	return vec, err
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
