package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// blockingEngine waits for the context on every call.
type blockingEngine struct {
	mockEngine
}

func (b *blockingEngine) Chat(ctx context.Context, _ string, _ []Message, _ *Schema) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func (b *blockingEngine) Embed(ctx context.Context, _ string, _ string) ([]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestLimited_ChatTimeout(t *testing.T) {
	l := WithLimits(&blockingEngine{}, Limits{ChatTimeout: 20 * time.Millisecond})

	_, err := l.Chat(context.Background(), "llama3.2", nil, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if !strings.Contains(err.Error(), "chat timed out") {
		t.Errorf("err = %q, want timeout message", err)
	}
}

func TestLimited_EmbedTimeout(t *testing.T) {
	l := WithLimits(&blockingEngine{}, Limits{EmbedTimeout: 20 * time.Millisecond})

	_, err := l.Embed(context.Background(), "nomic-embed-text", "x")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestLimited_PassesThrough(t *testing.T) {
	m := &mockEngine{isRunning: true, models: map[string]bool{"llama3.2": true}}
	l := WithLimits(m, DefaultLimits)

	out, err := l.Chat(context.Background(), "llama3.2", []Message{{Role: "user", Content: "ping"}}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if out != "pong" || m.chats != 1 {
		t.Errorf("out = %q chats = %d", out, m.chats)
	}
	if !l.IsRunning(context.Background()) || !l.HasModel(context.Background(), "llama3.2") {
		t.Error("pass-through methods lost")
	}
}

func TestLimited_RateLimitHonoursCancellation(t *testing.T) {
	m := &mockEngine{isRunning: true}
	l := WithLimits(m, Limits{RatePerSec: 0.001, Burst: 1})

	if _, err := l.Chat(context.Background(), "llama3.2", nil, nil); err != nil {
		t.Fatalf("first call: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Chat(ctx, "llama3.2", nil, nil); err == nil {
		t.Fatal("expected rate limit wait to fail")
	}
	if m.chats != 1 {
		t.Errorf("chats = %d, want 1", m.chats)
	}
}
