// Package engine is the model backend shared by note embedding and answer
// synthesis, with the rate and deadline limits every call runs under.
package engine

import "context"

// Engine is a local inference server that serves both the embedding model
// and the language model.
type Engine interface {
	// Chat returns the assistant reply to messages. A non-nil format
	// constrains the reply to JSON matching that schema.
	Chat(ctx context.Context, model string, messages []Message, format *Schema) (string, error)

	// Embed returns the vector of text under model.
	Embed(ctx context.Context, model string, text string) ([]float32, error)

	IsRunning(ctx context.Context) bool
	ListModels(ctx context.Context) ([]string, error)
	// HasModel matches a bare name against any local tag of that model.
	HasModel(ctx context.Context, name string) bool
	// PullModel downloads name; onProgress may be nil.
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}
