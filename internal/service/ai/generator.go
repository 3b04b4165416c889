// Package ai wraps the language model calls the bot makes.
package ai

import (
	"context"
	"errors"
	"fmt"
)

// Generator turns a fully built prompt into reply text.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// GeneratorFunc adapts a plain function to Generator.
type GeneratorFunc func(ctx context.Context, prompt string) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// GenerationError reports a failed or empty model call.
type GenerationError struct {
	Provider string
	Err      error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate with %s: %v", e.Provider, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// ErrEmptyResponse is returned when the model answered with no text.
var ErrEmptyResponse = errors.New("empty response")
