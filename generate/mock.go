package generate

import (
	"context"
	"log/slog"
)

// MockProvider is a canned provider for local development.
type MockProvider struct {
	logger *slog.Logger
}

// NewMockProvider creates a new mock provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// Name implements Provider.
func (m *MockProvider) Name() string {
	return "mock"
}

// Generate logs the prompt instead of calling a model.
func (m *MockProvider) Generate(ctx context.Context, prompt string) (string, error) {
	m.logger.Info("MOCK GENERATE", "prompt_length", len(prompt))
	return "I'd roast this, but it already looks well done.", nil
}
