package multi

import (
	log "github.com/sirupsen/logrus"

	"github.com/pario-ai/llmgate/pkg/backend"
	"github.com/pario-ai/llmgate/pkg/backend/anthropic"
	"github.com/pario-ai/llmgate/pkg/backend/ollama"
	"github.com/pario-ai/llmgate/pkg/backend/openai"
)

// DefaultFactories returns factories for the built-in providers, keyed by
// the provider prefix used in model ids.
func DefaultFactories() map[string]Factory {
	return map[string]Factory{
		openai.ID: func(cfg backend.Config, logger log.FieldLogger) (backend.Backend, error) {
			return openai.New(cfg, openai.WithLogger(logger)), nil
		},
		anthropic.ID: func(cfg backend.Config, logger log.FieldLogger) (backend.Backend, error) {
			return anthropic.New(cfg, anthropic.WithLogger(logger)), nil
		},
		ollama.ID: func(cfg backend.Config, logger log.FieldLogger) (backend.Backend, error) {
			return ollama.New(cfg, ollama.WithLogger(logger)), nil
		},
	}
}
