package ai

import (
	"fmt"

	"github.com/aaronpan007/zhaoyaojing/internal/ai/mock"
	"github.com/aaronpan007/zhaoyaojing/internal/ai/openai"
	"github.com/aaronpan007/zhaoyaojing/internal/config"
	"github.com/aaronpan007/zhaoyaojing/pkg/models"
)

// NewProvider constructs the appropriate AI provider based on config.
// Called once at server startup.
func NewProvider(cfg config.AIConfig) (models.AIProvider, error) {
	switch cfg.Provider {
	case "openai":
		return openai.NewProvider(cfg.OpenAI, cfg.Timeout), nil
	case "mock":
		return mock.NewMockProvider(), nil
	default:
		return nil, fmt.Errorf("unknown AI provider %q: must be one of openai, mock", cfg.Provider)
	}
}
