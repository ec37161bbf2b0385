package mock

import (
	"context"

	"github.com/aaronpan007/zhaoyaojing/pkg/models"
)

// MockProvider satisfies models.AIProvider for testing and for running the
// service without an API key (AI_PROVIDER=mock).
type MockProvider struct {
	Name_              string
	CompleteFunc       func(ctx context.Context, req models.CompletionRequest) (string, error)
	CompleteVisionFunc func(ctx context.Context, req models.VisionRequest) (string, error)
}

func (m *MockProvider) Name() string { return m.Name_ }

func (m *MockProvider) Complete(ctx context.Context, req models.CompletionRequest) (string, error) {
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, req)
	}
	return "", nil
}

func (m *MockProvider) CompleteVision(ctx context.Context, req models.VisionRequest) (string, error) {
	if m.CompleteVisionFunc != nil {
		return m.CompleteVisionFunc(ctx, req)
	}
	return "", nil
}

// NewMockProvider returns a MockProvider with sensible default responses.
// The canned completion carries a risk keyword and numbered findings so the
// downstream report assembly has something real to parse.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock",
		CompleteFunc: func(_ context.Context, _ models.CompletionRequest) (string, error) {
			return "风险等级：中等风险\n\n关键发现：\n" +
				"1. 交往时间较短，对方信息真实性有待核实\n" +
				"2. 对话中出现投资理财相关话题，需保持警惕\n" +
				"3. 建议通过视频通话等方式确认对方身份\n\n" +
				"最终建议：请谨慎对待金钱往来，勿在未经核实的情况下转账。", nil
		},
		CompleteVisionFunc: func(_ context.Context, _ models.VisionRequest) (string, error) {
			return "图片内容：社交软件聊天截图，对话中提及投资收益话题。", nil
		},
	}
}

// NewFailingProvider returns a MockProvider that always returns the given error.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		Name_: "mock-failing",
		CompleteFunc: func(_ context.Context, _ models.CompletionRequest) (string, error) {
			return "", err
		},
		CompleteVisionFunc: func(_ context.Context, _ models.VisionRequest) (string, error) {
			return "", err
		},
	}
}

// Compile-time check that MockProvider implements AIProvider.
var _ models.AIProvider = (*MockProvider)(nil)
