package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/aaronpan007/zhaoyaojing/internal/ai"
	"github.com/aaronpan007/zhaoyaojing/internal/ai/mock"
	"github.com/aaronpan007/zhaoyaojing/internal/rag"
	"github.com/aaronpan007/zhaoyaojing/internal/store"
	"github.com/aaronpan007/zhaoyaojing/internal/transcribe"
	"github.com/aaronpan007/zhaoyaojing/internal/upload"
	"github.com/aaronpan007/zhaoyaojing/pkg/models"
	"github.com/aaronpan007/zhaoyaojing/pkg/prompt"
)

// --- stubs ---

type stubRAG struct {
	mu     sync.Mutex
	result *rag.QueryResult
	err    error
	lastReq rag.QueryRequest
	calls   int
}

func (s *stubRAG) Query(_ context.Context, req rag.QueryRequest) (*rag.QueryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastReq = req
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func (s *stubRAG) Status(_ context.Context) (*rag.ServiceStatus, error) {
	return &rag.ServiceStatus{Status: "healthy"}, nil
}

func (s *stubRAG) last() rag.QueryRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReq
}

type stubTranscriber struct {
	mu    sync.Mutex
	text  string
	err   error
	calls int
}

func (s *stubTranscriber) Transcribe(_ context.Context, _ transcribe.Request) (*transcribe.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &transcribe.Result{Text: s.text}, nil
}

// recordingStore wraps a Store and captures the progress/step written by each
// successful UpdateTask, read back post-clamp.
type recordingStore struct {
	store.Store
	mu       sync.Mutex
	progress []int
	steps    []string
}

func (r *recordingStore) UpdateTask(ctx context.Context, id uuid.UUID, status string, opts ...store.TaskUpdateOption) error {
	err := r.Store.UpdateTask(ctx, id, status, opts...)
	if err == nil {
		if task, gerr := r.Store.GetTask(ctx, id); gerr == nil {
			r.mu.Lock()
			r.progress = append(r.progress, task.Progress)
			r.steps = append(r.steps, task.CurrentStep)
			r.mu.Unlock()
		}
	}
	return err
}

// --- helpers ---

const testSynthesis = "风险等级：高风险\n\n关键发现：\n1. 声称从事外汇交易\n2. 引导下载陌生投资软件\n\n最终建议：立即停止转账并核实对方身份。"

func healthyProvider() *mock.MockProvider {
	return &mock.MockProvider{
		Name_: "mock",
		CompleteFunc: func(_ context.Context, req models.CompletionRequest) (string, error) {
			switch req.MaxTokens {
			case enhanceMaxTokens:
				return "杀猪盘 投资诈骗 情感操控", nil
			case transcriptMaxTokens:
				return "语音提及高回报投资，存在诱导迹象。", nil
			default:
				return testSynthesis, nil
			}
		},
		CompleteVisionFunc: func(_ context.Context, _ models.VisionRequest) (string, error) {
			return "聊天截图中出现转账请求。", nil
		},
	}
}

func healthyRAG() *stubRAG {
	return &stubRAG{result: &rag.QueryResult{
		Answer:       "杀猪盘通常以外汇、虚拟币投资为诱饵。",
		Sources:      []string{"反诈知识库 第3章"},
		SourcesCount: 1,
		StorageType:  "cloudflare_r2",
	}}
}

type env struct {
	store    *recordingStore
	rag      *stubRAG
	tr       *stubTranscriber
	provider *mock.MockProvider
	pipe     *Pipeline
}

func newTestEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		store:    &recordingStore{Store: store.NewMemoryStore()},
		rag:      healthyRAG(),
		tr:       &stubTranscriber{text: "他说自己是外汇分析师，让我下载一个软件。"},
		provider: healthyProvider(),
	}
	e.rebuild()
	return e
}

// rebuild recreates the pipeline after a test swaps a collaborator.
func (e *env) rebuild() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e.pipe = New(e.store, e.provider, e.tr, e.rag, Options{}, logger)
}

func testInput() models.InputSnapshot {
	return models.InputSnapshot{
		Nickname:         "小王",
		Profession:       "外汇交易员",
		Age:              "29",
		BioOrChatHistory: "认识两周，每天聊投资收益。",
	}
}

func createTask(t *testing.T, e *env, input models.InputSnapshot) *models.Task {
	t.Helper()
	task, err := e.store.CreateTask(context.Background(), input)
	if err != nil {
		t.Fatalf("creating task: %v", err)
	}
	return task
}

func writeMediaFile(t *testing.T, name, mimeType, kind string, data []byte) upload.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("writing media file: %v", err)
	}
	return upload.File{
		Path:     path,
		Filename: name,
		MimeType: mimeType,
		Size:     int64(len(data)),
		Kind:     kind,
	}
}

func testImage(t *testing.T, name string) upload.File {
	return writeMediaFile(t, name, "image/png", upload.KindImage, []byte{0x89, 0x50, 0x4E, 0x47})
}

func testAudio(t *testing.T, name string) upload.File {
	return writeMediaFile(t, name, "audio/wav", upload.KindAudio, []byte("RIFF fake"))
}

func getTask(t *testing.T, e *env, id uuid.UUID) *models.Task {
	t.Helper()
	task, err := e.store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("getting task: %v", err)
	}
	return task
}

// --- tests ---

func TestProcess_FullSuccess(t *testing.T) {
	e := newTestEnv(t)
	task := createTask(t, e, testInput())
	files := []upload.File{testImage(t, "chat1.png"), testImage(t, "chat2.png"), testAudio(t, "voice.wav")}

	e.pipe.Process(task.ID, files)

	got := getTask(t, e, task.ID)
	if got.Status != models.TaskStatusCompleted {
		t.Fatalf("expected status completed, got %s (error=%v)", got.Status, got.ErrorMessage)
	}
	if got.Progress != 100 {
		t.Errorf("expected progress 100, got %d", got.Progress)
	}
	if got.Result == nil {
		t.Fatal("expected result, got nil")
	}
	if got.ProcessingTime == nil || *got.ProcessingTime < 0 {
		t.Errorf("expected non-negative processing time, got %v", got.ProcessingTime)
	}

	report := got.Result
	if !report.Success {
		t.Error("expected success report")
	}
	if report.WarningReport.RiskLevel != "high" {
		t.Errorf("expected risk level high, got %q", report.WarningReport.RiskLevel)
	}
	if len(report.WarningReport.KeyFindings) != 2 {
		t.Errorf("expected 2 key findings, got %v", report.WarningReport.KeyFindings)
	}
	if report.WarningReport.FinalSuggestion != "立即停止转账并核实对方身份。" {
		t.Errorf("unexpected final suggestion %q", report.WarningReport.FinalSuggestion)
	}
	if report.WarningReport.ConfidenceLevel != "高" {
		t.Errorf("expected confidence 高, got %q", report.WarningReport.ConfidenceLevel)
	}
	meta := report.WarningReport.AnalysisMetadata
	if meta.ProcessedImages != 2 || !meta.TranscribedAudio {
		t.Errorf("unexpected media metadata: images=%d transcribed=%v", meta.ProcessedImages, meta.TranscribedAudio)
	}
	if meta.StorageType != "cloudflare_r2" {
		t.Errorf("expected storage type cloudflare_r2, got %q", meta.StorageType)
	}
	if report.RAGKnowledge.Status != "active" {
		t.Errorf("expected rag status active, got %q", report.RAGKnowledge.Status)
	}

	if req := e.rag.last(); req.TopK != 5 {
		t.Errorf("expected top_k 5, got %d", req.TopK)
	}
	if req := e.rag.last(); req.Question != "杀猪盘 投资诈骗 情感操控" {
		t.Errorf("expected enhanced query, got %q", req.Question)
	}
	if e.tr.calls != 1 {
		t.Errorf("expected 1 transcription call, got %d", e.tr.calls)
	}

	for _, f := range files {
		if _, err := os.Stat(f.Path); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("expected %s removed, stat err = %v", f.Filename, err)
		}
	}
}

func TestProcess_ProgressMonotone(t *testing.T) {
	e := newTestEnv(t)
	task := createTask(t, e, testInput())

	e.pipe.Process(task.ID, []upload.File{testImage(t, "chat.png"), testAudio(t, "voice.wav")})

	e.store.mu.Lock()
	progress := append([]int(nil), e.store.progress...)
	steps := append([]string(nil), e.store.steps...)
	e.store.mu.Unlock()

	if len(progress) < 3 {
		t.Fatalf("expected at least 3 progress checkpoints, got %v", progress)
	}
	distinct := map[int]bool{}
	for i, p := range progress {
		distinct[p] = true
		if i > 0 && p < progress[i-1] {
			t.Fatalf("progress went backwards at %d: %v", i, progress)
		}
		if p > 99 {
			t.Fatalf("intermediate progress above 99: %v", progress)
		}
	}
	if len(distinct) < 3 {
		t.Errorf("expected at least 3 distinct progress values, got %v", progress)
	}

	joined := strings.Join(steps, "|")
	for _, want := range []string{"验证输入数据", "分析上传内容 (1/2)", "分析上传内容 (2/2)", "优化检索查询", "检索知识库", "生成分析报告", "整理报告"} {
		if !strings.Contains(joined, want) {
			t.Errorf("expected step %q in %v", want, steps)
		}
	}
}

func TestProcess_MissingNickname(t *testing.T) {
	e := newTestEnv(t)
	task := createTask(t, e, models.InputSnapshot{Nickname: "   "})
	audio := testAudio(t, "voice.wav")

	e.pipe.Process(task.ID, []upload.File{audio})

	got := getTask(t, e, task.ID)
	if got.Status != models.TaskStatusFailed {
		t.Fatalf("expected status failed, got %s", got.Status)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "缺少必要信息：昵称" {
		t.Errorf("unexpected error message %v", got.ErrorMessage)
	}
	if got.Result != nil {
		t.Error("expected no result on failed task")
	}
	if e.rag.calls != 0 || e.tr.calls != 0 {
		t.Error("expected no collaborator calls after validation failure")
	}
	if _, err := os.Stat(audio.Path); !errors.Is(err, os.ErrNotExist) {
		t.Error("expected attachment removed after validation failure")
	}
}

func TestProcess_AllCollaboratorsFail(t *testing.T) {
	e := newTestEnv(t)
	e.provider = mock.NewFailingProvider(ai.ErrProviderUnavailable)
	e.tr.err = transcribe.ErrUnreachable
	e.rag.err = rag.ErrUnreachable
	e.rebuild()

	task := createTask(t, e, testInput())
	e.pipe.Process(task.ID, []upload.File{testImage(t, "chat.png"), testAudio(t, "voice.wav")})

	got := getTask(t, e, task.ID)
	if got.Status != models.TaskStatusCompleted {
		t.Fatalf("expected degraded completion, got %s (error=%v)", got.Status, got.ErrorMessage)
	}
	report := got.Result
	if report == nil {
		t.Fatal("expected result")
	}
	if !report.Success {
		t.Error("degraded completion still reports success")
	}
	if report.WarningReport.ConfidenceLevel != "低" {
		t.Errorf("expected confidence 低, got %q", report.WarningReport.ConfidenceLevel)
	}
	if report.WarningReport.RiskLevel != "medium" {
		t.Errorf("expected fallback risk medium, got %q", report.WarningReport.RiskLevel)
	}
	meta := report.WarningReport.AnalysisMetadata
	if meta.ProcessedImages != 0 || meta.TranscribedAudio {
		t.Errorf("expected no media successes, got images=%d transcribed=%v", meta.ProcessedImages, meta.TranscribedAudio)
	}
	if meta.StorageType != "fallback_mode" {
		t.Errorf("expected fallback_mode storage, got %q", meta.StorageType)
	}
	if report.RAGKnowledge.Status != "error" {
		t.Errorf("expected rag status error, got %q", report.RAGKnowledge.Status)
	}
}

func TestProcess_RAGDegraded(t *testing.T) {
	e := newTestEnv(t)
	e.rag.err = rag.ErrTimeout

	task := createTask(t, e, testInput())
	e.pipe.Process(task.ID, nil)

	got := getTask(t, e, task.ID)
	if got.Status != models.TaskStatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	report := got.Result
	if report.WarningReport.ConfidenceLevel != "中" {
		t.Errorf("expected confidence 中, got %q", report.WarningReport.ConfidenceLevel)
	}
	if report.RAGKnowledge.Status != "error" {
		t.Errorf("expected rag status error, got %q", report.RAGKnowledge.Status)
	}
	if report.RAGKnowledge.KnowledgeAnswer != "系统暂时无法访问知识库，将使用AI基础知识进行分析。" {
		t.Errorf("unexpected fallback answer %q", report.RAGKnowledge.KnowledgeAnswer)
	}
	if report.WarningReport.AnalysisMetadata.RAGSourcesCount != 0 {
		t.Error("expected zero rag sources in fallback")
	}
}

func TestProcess_MediaItemFailureMarker(t *testing.T) {
	e := newTestEnv(t)
	var synthesisPrompt string
	var mu sync.Mutex
	base := healthyProvider()
	e.provider = &mock.MockProvider{
		Name_: "mock",
		CompleteFunc: func(ctx context.Context, req models.CompletionRequest) (string, error) {
			if req.MaxTokens == synthesisMaxTokens {
				mu.Lock()
				synthesisPrompt = req.SystemPrompt
				mu.Unlock()
			}
			return base.CompleteFunc(ctx, req)
		},
		CompleteVisionFunc: func(_ context.Context, _ models.VisionRequest) (string, error) {
			return "", context.DeadlineExceeded
		},
	}
	e.rebuild()

	task := createTask(t, e, testInput())
	e.pipe.Process(task.ID, []upload.File{testImage(t, "chat.png"), testAudio(t, "voice.wav")})

	got := getTask(t, e, task.ID)
	if got.Status != models.TaskStatusCompleted {
		t.Fatalf("expected completed despite item failure, got %s", got.Status)
	}
	meta := got.Result.WarningReport.AnalysisMetadata
	if meta.ProcessedImages != 0 {
		t.Errorf("failed image should not count as processed, got %d", meta.ProcessedImages)
	}
	if !meta.TranscribedAudio {
		t.Error("audio item should still succeed")
	}

	mu.Lock()
	defer mu.Unlock()
	if !strings.Contains(synthesisPrompt, "[分析失败: "+ai.ErrInferenceTimeout.Error()+"]") {
		t.Errorf("expected timeout failure marker in synthesis prompt, got %q", synthesisPrompt)
	}
	if !strings.Contains(synthesisPrompt, "语音 voice.wav") {
		t.Errorf("expected audio note in synthesis prompt, got %q", synthesisPrompt)
	}
}

func TestProcess_AudioFallsBackToTranscript(t *testing.T) {
	e := newTestEnv(t)
	base := healthyProvider()
	var synthesisPrompt string
	var mu sync.Mutex
	e.provider = &mock.MockProvider{
		Name_: "mock",
		CompleteFunc: func(ctx context.Context, req models.CompletionRequest) (string, error) {
			switch req.MaxTokens {
			case transcriptMaxTokens:
				return "", ai.ErrProviderUnavailable
			case synthesisMaxTokens:
				mu.Lock()
				synthesisPrompt = req.SystemPrompt
				mu.Unlock()
			}
			return base.CompleteFunc(ctx, req)
		},
	}
	e.rebuild()

	task := createTask(t, e, testInput())
	e.pipe.Process(task.ID, []upload.File{testAudio(t, "voice.wav")})

	got := getTask(t, e, task.ID)
	if got.Status != models.TaskStatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if !got.Result.WarningReport.AnalysisMetadata.TranscribedAudio {
		t.Error("transcription succeeded, metadata should record it")
	}

	mu.Lock()
	defer mu.Unlock()
	if !strings.Contains(synthesisPrompt, "原始转写") {
		t.Errorf("expected raw-transcript note, got %q", synthesisPrompt)
	}
	if !strings.Contains(synthesisPrompt, e.tr.text) {
		t.Errorf("expected transcript text in note, got %q", synthesisPrompt)
	}
}

func TestProcess_EnhancementFallsBackToOriginalQuery(t *testing.T) {
	e := newTestEnv(t)
	base := healthyProvider()
	e.provider = &mock.MockProvider{
		Name_: "mock",
		CompleteFunc: func(ctx context.Context, req models.CompletionRequest) (string, error) {
			if req.MaxTokens == enhanceMaxTokens {
				return "", ai.ErrProviderUnavailable
			}
			return base.CompleteFunc(ctx, req)
		},
		CompleteVisionFunc: base.CompleteVisionFunc,
	}
	e.rebuild()

	input := testInput()
	task := createTask(t, e, input)
	e.pipe.Process(task.ID, nil)

	var b prompt.Builder
	want := b.BuildRetrievalQuery(input)
	if got := e.rag.last().Question; got != want {
		t.Errorf("expected original query %q, got %q", want, got)
	}

	got := getTask(t, e, task.ID)
	if got.Status != models.TaskStatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.Result.WarningReport.ConfidenceLevel != "高" {
		t.Errorf("enhancement failure alone should not lower confidence, got %q", got.Result.WarningReport.ConfidenceLevel)
	}
}

func TestProcess_PanicBecomesFailed(t *testing.T) {
	e := newTestEnv(t)
	e.provider = &mock.MockProvider{
		Name_: "mock",
		CompleteFunc: func(_ context.Context, _ models.CompletionRequest) (string, error) {
			panic("synthesis exploded")
		},
	}
	e.rebuild()

	task := createTask(t, e, testInput())
	audio := testAudio(t, "voice.wav")
	e.pipe.Process(task.ID, []upload.File{audio})

	got := getTask(t, e, task.ID)
	if got.Status != models.TaskStatusFailed {
		t.Fatalf("expected failed after panic, got %s", got.Status)
	}
	if got.ErrorMessage == nil || !strings.Contains(*got.ErrorMessage, "synthesis exploded") {
		t.Errorf("expected panic text in error message, got %v", got.ErrorMessage)
	}
	if _, err := os.Stat(audio.Path); !errors.Is(err, os.ErrNotExist) {
		t.Error("expected attachment removed after panic")
	}
}

func TestProcess_UnknownTask(t *testing.T) {
	e := newTestEnv(t)
	// Must not panic or create state.
	e.pipe.Process(uuid.New(), nil)
	if e.rag.calls != 0 {
		t.Error("expected no rag calls for unknown task")
	}
}

func TestProcess_TerminalTaskSkipped(t *testing.T) {
	e := newTestEnv(t)
	task := createTask(t, e, testInput())
	if err := e.store.SetError(context.Background(), task.ID, "手动终止"); err != nil {
		t.Fatalf("seeding terminal state: %v", err)
	}

	e.pipe.Process(task.ID, nil)

	got := getTask(t, e, task.ID)
	if got.Status != models.TaskStatusFailed {
		t.Fatalf("terminal status must not change, got %s", got.Status)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "手动终止" {
		t.Errorf("error message must not change, got %v", got.ErrorMessage)
	}
	if e.rag.calls != 0 {
		t.Error("expected no processing of terminal task")
	}
}

func TestProcess_NoMedia(t *testing.T) {
	e := newTestEnv(t)
	visionCalls := 0
	base := healthyProvider()
	e.provider = &mock.MockProvider{
		Name_:        "mock",
		CompleteFunc: base.CompleteFunc,
		CompleteVisionFunc: func(ctx context.Context, req models.VisionRequest) (string, error) {
			visionCalls++
			return base.CompleteVisionFunc(ctx, req)
		},
	}
	e.rebuild()

	task := createTask(t, e, testInput())
	e.pipe.Process(task.ID, nil)

	got := getTask(t, e, task.ID)
	if got.Status != models.TaskStatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	meta := got.Result.WarningReport.AnalysisMetadata
	if meta.ProcessedImages != 0 || meta.TranscribedAudio {
		t.Errorf("expected empty media metadata, got images=%d transcribed=%v", meta.ProcessedImages, meta.TranscribedAudio)
	}
	if visionCalls != 0 || e.tr.calls != 0 {
		t.Error("expected no media collaborator calls")
	}
}

func TestMediaProgress(t *testing.T) {
	tests := []struct {
		i, total, want int
	}{
		{0, 1, 10},
		{0, 2, 10},
		{1, 2, 27},
		{0, 4, 10},
		{3, 4, 36},
		{0, 0, 10},
	}
	for _, tt := range tests {
		if got := mediaProgress(tt.i, tt.total); got != tt.want {
			t.Errorf("mediaProgress(%d, %d) = %d, want %d", tt.i, tt.total, got, tt.want)
		}
	}
}

func TestTruncateRunes(t *testing.T) {
	if got := truncateRunes("风险评估报告", 3); got != "风险评" {
		t.Errorf("expected 3-rune cut, got %q", got)
	}
	if got := truncateRunes("short", 10); got != "short" {
		t.Errorf("expected unchanged string, got %q", got)
	}
}
