// Package pipeline executes the staged analysis for one task and drives its
// store record to a terminal state.
//
// Only stage 1 (validation) fails a task; every later stage degrades to a
// fallback value on collaborator failure so the task still completes. A panic
// anywhere is caught at the top level and recorded as the task's error —
// the only other path to failed.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aaronpan007/zhaoyaojing/internal/ai"
	"github.com/aaronpan007/zhaoyaojing/internal/analysis"
	"github.com/aaronpan007/zhaoyaojing/internal/rag"
	"github.com/aaronpan007/zhaoyaojing/internal/store"
	"github.com/aaronpan007/zhaoyaojing/internal/transcribe"
	"github.com/aaronpan007/zhaoyaojing/internal/upload"
	"github.com/aaronpan007/zhaoyaojing/internal/worker"
	"github.com/aaronpan007/zhaoyaojing/pkg/models"
	"github.com/aaronpan007/zhaoyaojing/pkg/prompt"
)

// Stage labels shown to the polling client.
const (
	stepValidate   = "验证输入数据"
	stepMedia      = "分析上传内容"
	stepEnhance    = "优化检索查询"
	stepRetrieve   = "检索知识库"
	stepSynthesize = "生成分析报告"
	stepAssemble   = "整理报告"
)

// Progress checkpoints per stage. Media analysis advances from 10 towards 45
// as items complete; the remaining stages are fixed points.
const (
	progressValidate   = 5
	progressMediaLow   = 10
	progressMediaHigh  = 45
	progressEnhance    = 55
	progressRetrieve   = 65
	progressSynthesize = 85
	progressAssemble   = 95
)

// Sampling parameters per call type, matching the product's tuning: near-zero
// temperature for mechanical rewrites, higher for the narrative report.
const (
	enhanceTemperature    = 0.3
	enhanceMaxTokens      = 100
	transcriptTemperature = 0.3
	transcriptMaxTokens   = 500
	visionMaxTokens       = 500
	synthesisTemperature  = 0.7
	synthesisMaxTokens    = 2000
)

// maxQueryRunes caps the enhanced retrieval query, mirroring the builder's
// budget for the original query.
const maxQueryRunes = 100

// maxNoteRunes caps each per-item media note fed into synthesis.
const maxNoteRunes = 500

const errMissingNickname = "缺少必要信息：昵称"

// Options tunes collaborator budgets. Zero values take defaults.
type Options struct {
	AITimeout         time.Duration
	TranscribeTimeout time.Duration
	RAGTimeout        time.Duration
	RAGTopK           int
}

func (o Options) withDefaults() Options {
	if o.AITimeout <= 0 {
		o.AITimeout = 60 * time.Second
	}
	if o.TranscribeTimeout <= 0 {
		o.TranscribeTimeout = 120 * time.Second
	}
	if o.RAGTimeout <= 0 {
		o.RAGTimeout = 30 * time.Second
	}
	if o.RAGTopK <= 0 {
		o.RAGTopK = 5
	}
	return o
}

// Pipeline runs tasks against the configured collaborators. Safe for
// concurrent use; all task state lives in the store.
type Pipeline struct {
	store       store.Store
	provider    models.AIProvider
	transcriber transcribe.Client
	rag         rag.Client
	prompts     prompt.Builder
	opts        Options
	logger      *slog.Logger
}

// New creates a Pipeline.
func New(st store.Store, provider models.AIProvider, transcriber transcribe.Client, ragClient rag.Client, opts Options, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		store:       st,
		provider:    provider,
		transcriber: transcriber,
		rag:         ragClient,
		opts:        opts.withDefaults(),
		logger:      logger,
	}
}

// Process runs the full stage sequence for one task. Called by a worker
// goroutine; never returns an error — every outcome is written to the store.
// Attachments are removed on all exit paths.
func (p *Pipeline) Process(taskID uuid.UUID, files []upload.File) {
	ctx := context.Background()

	defer func() {
		if err := upload.Remove(files); err != nil {
			p.logger.Warn("removing task attachments", "task_id", taskID, "error", err)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic in pipeline", "task_id", taskID, "error", r)
			p.fail(ctx, taskID, fmt.Sprintf("内部错误: %v", r))
		}
	}()

	task, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		p.logger.Warn("task vanished before processing", "task_id", taskID, "error", err)
		return
	}
	if task.Terminal() {
		p.logger.Warn("task already terminal, skipping", "task_id", taskID, "status", task.Status)
		return
	}
	input := task.Input

	// Stage 1: validation. The submission handler already rejects these, so
	// a hit here means the task arrived through another path.
	p.update(ctx, taskID, progressValidate, stepValidate)
	if strings.TrimSpace(input.Nickname) == "" {
		p.fail(ctx, taskID, errMissingNickname)
		return
	}

	// Stage 2: per-item media analysis. Item failures degrade to an inline
	// marker; the pipeline keeps going.
	findings, imagesProcessed, audioTranscribed := p.analyzeMedia(ctx, taskID, files)

	// Stage 3: retrieval query, optionally rewritten by the LLM for recall.
	p.update(ctx, taskID, progressEnhance, stepEnhance)
	query := p.enhanceQuery(ctx, taskID, p.prompts.BuildRetrievalQuery(input))

	// Stage 4: knowledge-base retrieval under a hard timeout.
	p.update(ctx, taskID, progressRetrieve, stepRetrieve)
	ragResult, ragDegraded := p.retrieve(ctx, taskID, query, input)

	// Stage 5: synthesis. An empty result here makes BuildReport substitute
	// the structured low-confidence fallback.
	p.update(ctx, taskID, progressSynthesize, stepSynthesize)
	synthesis := p.synthesize(ctx, taskID, input, findings, ragResult)

	// Stage 6: assemble and complete.
	p.update(ctx, taskID, progressAssemble, stepAssemble)
	report := analysis.BuildReport(analysis.ReportParams{
		Input:            input,
		Synthesis:        synthesis,
		RAG:              ragResult,
		RAGDegraded:      ragDegraded,
		ProcessedImages:  imagesProcessed,
		AudioTranscribed: audioTranscribed,
		Elapsed:          time.Since(task.CreatedAt),
	})
	if err := p.store.SetResult(ctx, taskID, report); err != nil {
		p.logger.Warn("storing task result", "task_id", taskID, "error", err)
		return
	}
	p.logger.Info("task completed", "task_id", taskID, "risk_level", report.WarningReport.RiskLevel)
}

// analyzeMedia processes each attachment in order, advancing progress across
// the media band. Returns the per-item notes, the count of successfully
// analyzed images, and whether an audio item was transcribed.
func (p *Pipeline) analyzeMedia(ctx context.Context, taskID uuid.UUID, files []upload.File) (notes []string, images int, transcribed bool) {
	total := len(files)
	for i, f := range files {
		p.update(ctx, taskID, mediaProgress(i, total), fmt.Sprintf("%s (%d/%d)", stepMedia, i+1, total))

		var note string
		var err error
		switch f.Kind {
		case upload.KindImage:
			note, err = p.analyzeImage(ctx, f)
			if err == nil {
				images++
			}
		case upload.KindAudio:
			note, err = p.analyzeAudio(ctx, f)
			if err == nil {
				transcribed = true
			}
		default:
			err = fmt.Errorf("unknown attachment kind %q", f.Kind)
		}

		if err != nil {
			p.logger.Warn("media item analysis failed", "task_id", taskID, "file", f.Filename, "error", err)
			note = fmt.Sprintf("%s %s：[分析失败: %v]", kindLabel(f.Kind), f.Filename, degradeReason(err))
		}
		notes = append(notes, truncateRunes(note, maxNoteRunes))
	}
	return notes, images, transcribed
}

func (p *Pipeline) analyzeImage(ctx context.Context, f upload.File) (string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", fmt.Errorf("reading image: %w", err)
	}

	aiCtx, cancel := context.WithTimeout(ctx, p.opts.AITimeout)
	defer cancel()

	text, err := p.provider.CompleteVision(aiCtx, models.VisionRequest{
		Prompt:    p.prompts.BuildImagePrompt(),
		Data:      data,
		MimeType:  f.MimeType,
		MaxTokens: visionMaxTokens,
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", ai.ErrInvalidResponse
	}
	return fmt.Sprintf("图片 %s：%s", f.Filename, strings.TrimSpace(text)), nil
}

// analyzeAudio transcribes the audio and analyzes the transcript. When the
// transcript analysis fails, the raw transcript itself becomes the note —
// partial information beats a failure marker.
func (p *Pipeline) analyzeAudio(ctx context.Context, f upload.File) (string, error) {
	trCtx, cancel := context.WithTimeout(ctx, p.opts.TranscribeTimeout)
	defer cancel()

	result, err := p.transcriber.Transcribe(trCtx, transcribe.Request{
		AudioPath: f.Path,
		MimeType:  f.MimeType,
	})
	if err != nil {
		return "", err
	}
	transcript := strings.TrimSpace(result.Text)
	if transcript == "" {
		return "", errors.New("转写结果为空")
	}

	system, user := p.prompts.BuildTranscriptPrompts(transcript)
	note, err := p.complete(ctx, models.CompletionRequest{
		SystemPrompt: system,
		UserPrompt:   user,
		Temperature:  transcriptTemperature,
		MaxTokens:    transcriptMaxTokens,
	})
	if err != nil {
		p.logger.Warn("transcript analysis failed, keeping raw transcript", "file", f.Filename, "error", err)
		return fmt.Sprintf("语音 %s（原始转写）：%s", f.Filename, transcript), nil
	}
	return fmt.Sprintf("语音 %s：%s", f.Filename, note), nil
}

// enhanceQuery asks the LLM to rewrite the retrieval query; on failure the
// original query is used unchanged.
func (p *Pipeline) enhanceQuery(ctx context.Context, taskID uuid.UUID, query string) string {
	system, user := p.prompts.BuildEnhancementPrompts(query)
	enhanced, err := p.complete(ctx, models.CompletionRequest{
		SystemPrompt: system,
		UserPrompt:   user,
		Temperature:  enhanceTemperature,
		MaxTokens:    enhanceMaxTokens,
	})
	if err != nil {
		p.logger.Warn("query enhancement failed, using original query", "task_id", taskID, "error", err)
		return query
	}
	return truncateRunes(enhanced, maxQueryRunes)
}

// retrieve queries the knowledge base; on any error the fixed fallback payload
// is substituted and the degradation flagged.
func (p *Pipeline) retrieve(ctx context.Context, taskID uuid.UUID, query string, input models.InputSnapshot) (*rag.QueryResult, bool) {
	ragCtx, cancel := context.WithTimeout(ctx, p.opts.RAGTimeout)
	defer cancel()

	result, err := p.rag.Query(ragCtx, rag.QueryRequest{
		Question: query,
		Context:  p.prompts.BuildRetrievalContext(input),
		TopK:     p.opts.RAGTopK,
	})
	if err != nil {
		p.logger.Warn("rag query failed, using fallback", "task_id", taskID, "error", err)
		return rag.FallbackResult(), true
	}
	return result, false
}

// synthesize runs the final report completion. Returns "" on failure; the
// report assembly substitutes its structured fallback.
func (p *Pipeline) synthesize(ctx context.Context, taskID uuid.UUID, input models.InputSnapshot, findings []string, ragResult *rag.QueryResult) string {
	system, user := p.prompts.BuildSynthesisPrompts(prompt.SynthesisParams{
		Input:         input,
		MediaFindings: findings,
		RAGAnswer:     ragResult.Answer,
		RAGSources:    ragResult.Sources,
	})

	synthesis, err := p.complete(ctx, models.CompletionRequest{
		SystemPrompt: system,
		UserPrompt:   user,
		Temperature:  synthesisTemperature,
		MaxTokens:    synthesisMaxTokens,
	})
	if err != nil {
		p.logger.Warn("synthesis failed, building fallback report", "task_id", taskID, "error", err)
		return ""
	}
	return synthesis
}

// complete wraps provider.Complete with the AI timeout and normalizes empty
// output to an error.
func (p *Pipeline) complete(ctx context.Context, req models.CompletionRequest) (string, error) {
	aiCtx, cancel := context.WithTimeout(ctx, p.opts.AITimeout)
	defer cancel()

	text, err := p.provider.Complete(aiCtx, req)
	if err != nil {
		return "", degradeReason(err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ai.ErrInvalidResponse
	}
	return text, nil
}

// update writes a progress checkpoint. A missing task is a warning, not a
// failure — it may have been swept mid-flight.
func (p *Pipeline) update(ctx context.Context, id uuid.UUID, progress int, step string) {
	err := p.store.UpdateTask(ctx, id, models.TaskStatusProcessing,
		store.WithProgress(progress), store.WithStep(step))
	if err != nil {
		p.logger.Warn("updating task progress", "task_id", id, "step", step, "error", err)
	}
}

func (p *Pipeline) fail(ctx context.Context, id uuid.UUID, msg string) {
	if err := p.store.SetError(ctx, id, msg); err != nil {
		p.logger.Warn("marking task failed", "task_id", id, "error", err)
	}
}

// degradeReason keeps transport details out of user-visible failure markers.
func degradeReason(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ai.ErrInferenceTimeout
	}
	return err
}

// mediaProgress spreads item starts across the media band.
func mediaProgress(i, total int) int {
	if total <= 0 {
		return progressMediaLow
	}
	return progressMediaLow + (progressMediaHigh-progressMediaLow)*i/total
}

func kindLabel(kind string) string {
	if kind == upload.KindAudio {
		return "语音"
	}
	return "图片"
}

// truncateRunes shortens s to at most max runes without splitting multi-byte
// characters.
func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

// Compile-time check that Pipeline satisfies the worker's processor contract.
var _ worker.Processor = (*Pipeline)(nil)
