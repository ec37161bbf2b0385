// Package analysis turns raw LLM output into the structured warning report
// the frontend renders: risk-level derivation, key-findings extraction, and
// the fallback payloads used when synthesis or the whole task fails.
package analysis

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/aaronpan007/zhaoyaojing/internal/rag"
	"github.com/aaronpan007/zhaoyaojing/pkg/models"
)

// Risk levels exposed in warning_report.risk_level.
const (
	RiskHigh   = "high"
	RiskMedium = "medium"
	RiskLow    = "low"
)

// Confidence levels are user-facing strings.
const (
	ConfidenceHigh   = "高"
	ConfidenceMedium = "中"
	ConfidenceLow    = "低"
)

const maxKeyFindings = 5

const timestampLayout = "2006-01-02 15:04:05"

// Keyword lists checked in priority order: a single high-risk keyword
// outranks any number of lower ones.
var (
	highRiskKeywords   = []string{"高风险", "危险", "警告", "不建议"}
	mediumRiskKeywords = []string{"中等风险", "谨慎", "注意"}
	lowRiskKeywords    = []string{"低风险", "安全", "可以"}
)

// Matches numbered ("1." / "1、" / "1）") and bulleted ("-" / "•" / "*")
// finding lines.
var reFindingMarker = regexp.MustCompile(`^(?:\d+[.、)）]|[-•*])\s*`)

// Fixed texts substituted when extraction finds nothing to work with.
const (
	defaultFinding    = "建议保持理性判断，注意个人信息和财产安全。"
	defaultSuggestion = "请保持警惕，谨慎推进关系，必要时咨询专业人士。"

	failedInsight    = "由于知识库查询失败，无法提供专业分析。建议手动评估。"
	failedSuggestion = "建议寻求专业人士意见。"
)

// ReportParams carries everything the pipeline gathered for one task.
type ReportParams struct {
	Input            models.InputSnapshot
	Synthesis        string // raw LLM output; empty means the synthesis call failed
	RAG              *rag.QueryResult
	RAGDegraded      bool
	ProcessedImages  int
	AudioTranscribed bool
	Elapsed          time.Duration
}

// BuildReport assembles the externally visible report from the pipeline's
// outputs. Degradation never fails assembly: an empty synthesis produces the
// structured low-confidence fallback, and a nil RAG result is replaced by the
// fixed fallback payload.
func BuildReport(p ReportParams) *models.Report {
	now := time.Now().Format(timestampLayout)

	ragResult := p.RAG
	if ragResult == nil {
		ragResult = rag.FallbackResult()
		p.RAGDegraded = true
	}

	var warning models.WarningReport
	if strings.TrimSpace(p.Synthesis) == "" {
		warning = models.WarningReport{
			RiskLevel:           RiskMedium,
			KeyFindings:         []string{failedInsight},
			FinalSuggestion:     failedSuggestion,
			ConfidenceLevel:     ConfidenceLow,
			ProfessionalInsight: failedInsight,
		}
	} else {
		warning = models.WarningReport{
			RiskLevel:           DeriveRiskLevel(p.Synthesis),
			KeyFindings:         ExtractKeyFindings(p.Synthesis),
			FinalSuggestion:     ExtractFinalSuggestion(p.Synthesis),
			ConfidenceLevel:     confidence(p.RAGDegraded),
			ProfessionalInsight: p.Synthesis,
		}
	}

	warning.AnalysisMetadata = models.AnalysisMetadata{
		ProcessedImages:   p.ProcessedImages,
		TranscribedAudio:  p.AudioTranscribed,
		AnalysisTimestamp: now,
		ProcessingTime:    FormatProcessingTime(p.Elapsed),
		RAGSourcesCount:   ragResult.SourcesCount,
		StorageType:       ragResult.StorageType,
	}

	return &models.Report{
		Success:       true,
		Timestamp:     now,
		UserInfo:      userInfo(p.Input),
		WarningReport: warning,
		RAGKnowledge:  ragKnowledge(ragResult, p.RAGDegraded),
	}
}

// FallbackReport builds the generic payload attached to failed tasks so the
// caller's UI always has something to render.
func FallbackReport(input models.InputSnapshot) *models.Report {
	now := time.Now().Format(timestampLayout)
	ragResult := rag.FallbackResult()

	return &models.Report{
		Success:   false,
		Timestamp: now,
		UserInfo:  userInfo(input),
		WarningReport: models.WarningReport{
			RiskLevel:           RiskMedium,
			KeyFindings:         []string{"分析过程中出现异常，无法生成完整报告。"},
			FinalSuggestion:     "建议稍后重新提交分析，或寻求专业人士意见。",
			ConfidenceLevel:     ConfidenceLow,
			ProfessionalInsight: "系统在处理您的请求时遇到问题，建议保持谨慎并手动评估相关风险。",
			AnalysisMetadata: models.AnalysisMetadata{
				ProcessedImages:   input.ImageCount,
				AnalysisTimestamp: now,
				ProcessingTime:    FormatProcessingTime(0),
				StorageType:       ragResult.StorageType,
			},
		},
		RAGKnowledge: ragKnowledge(ragResult, true),
	}
}

// DeriveRiskLevel scans the synthesized text for risk keywords.
// Defaults to medium when no keyword matches.
func DeriveRiskLevel(text string) string {
	for _, kw := range highRiskKeywords {
		if strings.Contains(text, kw) {
			return RiskHigh
		}
	}
	for _, kw := range mediumRiskKeywords {
		if strings.Contains(text, kw) {
			return RiskMedium
		}
	}
	for _, kw := range lowRiskKeywords {
		if strings.Contains(text, kw) {
			return RiskLow
		}
	}
	return RiskMedium
}

// ExtractKeyFindings collects numbered and bulleted lines from the
// synthesized text, capped at 5. Returns a single default finding when the
// text has no structured lines (never nil, never empty).
func ExtractKeyFindings(text string) []string {
	findings := make([]string, 0, maxKeyFindings)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !reFindingMarker.MatchString(line) {
			continue
		}
		finding := strings.TrimSpace(reFindingMarker.ReplaceAllString(line, ""))
		if finding == "" {
			continue
		}
		findings = append(findings, finding)
		if len(findings) == maxKeyFindings {
			break
		}
	}

	if len(findings) == 0 {
		return []string{defaultFinding}
	}
	return findings
}

// ExtractFinalSuggestion returns the text following the last "最终建议"
// marker, or a fixed default when the marker is absent.
func ExtractFinalSuggestion(text string) string {
	idx := strings.LastIndex(text, "最终建议")
	if idx < 0 {
		return defaultSuggestion
	}

	s := text[idx+len("最终建议"):]
	s = strings.TrimLeft(s, "：:")
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultSuggestion
	}
	return s
}

// FormatProcessingTime renders an elapsed duration as the user-facing
// "N.N秒" string.
func FormatProcessingTime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%.1f秒", d.Seconds())
}

func confidence(ragDegraded bool) string {
	if ragDegraded {
		return ConfidenceMedium
	}
	return ConfidenceHigh
}

func userInfo(input models.InputSnapshot) models.UserInfo {
	return models.UserInfo{
		Nickname:   input.Nickname,
		Profession: input.Profession,
		Age:        input.Age,
	}
}

func ragKnowledge(r *rag.QueryResult, degraded bool) models.RAGKnowledge {
	status := "active"
	if degraded {
		status = "error"
	}

	refs := r.Sources
	if refs == nil {
		refs = []string{}
	}

	return models.RAGKnowledge{
		Status:              status,
		SourcesCount:        r.SourcesCount,
		KnowledgeAnswer:     r.Answer,
		KnowledgeReferences: refs,
		StorageType:         r.StorageType,
	}
}
