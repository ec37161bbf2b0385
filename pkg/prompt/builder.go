// Package prompt assembles the Chinese-language prompts and retrieval queries
// sent to the AI and knowledge-base collaborators.
package prompt

import (
	"fmt"
	"strings"

	"github.com/aaronpan007/zhaoyaojing/pkg/models"
)

// Maximum rune lengths accepted by the retrieval service.
const (
	maxQueryRunes   = 100
	maxContextRunes = 50
)

// Builder constructs prompt and query strings.
// All methods are pure functions with no side effects.
// Zero value is ready to use.
type Builder struct{}

// SynthesisParams defines inputs for the final report prompt.
type SynthesisParams struct {
	Input         models.InputSnapshot
	MediaFindings []string
	RAGAnswer     string
	RAGSources    []string
}

// BuildRetrievalQuery returns the knowledge-base query for a submission,
// truncated to the retrieval service's rune budget.
func (b Builder) BuildRetrievalQuery(in models.InputSnapshot) string {
	var q string
	if strings.TrimSpace(in.BioOrChatHistory) != "" {
		q = fmt.Sprintf("分析以下用户情况的情感安全风险：%s", in.BioOrChatHistory)
	} else {
		q = fmt.Sprintf("分析与%s交往的情感安全风险", in.Nickname)
	}
	return truncateRunes(q, maxQueryRunes, "...")
}

// BuildRetrievalContext returns the compact subject-context string attached to
// a retrieval query, truncated to the service's rune budget.
func (b Builder) BuildRetrievalContext(in models.InputSnapshot) string {
	ctx := fmt.Sprintf("用户信息: %s, %s, %s岁", in.Nickname, orUnknown(in.Profession), orUnknown(in.Age))
	return truncateRunes(ctx, maxContextRunes, "")
}

// BuildEnhancementPrompts returns the system and user prompts asking the LLM
// to rewrite a retrieval query for better recall.
func (b Builder) BuildEnhancementPrompts(query string) (system, user string) {
	system = "你是检索查询优化助手。请将用户给出的查询改写为更利于知识库召回的简洁中文查询，" +
		"保留核心关键词，去掉冗余描述。只返回改写后的查询本身，不要任何解释。"
	return system, query
}

// BuildImagePrompt returns the vision prompt used for each uploaded screenshot
// or photo.
func (b Builder) BuildImagePrompt() string {
	return "请分析这张图片（聊天截图或人物照片），提取与情感安全相关的信息：" +
		"对话语气、承诺与索取、金钱往来、施压或操控迹象、其他值得警惕的信号。" +
		"用中文简要总结，不超过200字。"
}

// BuildTranscriptPrompts returns the prompts used to analyze a transcribed
// voice message.
func (b Builder) BuildTranscriptPrompts(transcript string) (system, user string) {
	system = "你是一位情感安全分析师。请分析下面这段语音转写内容，" +
		"指出其中与情感安全相关的信号（语气、承诺、索取、施压等），用中文简要总结。"
	return system, transcript
}

// BuildSynthesisPrompts returns the system and user prompts for the final
// report generation call.
func (b Builder) BuildSynthesisPrompts(p SynthesisParams) (system, user string) {
	var sb strings.Builder

	sb.WriteString("你是一位专业的情感安全分析师。请基于以下信息为用户生成详细的情感安全警告报告：\n\n")
	sb.WriteString("用户信息：\n")
	fmt.Fprintf(&sb, "- 昵称：%s\n", orUnknown(p.Input.Nickname))
	fmt.Fprintf(&sb, "- 职业：%s\n", orUnknown(p.Input.Profession))
	fmt.Fprintf(&sb, "- 年龄：%s\n", orUnknown(p.Input.Age))
	fmt.Fprintf(&sb, "- 聊天记录/简介：%s\n", orUnknown(p.Input.BioOrChatHistory))

	if len(p.MediaFindings) > 0 {
		sb.WriteString("\n上传内容分析：\n")
		for _, f := range p.MediaFindings {
			fmt.Fprintf(&sb, "- %s\n", f)
		}
	}

	sb.WriteString("\nRAG知识库分析：\n")
	if p.RAGAnswer != "" {
		sb.WriteString(p.RAGAnswer)
	} else {
		sb.WriteString("暂无知识库支持")
	}
	sb.WriteString("\n\n参考资料：\n")
	if len(p.RAGSources) > 0 {
		sb.WriteString(strings.Join(p.RAGSources, "; "))
	} else {
		sb.WriteString("AI基础知识")
	}

	sb.WriteString("\n\n请生成一份专业的情感安全分析报告，包含：\n")
	sb.WriteString("1. 情况分析\n2. 潜在风险评估\n3. 具体建议\n4. 行动指南\n\n")
	sb.WriteString("要求：\n- 专业客观\n- 实用可行\n- 注重情感安全\n- 给出具体的行动建议\n")

	user = fmt.Sprintf("请为%s生成情感安全分析报告。", orDefault(p.Input.Nickname, "用户"))
	return sb.String(), user
}

func orUnknown(s string) string {
	return orDefault(s, "未提供")
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

// truncateRunes shortens s to at most max runes, appending suffix when a cut
// was made. Counts runes, not bytes, so multi-byte Chinese text is not split.
func truncateRunes(s string, max int, suffix string) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + suffix
}
