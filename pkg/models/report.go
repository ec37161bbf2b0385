package models

// Report is the externally visible result of a completed analysis task.
// Field names mirror the JSON contract consumed by the web frontend.
type Report struct {
	Success       bool          `json:"success"`
	Timestamp     string        `json:"timestamp"`
	UserInfo      UserInfo      `json:"user_info"`
	WarningReport WarningReport `json:"warning_report"`
	RAGKnowledge  RAGKnowledge  `json:"rag_knowledge"`
}

// UserInfo echoes the subject details the caller submitted.
type UserInfo struct {
	Nickname   string `json:"nickname"`
	Profession string `json:"profession,omitempty"`
	Age        string `json:"age,omitempty"`
}

// WarningReport is the structured safety assessment.
type WarningReport struct {
	RiskLevel           string           `json:"risk_level"`
	KeyFindings         []string         `json:"key_findings"`
	FinalSuggestion     string           `json:"final_suggestion"`
	ConfidenceLevel     string           `json:"confidence_level"`
	ProfessionalInsight string           `json:"professional_insight"`
	AnalysisMetadata    AnalysisMetadata `json:"analysis_metadata"`
}

// AnalysisMetadata records how the report was produced.
type AnalysisMetadata struct {
	ProcessedImages   int    `json:"processed_images"`
	TranscribedAudio  bool   `json:"transcribed_audio"`
	AnalysisTimestamp string `json:"analysis_timestamp"`
	ProcessingTime    string `json:"processing_time"`
	RAGSourcesCount   int    `json:"rag_sources_count"`
	StorageType       string `json:"storage_type"`
}

// RAGKnowledge carries the knowledge-base retrieval outcome, including the
// degraded fallback shape when the retrieval service was unreachable.
type RAGKnowledge struct {
	Status              string   `json:"status"`
	SourcesCount        int      `json:"sources_count"`
	KnowledgeAnswer     string   `json:"knowledge_answer"`
	KnowledgeReferences []string `json:"knowledge_references"`
	StorageType         string   `json:"storage_type"`
}
