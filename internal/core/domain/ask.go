package domain

// AskRequest is one end-to-end pipeline invocation.
type AskRequest struct {
	Question   string `json:"question"`
	SessionID  string `json:"session_id,omitempty"`
	UseMemory  bool   `json:"use_memory"`
	MaxSources int    `json:"max_sources,omitempty"`
}

// Source is one piece of evidence returned with an answer.
type Source struct {
	ChunkID     string         `json:"chunk_id"`
	Modality    Modality       `json:"modality"`
	Score       float64        `json:"score"`
	Document    string         `json:"document,omitempty"`
	Page        int            `json:"page,omitempty"`
	Title       string         `json:"title,omitempty"`
	Snippet     string         `json:"snippet,omitempty"`
	FullContent string         `json:"full_content,omitempty"`
	Table       *TableAnalysis `json:"table,omitempty"`
}

// StageTiming records per-stage wall clock in milliseconds.
type StageTiming struct {
	RecallMS   int64 `json:"recall_ms"`
	RerankMS   int64 `json:"rerank_ms"`
	GenerateMS int64 `json:"generate_ms"`
	FilterMS   int64 `json:"filter_ms"`
	TotalMS    int64 `json:"total_ms"`
}

// AskResult is best-effort by design: when generation fails the raw
// reranked sources are returned with GenerationFailed set instead of a
// fabricated answer, and Degraded lists every stage that fell back.
type AskResult struct {
	Answer           string      `json:"answer"`
	Sources          []Source    `json:"sources"`
	MemoryHits       []MemoryHit `json:"memory_hits,omitempty"`
	GenerationFailed bool        `json:"generation_failed"`
	Degraded         []string    `json:"degraded,omitempty"`
	Timing           StageTiming `json:"timing"`
	Cost             AskCost     `json:"cost"`
}

// AskCost approximates resource usage for one invocation.
type AskCost struct {
	EmbedCalls    int `json:"embed_calls"`
	RerankCalls   int `json:"rerank_calls"`
	GenerateCalls int `json:"generate_calls"`
	PromptChars   int `json:"prompt_chars"`
	AnswerChars   int `json:"answer_chars"`
}
