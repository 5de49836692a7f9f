package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"mmrag/internal/config"
	"mmrag/internal/core/domain"
	"mmrag/internal/core/ports"
	"mmrag/internal/core/recall"
)

// RecallEngine is one modality engine of the parallel recall stage.
type RecallEngine interface {
	Modality() domain.Modality
	Recall(ctx context.Context, query string, maxResults int) ([]domain.RecallResult, recall.Report, error)
}

// Reranker merges per-engine candidates into one ranking. The bool
// reports that the cross-encoder fell back to rule-based scores.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []domain.RecallResult) ([]domain.RankedResult, bool)
}

// SourceFilter prunes ranked candidates to those supporting the answer.
type SourceFilter interface {
	Filter(answer string, candidates []domain.RankedResult) []domain.RankedResult
}

// MemoryRetriever looks up session memories relevant to the question.
type MemoryRetriever interface {
	QueryMemories(ctx context.Context, sessionID, query string, limit int) ([]domain.MemoryHit, error)
}

// AskUseCase is the end-to-end pipeline: parallel recall across the
// modality engines, rerank, answer generation, then source filtering.
// Every stage after validation degrades instead of failing: the worst
// outcome is an empty answer with GenerationFailed set and the raw
// reranked sources as evidence.
type AskUseCase struct {
	cfg       config.PipelineConfig
	engines   []RecallEngine
	reranker  Reranker
	filter    SourceFilter
	memory    MemoryRetriever
	generator ports.AnswerGenerator
	logger    *slog.Logger
}

func NewAskUseCase(
	cfg config.PipelineConfig,
	engines []RecallEngine,
	reranker Reranker,
	filter SourceFilter,
	memory MemoryRetriever,
	generator ports.AnswerGenerator,
	logger *slog.Logger,
) *AskUseCase {
	return &AskUseCase{
		cfg:       cfg,
		engines:   engines,
		reranker:  reranker,
		filter:    filter,
		memory:    memory,
		generator: generator,
		logger:    logger.With("component", "ask"),
	}
}

type engineOutput struct {
	modality domain.Modality
	results  []domain.RecallResult
	report   recall.Report
	err      error
}

func (uc *AskUseCase) Ask(ctx context.Context, req domain.AskRequest) (*domain.AskResult, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "validate request", errors.New("empty question"))
	}

	start := time.Now()
	result := &domain.AskResult{}

	if req.UseMemory && req.SessionID != "" {
		hits, err := uc.memoryHits(ctx, req.SessionID, question)
		if err != nil {
			if domain.IsKind(err, domain.ErrSessionNotFound) {
				return nil, err
			}
			uc.logger.Warn("memory_lookup_degraded", "session_id", req.SessionID, "error", err)
			result.Degraded = append(result.Degraded, "memory")
		} else {
			result.MemoryHits = hits
		}
	}

	recallStart := time.Now()
	candidates, degraded, embedCalls := uc.recallAll(ctx, question)
	result.Degraded = append(result.Degraded, degraded...)
	result.Timing.RecallMS = time.Since(recallStart).Milliseconds()
	result.Cost.EmbedCalls = embedCalls

	rerankStart := time.Now()
	ranked, crossFellBack := uc.reranker.Rerank(ctx, question, candidates)
	if crossFellBack {
		result.Degraded = append(result.Degraded, "cross_encoder")
	}
	result.Timing.RerankMS = time.Since(rerankStart).Milliseconds()
	result.Cost.RerankCalls = 1

	contextSources := uc.toSources(uc.head(ranked))
	for _, source := range contextSources {
		result.Cost.PromptChars += len(source.Snippet) + len(source.FullContent)
	}
	result.Cost.PromptChars += len(question)

	generateStart := time.Now()
	answer, err := uc.generate(ctx, question, contextSources)
	result.Cost.GenerateCalls = 1
	if err != nil {
		// The pipeline still returns evidence; the caller decides how to
		// present an answerless result.
		uc.logger.Error("generation_failed", "error", err)
		result.GenerationFailed = true
		result.Degraded = append(result.Degraded, "generation")
		answer = ""
	}
	result.Answer = answer
	result.Cost.AnswerChars = len(answer)
	result.Timing.GenerateMS = time.Since(generateStart).Milliseconds()

	filterStart := time.Now()
	kept := uc.filter.Filter(answer, ranked)
	if req.MaxSources > 0 && len(kept) > req.MaxSources {
		kept = kept[:req.MaxSources]
	}
	result.Sources = uc.toSources(kept)
	result.Timing.FilterMS = time.Since(filterStart).Milliseconds()

	result.Timing.TotalMS = time.Since(start).Milliseconds()
	uc.logger.Info("ask_completed",
		"sources", len(result.Sources),
		"generation_failed", result.GenerationFailed,
		"degraded", result.Degraded,
		"total_ms", result.Timing.TotalMS,
	)
	return result, nil
}

// recallAll fans the question out to every modality engine and merges
// their outputs in engine order. A failed engine contributes nothing
// and a degraded marker; only all engines failing leaves an empty
// candidate set.
func (uc *AskUseCase) recallAll(ctx context.Context, question string) ([]domain.RecallResult, []string, int) {
	recallCtx, cancel := context.WithTimeout(ctx, uc.cfg.EngineTimeout)
	defer cancel()

	outputs := make([]engineOutput, len(uc.engines))
	var wg sync.WaitGroup
	for i, engine := range uc.engines {
		wg.Add(1)
		go func(i int, engine RecallEngine) {
			defer wg.Done()
			results, report, err := engine.Recall(recallCtx, question, 0)
			outputs[i] = engineOutput{modality: engine.Modality(), results: results, report: report, err: err}
		}(i, engine)
	}
	wg.Wait()

	var candidates []domain.RecallResult
	var degraded []string
	var embedCalls int
	for _, output := range outputs {
		embedCalls += output.report.EmbedCalls
		if output.err != nil {
			uc.logger.Warn("engine_failed", "engine", string(output.modality), "error", output.err)
			degraded = append(degraded, "recall:"+string(output.modality))
			continue
		}
		for _, stage := range output.report.Degraded {
			degraded = append(degraded, string(output.modality)+":"+stage)
		}
		candidates = append(candidates, output.results...)
	}
	return candidates, degraded, embedCalls
}

func (uc *AskUseCase) memoryHits(ctx context.Context, sessionID, question string) ([]domain.MemoryHit, error) {
	if uc.memory == nil {
		return nil, nil
	}
	return uc.memory.QueryMemories(ctx, sessionID, question, 0)
}

func (uc *AskUseCase) generate(ctx context.Context, question string, sources []domain.Source) (string, error) {
	genCtx, cancel := context.WithTimeout(ctx, uc.cfg.GenerateTimeout)
	defer cancel()
	return uc.generator.GenerateAnswer(genCtx, question, sources)
}

// head returns the top candidates that feed the generation prompt.
func (uc *AskUseCase) head(ranked []domain.RankedResult) []domain.RankedResult {
	if len(ranked) > uc.cfg.ContextTopN {
		return ranked[:uc.cfg.ContextTopN]
	}
	return ranked
}

func (uc *AskUseCase) toSources(ranked []domain.RankedResult) []domain.Source {
	sources := make([]domain.Source, 0, len(ranked))
	for _, candidate := range ranked {
		source := domain.Source{
			ChunkID:     candidate.ChunkID,
			Modality:    candidate.Modality,
			Score:       candidate.FinalScore,
			Document:    candidate.Chunk.Document,
			Page:        candidate.Chunk.Page,
			Title:       candidate.Chunk.Title(),
			Snippet:     snippet(candidate.Chunk.Content, uc.cfg.SnippetLength),
			FullContent: candidate.FullContent,
		}
		if candidate.Modality == domain.ModalityTable {
			analysis := recall.AnalyzeTable(candidate.Chunk)
			source.Table = &analysis
		}
		sources = append(sources, source)
	}
	return sources
}

func snippet(content string, limit int) string {
	runes := []rune(content)
	if len(runes) <= limit {
		return content
	}
	return string(runes[:limit]) + "…"
}
