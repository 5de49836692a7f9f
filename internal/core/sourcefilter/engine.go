package sourcefilter

import (
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"mmrag/internal/config"
	"mmrag/internal/core/domain"
	"mmrag/internal/core/recall"
)

var (
	referencePattern = regexp.MustCompile(`(?i)(?:figure|fig\.?|table|chart|图|表)\s*\d+`)
	quotedPattern    = regexp.MustCompile(`《([^》]+)》|"([^"]+)"|“([^”]+)”`)
	datePattern      = regexp.MustCompile(`\d{4}[-/年]\d{1,2}(?:[-/月]\d{1,2}日?)?|\d{4}年`)
)

// Engine prunes recalled sources to those supporting the generated
// answer. Recall is deliberately generous; this stage anchors relevance
// to what the model actually asserted so "also similar" chunks are not
// presented as evidence.
type Engine struct {
	cfg    config.FilterConfig
	scorer recall.Scorer
	logger *slog.Logger
}

func New(cfg config.FilterConfig, scoring config.ScoringConfig, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		scorer: recall.NewScorer(scoring),
		logger: logger.With("component", "source_filter"),
	}
}

// Filter rescores candidates against the answer's keywords and keeps
// the per-modality winners. An empty answer (generation degraded) caps
// the list without rescoring.
func (e *Engine) Filter(answer string, candidates []domain.RankedResult) []domain.RankedResult {
	if len(candidates) == 0 {
		return nil
	}
	if strings.TrimSpace(answer) == "" {
		return e.capOnly(candidates)
	}

	terms := ExtractAnswerTerms(answer)
	if len(terms) == 0 {
		return e.capOnly(candidates)
	}

	rescored := make([]domain.RankedResult, len(candidates))
	scores := make(map[domain.Modality][]float64)
	for i, candidate := range candidates {
		score := e.supportScore(terms, candidate.Chunk)
		rescored[i] = candidate
		rescored[i].FinalScore = score
		rescored[i].Confidence = clamp01(score)
		scores[candidate.Modality] = append(scores[candidate.Modality], score)
	}

	textThreshold := e.dynamicTextThreshold(answer, scores[domain.ModalityText])
	perModality := e.modalityCaps(scores)

	grouped := make(map[domain.Modality][]domain.RankedResult)
	for _, candidate := range rescored {
		threshold := e.thresholdFor(candidate.Modality, textThreshold)
		if candidate.FinalScore < threshold {
			continue
		}
		grouped[candidate.Modality] = append(grouped[candidate.Modality], candidate)
	}

	var kept []domain.RankedResult
	for _, modality := range []domain.Modality{domain.ModalityText, domain.ModalityTable, domain.ModalityImage} {
		group := grouped[modality]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].FinalScore > group[j].FinalScore
		})
		if limit := perModality[modality]; len(group) > limit {
			group = group[:limit]
		}
		kept = append(kept, group...)
	}

	// Never return an empty evidence list while candidates exist: top
	// up with the best-supported ones below threshold.
	if len(kept) < e.cfg.MinSources {
		kept = e.topUp(kept, rescored)
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].FinalScore > kept[j].FinalScore
	})
	if len(kept) > e.cfg.MaxSources {
		kept = kept[:e.cfg.MaxSources]
	}
	return kept
}

func (e *Engine) supportScore(terms []string, chunk domain.Chunk) float64 {
	contentScore := e.scorer.ContentRelevance(terms, chunk.Content)
	fieldScore := e.scorer.FieldScore(terms, recall.WeightedFieldsFor(chunk))
	if fieldScore > contentScore {
		return fieldScore
	}
	return contentScore
}

func (e *Engine) thresholdFor(modality domain.Modality, textThreshold float64) float64 {
	switch modality {
	case domain.ModalityImage:
		return e.cfg.ImageThreshold
	case domain.ModalityTable:
		return e.cfg.TableThreshold
	default:
		return textThreshold
	}
}

// dynamicTextThreshold centers on the mean text score, loosened for
// long answers (more topics to support) and tightened for short ones,
// clamped to the configured band.
func (e *Engine) dynamicTextThreshold(answer string, textScores []float64) float64 {
	if len(textScores) == 0 {
		return e.cfg.TextThresholdMin
	}
	sum := 0.0
	for _, score := range textScores {
		sum += score
	}
	mean := sum / float64(len(textScores))

	// Long answers touch more topics, so the bar loosens; short answers
	// keep the mean itself as the bar.
	threshold := mean * 0.9
	switch length := utf8.RuneCountInString(answer); {
	case length > 500:
		threshold = mean * 0.8
	case length < 100:
		threshold = mean
	}

	if threshold < e.cfg.TextThresholdMin {
		return e.cfg.TextThresholdMin
	}
	if threshold > e.cfg.TextThresholdMax {
		return e.cfg.TextThresholdMax
	}
	return threshold
}

// modalityCaps applies the configured per-modality caps, tightened to
// an even split when more than one modality is in play.
func (e *Engine) modalityCaps(scores map[domain.Modality][]float64) map[domain.Modality]int {
	caps := map[domain.Modality]int{
		domain.ModalityText:  e.cfg.MaxTextSources,
		domain.ModalityTable: e.cfg.MaxTableSources,
		domain.ModalityImage: e.cfg.MaxImageSources,
	}
	if len(scores) <= 1 {
		return caps
	}
	hybrid := e.cfg.MaxSources / 3
	if hybrid > 5 {
		hybrid = 5
	}
	if hybrid < 1 {
		hybrid = 1
	}
	for modality, current := range caps {
		if current > hybrid {
			caps[modality] = hybrid
		}
	}
	return caps
}

func (e *Engine) capOnly(candidates []domain.RankedResult) []domain.RankedResult {
	counts := make(map[domain.Modality]int)
	out := make([]domain.RankedResult, 0, len(candidates))
	caps := map[domain.Modality]int{
		domain.ModalityText:  e.cfg.MaxTextSources,
		domain.ModalityTable: e.cfg.MaxTableSources,
		domain.ModalityImage: e.cfg.MaxImageSources,
	}
	for _, candidate := range candidates {
		if counts[candidate.Modality] >= caps[candidate.Modality] {
			continue
		}
		counts[candidate.Modality]++
		out = append(out, candidate)
		if len(out) >= e.cfg.MaxSources {
			break
		}
	}
	return out
}

func (e *Engine) topUp(kept, rescored []domain.RankedResult) []domain.RankedResult {
	present := make(map[string]struct{}, len(kept))
	for _, candidate := range kept {
		present[candidate.ChunkID] = struct{}{}
	}
	remaining := make([]domain.RankedResult, 0, len(rescored))
	for _, candidate := range rescored {
		if _, ok := present[candidate.ChunkID]; !ok {
			remaining = append(remaining, candidate)
		}
	}
	sort.SliceStable(remaining, func(i, j int) bool {
		return remaining[i].FinalScore > remaining[j].FinalScore
	})
	for _, candidate := range remaining {
		if len(kept) >= e.cfg.MinSources {
			break
		}
		kept = append(kept, candidate)
	}
	return kept
}

// ExtractAnswerTerms pulls the keywords that anchor source filtering:
// explicit references, quoted titles, dates, capitalized entities, and
// the answer's own tokens.
func ExtractAnswerTerms(answer string) []string {
	seen := make(map[string]struct{})
	var terms []string
	add := func(values ...string) {
		for _, value := range values {
			value = strings.ToLower(strings.TrimSpace(value))
			if value == "" {
				continue
			}
			if _, ok := seen[value]; ok {
				continue
			}
			seen[value] = struct{}{}
			terms = append(terms, value)
		}
	}

	for _, ref := range referencePattern.FindAllString(answer, -1) {
		add(ref, strings.ReplaceAll(ref, " ", ""))
	}
	for _, m := range quotedPattern.FindAllStringSubmatch(answer, -1) {
		for _, group := range m[1:] {
			if group != "" {
				add(recall.Tokenize(group)...)
			}
		}
	}
	add(datePattern.FindAllString(answer, -1)...)
	add(capitalizedWords(answer)...)
	add(recall.Tokenize(answer)...)

	const maxTerms = 50
	if len(terms) > maxTerms {
		terms = terms[:maxTerms]
	}
	return terms
}

func capitalizedWords(s string) []string {
	var out []string
	for _, word := range strings.Fields(s) {
		word = strings.Trim(word, ".,;:!?()[]{}\"'")
		if word == "" {
			continue
		}
		first, _ := utf8.DecodeRuneInString(word)
		if unicode.IsUpper(first) && utf8.RuneCountInString(word) > 1 {
			out = append(out, word)
		}
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
