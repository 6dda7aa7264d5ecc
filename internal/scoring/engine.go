// Package scoring combines a lexical rule score with embedding cosine
// similarity into a single brand relevance decision.
package scoring

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"unicode"

	"go.uber.org/zap"

	"github.com/brandlens/sov-crawler/internal/metrics"
	"github.com/brandlens/sov-crawler/internal/sov"
)

// Tuned constants. The relevance threshold is configuration, not a derived
// value.
const (
	DefaultRelevanceThreshold = 0.72
	DefaultRuleThreshold      = 0.8
	DefaultMaxEmbedChars      = 8000

	ruleWeight     = 0.4
	semanticWeight = 0.6

	// partialRuleScale caps token-overlap matches below the substring tier.
	partialRuleScale = 0.8
)

// brandDescriptionSuffix disambiguates a bare brand name for embedding.
const brandDescriptionSuffix = " is the name of a company, product, or service brand"

// Config tunes the engine. Zero values fall back to the defaults above.
type Config struct {
	RelevanceThreshold float64
	RuleThreshold      float64
	MaxEmbedChars      int
}

// Judgment is the outcome of scoring one (content, brand) pair.
type Judgment struct {
	Rule     float64
	Semantic float64
	Combined float64
	Relevant bool
}

// Engine computes embeddings and relevance judgments. Scoring itself is
// deterministic; only Embed touches the network.
type Engine struct {
	embedder sov.Embedder
	cfg      Config
	logger   *zap.Logger
}

// NewEngine constructs an Engine around an embedder.
func NewEngine(embedder sov.Embedder, cfg Config, logger *zap.Logger) *Engine {
	if cfg.RelevanceThreshold <= 0 {
		cfg.RelevanceThreshold = DefaultRelevanceThreshold
	}
	if cfg.RuleThreshold <= 0 {
		cfg.RuleThreshold = DefaultRuleThreshold
	}
	if cfg.MaxEmbedChars <= 0 {
		cfg.MaxEmbedChars = DefaultMaxEmbedChars
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{embedder: embedder, cfg: cfg, logger: logger}
}

// Embed truncates text to the configured ceiling and returns its vector.
func (e *Engine) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.embedder.Embed(ctx, truncateRunes(text, e.cfg.MaxEmbedChars))
	if err != nil {
		metrics.ObserveEmbedding("error")
		return nil, fmt.Errorf("embed content: %w", err)
	}
	metrics.ObserveEmbedding("ok")
	return vec, nil
}

// Score produces the rule/semantic/combined judgment for one pair. Either
// vector may be nil, in which case the semantic component is zero and the
// decision rests on the rule score alone.
func (e *Engine) Score(content, brand string, contentVec, brandVec []float32) Judgment {
	rule, exact := RuleScore(content, brand)
	semantic := 0.0
	if contentVec != nil && brandVec != nil {
		semantic = Cosine(contentVec, brandVec)
	}
	combined := ruleWeight*rule + semanticWeight*semantic
	relevant := exact || rule >= e.cfg.RuleThreshold || combined >= e.cfg.RelevanceThreshold
	return Judgment{Rule: rule, Semantic: semantic, Combined: combined, Relevant: relevant}
}

// Session caches brand-description embeddings for the duration of one run.
// Vectors are computed once per brand and never shared across runs.
type Session struct {
	engine *Engine

	mu    sync.Mutex
	cache map[string][]float32
}

// NewSession creates a run-scoped brand-embedding cache.
func (e *Engine) NewSession() *Session {
	return &Session{
		engine: e,
		cache:  make(map[string][]float32),
	}
}

// BrandVector returns the cached embedding of the brand's description,
// computing it on first use.
func (s *Session) BrandVector(ctx context.Context, brand string) ([]float32, error) {
	s.mu.Lock()
	if vec, ok := s.cache[brand]; ok {
		s.mu.Unlock()
		return vec, nil
	}
	s.mu.Unlock()

	vec, err := s.engine.Embed(ctx, brand+brandDescriptionSuffix)
	if err != nil {
		return nil, fmt.Errorf("embed brand %q: %w", brand, err)
	}

	s.mu.Lock()
	s.cache[brand] = vec
	s.mu.Unlock()
	return vec, nil
}

// RuleScore computes the lexical brand match strength in [0,1] and reports
// whether an exact substring match was found. The brand is matched verbatim
// and against a normalized form with whitespace and punctuation stripped;
// either hit scores 1.0. Otherwise the score is the fraction of brand word
// tokens (two or more runes) present in the content, scaled down.
func RuleScore(content, brand string) (float64, bool) {
	if content == "" || brand == "" {
		return 0, false
	}
	lowerContent := strings.ToLower(content)
	lowerBrand := strings.ToLower(brand)
	if strings.Contains(lowerContent, lowerBrand) {
		return 1.0, true
	}
	if normBrand := normalizeLexical(brand); normBrand != "" &&
		strings.Contains(normalizeLexical(content), normBrand) {
		return 1.0, true
	}

	tokens := brandTokens(lowerBrand)
	if len(tokens) == 0 {
		return 0, false
	}
	found := 0
	for _, tok := range tokens {
		if strings.Contains(lowerContent, tok) {
			found++
		}
	}
	return float64(found) / float64(len(tokens)) * partialRuleScale, false
}

// Cosine returns the cosine similarity of two vectors, or 0 when either is
// empty or their lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// normalizeLexical lowercases and strips whitespace and punctuation so that
// "Delta Air Lines" matches "deltaairlines".
func normalizeLexical(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// brandTokens splits a brand name into word tokens of two or more runes.
func brandTokens(lowerBrand string) []string {
	fields := strings.FieldsFunc(lowerBrand, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
	tokens := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) >= 2 {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
