package retrieval

import (
	"sort"
	"strings"
	"unicode"

	"github.com/kailas-cloud/corpusdex/internal/domain"
)

// Reranker reorders candidate chunks for a query.
type Reranker interface {
	Rerank(query string, candidates []domain.ScoredChunk) []domain.ScoredChunk
}

// TermOverlapReranker blends vector similarity with lexical overlap: the
// share of distinct query terms that appear in the chunk text. Pure vector
// similarity can rank a semantically close chunk above one that contains the
// query's actual terms; the lexical component pulls those back up.
type TermOverlapReranker struct {
	// SimilarityWeight defaults to 0.7; the remainder goes to term overlap.
	SimilarityWeight float64
}

// Rerank scores each candidate as weight*similarity + (1-weight)*overlap and
// stable-sorts by the blended score, so prior order breaks ties.
func (r TermOverlapReranker) Rerank(query string, candidates []domain.ScoredChunk) []domain.ScoredChunk {
	w := r.SimilarityWeight
	if w <= 0 || w > 1 {
		w = 0.7
	}
	terms := tokenize(query)
	if len(terms) == 0 {
		return candidates
	}

	out := make([]domain.ScoredChunk, len(candidates))
	for i, c := range candidates {
		c.Score = w*c.Score + (1-w)*termOverlap(terms, c.Chunk.Text)
		out[i] = c
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// termOverlap is the fraction of distinct query terms present in the text.
func termOverlap(queryTerms map[string]bool, text string) float64 {
	textTerms := tokenize(text)
	matched := 0
	for term := range queryTerms {
		if textTerms[term] {
			matched++
		}
	}
	return float64(matched) / float64(len(queryTerms))
}

func tokenize(s string) map[string]bool {
	terms := make(map[string]bool)
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		terms[f] = true
	}
	return terms
}
