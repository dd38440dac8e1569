package embeddings

import (
	"context"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/nous-labs/concierge/pkg/brain"
)

const (
	// rrfK is the smoothing constant for Reciprocal Rank Fusion.
	// Standard value from Cormack et al. (2009).
	rrfK = 60
	// overFetchMultiplier fetches more results from each source for better fusion.
	overFetchMultiplier = 3
)

// KeywordMemory is the SQLite side of the memory store.
type KeywordMemory interface {
	SaveMemory(ctx context.Context, userID, text, category, sourceType string) (int64, error)
	SearchMemories(ctx context.Context, userID, category, query string, limit int, floor float64) ([]brain.Memory, error)
	GetMemoriesByIDs(ctx context.Context, userID string, ids []int64) ([]brain.Memory, error)
}

// VectorIndex is the pgvector side of the memory store.
type VectorIndex interface {
	Insert(ctx context.Context, doc Document, embedding []float32) error
	Search(ctx context.Context, userID, category string, queryEmbedding []float32, limit int) ([]SearchResult, error)
}

// Embedder turns text into vectors.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	EmbedDocument(ctx context.Context, text string) ([]float32, error)
}

// FusedResult holds a hybrid search result with combined RRF score.
type FusedResult struct {
	MemoryID int64
	Score    float64 // RRF score (higher = more relevant)
}

// SemanticMemory searches memories by combining vector similarity with
// keyword overlap using Reciprocal Rank Fusion (RRF, k=60).
//
// Flow:
//  1. Embed query via TEI
//  2. Vector search in pgvector (parallel)
//  3. Keyword search in SQLite (parallel)
//  4. Fuse results with RRF
//  5. Fetch full memories from SQLite, ordered by RRF score
//  6. Drop results under the similarity floor
//
// Degrades gracefully: if the vector side fails, returns keyword-only results.
type SemanticMemory struct {
	keyword KeywordMemory
	vectors VectorIndex
	embed   Embedder
}

// NewSemanticMemory creates a hybrid memory. A nil vectors or embed makes it
// keyword-only.
func NewSemanticMemory(keyword KeywordMemory, vectors VectorIndex, embed Embedder) *SemanticMemory {
	return &SemanticMemory{keyword: keyword, vectors: vectors, embed: embed}
}

// Hybrid reports whether vector search is wired in.
func (s *SemanticMemory) Hybrid() bool {
	return s.vectors != nil && s.embed != nil
}

// SaveMemory writes the memory to SQLite and embeds it inline on a best
// effort basis. The sync worker picks up anything missed here.
func (s *SemanticMemory) SaveMemory(ctx context.Context, userID, text, category, sourceType string) (int64, error) {
	id, err := s.keyword.SaveMemory(ctx, userID, text, category, sourceType)
	if err != nil {
		return 0, err
	}
	if s.vectors == nil || s.embed == nil {
		return id, nil
	}
	vec, err := s.embed.EmbedDocument(ctx, text)
	if err != nil {
		slog.Warn("inline embed failed, deferring to sync", "memory_id", id, "error", err)
		return id, nil
	}
	doc := Document{MemoryID: id, UserID: userID, Category: category, ContentHash: ContentHash(text)}
	if err := s.vectors.Insert(ctx, doc, vec); err != nil {
		slog.Warn("inline embed store failed, deferring to sync", "memory_id", id, "error", err)
	}
	return id, nil
}

// SearchMemories returns up to limit memories of the user in one category
// whose similarity is at least floor, best first.
func (s *SemanticMemory) SearchMemories(ctx context.Context, userID, category, query string, limit int, floor float64) ([]brain.Memory, error) {
	if limit <= 0 {
		limit = 5
	}
	if s.vectors == nil || s.embed == nil {
		return s.keyword.SearchMemories(ctx, userID, category, query, limit, floor)
	}

	// Step 1: Embed the query
	queryEmbedding, err := s.embed.EmbedQuery(ctx, query)
	if err != nil {
		slog.Warn("semantic embed failed, falling back to keyword-only", "error", err)
		return s.keyword.SearchMemories(ctx, userID, category, query, limit, floor)
	}

	fetchLimit := limit * overFetchMultiplier

	// Step 2 & 3: Parallel vector + keyword search. Each side records its own
	// error so one failing never cancels the other.
	var vectorResults []SearchResult
	var keywordResults []brain.Memory
	var vectorErr, keywordErr error
	var g errgroup.Group
	g.Go(func() error {
		vectorResults, vectorErr = s.vectors.Search(ctx, userID, category, queryEmbedding, fetchLimit)
		return nil
	})
	g.Go(func() error {
		// floor 0 so weak keyword hits can still be rescued by the vector side
		keywordResults, keywordErr = s.keyword.SearchMemories(ctx, userID, category, query, fetchLimit, 0)
		return nil
	})
	g.Wait()

	// Handle errors gracefully, degrade to whichever source works
	if vectorErr != nil && keywordErr != nil {
		return nil, vectorErr
	}

	if vectorErr != nil {
		slog.Warn("vector search failed, using keyword-only", "error", vectorErr)
		return truncate(aboveFloor(keywordResults, floor), limit), nil
	}

	similarity := make(map[int64]float64, len(vectorResults)+len(keywordResults))
	for _, r := range vectorResults {
		similarity[r.MemoryID] = r.Similarity()
	}
	for _, m := range keywordResults {
		if m.Similarity > similarity[m.ID] {
			similarity[m.ID] = m.Similarity
		}
	}

	// Step 4: Build ranked lists for RRF
	vectorRanked := make([]FusedResult, len(vectorResults))
	for i, r := range vectorResults {
		vectorRanked[i] = FusedResult{MemoryID: r.MemoryID}
	}
	lists := [][]FusedResult{vectorRanked}
	if keywordErr != nil {
		slog.Warn("keyword search failed, using vector-only", "error", keywordErr)
	} else {
		keywordRanked := make([]FusedResult, len(keywordResults))
		for i, m := range keywordResults {
			keywordRanked[i] = FusedResult{MemoryID: m.ID}
		}
		lists = append(lists, keywordRanked)
	}

	fused := reciprocalRankFusion(lists, rrfK)

	// Step 5: Fetch full memories from SQLite
	ids := make([]int64, 0, len(fused))
	for _, r := range fused {
		if similarity[r.MemoryID] >= floor {
			ids = append(ids, r.MemoryID)
		}
	}
	memories, err := s.keyword.GetMemoriesByIDs(ctx, userID, ids)
	if err != nil {
		return nil, err
	}
	for i := range memories {
		memories[i].Similarity = similarity[memories[i].ID]
	}
	return truncate(memories, limit), nil
}

func aboveFloor(memories []brain.Memory, floor float64) []brain.Memory {
	out := memories[:0]
	for _, m := range memories {
		if m.Similarity >= floor {
			out = append(out, m)
		}
	}
	return out
}

func truncate(memories []brain.Memory, limit int) []brain.Memory {
	if len(memories) > limit {
		return memories[:limit]
	}
	return memories
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

// reciprocalRankFusion merges multiple ranked lists using RRF.
// Formula: RRF_score(d) = Σ 1/(k + rank_i(d))
func reciprocalRankFusion(lists [][]FusedResult, k int) []FusedResult {
	scores := make(map[int64]float64)

	for _, list := range lists {
		for rank, result := range list {
			// rank is 0-indexed, RRF uses 1-indexed
			scores[result.MemoryID] += 1.0 / (float64(k) + float64(rank+1))
		}
	}

	fused := make([]FusedResult, 0, len(scores))
	for id, score := range scores {
		fused = append(fused, FusedResult{MemoryID: id, Score: score})
	}

	sort.Slice(fused, func(i, j int) bool {
		if fused[i].Score == fused[j].Score {
			return fused[i].MemoryID < fused[j].MemoryID
		}
		return fused[i].Score > fused[j].Score
	})

	return fused
}
