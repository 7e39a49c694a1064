package retrieval

import "sort"

// Result is a single retrieval hit with its relevance score.
type Result struct {
	ID           string                 `json:"id"`
	Source       string                 `json:"source"`
	Content      string                 `json:"content"`
	Score        float64                `json:"score"`
	VectorScore  *float64               `json:"vector_score,omitempty"`
	KeywordScore *float64               `json:"keyword_score,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// Options configures hybrid search behavior.
type Options struct {
	Limit         int     `json:"limit"`
	VectorWeight  float64 `json:"vector_weight"`
	KeywordWeight float64 `json:"keyword_weight"`
	MinScore      float64 `json:"min_score"`
}

// DefaultOptions returns the standard hybrid weighting.
func DefaultOptions() *Options {
	return &Options{
		Limit:         10,
		VectorWeight:  0.7,
		KeywordWeight: 0.3,
	}
}

type vectorHit struct {
	id         string
	similarity float64
}

type keywordHit struct {
	id        string
	bm25Score float64
}

type mergedHit struct {
	id           string
	score        float64
	vectorScore  *float64
	keywordScore *float64
}

// mergeHits combines vector and keyword hits into one weighted ranking.
// Vector similarity is mapped from [-1, 1] into [0, 1]; keyword scores are
// normalized against the best keyword hit.
func mergeHits(vectorHits []vectorHit, keywordHits []keywordHit, opts *Options) []mergedHit {
	vectorMap := make(map[string]float64)
	keywordMap := make(map[string]float64)

	var maxKeyword float64
	for _, h := range vectorHits {
		vectorMap[h.id] = h.similarity
	}
	for _, h := range keywordHits {
		keywordMap[h.id] = h.bm25Score
		if h.bm25Score > maxKeyword {
			maxKeyword = h.bm25Score
		}
	}

	ids := make(map[string]bool)
	for id := range vectorMap {
		ids[id] = true
	}
	for id := range keywordMap {
		ids[id] = true
	}

	var merged []mergedHit
	for id := range ids {
		var normalizedVector, normalizedKeyword float64

		if similarity, ok := vectorMap[id]; ok {
			normalizedVector = (similarity + 1) / 2
		}
		if score, ok := keywordMap[id]; ok && maxKeyword > 0 {
			normalizedKeyword = score / maxKeyword
		}

		combined := (normalizedVector * opts.VectorWeight) + (normalizedKeyword * opts.KeywordWeight)
		if opts.MinScore > 0 && combined < opts.MinScore {
			continue
		}

		var vecPtr, keyPtr *float64
		if _, ok := vectorMap[id]; ok {
			v := normalizedVector
			vecPtr = &v
		}
		if _, ok := keywordMap[id]; ok {
			k := normalizedKeyword
			keyPtr = &k
		}

		merged = append(merged, mergedHit{
			id:           id,
			score:        combined,
			vectorScore:  vecPtr,
			keywordScore: keyPtr,
		})
	}

	sort.Slice(merged, func(i, j int) bool {
		return merged[i].score > merged[j].score
	})

	return merged
}
