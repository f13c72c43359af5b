package cache

import (
	"hash/fnv"
	"math"
	"strings"
)

// Embedder maps text to a fixed-length vector. The default
// implementation is a hashed bag-of-words, not a trained model; a real
// embedding service can be substituted without touching the matching
// logic.
type Embedder interface {
	Embed(text string) []float64
	Dim() int
}

// HashEmbedder buckets lowercased word hashes into a fixed-length,
// L2-normalized vector.
type HashEmbedder struct {
	dim int
}

func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 128
	}
	return &HashEmbedder{dim: dim}
}

func (e *HashEmbedder) Dim() int { return e.dim }

func (e *HashEmbedder) Embed(text string) []float64 {
	vec := make([]float64, e.dim)
	for _, word := range strings.Fields(normalizeText(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(word))
		vec[int(h.Sum32())%e.dim]++
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

// Cosine returns the cosine similarity of two equal-length vectors.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Jaccard returns the token-set similarity of two fingerprints.
func Jaccard(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	intersection := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.Fields(normalizeText(s)) {
		out[tok] = struct{}{}
	}
	return out
}

var punctReplacer = strings.NewReplacer(
	".", " ", ",", " ", "!", " ", "?", " ", ";", " ", ":", " ",
	"\"", " ", "'", "", "(", " ", ")", " ", "|", " ",
)

func normalizeText(s string) string {
	return strings.TrimSpace(punctReplacer.Replace(strings.ToLower(s)))
}
