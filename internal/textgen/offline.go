package textgen

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// Offline is the deterministic fallback used when no generation backend is
// configured. Embeddings are hashed bag-of-words vectors: texts sharing words
// land close under cosine similarity, which is enough for the semantic
// matcher's fallback path. Generate refuses, callers degrade gracefully.
type Offline struct{}

// NewOffline creates the offline fallback client.
func NewOffline() *Offline {
	return &Offline{}
}

// OfflineDims is the dimensionality of offline embedding vectors.
const OfflineDims = 128

// Generate always fails: there is no local model to complete with.
func (o *Offline) Generate(ctx context.Context, prompt, system string) (string, error) {
	return "", ErrNoBackend
}

// Embed hashes each word into a fixed-size vector and L2-normalizes it.
func (o *Offline) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, OfflineDims)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?;:\"'()[]{}")
		if word == "" {
			continue
		}
		h := fnv.New32a()
		h.Write([]byte(word))
		sum := h.Sum32()
		idx := int(sum % OfflineDims)
		// Sign from a higher bit decorrelates colliding words
		if sum&(1<<31) != 0 {
			vec[idx] -= 1
		} else {
			vec[idx] += 1
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec, nil
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}

// EstimateCost is always zero offline.
func (o *Offline) EstimateCost(tokens int) float64 {
	return 0
}

// Available reports false: generation is unavailable offline.
func (o *Offline) Available() bool {
	return false
}
