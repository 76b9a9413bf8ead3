package embedding

import (
	"context"
	"math"
	"regexp"
	"strings"
)

// HashDimensions is the fixed width of the local sketch. Long-term vector
// tables are created at this width.
const HashDimensions = 64

// FNV-1a 32-bit parameters.
const (
	fnvOffsetBasis uint32 = 2166136261
	fnvPrime       uint32 = 16777619
)

var tokenPattern = regexp.MustCompile(`[a-z0-9_]+`)

// HashEngine is a deterministic signed-hash sketch. Each lowercase token
// contributes +-1 at (hash mod 64); the result is L2-normalized and retained
// to six decimal places, so embed(x) == embed(x) bitwise across processes.
type HashEngine struct{}

// NewHashEngine creates the deterministic local engine.
func NewHashEngine() *HashEngine {
	return &HashEngine{}
}

// Embed generates the sketch for a single text. Never fails.
func (e *HashEngine) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float64, HashDimensions)

	for _, token := range tokenPattern.FindAllString(strings.ToLower(text), -1) {
		h := fnvOffsetBasis
		for i := 0; i < len(token); i++ {
			h ^= uint32(token[i])
			h *= fnvPrime
		}
		sign := 1.0
		if h&0x80000000 != 0 {
			sign = -1.0
		}
		vec[h%HashDimensions] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}

	out := make([]float32, HashDimensions)
	if norm == 0 {
		return out, nil
	}
	norm = math.Sqrt(norm)
	for i, v := range vec {
		out[i] = float32(round6(v / norm))
	}
	return out, nil
}

// EmbedBatch generates sketches for multiple texts.
func (e *HashEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions returns the fixed sketch width.
func (e *HashEngine) Dimensions() int {
	return HashDimensions
}

// Name returns the engine name.
func (e *HashEngine) Name() string {
	return "hash-sketch-64"
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
