package risk

import "math"

// CosineDistance returns 1 - cos(a, b) over the union of keys. Empty inputs
// have distance 0 so that missing data never looks like divergence.
func CosineDistance(a map[string]int, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for key, count := range a {
		v := float64(count)
		normA += v * v
		dot += v * b[key]
	}
	for _, w := range b {
		normB += w * w
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if cos > 1 {
		cos = 1
	}
	return 1 - cos
}
