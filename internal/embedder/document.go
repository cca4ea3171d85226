package embedder

import (
	"fmt"
	"maps"
	"math"
	"strconv"
	"strings"
)

// Document is a unit of text flowing through a retrieval pipeline.
type Document struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Meta      map[string]any `json:"meta,omitempty"`
	Embedding []float32      `json:"embedding,omitempty"`
}

// withEmbedding returns a copy of d carrying embedding. The meta map is
// cloned so callers never observe shared state.
func (d Document) withEmbedding(embedding []float32) Document {
	d.Meta = maps.Clone(d.Meta)
	d.Embedding = embedding
	return d
}

// metaText renders a meta value for embedding. Floats always carry a
// fractional part or exponent ("1.0", "1e+16") and booleans are capitalized,
// so text built from JSON-decoded meta matches text built by other pipeline
// implementations.
func metaText(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		if x {
			return "True"
		}
		return "False"
	case float64:
		return floatText(x, 64)
	case float32:
		return floatText(float64(x), 32)
	default:
		return fmt.Sprint(v)
	}
}

func floatText(f float64, bits int) string {
	switch {
	case math.IsNaN(f):
		return "nan"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	if abs := math.Abs(f); abs != 0 && (abs < 1e-4 || abs >= 1e16) {
		return strconv.FormatFloat(f, 'e', -1, bits)
	}
	s := strconv.FormatFloat(f, 'f', -1, bits)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
