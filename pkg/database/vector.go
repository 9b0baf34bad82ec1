package database

import (
	"strconv"
	"strings"
)

// VectorLiteral renders an embedding in the input syntax of the pgvector
// extension ("[0.1,0.2,...]"), for binding to a $n::vector parameter.
// Embeddings are write-only from Go: queries order by distance but never
// scan the column back.
func VectorLiteral(embedding []float32) string {
	var sb strings.Builder
	sb.Grow(len(embedding)*10 + 2)
	sb.WriteByte('[')
	for i, v := range embedding {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}
