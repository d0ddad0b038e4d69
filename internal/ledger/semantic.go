package ledger

import (
	"context"
	"encoding/binary"
	"math"
)

// embeddingDims is the length of the placeholder embedding vector.
const embeddingDims = 128

// IndexSemantic attaches a placeholder embedding of text to the entry at idx.
// The vector is structural only: the first 128 bytes of text scaled to
// [0, 1]. It is not a similarity model.
func (l *Ledger) IndexSemantic(ctx context.Context, idx uint64, text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.readOnly {
		return ErrReadOnly
	}

	if _, err := l.index.Get(ctx, idx); err != nil {
		return err
	}
	return l.index.PutEmbedding(ctx, idx, encodeEmbedding(placeholderEmbedding(text)))
}

// SearchSemantic returns up to limit entries that have an embedding, oldest
// first.
func (l *Ledger) SearchSemantic(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 10
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.index.SemanticSearch(ctx, limit)
}

func placeholderEmbedding(text string) []float32 {
	b := []byte(text)
	if len(b) > embeddingDims {
		b = b[:embeddingDims]
	}
	v := make([]float32, len(b))
	for i, c := range b {
		v[i] = float32(c) / 255.0
	}
	return v
}

// encodeEmbedding serialises v as little-endian float32s.
func encodeEmbedding(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
