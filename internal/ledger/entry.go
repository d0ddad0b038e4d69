package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// GenesisHash is the previous_hash of the first entry in every chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is a single record in the ledger. Entries are immutable once appended.
type Entry struct {
	Index        uint64          `json:"index"`
	PreviousHash string          `json:"previous_hash"`
	Payload      json.RawMessage `json:"payload"`
	Timestamp    time.Time       `json:"timestamp"`
	Hash         string          `json:"hash"`
}

// computeHash returns SHA-256 over the big-endian index, the previous hash,
// the canonical payload and the RFC 3339 timestamp.
func (e *Entry) computeHash() string {
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], e.Index)

	h := sha256.New()
	h.Write(idx[:])
	h.Write([]byte(e.PreviousHash))
	h.Write(e.Payload)
	h.Write([]byte(formatTimestamp(e.Timestamp)))
	return hex.EncodeToString(h.Sum(nil))
}

// sameAs reports whether two entries carry identical persisted fields.
func (e *Entry) sameAs(o *Entry) bool {
	return e.Index == o.Index &&
		e.Hash == o.Hash &&
		e.PreviousHash == o.PreviousHash &&
		bytes.Equal(e.Payload, o.Payload) &&
		e.Timestamp.Equal(o.Timestamp)
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// canonicalPayload serialises payload as compact JSON with object keys in
// sorted order, so that equal values always hash identically.
func canonicalPayload(payload any) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("re-marshal payload: %w", err)
	}
	return out, nil
}

// chainChecker walks entries in index order and reports the first break.
type chainChecker struct {
	prev string
	next uint64
}

func newChainChecker() *chainChecker {
	return &chainChecker{prev: GenesisHash}
}

func (c *chainChecker) check(e *Entry) error {
	switch {
	case e.Index != c.next:
		return &chainBreak{index: e.Index, reason: fmt.Sprintf("expected index %d", c.next)}
	case e.PreviousHash != c.prev:
		return &chainBreak{index: e.Index, reason: "previous_hash does not link to prior entry"}
	case e.computeHash() != e.Hash:
		return &chainBreak{index: e.Index, reason: "content hash mismatch"}
	}
	c.prev = e.Hash
	c.next++
	return nil
}

// chainBreak stops a scan at the first inconsistent entry.
type chainBreak struct {
	index  uint64
	reason string
}

func (b *chainBreak) Error() string {
	return fmt.Sprintf("hash chain broken at index %d: %s", b.index, b.reason)
}
