// Package ledger implements the tamper-evident audit log.
//
// Every event is appended as an Entry whose Hash commits to its index, the
// previous entry's hash, the canonical JSON payload and the timestamp. The
// first entry chains from GenesisHash (64 hex zeros).
//
// Two stores are kept:
//   - the journal, one JSON entry per line, which is the ground truth;
//   - a relational Index (SQLite by default, PostgreSQL optionally) used for
//     queries and point-in-time snapshots. The index is a cache that Open
//     reconciles against the journal and Rebuild regenerates from it.
//
// Appends are serialised by the Ledger; reads may run concurrently with each
// other but never observe a half-written append.
package ledger
