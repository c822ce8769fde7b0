// Package chunkstore persists document chunks in SQLite and maintains the
// derived retrieval structures over them: an HNSW graph for dense search,
// a BM25 index for lexical search and an anchor-key lookup table.
//
// The SQLite rows are the single system of record. Both derived indexes
// are rebuilt from rows on open (or restored from an optional snapshot),
// and every write updates rows and indexes together, so the indexes are
// never stale relative to committed content.
package chunkstore
