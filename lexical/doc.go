// Package lexical defines the sparse (term-based) retrieval contract and
// the deterministic tokenizer shared by indexing and query time.
//
// The lexical representation of a chunk is derived from its content alone:
// tokenizing the same content always yields the same terms, so the index
// can be rebuilt from stored rows at any time.
package lexical
