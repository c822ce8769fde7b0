package model

import (
	"fmt"
	"time"
)

// DocumentStatus tracks the ingestion lifecycle of a document.
type DocumentStatus string

const (
	DocumentPending   DocumentStatus = "pending"
	DocumentProcessed DocumentStatus = "processed"
	DocumentFailed    DocumentStatus = "failed"
)

// Document is the provenance record for a set of chunks.
//
// Documents are created and owned by the ingestion collaborator; the
// retrieval engine only reads them.
type Document struct {
	ID         string
	Filename   string
	Path       string
	Type       string
	Size       int64
	ChunkCount int
	Status     DocumentStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ChunkID is the stable identifier of a chunk row.
type ChunkID int64

// Chunk is a contiguous fragment of a source document, stored with both a
// dense embedding and a derived lexical representation.
type Chunk struct {
	ID         ChunkID
	DocumentID string
	// ChunkIndex is the 0-based position of the chunk within its document.
	// (DocumentID, ChunkIndex) is unique.
	ChunkIndex int
	FilePath   string
	LineStart  int
	LineEnd    int
	Content    string
	Embedding  []float32
	IsAnchor   bool
	AnchorKey  string
	Metadata   map[string]string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// OverlapsLines reports whether two chunks from the same document cover
// overlapping line ranges. Chunks from different documents never overlap.
func (c *Chunk) OverlapsLines(other *Chunk) bool {
	if c.DocumentID != other.DocumentID {
		return false
	}
	return c.LineStart <= other.LineEnd && other.LineStart <= c.LineEnd
}

// Candidate is a potential match produced by one retrieval leg.
type Candidate struct {
	ChunkID ChunkID
	// Score is leg-dependent: cosine distance for dense candidates
	// (lower is better), BM25 relevance for lexical ones (higher is
	// better).
	Score float32
	// Rank is the 0-based position within the leg's result list.
	Rank int
}

// Contributions records how each retrieval modality contributed to a fused
// result, for auditability.
type Contributions struct {
	// DenseRank / LexicalRank are 0-based ranks within the respective
	// candidate list, or -1 if the chunk did not appear in that list.
	DenseRank    int     `json:"dense_rank"`
	LexicalRank  int     `json:"lexical_rank"`
	DenseScore   float64 `json:"dense_score"`
	LexicalScore float64 `json:"lexical_score"`
}

// Span is the caller-facing citation unit: the originating file slice plus
// the fused relevance score.
type Span struct {
	DocumentID    string        `json:"document_id"`
	FilePath      string        `json:"file_path"`
	LineStart     int           `json:"line_start"`
	LineEnd       int           `json:"line_end"`
	Content       string        `json:"content"`
	Score         float64       `json:"score"`
	IsAnchor      bool          `json:"is_anchor"`
	Contributions Contributions `json:"contributions"`
}

// String returns a compact citation form, e.g. "pkg/store.go:10-42".
func (s Span) String() string {
	return fmt.Sprintf("%s:%d-%d", s.FilePath, s.LineStart, s.LineEnd)
}

// KnownMetadataKeys are the chunk metadata keys the store validates in
// strict mode.
var KnownMetadataKeys = map[string]struct{}{
	"language":  {},
	"symbol":    {},
	"section":   {},
	"source":    {},
	"mime_type": {},
	"tokenizer": {},
}
