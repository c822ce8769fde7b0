// Package assemble shapes fused search results into caller-facing
// citation spans.
package assemble

import (
	"github.com/recallkit/recallkit/codec"
	"github.com/recallkit/recallkit/engine"
	"github.com/recallkit/recallkit/model"
)

// Options controls span shaping.
type Options struct {
	// MaxContentLength truncates span content to at most this many runes.
	// 0 means no truncation. Truncation never splits a rune.
	MaxContentLength int

	// Codec encodes responses. Defaults to codec.Default.
	Codec codec.Codec
}

// Assembler converts engine results into spans.
type Assembler struct {
	opts Options
}

// New creates an Assembler.
func New(optFns ...func(o *Options)) *Assembler {
	opts := Options{Codec: codec.Default}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Codec == nil {
		opts.Codec = codec.Default
	}
	return &Assembler{opts: opts}
}

// Spans converts results in order, preserving the engine's ranking.
func (a *Assembler) Spans(results []engine.Result) []model.Span {
	spans := make([]model.Span, 0, len(results))
	for _, r := range results {
		spans = append(spans, model.Span{
			DocumentID:    r.Chunk.DocumentID,
			FilePath:      r.Chunk.FilePath,
			LineStart:     r.Chunk.LineStart,
			LineEnd:       r.Chunk.LineEnd,
			Content:       truncateRunes(r.Chunk.Content, a.opts.MaxContentLength),
			Score:         r.Score,
			IsAnchor:      r.Chunk.IsAnchor,
			Contributions: r.Contributions,
		})
	}
	return spans
}

// Response is the serializable query response.
type Response struct {
	Spans []model.Span `json:"spans"`
	Total int          `json:"total"`
}

// EncodeResponse serializes spans with the configured codec.
func (a *Assembler) EncodeResponse(spans []model.Span) ([]byte, error) {
	return a.opts.Codec.Marshal(Response{Spans: spans, Total: len(spans)})
}

// truncateRunes cuts s to at most max runes.
func truncateRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	count := 0
	for i := range s {
		if count == max {
			return s[:i]
		}
		count++
	}
	return s
}
