package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/recallkit/recallkit/model"
)

// ErrInvalidQuery is returned for queries that cannot be executed at all:
// no text and no embedding, or a non-positive k.
var ErrInvalidQuery = errors.New("invalid query")

// Store is the read side of the chunk store the engine searches over.
type Store interface {
	// DenseCandidates returns up to k chunks by ascending cosine distance.
	DenseCandidates(query []float32, k, ef int) ([]model.Candidate, error)

	// LexicalCandidates returns up to k chunks by descending BM25 score.
	LexicalCandidates(query string, k int) ([]model.Candidate, error)
}

// Fetcher materializes chunk rows for fused candidates. Pooled sessions
// satisfy this, so each query's row fetches stay on one connection.
type Fetcher interface {
	GetChunks(ctx context.Context, ids []model.ChunkID) ([]*model.Chunk, error)
}

// Query is one retrieval request. At least one of Text and Embedding must
// be set.
type Query struct {
	Text      string
	Embedding []float32

	// K is the maximum number of spans to return. Required.
	K int

	// EvidenceBudget caps the total content length (in bytes) across all
	// returned spans. 0 means unbounded. The cap is hard: once exceeded,
	// remaining candidates are dropped regardless of relevance.
	EvidenceBudget int

	// AnchorBoost is the additive bonus applied to anchor chunks.
	AnchorBoost float64

	// DenseWeight and LexicalWeight scale each leg's rank contributions.
	// When both are zero the legs are weighted equally.
	DenseWeight   float64
	LexicalWeight float64

	// EF overrides the dense index's search width when > 0.
	EF int
}

// Result is one fused, deduplicated match.
type Result struct {
	Chunk         *model.Chunk
	Score         float64
	Contributions model.Contributions
}

// Options tunes the fusion behavior.
type Options struct {
	// Overfetch multiplies k for each retrieval leg, so fusion and
	// deduplication have enough candidates to fill the final list.
	Overfetch int

	// RankOffset dampens the advantage of rank-1 items in reciprocal
	// rank fusion, so appearing in both lists matters more than a single
	// extreme rank.
	RankOffset int

	// AnchorMargin is the score headroom within which an anchor still
	// outranks a better-fused non-anchor. A non-anchor whose fused score
	// exceeds the anchor's boosted score by more than this margin keeps
	// its position.
	AnchorMargin float64

	// Logger receives per-query debug events.
	Logger *slog.Logger
}

// DefaultOptions are the fusion defaults.
var DefaultOptions = Options{
	Overfetch:    3,
	RankOffset:   60,
	AnchorMargin: 0,
}

// Engine runs hybrid searches against a chunk store.
type Engine struct {
	store Store
	opts  Options
}

// New creates an Engine over the given store.
func New(store Store, optFns ...func(o *Options)) *Engine {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Overfetch < 1 {
		opts.Overfetch = 1
	}
	if opts.RankOffset < 0 {
		opts.RankOffset = DefaultOptions.RankOffset
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{store: store, opts: opts}
}

// Search runs both retrieval legs, fuses them and returns up to q.K
// deduplicated results within the evidence budget.
func (e *Engine) Search(ctx context.Context, fetch Fetcher, q Query) ([]Result, error) {
	if q.K <= 0 {
		return nil, fmt.Errorf("%w: k must be positive, got %d", ErrInvalidQuery, q.K)
	}

	hasText := strings.TrimSpace(q.Text) != ""
	hasVector := len(q.Embedding) > 0
	if !hasText && !hasVector {
		return nil, fmt.Errorf("%w: query needs text, an embedding, or both", ErrInvalidQuery)
	}

	denseWeight, lexicalWeight := q.DenseWeight, q.LexicalWeight
	if denseWeight == 0 && lexicalWeight == 0 {
		denseWeight, lexicalWeight = 1, 1
	}
	if denseWeight < 0 || lexicalWeight < 0 {
		return nil, fmt.Errorf("%w: negative fusion weight", ErrInvalidQuery)
	}

	fetchK := q.K * e.opts.Overfetch

	// The legs are independent in-memory reads that cannot block, so a
	// plain group suffices; the first leg error fails the query.
	var dense, lexicalHits []model.Candidate
	var g errgroup.Group
	if hasVector {
		g.Go(func() error {
			var err error
			dense, err = e.store.DenseCandidates(q.Embedding, fetchK, q.EF)
			return err
		})
	}
	if hasText {
		g.Go(func() error {
			var err error
			lexicalHits, err = e.store.LexicalCandidates(q.Text, fetchK)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fused := fuse(dense, lexicalHits, denseWeight, lexicalWeight, e.opts.RankOffset)
	if len(fused) == 0 {
		return nil, nil
	}

	ids := make([]model.ChunkID, len(fused))
	for i, f := range fused {
		ids[i] = f.id
	}
	chunks, err := fetch.GetChunks(ctx, ids)
	if err != nil {
		return nil, err
	}

	results := e.rank(fused, chunks, q)

	e.opts.Logger.Debug("hybrid search",
		"dense", len(dense),
		"lexical", len(lexicalHits),
		"fused", len(fused),
		"returned", len(results),
	)
	return results, nil
}
