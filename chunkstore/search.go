package chunkstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/recallkit/recallkit/hnsw"
	"github.com/recallkit/recallkit/model"
)

// DenseCandidates runs an approximate nearest-neighbour search over the
// chunk embeddings and returns candidates ordered by ascending cosine
// distance. ef overrides the index default when > 0.
func (s *Store) DenseCandidates(query []float32, k, ef int) ([]model.Candidate, error) {
	if len(query) != s.dimension {
		return nil, &hnsw.ErrDimensionMismatch{Expected: s.dimension, Actual: len(query)}
	}
	if k <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	results, err := s.dense.KNNSearch(query, k, ef)
	if err != nil {
		return nil, err
	}

	candidates := make([]model.Candidate, 0, len(results))
	for _, r := range results {
		id, ok := s.nodeToChunk[r.ID]
		if !ok {
			continue
		}
		candidates = append(candidates, model.Candidate{
			ChunkID: id,
			Score:   r.Distance,
			Rank:    len(candidates),
		})
	}
	return candidates, nil
}

// LexicalCandidates runs a BM25 search over the chunk contents and returns
// candidates ordered by descending relevance.
func (s *Store) LexicalCandidates(query string, k int) ([]model.Candidate, error) {
	if k <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	matches, err := s.lex.Search(query, k)
	if err != nil {
		return nil, err
	}

	candidates := make([]model.Candidate, 0, len(matches))
	for _, m := range matches {
		candidates = append(candidates, model.Candidate{
			ChunkID: model.ChunkID(m.ID),
			Score:   float32(m.Score),
			Rank:    len(candidates),
		})
	}
	return candidates, nil
}

// SearchHit is a materialized search result.
type SearchHit struct {
	Chunk *model.Chunk
	// Score carries the leg's native score: cosine distance for dense
	// hits, BM25 relevance for lexical ones.
	Score float32
}

// DenseSearch is DenseCandidates with the chunk rows fetched.
func (s *Store) DenseSearch(ctx context.Context, query []float32, k, ef int) ([]SearchHit, error) {
	candidates, err := s.DenseCandidates(query, k, ef)
	if err != nil {
		return nil, err
	}
	return s.materialize(ctx, candidates)
}

// LexicalSearch is LexicalCandidates with the chunk rows fetched.
func (s *Store) LexicalSearch(ctx context.Context, query string, k int) ([]SearchHit, error) {
	candidates, err := s.LexicalCandidates(query, k)
	if err != nil {
		return nil, err
	}
	return s.materialize(ctx, candidates)
}

func (s *Store) materialize(ctx context.Context, candidates []model.Candidate) ([]SearchHit, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	ids := make([]model.ChunkID, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ChunkID
	}
	chunks, err := s.getChunks(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	hits := make([]SearchHit, len(candidates))
	for i, c := range candidates {
		hits[i] = SearchHit{Chunk: chunks[i], Score: c.Score}
	}
	return hits, nil
}

// querier abstracts *sql.DB and *sql.Conn for row fetches.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const chunkColumns = `id, document_id, chunk_index, file_path, line_start, line_end,
	content, embedding, is_anchor, anchor_key, metadata, created_at, updated_at`

// getChunk fetches a single chunk row.
func (s *Store) getChunk(ctx context.Context, q querier, id model.ChunkID) (*model.Chunk, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE id = ?`, int64(id))

	c, err := s.scanChunk(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: chunk %d", ErrNotFound, id)
	}
	return c, err
}

// getChunks fetches multiple chunk rows in one query, returned in the
// order of ids. Missing ids are reported as ErrNotFound.
func (s *Store) getChunks(ctx context.Context, q querier, ids []model.ChunkID) ([]*model.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = int64(id)
	}

	rows, err := q.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[model.ChunkID]*model.Chunk, len(ids))
	for rows.Next() {
		c, err := s.scanChunk(rows)
		if err != nil {
			return nil, err
		}
		byID[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	chunks := make([]*model.Chunk, 0, len(ids))
	for _, id := range ids {
		c, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: chunk %d", ErrNotFound, id)
		}
		chunks = append(chunks, c)
	}
	return chunks, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanChunk(row rowScanner) (*model.Chunk, error) {
	var (
		c         model.Chunk
		embedding []byte
		isAnchor  bool
		anchorKey sql.NullString
		metadata  string
	)
	err := row.Scan(
		&c.ID, &c.DocumentID, &c.ChunkIndex, &c.FilePath, &c.LineStart, &c.LineEnd,
		&c.Content, &embedding, &isAnchor, &anchorKey, &metadata, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Embedding, err = decodeEmbedding(embedding)
	if err != nil {
		return nil, fmt.Errorf("chunk %d: %w", c.ID, err)
	}
	c.IsAnchor = isAnchor
	if anchorKey.Valid {
		c.AnchorKey = anchorKey.String
	}
	if metadata != "" && metadata != "{}" {
		if err := s.opts.Codec.Unmarshal([]byte(metadata), &c.Metadata); err != nil {
			return nil, fmt.Errorf("chunk %d: decode metadata: %w", c.ID, err)
		}
	}

	return &c, nil
}
