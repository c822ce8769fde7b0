package chunkstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recallkit/recallkit/hnsw"
	"github.com/recallkit/recallkit/model"
)

const testDimension = 4

func openTestStore(t *testing.T, optFns ...func(o *Options)) *Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "chunks.db")
	s, err := Open(context.Background(), path, testDimension, optFns...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func putTestDocument(t *testing.T, s *Store, id string) *model.Document {
	t.Helper()

	doc := &model.Document{ID: id, Filename: id + ".go", Path: "pkg/" + id + ".go"}
	require.NoError(t, s.PutDocument(context.Background(), doc))
	return doc
}

func testChunk(docID string, index int, content string, embedding []float32) *model.Chunk {
	return &model.Chunk{
		DocumentID: docID,
		ChunkIndex: index,
		FilePath:   "pkg/" + docID + ".go",
		LineStart:  index*10 + 1,
		LineEnd:    index*10 + 10,
		Content:    content,
		Embedding:  embedding,
	}
}

func TestStoreInsertAndGet(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	putTestDocument(t, s, "doc1")

	chunk := testChunk("doc1", 0, "func main parses flags", []float32{1, 0, 0, 0})
	chunk.Metadata = map[string]string{"language": "go"}
	require.NoError(t, s.Insert(ctx, chunk))
	assert.NotZero(t, chunk.ID)

	got, err := s.GetChunk(ctx, chunk.ID)
	require.NoError(t, err)
	assert.Equal(t, chunk.Content, got.Content)
	assert.Equal(t, chunk.Embedding, got.Embedding)
	assert.Equal(t, "go", got.Metadata["language"])

	doc, err := s.GetDocument(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, 1, doc.ChunkCount)
}

func TestStoreValidation(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	putTestDocument(t, s, "doc1")

	t.Run("dimension mismatch", func(t *testing.T) {
		chunk := testChunk("doc1", 0, "short vector", []float32{1, 0})
		err := s.Insert(ctx, chunk)

		var mismatch *hnsw.ErrDimensionMismatch
		require.ErrorAs(t, err, &mismatch)
		assert.Equal(t, testDimension, mismatch.Expected)
		assert.Equal(t, 2, mismatch.Actual)
	})

	t.Run("inverted line range", func(t *testing.T) {
		chunk := testChunk("doc1", 0, "bad span", []float32{1, 0, 0, 0})
		chunk.LineStart, chunk.LineEnd = 20, 10
		assert.ErrorIs(t, s.Insert(ctx, chunk), ErrInvalidChunk)
	})

	t.Run("anchor without key", func(t *testing.T) {
		chunk := testChunk("doc1", 0, "anchored", []float32{1, 0, 0, 0})
		chunk.IsAnchor = true
		assert.ErrorIs(t, s.Insert(ctx, chunk), ErrInvalidChunk)
	})

	t.Run("empty document id", func(t *testing.T) {
		chunk := testChunk("", 0, "orphan", []float32{1, 0, 0, 0})
		assert.ErrorIs(t, s.Insert(ctx, chunk), ErrInvalidChunk)
	})
}

func TestStoreStrictMetadata(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, func(o *Options) { o.StrictMetadata = true })
	ctx := context.Background()
	putTestDocument(t, s, "doc1")

	chunk := testChunk("doc1", 0, "content", []float32{1, 0, 0, 0})
	chunk.Metadata = map[string]string{"favourite_colour": "green"}
	assert.ErrorIs(t, s.Insert(ctx, chunk), ErrUnknownMetadataKey)

	chunk.Metadata = map[string]string{"language": "go"}
	assert.NoError(t, s.Insert(ctx, chunk))
}

func TestStoreDuplicateChunkIndex(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	putTestDocument(t, s, "doc1")

	first := testChunk("doc1", 0, "original", []float32{1, 0, 0, 0})
	require.NoError(t, s.Insert(ctx, first))

	dup := testChunk("doc1", 0, "impostor", []float32{0, 1, 0, 0})
	assert.ErrorIs(t, s.Insert(ctx, dup), ErrConstraintViolation)

	// The original row must be unchanged.
	got, err := s.GetChunk(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "original", got.Content)
}

func TestStoreDuplicateAnchorKey(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	putTestDocument(t, s, "doc1")

	first := testChunk("doc1", 0, "pinned", []float32{1, 0, 0, 0})
	first.IsAnchor = true
	first.AnchorKey = "readme"
	require.NoError(t, s.Insert(ctx, first))

	second := testChunk("doc1", 1, "also pinned", []float32{0, 1, 0, 0})
	second.IsAnchor = true
	second.AnchorKey = "readme"
	assert.ErrorIs(t, s.Insert(ctx, second), ErrConstraintViolation)
}

func TestStoreBatchInsertAllOrNothing(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	putTestDocument(t, s, "doc1")

	batch := []*model.Chunk{
		testChunk("doc1", 0, "first", []float32{1, 0, 0, 0}),
		testChunk("doc1", 1, "second", []float32{0, 1, 0, 0}),
		testChunk("doc1", 1, "duplicate index", []float32{0, 0, 1, 0}),
	}
	assert.ErrorIs(t, s.BatchInsert(ctx, batch), ErrConstraintViolation)
	assert.Equal(t, 0, s.Len())

	ok := []*model.Chunk{
		testChunk("doc1", 0, "first", []float32{1, 0, 0, 0}),
		testChunk("doc1", 1, "second", []float32{0, 1, 0, 0}),
	}
	require.NoError(t, s.BatchInsert(ctx, ok))
	assert.Equal(t, 2, s.Len())
}

func TestStoreUpdateChunk(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	putTestDocument(t, s, "doc1")

	chunk := testChunk("doc1", 0, "original content about parsing", []float32{1, 0, 0, 0})
	chunk.IsAnchor = true
	chunk.AnchorKey = "parser"
	require.NoError(t, s.Insert(ctx, chunk))

	updated := testChunk("doc1", 0, "rewritten content about rendering", []float32{0, 1, 0, 0})
	require.NoError(t, s.UpdateChunk(ctx, updated))
	assert.Equal(t, chunk.ID, updated.ID)

	// The old anchor key must be released.
	_, err := s.GetByAnchorKey(ctx, "parser")
	assert.ErrorIs(t, err, ErrNotFound)

	// The lexical index must serve the new content, not the old.
	matches, err := s.LexicalCandidates("rendering", 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, chunk.ID, matches[0].ChunkID)

	matches, err = s.LexicalCandidates("parsing", 10)
	require.NoError(t, err)
	assert.Empty(t, matches)

	// The dense index must serve the new embedding.
	dense, err := s.DenseCandidates([]float32{0, 1, 0, 0}, 1, 0)
	require.NoError(t, err)
	require.Len(t, dense, 1)
	assert.Equal(t, chunk.ID, dense[0].ChunkID)
	assert.InDelta(t, 0.0, dense[0].Score, 1e-5)
}

func TestStoreUpdateMissingChunk(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	putTestDocument(t, s, "doc1")

	chunk := testChunk("doc1", 7, "never inserted", []float32{1, 0, 0, 0})
	assert.ErrorIs(t, s.UpdateChunk(context.Background(), chunk), ErrNotFound)
}

func TestStoreDeleteDocument(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	putTestDocument(t, s, "doc1")
	putTestDocument(t, s, "doc2")

	anchored := testChunk("doc1", 0, "pinned summary", []float32{1, 0, 0, 0})
	anchored.IsAnchor = true
	anchored.AnchorKey = "summary"
	require.NoError(t, s.Insert(ctx, anchored))
	require.NoError(t, s.Insert(ctx, testChunk("doc1", 1, "more prose", []float32{0, 1, 0, 0})))
	survivor := testChunk("doc2", 0, "unrelated prose", []float32{0, 0, 1, 0})
	require.NoError(t, s.Insert(ctx, survivor))

	require.NoError(t, s.DeleteDocument(ctx, "doc1"))

	assert.Equal(t, 1, s.Len())
	_, err := s.GetDocument(ctx, "doc1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetByAnchorKey(ctx, "summary")
	assert.ErrorIs(t, err, ErrNotFound)

	matches, err := s.LexicalCandidates("prose", 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, survivor.ID, matches[0].ChunkID)

	assert.ErrorIs(t, s.DeleteDocument(ctx, "doc1"), ErrNotFound)
}

func TestStoreGetByAnchorKey(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	putTestDocument(t, s, "doc1")

	chunk := testChunk("doc1", 0, "the pinned one", []float32{1, 0, 0, 0})
	chunk.IsAnchor = true
	chunk.AnchorKey = "pinned"
	require.NoError(t, s.Insert(ctx, chunk))

	got, err := s.GetByAnchorKey(ctx, "pinned")
	require.NoError(t, err)
	assert.Equal(t, chunk.ID, got.ID)
	assert.True(t, got.IsAnchor)

	_, err = s.GetByAnchorKey(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreRebuildOnOpen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "chunks.db")
	ctx := context.Background()

	s, err := Open(ctx, path, testDimension)
	require.NoError(t, err)

	putTestDocument(t, s, "doc1")
	anchored := testChunk("doc1", 0, "graph traversal routines", []float32{1, 0, 0, 0})
	anchored.IsAnchor = true
	anchored.AnchorKey = "traversal"
	require.NoError(t, s.Insert(ctx, anchored))
	require.NoError(t, s.Insert(ctx, testChunk("doc1", 1, "sorting helpers", []float32{0, 1, 0, 0})))
	require.NoError(t, s.Close())

	reopened, err := Open(ctx, path, testDimension)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, 2, reopened.Len())

	matches, err := reopened.LexicalCandidates("traversal", 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, anchored.ID, matches[0].ChunkID)

	dense, err := reopened.DenseCandidates([]float32{1, 0, 0, 0}, 1, 0)
	require.NoError(t, err)
	require.Len(t, dense, 1)
	assert.Equal(t, anchored.ID, dense[0].ChunkID)

	got, err := reopened.GetByAnchorKey(ctx, "traversal")
	require.NoError(t, err)
	assert.Equal(t, anchored.ID, got.ID)
}

func TestStoreDenseCandidatesDimension(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	_, err := s.DenseCandidates([]float32{1, 0}, 5, 0)
	var mismatch *hnsw.ErrDimensionMismatch
	assert.ErrorAs(t, err, &mismatch)
}

func TestSessionFetch(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	putTestDocument(t, s, "doc1")

	a := testChunk("doc1", 0, "alpha", []float32{1, 0, 0, 0})
	b := testChunk("doc1", 1, "beta", []float32{0, 1, 0, 0})
	require.NoError(t, s.BatchInsert(ctx, []*model.Chunk{a, b}))

	session, err := s.NewSession(ctx)
	require.NoError(t, err)
	defer session.Close()

	require.NoError(t, session.Health(ctx))

	chunks, err := session.GetChunks(ctx, []model.ChunkID{b.ID, a.ID})
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "beta", chunks[0].Content)
	assert.Equal(t, "alpha", chunks[1].Content)

	_, err = session.GetChunks(ctx, []model.ChunkID{a.ID, 9999})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreMaterializedSearch(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	putTestDocument(t, s, "doc1")

	a := testChunk("doc1", 0, "ring buffer allocation", []float32{1, 0, 0, 0})
	b := testChunk("doc1", 1, "free list compaction", []float32{0, 1, 0, 0})
	require.NoError(t, s.BatchInsert(ctx, []*model.Chunk{a, b}))

	hits, err := s.DenseSearch(ctx, []float32{1, 0, 0, 0}, 2, 0)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, a.ID, hits[0].Chunk.ID)
	assert.Equal(t, "ring buffer allocation", hits[0].Chunk.Content)
	assert.InDelta(t, 0.0, hits[0].Score, 1e-5)

	hits, err = s.LexicalSearch(ctx, "compaction", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, b.ID, hits[0].Chunk.ID)
	assert.Greater(t, hits[0].Score, float32(0))
}

func TestEmbeddingRoundTrip(t *testing.T) {
	t.Parallel()

	in := []float32{0.25, -1.5, 3.14159, 0}
	out, err := decodeEmbedding(encodeEmbedding(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = decodeEmbedding([]byte{1, 2, 3})
	assert.Error(t, err)
}
