package chunkstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/recallkit/recallkit/codec"
	"github.com/recallkit/recallkit/hnsw"
	"github.com/recallkit/recallkit/lexical"
	"github.com/recallkit/recallkit/lexical/bm25"
	"github.com/recallkit/recallkit/model"
	"github.com/recallkit/recallkit/resource"
)

// Options configures a Store.
type Options struct {
	// StrictMetadata rejects chunk metadata keys outside
	// model.KnownMetadataKeys.
	StrictMetadata bool

	// HNSW tunes the dense index (out-degree, construction width).
	HNSW []func(o *hnsw.Options)

	// Codec encodes chunk metadata and snapshot headers.
	Codec codec.Codec

	// Controller, when set, throttles snapshot IO and reserves memory
	// for background rebuilds.
	Controller *resource.Controller

	// SnapshotCompression selects the snapshot compression codec:
	// "zstd" (default) or "lz4".
	SnapshotCompression string

	// Logger receives structured store events. Defaults to a discard
	// logger.
	Logger *slog.Logger
}

// Store is the SQLite-backed chunk store. All methods are safe for
// concurrent use. The retrieval path is read-only; writes happen only
// during ingestion or reprocessing.
type Store struct {
	db        *sql.DB
	dimension int
	opts      Options

	// mu guards the derived indexes, which are updated together with
	// row writes.
	mu          sync.RWMutex
	dense       *hnsw.Index
	lex         lexical.Index
	nodeToChunk map[uint32]model.ChunkID
	chunkToNode map[model.ChunkID]uint32
	anchors     map[string]model.ChunkID
}

// Open opens (creating if necessary) a chunk store for embeddings of the
// given dimension and rebuilds the derived indexes from stored rows.
func Open(ctx context.Context, path string, dimension int, optFns ...func(o *Options)) (*Store, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive, got %d", ErrInvalidChunk, dimension)
	}

	opts := Options{
		Codec:               codec.Default,
		SnapshotCompression: "zstd",
		Logger:              slog.New(slog.DiscardHandler),
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Codec == nil {
		opts.Codec = codec.Default
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	db, err := sql.Open(DriverName, path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode lets the health probe and searches read while ingestion
	// writes.
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := applyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db:          db,
		dimension:   dimension,
		opts:        opts,
		dense:       hnsw.New(dimension, opts.HNSW...),
		lex:         bm25.New(),
		nodeToChunk: make(map[uint32]model.ChunkID),
		chunkToNode: make(map[model.ChunkID]uint32),
		anchors:     make(map[string]model.ChunkID),
	}

	if err := s.rebuildIndexes(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dimension returns the configured embedding dimension.
func (s *Store) Dimension() int {
	return s.dimension
}

// Len returns the number of indexed chunks.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunkToNode)
}

// Health is a lightweight read-only probe. The caller bounds it via ctx.
func (s *Store) Health(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("health probe: %w", err)
	}
	return nil
}

// validateChunk checks everything that can be rejected before touching
// storage.
func (s *Store) validateChunk(c *model.Chunk) error {
	if c == nil {
		return fmt.Errorf("%w: nil chunk", ErrInvalidChunk)
	}
	if c.DocumentID == "" {
		return fmt.Errorf("%w: empty document id", ErrInvalidChunk)
	}
	if c.ChunkIndex < 0 {
		return fmt.Errorf("%w: negative chunk index %d", ErrInvalidChunk, c.ChunkIndex)
	}
	if len(c.Embedding) != s.dimension {
		return &hnsw.ErrDimensionMismatch{Expected: s.dimension, Actual: len(c.Embedding)}
	}
	if c.LineStart > c.LineEnd {
		return fmt.Errorf("%w: line_start %d > line_end %d", ErrInvalidChunk, c.LineStart, c.LineEnd)
	}
	if c.IsAnchor && c.AnchorKey == "" {
		return fmt.Errorf("%w: anchor chunk without anchor_key", ErrInvalidChunk)
	}
	if s.opts.StrictMetadata {
		for k := range c.Metadata {
			if _, ok := model.KnownMetadataKeys[k]; !ok {
				return fmt.Errorf("%w: %q", ErrUnknownMetadataKey, k)
			}
		}
	}
	return nil
}

// Insert persists a chunk and indexes its dense and lexical
// representations. The row write and the derived-index updates happen
// under one store lock, so readers never observe a row without its index
// entries.
func (s *Store) Insert(ctx context.Context, c *model.Chunk) error {
	if err := s.validateChunk(c); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := s.insertRow(ctx, tx, c); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	return s.indexLocked(c)
}

// BatchInsert persists chunks all-or-nothing: either every row commits and
// is indexed, or none are.
func (s *Store) BatchInsert(ctx context.Context, chunks []*model.Chunk) error {
	for _, c := range chunks {
		if err := s.validateChunk(c); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	for _, c := range chunks {
		if err := s.insertRow(ctx, tx, c); err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	for _, c := range chunks {
		if err := s.indexLocked(c); err != nil {
			return err
		}
	}
	return nil
}

// insertRow writes one chunk row inside tx and fills in c.ID and
// timestamps.
func (s *Store) insertRow(ctx context.Context, tx *sql.Tx, c *model.Chunk) error {
	now := time.Now().UTC()

	metadata, err := s.opts.Codec.Marshal(metadataOrEmpty(c.Metadata))
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	terms := lexical.JoinTerms(lexical.Tokenize(c.Content))

	res, err := tx.ExecContext(ctx, `
		INSERT INTO chunks (
			document_id, chunk_index, file_path, line_start, line_end,
			content, embedding, is_anchor, anchor_key, metadata,
			lexical_terms, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.DocumentID, c.ChunkIndex, c.FilePath, c.LineStart, c.LineEnd,
		c.Content, encodeEmbedding(c.Embedding), c.IsAnchor, nullableKey(c.AnchorKey),
		string(metadata), terms, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: document %s chunk %d: %v",
				ErrConstraintViolation, c.DocumentID, c.ChunkIndex, err)
		}
		return fmt.Errorf("insert chunk: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	c.ID = model.ChunkID(id)
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `
		UPDATE documents SET chunk_count = chunk_count + 1, updated_at = ?
		WHERE id = ?`, now, c.DocumentID)
	return err
}

// indexLocked adds a committed chunk to the derived indexes.
// Callers hold s.mu.
func (s *Store) indexLocked(c *model.Chunk) error {
	node, err := s.dense.Insert(c.Embedding)
	if err != nil {
		return err
	}
	s.nodeToChunk[node] = c.ID
	s.chunkToNode[c.ID] = node

	if err := s.lex.Add(int64(c.ID), c.Content); err != nil {
		return err
	}

	if c.IsAnchor {
		s.anchors[c.AnchorKey] = c.ID
	}
	return nil
}

// UpdateChunk replaces the content, embedding, span and metadata of the
// chunk identified by (DocumentID, ChunkIndex). The lexical and dense
// entries are recomputed in the same critical section, so they are never
// stale relative to the new content.
func (s *Store) UpdateChunk(ctx context.Context, c *model.Chunk) error {
	if err := s.validateChunk(c); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		oldID        model.ChunkID
		oldAnchorKey sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, anchor_key FROM chunks WHERE document_id = ? AND chunk_index = ?`,
		c.DocumentID, c.ChunkIndex,
	).Scan(&oldID, &oldAnchorKey)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: document %s chunk %d", ErrNotFound, c.DocumentID, c.ChunkIndex)
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	metadata, err := s.opts.Codec.Marshal(metadataOrEmpty(c.Metadata))
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	terms := lexical.JoinTerms(lexical.Tokenize(c.Content))

	_, err = s.db.ExecContext(ctx, `
		UPDATE chunks SET
			file_path = ?, line_start = ?, line_end = ?, content = ?,
			embedding = ?, is_anchor = ?, anchor_key = ?, metadata = ?,
			lexical_terms = ?, updated_at = ?
		WHERE id = ?`,
		c.FilePath, c.LineStart, c.LineEnd, c.Content,
		encodeEmbedding(c.Embedding), c.IsAnchor, nullableKey(c.AnchorKey),
		string(metadata), terms, now, int64(oldID),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: anchor key %q: %v", ErrConstraintViolation, c.AnchorKey, err)
		}
		return fmt.Errorf("update chunk: %w", err)
	}

	c.ID = oldID
	c.UpdatedAt = now

	// Re-point the derived indexes at the new content.
	if node, ok := s.chunkToNode[oldID]; ok {
		s.dense.Delete(node)
		delete(s.nodeToChunk, node)
	}
	node, err := s.dense.Insert(c.Embedding)
	if err != nil {
		return err
	}
	s.nodeToChunk[node] = oldID
	s.chunkToNode[oldID] = node

	if err := s.lex.Add(int64(oldID), c.Content); err != nil {
		return err
	}

	if oldAnchorKey.Valid && oldAnchorKey.String != "" {
		delete(s.anchors, oldAnchorKey.String)
	}
	if c.IsAnchor {
		s.anchors[c.AnchorKey] = oldID
	}

	return nil
}

// DeleteDocument removes a document and, via cascade, all its chunks.
func (s *Store) DeleteDocument(ctx context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, anchor_key FROM chunks WHERE document_id = ?`, documentID)
	if err != nil {
		return err
	}

	type victim struct {
		id        model.ChunkID
		anchorKey sql.NullString
	}
	var victims []victim
	for rows.Next() {
		var v victim
		if err := rows.Scan(&v.id, &v.anchorKey); err != nil {
			_ = rows.Close()
			return err
		}
		victims = append(victims, v)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, documentID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: document %s", ErrNotFound, documentID)
	}

	for _, v := range victims {
		if node, ok := s.chunkToNode[v.id]; ok {
			s.dense.Delete(node)
			delete(s.nodeToChunk, node)
			delete(s.chunkToNode, v.id)
		}
		if err := s.lex.Delete(int64(v.id)); err != nil {
			return err
		}
		if v.anchorKey.Valid && v.anchorKey.String != "" {
			delete(s.anchors, v.anchorKey.String)
		}
	}

	return nil
}

// PutDocument creates a document record, assigning a fresh id when empty.
// Documents are owned by the ingestion collaborator; the retrieval path
// only reads them.
func (s *Store) PutDocument(ctx context.Context, d *model.Document) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Status == "" {
		d.Status = model.DocumentPending
	}

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, filename, path, type, size, chunk_count, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		d.ID, d.Filename, d.Path, d.Type, d.Size, string(d.Status), now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: document %s: %v", ErrConstraintViolation, d.ID, err)
		}
		return fmt.Errorf("insert document: %w", err)
	}
	d.CreatedAt = now
	d.UpdatedAt = now
	return nil
}

// SetDocumentStatus records the ingestion outcome for a document.
func (s *Store) SetDocumentStatus(ctx context.Context, documentID string, status model.DocumentStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), documentID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: document %s", ErrNotFound, documentID)
	}
	return nil
}

// GetDocument returns a document by id.
func (s *Store) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	var d model.Document
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, filename, path, type, size, chunk_count, status, created_at, updated_at
		FROM documents WHERE id = ?`, id,
	).Scan(&d.ID, &d.Filename, &d.Path, &d.Type, &d.Size, &d.ChunkCount, &status, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: document %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	d.Status = model.DocumentStatus(status)
	return &d, nil
}

// GetByAnchorKey returns the chunk pinned under the given anchor key.
// The key lookup is O(1); only the row fetch touches storage.
func (s *Store) GetByAnchorKey(ctx context.Context, key string) (*model.Chunk, error) {
	s.mu.RLock()
	id, ok := s.anchors[key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: anchor %q", ErrNotFound, key)
	}

	return s.getChunk(ctx, s.db, id)
}

// GetChunk returns a chunk by id.
func (s *Store) GetChunk(ctx context.Context, id model.ChunkID) (*model.Chunk, error) {
	return s.getChunk(ctx, s.db, id)
}

// rebuildIndexes scans all chunk rows and rebuilds the derived structures.
// The lexical index is fed from the stored lexical_terms column so the
// in-memory state matches exactly what was committed.
func (s *Store) rebuildIndexes(ctx context.Context) error {
	start := time.Now()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, embedding, lexical_terms, is_anchor, anchor_key
		FROM chunks ORDER BY id`)
	if err != nil {
		return err
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var (
			id        int64
			embedding []byte
			terms     string
			isAnchor  bool
			anchorKey sql.NullString
		)
		if err := rows.Scan(&id, &embedding, &terms, &isAnchor, &anchorKey); err != nil {
			return err
		}

		vector, err := decodeEmbedding(embedding)
		if err != nil {
			return fmt.Errorf("chunk %d: %w", id, err)
		}

		node, err := s.dense.Insert(vector)
		if err != nil {
			return fmt.Errorf("chunk %d: %w", id, err)
		}
		s.nodeToChunk[node] = model.ChunkID(id)
		s.chunkToNode[model.ChunkID(id)] = node

		if err := s.lex.Add(id, terms); err != nil {
			return err
		}

		if isAnchor && anchorKey.Valid {
			s.anchors[anchorKey.String] = model.ChunkID(id)
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return err
	}

	s.opts.Logger.Info("derived indexes rebuilt",
		"chunks", count,
		"duration", time.Since(start),
	)
	return nil
}

// rowCount returns the number of chunk rows.
func (s *Store) rowCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n)
	return n, err
}

func metadataOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nullableKey(key string) any {
	if key == "" {
		return nil
	}
	return key
}

// encodeEmbedding packs a float32 vector into a little-endian blob.
func encodeEmbedding(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return buf
}

// decodeEmbedding unpacks a little-endian blob into a float32 vector.
func decodeEmbedding(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(buf))
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v, nil
}
