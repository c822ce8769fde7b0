package chunkstore

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/gob"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/recallkit/recallkit/blobstore"
	"github.com/recallkit/recallkit/codec"
	"github.com/recallkit/recallkit/hnsw"
	"github.com/recallkit/recallkit/lexical"
	"github.com/recallkit/recallkit/lexical/bm25"
	"github.com/recallkit/recallkit/model"
)

// snapshotHeader is the uncompressed first line of a snapshot blob. It
// carries enough to reject a snapshot before decoding the payload.
type snapshotHeader struct {
	Version     int    `json:"version"`
	Compression string `json:"compression"`
	Dimension   int    `json:"dimension"`
	RowCount    int64  `json:"row_count"`
	CreatedAt   string `json:"created_at"`
}

// snapshotPayload is the gob-encoded body: the dense graph plus the
// node-to-chunk mapping it was built against.
type snapshotPayload struct {
	Dense       *hnsw.Index
	NodeToChunk map[uint32]model.ChunkID
}

const snapshotVersion = 1

// SaveSnapshot serializes the dense index to the blob store under name.
// Rebuilding the graph from rows is O(n log n) inserts; loading a
// snapshot is a single decode.
func (s *Store) SaveSnapshot(ctx context.Context, blobs blobstore.Store, name string) error {
	rowCount, err := s.rowCount(ctx)
	if err != nil {
		return err
	}

	s.mu.RLock()
	payload := snapshotPayload{
		Dense:       s.dense,
		NodeToChunk: s.nodeToChunk,
	}

	var body bytes.Buffer
	compressor, err := newCompressor(&body, s.opts.SnapshotCompression)
	if err != nil {
		s.mu.RUnlock()
		return err
	}
	encErr := gob.NewEncoder(compressor).Encode(&payload)
	s.mu.RUnlock()

	if encErr != nil {
		return fmt.Errorf("encode snapshot: %w", encErr)
	}
	if err := compressor.Close(); err != nil {
		return fmt.Errorf("compress snapshot: %w", err)
	}

	header, err := codec.JSON{}.Marshal(snapshotHeader{
		Version:     snapshotVersion,
		Compression: s.opts.SnapshotCompression,
		Dimension:   s.dimension,
		RowCount:    rowCount,
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	if err := s.opts.Controller.AcquireIO(ctx, len(header)+1+body.Len()); err != nil {
		return err
	}

	blob := io.MultiReader(bytes.NewReader(header), bytes.NewReader([]byte{'\n'}), &body)
	if err := blobs.Put(ctx, name, blob); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}

	s.opts.Logger.Info("snapshot saved", "name", name, "rows", rowCount)
	return nil
}

// LoadSnapshot replaces the dense index with the one stored under name.
// The snapshot must match the current rows exactly (same dimension, same
// row count); otherwise ErrSnapshotStale is returned and the in-memory
// state is left untouched. The lexical index and anchor table are always
// rebuilt from rows, which is cheap compared to graph construction.
func (s *Store) LoadSnapshot(ctx context.Context, blobs blobstore.Store, name string) error {
	rc, err := blobs.Get(ctx, name)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	defer rc.Close()

	br := bufio.NewReader(rc)
	headerLine, err := br.ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("read snapshot header: %w", err)
	}

	var header snapshotHeader
	if err := (codec.JSON{}).Unmarshal(headerLine, &header); err != nil {
		return fmt.Errorf("decode snapshot header: %w", err)
	}
	if header.Version != snapshotVersion {
		return fmt.Errorf("%w: snapshot version %d", ErrSnapshotStale, header.Version)
	}
	if header.Dimension != s.dimension {
		return fmt.Errorf("%w: snapshot dimension %d, store dimension %d",
			ErrSnapshotStale, header.Dimension, s.dimension)
	}

	rowCount, err := s.rowCount(ctx)
	if err != nil {
		return err
	}
	if header.RowCount != rowCount {
		return fmt.Errorf("%w: snapshot has %d rows, store has %d",
			ErrSnapshotStale, header.RowCount, rowCount)
	}

	decompressor, err := newDecompressor(br, header.Compression)
	if err != nil {
		return err
	}
	defer decompressor.Close()

	var payload snapshotPayload
	if err := gob.NewDecoder(decompressor).Decode(&payload); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	lex, anchors, chunkToNode, err := s.rebuildAuxiliary(ctx, payload.NodeToChunk)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.dense = payload.Dense
	s.nodeToChunk = payload.NodeToChunk
	s.chunkToNode = chunkToNode
	s.lex = lex
	s.anchors = anchors
	s.mu.Unlock()

	s.opts.Logger.Info("snapshot loaded", "name", name, "rows", rowCount)
	return nil
}

// rebuildAuxiliary rebuilds the lexical index and anchor table from rows
// and inverts the node mapping, verifying every row is covered by the
// snapshot.
func (s *Store) rebuildAuxiliary(ctx context.Context, nodeToChunk map[uint32]model.ChunkID) (
	lexical.Index, map[string]model.ChunkID, map[model.ChunkID]uint32, error,
) {
	chunkToNode := make(map[model.ChunkID]uint32, len(nodeToChunk))
	for node, id := range nodeToChunk {
		chunkToNode[id] = node
	}

	lex := bm25.New()
	anchors := make(map[string]model.ChunkID)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, lexical_terms, is_anchor, anchor_key FROM chunks ORDER BY id`)
	if err != nil {
		return nil, nil, nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id        int64
			terms     string
			isAnchor  bool
			anchorKey sql.NullString
		)
		if err := rows.Scan(&id, &terms, &isAnchor, &anchorKey); err != nil {
			return nil, nil, nil, err
		}
		if _, ok := chunkToNode[model.ChunkID(id)]; !ok {
			return nil, nil, nil, fmt.Errorf("%w: chunk %d missing from snapshot", ErrSnapshotStale, id)
		}
		if err := lex.Add(id, terms); err != nil {
			return nil, nil, nil, err
		}
		if isAnchor && anchorKey.Valid {
			anchors[anchorKey.String] = model.ChunkID(id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, nil, err
	}

	return lex, anchors, chunkToNode, nil
}

func newCompressor(w io.Writer, name string) (io.WriteCloser, error) {
	switch name {
	case "", "zstd":
		return zstd.NewWriter(w)
	case "lz4":
		return lz4.NewWriter(w), nil
	default:
		return nil, fmt.Errorf("unknown snapshot compression %q", name)
	}
}

func newDecompressor(r io.Reader, name string) (io.ReadCloser, error) {
	switch name {
	case "", "zstd":
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	case "lz4":
		return io.NopCloser(lz4.NewReader(r)), nil
	default:
		return nil, fmt.Errorf("unknown snapshot compression %q", name)
	}
}
