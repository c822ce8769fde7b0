package chunkstore

import (
	"context"

	"github.com/recallkit/recallkit/model"
)

// Session wraps a dedicated database connection for one pooled worker.
// Row fetches issued through a session use only that connection, so a
// misbehaving query can be discarded along with it without affecting
// other sessions.
type Session struct {
	store *Store
	conn  sessionConn
}

// sessionConn is the subset of *sql.Conn a session needs.
type sessionConn interface {
	querier
	PingContext(ctx context.Context) error
	Close() error
}

// NewSession pins a connection from the pool. The caller owns the session
// and must Close it.
func (s *Store) NewSession(ctx context.Context) (*Session, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &Session{store: s, conn: conn}, nil
}

// GetChunks fetches the chunk rows for ids, in order.
func (s *Session) GetChunks(ctx context.Context, ids []model.ChunkID) ([]*model.Chunk, error) {
	return s.store.getChunks(ctx, s.conn, ids)
}

// GetChunk fetches a single chunk row.
func (s *Session) GetChunk(ctx context.Context, id model.ChunkID) (*model.Chunk, error) {
	return s.store.getChunk(ctx, s.conn, id)
}

// Health verifies the pinned connection is still usable.
func (s *Session) Health(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

// Close returns the underlying connection to the database pool, or
// discards it if it was poisoned.
func (s *Session) Close() error {
	return s.conn.Close()
}
