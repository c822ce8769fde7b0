// Package recallkit is a hybrid memory retrieval engine.
//
// Chunks of source documents are stored in SQLite together with dense
// embeddings and a derived lexical representation. Queries run a dense
// approximate nearest-neighbour search and a BM25 lexical search
// concurrently, fuse the two ranked lists with weighted reciprocal rank
// fusion, boost pinned anchor chunks, deduplicate overlapping line
// ranges and return citation spans within a hard evidence budget.
//
// The Runtime adds the operational envelope: a bounded FIFO session
// pool, per-query deadlines with suspect-session discard, panic
// isolation, health-checked connections, retry with exponential backoff
// for transient storage errors, an optional result cache and graceful
// shutdown.
//
// Basic usage:
//
//	store, err := chunkstore.Open(ctx, "chunks.db", 384)
//	if err != nil { ... }
//	defer store.Close()
//
//	rt, err := recallkit.New(store)
//	if err != nil { ... }
//	defer rt.Shutdown(ctx)
//
//	spans, err := rt.Query(ctx, "how does the parser recover", embedding,
//		func(o *recallkit.QueryOptions) {
//			o.K = 5
//			o.AnchorBoost = 0.5
//		})
package recallkit
