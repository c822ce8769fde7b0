// Package hnsw implements a Hierarchical Navigable Small World graph for
// approximate nearest-neighbor search over fixed-dimension embeddings.
//
// The index is approximate by construction: recall depends on the graph
// out-degree (M) and the candidate-list widths used during construction
// (EFConstruction) and search (EFSearch). With the defaults (M=16,
// EFConstruction=200, EFSearch=100) recall at k<=10 is typically >=95% on
// embedding workloads; it is never guaranteed to be exact.
package hnsw

import (
	"container/heap"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/recallkit/recallkit/metric"
	"github.com/recallkit/recallkit/queue"
)

// ErrDimensionMismatch is returned when a vector does not match the
// configured index dimension.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// DistanceFunc calculates the distance between two vectors.
// Lower values mean closer vectors.
type DistanceFunc func(v1, v2 []float32) (float32, error)

// node is a single element of the graph.
type node struct {
	ID          uint32
	Vector      []float32
	Layer       int
	Connections [][]uint32
}

// Options configures index construction and search.
type Options struct {
	// M is the out-degree of every node per layer. Higher M improves
	// recall on high-dimensional data at the cost of memory and build
	// time. The bottom layer allows 2*M connections.
	M int

	// EFConstruction is the candidate-list width while building the
	// graph. Larger values produce a better-connected graph.
	EFConstruction int

	// EFSearch is the default candidate-list width at query time.
	// Must be >= k; larger values trade latency for recall.
	EFSearch int

	// Heuristic selects the neighbor-selection strategy: the diversity
	// heuristic (true) or plain nearest-k (false).
	Heuristic bool

	// DistanceFunc is the distance used for all comparisons.
	// Not part of snapshots; the store re-applies it after decoding.
	DistanceFunc DistanceFunc
}

// DefaultOptions are tuned for normalized text embeddings.
var DefaultOptions = Options{
	M:              16,
	EFConstruction: 200,
	EFSearch:       100,
	Heuristic:      true,
	DistanceFunc:   metric.CosineDistance,
}

// Result is a single nearest-neighbor match.
type Result struct {
	ID       uint32
	Distance float32
}

// Index is the HNSW graph. All methods are safe for concurrent use.
type Index struct {
	dimension int
	mmax      int     // max connections per node per layer
	mmax0     int     // max for the bottom layer
	ml        float64 // normalization factor for level generation
	ep        uint32  // entry point
	maxLevel  int

	nodes   []*node
	deleted *bitset.BitSet
	live    int

	opts Options

	mu sync.RWMutex
}

// New creates an empty index for vectors of the given dimension.
func New(dimension int, optFns ...func(o *Options)) *Index {
	opts := DefaultOptions

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.M < 2 {
		// M == 1 would make the level normalization 1/log(M) divide by zero.
		opts.M = 2
	}
	if opts.DistanceFunc == nil {
		opts.DistanceFunc = metric.CosineDistance
	}

	return &Index{
		dimension: dimension,
		mmax:      opts.M,
		mmax0:     2 * opts.M,
		ep:        0,
		maxLevel:  0,
		ml:        1 / math.Log(1.0*float64(opts.M)),
		nodes:     []*node{{ID: 0, Layer: 0, Vector: make([]float32, dimension), Connections: make([][]uint32, 2*opts.M+1)}},
		deleted:   bitset.New(64),
		opts:      opts,
	}
}

// Dimension returns the configured vector dimension.
func (h *Index) Dimension() int {
	return h.dimension
}

// Len returns the number of live (non-deleted) vectors in the index.
func (h *Index) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.live
}

// Insert adds a vector and returns its node id.
func (h *Index) Insert(v []float32) (uint32, error) {
	if len(v) != h.dimension {
		return 0, &ErrDimensionMismatch{Expected: h.dimension, Actual: len(v)}
	}

	// Copy so later caller mutations don't corrupt the graph.
	vectorCopy := make([]float32, len(v))
	copy(vectorCopy, v)

	h.mu.Lock()
	defer h.mu.Unlock()

	id := uint32(len(h.nodes))

	n := &node{
		ID:          id,
		Vector:      vectorCopy,
		Layer:       int(math.Floor(-math.Log(rand.Float64()) * h.ml)), //nolint:gosec
		Connections: make([][]uint32, h.mmax+1),
	}

	currObj, currDist, err := h.descendToLayer(vectorCopy, n.Layer)
	if err != nil {
		return 0, err
	}

	topCandidates := &queue.CandidateQueue{}

	for level := min(n.Layer, h.maxLevel); level >= 0; level-- {
		err = h.searchLayer(vectorCopy, &queue.Item{Score: currDist, Node: currObj.ID}, topCandidates, h.opts.EFConstruction, level)
		if err != nil {
			return 0, err
		}

		if h.opts.Heuristic {
			h.selectNeighboursHeuristic(topCandidates, h.opts.M, false)
		} else {
			h.selectNeighboursSimple(topCandidates, h.opts.M)
		}

		n.Connections[level] = make([]uint32, topCandidates.Len())

		for i := topCandidates.Len() - 1; i >= 0; i-- {
			candidate, _ := heap.Pop(topCandidates).(*queue.Item)
			n.Connections[level][i] = candidate.Node
		}
	}

	h.nodes = append(h.nodes, n)
	h.live++

	// Link neighbours back to the new node, making it reachable.
	for level := min(n.Layer, h.maxLevel); level >= 0; level-- {
		for _, neighbour := range n.Connections[level] {
			if err := h.link(neighbour, n.ID, level); err != nil {
				return 0, err
			}
		}
	}

	if n.Layer > h.maxLevel {
		h.ep = n.ID
		h.maxLevel = n.Layer
	}

	return n.ID, nil
}

// Delete tombstones a node. The node remains part of the graph for
// traversal but is excluded from search results.
func (h *Index) Delete(id uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if int(id) >= len(h.nodes) || h.deleted.Test(uint(id)) {
		return
	}
	h.deleted.Set(uint(id))
	h.live--
}

// KNNSearch returns up to k live nodes ordered by ascending distance to q.
// ef overrides the configured EFSearch when > 0.
func (h *Index) KNNSearch(q []float32, k int, ef int) ([]Result, error) {
	if len(q) != h.dimension {
		return nil, &ErrDimensionMismatch{Expected: h.dimension, Actual: len(q)}
	}
	if ef <= 0 {
		ef = h.opts.EFSearch
	}
	if ef < k {
		ef = k
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.live == 0 {
		return nil, nil
	}

	topCandidates := &queue.CandidateQueue{Descending: true}
	heap.Init(topCandidates)

	currObj := h.nodes[h.ep]

	match, currDist, err := h.greedyEntry(q, currObj)
	if err != nil {
		return nil, err
	}

	var entry uint32
	if match != nil {
		entry = match.ID
	}

	// Widen by the tombstone count so deleted nodes can be filtered out
	// afterwards without shrinking the result set.
	width := ef + int(h.deleted.Count())
	if err := h.searchLayer(q, &queue.Item{Score: currDist, Node: entry}, topCandidates, width, 0); err != nil {
		return nil, err
	}

	results := make([]Result, 0, topCandidates.Len())
	for topCandidates.Len() > 0 {
		item, _ := heap.Pop(topCandidates).(*queue.Item)
		if h.deleted.Test(uint(item.Node)) || item.Node == 0 {
			continue
		}
		results = append(results, Result{ID: item.Node, Distance: item.Score})
	}

	// The max-heap pops farthest-first; reverse into ascending order.
	for i, j := 0, len(results)-1; i < j; i, j = i+1, j-1 {
		results[i], results[j] = results[j], results[i]
	}

	if len(results) > k {
		results = results[:k]
	}

	return results, nil
}

// descendToLayer walks greedily from the entry point down to the target
// layer, returning the closest node found.
func (h *Index) descendToLayer(v []float32, targetLayer int) (*node, float32, error) {
	currObj := h.nodes[h.ep]

	currDist, err := h.opts.DistanceFunc(currObj.Vector, v)
	if err != nil {
		return nil, 0, err
	}

	for level := currObj.Layer; level > targetLayer; level-- {
		changed := true
		for changed {
			changed = false

			for _, nodeID := range currObj.Connections[level] {
				next := h.nodes[nodeID]

				nextDist, err := h.opts.DistanceFunc(next.Vector, v)
				if err != nil {
					return nil, 0, err
				}

				if nextDist < currDist {
					currObj = next
					currDist = nextDist
					changed = true
				}
			}
		}
	}

	return currObj, currDist, nil
}

// greedyEntry finds the best entry point for a bottom-layer search.
func (h *Index) greedyEntry(q []float32, currObj *node) (*node, float32, error) {
	currDist, err := h.opts.DistanceFunc(q, currObj.Vector)
	if err != nil {
		return nil, 0, err
	}

	var match *node

	for level := h.maxLevel; level > 0; level-- {
		scan := true

		for scan {
			scan = false

			for _, nodeID := range currObj.Connections[level] {
				nodeDist, err := h.opts.DistanceFunc(h.nodes[nodeID].Vector, q)
				if err != nil {
					return nil, 0, err
				}

				if nodeDist < currDist {
					match = h.nodes[nodeID]
					currDist = nodeDist
					scan = true
				}
			}
		}
	}

	return match, currDist, nil
}

// searchLayer performs a beam search in one layer of the graph.
func (h *Index) searchLayer(q []float32, ep *queue.Item, topCandidates *queue.CandidateQueue, ef int, level int) error {
	var visited bitset.BitSet

	visited.Set(uint(ep.Node))

	candidates := &queue.CandidateQueue{}
	heap.Init(candidates)
	heap.Push(candidates, ep)

	topCandidates.Descending = true // max-heap over kept results
	heap.Init(topCandidates)
	heap.Push(topCandidates, ep)

	for candidates.Len() > 0 {
		lowerBound := topCandidates.Top().Score

		candidate, _ := heap.Pop(candidates).(*queue.Item)
		if candidate.Score > lowerBound {
			break
		}

		n := h.nodes[candidate.Node]

		if len(n.Connections) <= level {
			continue
		}

		for _, neighbour := range n.Connections[level] {
			if visited.Test(uint(neighbour)) {
				continue
			}
			visited.Set(uint(neighbour))

			distance, err := h.opts.DistanceFunc(q, h.nodes[neighbour].Vector)
			if err != nil {
				return err
			}

			item := &queue.Item{
				Score: distance,
				Node:  neighbour,
			}

			if topCandidates.Len() < ef {
				heap.Push(topCandidates, item)
				heap.Push(candidates, item)
			} else if topCandidates.Top().Score > distance {
				heap.Pop(topCandidates)
				heap.Push(topCandidates, item)
				heap.Push(candidates, item)
			}
		}
	}

	return nil
}

// link connects first -> second at the given level, pruning back to the
// connection limit when exceeded.
func (h *Index) link(first uint32, second uint32, level int) error {
	maxConnections := h.mmax
	// The bottom layer allows double the connections.
	if level == 0 {
		maxConnections = h.mmax0
	}

	n := h.nodes[first]
	for len(n.Connections) <= level {
		n.Connections = append(n.Connections, nil)
	}
	n.Connections[level] = append(n.Connections[level], second)

	if len(n.Connections[level]) <= maxConnections {
		return nil
	}

	topCandidates := &queue.CandidateQueue{}
	heap.Init(topCandidates)

	for _, id := range n.Connections[level] {
		distance, err := h.opts.DistanceFunc(n.Vector, h.nodes[id].Vector)
		if err != nil {
			return err
		}

		heap.Push(topCandidates, &queue.Item{Node: id, Score: distance})
	}

	if h.opts.Heuristic {
		h.selectNeighboursHeuristic(topCandidates, maxConnections, true)
	} else {
		h.selectNeighboursSimple(topCandidates, maxConnections)
	}

	n.Connections[level] = make([]uint32, maxConnections)

	// Order by best match (index 0) .. worst.
	for i := maxConnections - 1; i >= 0; i-- {
		item, _ := heap.Pop(topCandidates).(*queue.Item)
		n.Connections[level][i] = item.Node
	}

	return nil
}

// selectNeighboursSimple keeps the nearest M candidates.
func (h *Index) selectNeighboursSimple(topCandidates *queue.CandidateQueue, m int) {
	for topCandidates.Len() > m {
		_ = heap.Pop(topCandidates)
	}
}

// selectNeighboursHeuristic keeps up to M candidates preferring diversity:
// a candidate is skipped when it is closer to an already-kept neighbour
// than to the base node.
func (h *Index) selectNeighboursHeuristic(topCandidates *queue.CandidateQueue, m int, descending bool) {
	if topCandidates.Len() < m {
		return
	}

	newCandidates := &queue.CandidateQueue{}

	tmpCandidates := &queue.CandidateQueue{Descending: descending}
	heap.Init(tmpCandidates)

	items := make([]*queue.Item, 0, m)

	if !descending {
		newCandidates.Descending = descending
		heap.Init(newCandidates)

		for topCandidates.Len() > 0 {
			item, _ := heap.Pop(topCandidates).(*queue.Item)
			heap.Push(newCandidates, item)
		}
	} else {
		newCandidates = topCandidates
	}

	for newCandidates.Len() > 0 {
		if len(items) >= m {
			break
		}

		item, _ := heap.Pop(newCandidates).(*queue.Item)
		hit := true

		for _, v := range items {
			distance, _ := h.opts.DistanceFunc(h.nodes[v.Node].Vector, h.nodes[item.Node].Vector)
			if distance < item.Score {
				hit = false
				break
			}
		}

		if hit {
			items = append(items, item)
		} else {
			heap.Push(tmpCandidates, item)
		}
	}

	for len(items) < m && tmpCandidates.Len() > 0 {
		item, _ := heap.Pop(tmpCandidates).(*queue.Item)
		items = append(items, item)
	}

	for _, item := range items {
		heap.Push(topCandidates, item)
	}
}
