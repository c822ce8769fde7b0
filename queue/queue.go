// Package queue implements the candidate priority queues used during graph
// traversal in the dense index.
package queue

import "container/heap"

// Compile time check to ensure CandidateQueue satisfies the heap interface.
var _ heap.Interface = (*CandidateQueue)(nil)

// Item is a node/score pair held by a CandidateQueue.
type Item struct {
	Node  uint32  // Node is the graph node id.
	Score float32 // Score is the priority of the item (distance to the query).
	Index int     // Index is maintained by the heap.Interface methods.
}

// CandidateQueue implements heap.Interface over Items.
//
// With Descending=false it is a min-heap (closest candidate on top), used
// for the exploration frontier. With Descending=true it is a max-heap
// (farthest candidate on top), used for keeping the best k results.
type CandidateQueue struct {
	Descending bool
	Items      []*Item
}

// Len returns the number of elements in the queue.
func (q *CandidateQueue) Len() int { return len(q.Items) }

// Less reports whether the element with index i should sort before the element with index j.
func (q *CandidateQueue) Less(i, j int) bool {
	if q.Descending {
		return q.Items[i].Score > q.Items[j].Score
	}
	return q.Items[i].Score < q.Items[j].Score
}

// Swap swaps the elements with indexes i and j.
func (q *CandidateQueue) Swap(i, j int) {
	q.Items[i], q.Items[j] = q.Items[j], q.Items[i]
	q.Items[i].Index, q.Items[j].Index = i, j
}

// Push adds x to the queue.
func (q *CandidateQueue) Push(x any) {
	item, _ := x.(*Item)
	item.Index = len(q.Items)
	q.Items = append(q.Items, item)
}

// Pop removes and returns the top element from the queue.
func (q *CandidateQueue) Pop() any {
	if len(q.Items) == 0 {
		return nil
	}

	old := q.Items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // Avoid memory leak
	item.Index = -1 // For safety
	q.Items = old[:n-1]

	return item
}

// Top returns the top element of the queue without removing it.
func (q *CandidateQueue) Top() *Item {
	return q.Items[0]
}
