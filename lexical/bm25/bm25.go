// Package bm25 provides an in-memory BM25 lexical index.
//
// Posting lists are kept as roaring bitmaps, which makes document-frequency
// lookups O(1) and yields sorted document-at-a-time iteration, so scoring
// is deterministic for identical index contents.
package bm25

import (
	"math"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/recallkit/recallkit/lexical"
)

const (
	k1 = 1.2
	b  = 0.75
)

// postingList holds the per-term state: the set of documents containing the
// term and the term frequency within each.
type postingList struct {
	docs  *roaring64.Bitmap
	freqs map[lexical.DocID]int
}

// Index is an in-memory BM25 index. Safe for concurrent use.
type Index struct {
	mu          sync.RWMutex
	inverted    map[string]*postingList
	docTerms    map[lexical.DocID][]string
	docLengths  map[lexical.DocID]int
	totalLength int64
}

// New creates an empty Index.
func New() *Index {
	return &Index{
		inverted:   make(map[string]*postingList),
		docTerms:   make(map[lexical.DocID][]string),
		docLengths: make(map[lexical.DocID]int),
	}
}

// Ensure Index implements lexical.Index.
var _ lexical.Index = (*Index)(nil)

// Add indexes the text under id, replacing any previous entry.
func (idx *Index) Add(id lexical.DocID, text string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, ok := idx.docLengths[id]; ok {
		idx.deleteLocked(id)
	}

	tokens := lexical.Tokenize(text)
	length := len(tokens)

	idx.docLengths[id] = length
	idx.totalLength += int64(length)

	tf := make(map[string]int)
	for _, t := range tokens {
		tf[t]++
	}

	terms := make([]string, 0, len(tf))
	for t, count := range tf {
		pl, ok := idx.inverted[t]
		if !ok {
			pl = &postingList{
				docs:  roaring64.New(),
				freqs: make(map[lexical.DocID]int),
			}
			idx.inverted[t] = pl
		}
		pl.docs.Add(uint64(id))
		pl.freqs[id] = count
		terms = append(terms, t)
	}
	idx.docTerms[id] = terms

	return nil
}

// Delete removes a document from the index. Unknown ids are a no-op.
func (idx *Index) Delete(id lexical.DocID) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.deleteLocked(id)
	return nil
}

func (idx *Index) deleteLocked(id lexical.DocID) {
	length, ok := idx.docLengths[id]
	if !ok {
		return
	}

	for _, t := range idx.docTerms[id] {
		pl := idx.inverted[t]
		if pl == nil {
			continue
		}
		pl.docs.Remove(uint64(id))
		delete(pl.freqs, id)
		if pl.docs.IsEmpty() {
			delete(idx.inverted, t)
		}
	}

	delete(idx.docTerms, id)
	delete(idx.docLengths, id)
	idx.totalLength -= int64(length)
}

// Len returns the number of indexed documents.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.docLengths)
}

// Search returns up to k matches ranked by descending BM25 score, ties
// broken by ascending id.
func (idx *Index) Search(text string, k int) ([]lexical.Match, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	docCount := len(idx.docLengths)
	if docCount == 0 || k <= 0 {
		return nil, nil
	}

	avgDL := float64(idx.totalLength) / float64(docCount)
	scores := make(map[lexical.DocID]float32)

	for _, t := range lexical.Tokenize(text) {
		pl, ok := idx.inverted[t]
		if !ok {
			continue
		}

		df := int(pl.docs.GetCardinality())
		idf := idx.computeIDF(docCount, df)

		it := pl.docs.Iterator()
		for it.HasNext() {
			id := lexical.DocID(it.Next())
			tf := float64(pl.freqs[id])
			docLen := float64(idx.docLengths[id])

			// BM25
			num := tf * (k1 + 1)
			denom := tf + k1*(1-b+b*(docLen/avgDL))
			scores[id] += float32(idf * (num / denom))
		}
	}

	matches := make([]lexical.Match, 0, len(scores))
	for id, score := range scores {
		matches = append(matches, lexical.Match{ID: id, Score: score})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})

	if len(matches) > k {
		matches = matches[:k]
	}

	return matches, nil
}

// computeIDF uses the standard BM25+ smoothing:
// IDF = log(1 + (N - n + 0.5) / (n + 0.5))
func (idx *Index) computeIDF(docCount, df int) float64 {
	n := float64(docCount)
	d := float64(df)
	return math.Log(1 + (n-d+0.5)/(d+0.5))
}
