package engine

import (
	"math"
	"sort"

	"github.com/recallkit/recallkit/model"
)

// fusedCandidate is a chunk's combined standing across both legs.
type fusedCandidate struct {
	id      model.ChunkID
	score   float64
	contrib model.Contributions
}

// fuse combines two ranked candidate lists with weighted reciprocal rank
// fusion. A candidate at 0-based rank r in a list contributes
// weight / (offset + r + 1); candidates in both lists sum both
// contributions. The output is sorted by descending fused score, ties
// broken by the candidate's rank in the higher-weighted list, then by
// chunk id.
func fuse(dense, lexical []model.Candidate, denseWeight, lexicalWeight float64, offset int) []fusedCandidate {
	byID := make(map[model.ChunkID]*fusedCandidate, len(dense)+len(lexical))

	get := func(id model.ChunkID) *fusedCandidate {
		f, ok := byID[id]
		if !ok {
			f = &fusedCandidate{
				id: id,
				contrib: model.Contributions{
					DenseRank:   -1,
					LexicalRank: -1,
				},
			}
			byID[id] = f
		}
		return f
	}

	for _, c := range dense {
		f := get(c.ChunkID)
		f.score += denseWeight / float64(offset+c.Rank+1)
		f.contrib.DenseRank = c.Rank
		f.contrib.DenseScore = float64(c.Score)
	}
	for _, c := range lexical {
		f := get(c.ChunkID)
		f.score += lexicalWeight / float64(offset+c.Rank+1)
		f.contrib.LexicalRank = c.Rank
		f.contrib.LexicalScore = float64(c.Score)
	}

	fused := make([]fusedCandidate, 0, len(byID))
	for _, f := range byID {
		fused = append(fused, *f)
	}

	primaryDense := denseWeight >= lexicalWeight
	sort.Slice(fused, func(i, j int) bool {
		if fused[i].score != fused[j].score {
			return fused[i].score > fused[j].score
		}
		ri, rj := primaryRank(fused[i].contrib, primaryDense), primaryRank(fused[j].contrib, primaryDense)
		if ri != rj {
			return ri < rj
		}
		return fused[i].id < fused[j].id
	})

	return fused
}

// primaryRank is the candidate's rank in the higher-weighted list, used
// as a deterministic tiebreaker. Absence ranks last.
func primaryRank(c model.Contributions, primaryDense bool) int {
	r := c.LexicalRank
	if primaryDense {
		r = c.DenseRank
	}
	if r < 0 {
		return math.MaxInt
	}
	return r
}

// rank applies anchor boosting, deduplicates overlapping spans and cuts
// the list to q.K and the evidence budget.
//
// Anchors sort with an extra margin of headroom on top of their boost, so
// an anchor outranks any non-anchor whose fused score does not exceed the
// boosted anchor score by more than the margin. The reported score
// includes the boost but never the margin.
func (e *Engine) rank(fused []fusedCandidate, chunks []*model.Chunk, q Query) []Result {
	byID := make(map[model.ChunkID]*model.Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}

	primaryDense := q.DenseWeight >= q.LexicalWeight

	type ranked struct {
		fusedCandidate
		chunk   *model.Chunk
		score   float64
		sortKey float64
	}
	list := make([]ranked, 0, len(fused))
	for _, f := range fused {
		chunk, ok := byID[f.id]
		if !ok {
			continue
		}
		r := ranked{fusedCandidate: f, chunk: chunk, score: f.score, sortKey: f.score}
		if chunk.IsAnchor {
			r.score += q.AnchorBoost
			r.sortKey += q.AnchorBoost + e.opts.AnchorMargin
		}
		list = append(list, r)
	}

	sort.Slice(list, func(i, j int) bool {
		if list[i].sortKey != list[j].sortKey {
			return list[i].sortKey > list[j].sortKey
		}
		ri, rj := primaryRank(list[i].contrib, primaryDense), primaryRank(list[j].contrib, primaryDense)
		if ri != rj {
			return ri < rj
		}
		return list[i].id < list[j].id
	})

	var (
		results    []Result
		kept       []*model.Chunk
		budgetUsed int
	)
	for _, r := range list {
		if len(results) == q.K {
			break
		}

		// A span overlapping an already-kept span from the same document
		// adds no new evidence.
		if overlapsAny(r.chunk, kept) {
			continue
		}

		// The budget is a hard cap: the first candidate that would
		// exceed it ends the result list.
		if q.EvidenceBudget > 0 && budgetUsed+len(r.chunk.Content) > q.EvidenceBudget {
			break
		}
		budgetUsed += len(r.chunk.Content)

		kept = append(kept, r.chunk)
		results = append(results, Result{
			Chunk:         r.chunk,
			Score:         r.score,
			Contributions: r.contrib,
		})
	}

	return results
}

func overlapsAny(c *model.Chunk, kept []*model.Chunk) bool {
	for _, k := range kept {
		if c.OverlapsLines(k) {
			return true
		}
	}
	return false
}
