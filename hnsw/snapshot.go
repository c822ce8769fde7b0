package hnsw

import (
	"bytes"
	"encoding/gob"

	"github.com/bits-and-blooms/bitset"
)

// Compile time checks to ensure Index satisfies the gob interfaces.
var (
	_ gob.GobEncoder = (*Index)(nil)
	_ gob.GobDecoder = (*Index)(nil)
)

// snapshotOptions is the persisted subset of Options. DistanceFunc is not
// serializable and is restored by the caller after decoding.
type snapshotOptions struct {
	M              int
	EFConstruction int
	EFSearch       int
	Heuristic      bool
}

// GobEncode serializes the graph. Safe to call concurrently with reads.
func (h *Index) GobEncode() ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var buf bytes.Buffer
	encoder := gob.NewEncoder(&buf)

	if err := encoder.Encode(h.dimension); err != nil {
		return nil, err
	}

	if err := encoder.Encode(h.ml); err != nil {
		return nil, err
	}

	if err := encoder.Encode(h.ep); err != nil {
		return nil, err
	}

	if err := encoder.Encode(h.maxLevel); err != nil {
		return nil, err
	}

	if err := encoder.Encode(h.live); err != nil {
		return nil, err
	}

	if err := encoder.Encode(h.nodes); err != nil {
		return nil, err
	}

	deleted, err := h.deleted.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if err := encoder.Encode(deleted); err != nil {
		return nil, err
	}

	opts := snapshotOptions{
		M:              h.opts.M,
		EFConstruction: h.opts.EFConstruction,
		EFSearch:       h.opts.EFSearch,
		Heuristic:      h.opts.Heuristic,
	}
	if err := encoder.Encode(opts); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// GobDecode restores the graph. The receiver keeps its current
// DistanceFunc (or the default when unset).
func (h *Index) GobDecode(data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	decoder := gob.NewDecoder(bytes.NewBuffer(data))

	if err := decoder.Decode(&h.dimension); err != nil {
		return err
	}

	if err := decoder.Decode(&h.ml); err != nil {
		return err
	}

	if err := decoder.Decode(&h.ep); err != nil {
		return err
	}

	if err := decoder.Decode(&h.maxLevel); err != nil {
		return err
	}

	if err := decoder.Decode(&h.live); err != nil {
		return err
	}

	if err := decoder.Decode(&h.nodes); err != nil {
		return err
	}

	var deleted []byte
	if err := decoder.Decode(&deleted); err != nil {
		return err
	}
	if h.deleted == nil {
		h.deleted = bitset.New(64)
	}
	if err := h.deleted.UnmarshalBinary(deleted); err != nil {
		return err
	}

	var opts snapshotOptions
	if err := decoder.Decode(&opts); err != nil {
		return err
	}

	df := h.opts.DistanceFunc
	h.opts = Options{
		M:              opts.M,
		EFConstruction: opts.EFConstruction,
		EFSearch:       opts.EFSearch,
		Heuristic:      opts.Heuristic,
		DistanceFunc:   df,
	}
	if h.opts.DistanceFunc == nil {
		h.opts.DistanceFunc = DefaultOptions.DistanceFunc
	}

	h.mmax = h.opts.M
	h.mmax0 = 2 * h.opts.M

	return nil
}
