// Package engine fuses dense and lexical retrieval into one ranked list.
//
// Both legs run concurrently against the chunk store's derived indexes.
// Their ranked candidate lists are combined with weighted reciprocal rank
// fusion, anchor chunks are boosted, overlapping spans are deduplicated
// and the result is cut to the caller's evidence budget. Fusion is
// deterministic: identical candidate lists and weights always produce the
// same ranked output.
package engine
