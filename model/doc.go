// Package model defines the core data types shared across the retrieval
// engine: documents, chunks, search candidates and citation spans.
package model
