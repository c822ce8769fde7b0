package lexical

// DocID identifies a document (chunk) within a lexical index.
type DocID = int64

// Match is a scored lexical search hit.
type Match struct {
	ID    DocID
	Score float32
}

// Index is the interface for a lexical search index.
type Index interface {
	// Add indexes the text under the given id, replacing any previous
	// entry for that id.
	Add(id DocID, text string) error
	// Delete removes a document from the index.
	Delete(id DocID) error
	// Search returns up to k matches ranked by descending relevance.
	Search(text string, k int) ([]Match, error)
	// Len returns the number of indexed documents.
	Len() int
}
