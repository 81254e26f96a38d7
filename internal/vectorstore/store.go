// Package vectorstore persists embedded chunks in versioned physical tables
// behind stable alias views and serves top-k similarity search.
//
// Readers only ever query through an alias; rotating an alias to a new
// physical table is the single reader-visible mutation.
package vectorstore

import (
	"context"
	"fmt"
	"regexp"
)

// Distance metrics.
const (
	DistanceDotProduct = "dot_product"
	DistanceCosine     = "cosine"
)

// Row is one chunk as stored in a physical table.
type Row struct {
	ChunkID   string
	DocID     string
	Text      string
	Metadata  map[string]interface{}
	Embedding []float32
	HashNorm  string
}

// SearchResult is one similarity hit. RawScore carries the metric's native
// value: the inner product for dot_product, the cosine distance for cosine.
// Interpretation is the caller's job.
type SearchResult struct {
	Row
	RawScore float64
}

// UpsertResult tallies an upsert.
type UpsertResult struct {
	Inserted int
	Skipped  int
}

// Store is the vector store contract shared by the Postgres implementation
// and the in-memory one used in tests and development.
type Store interface {
	// EnsureIndexTable creates the physical table if missing and verifies
	// the embedding dimension. A dimension mismatch is a schema-drift error.
	EnsureIndexTable(ctx context.Context, name string, dim int, distance string) error

	// Upsert inserts rows. With dedupeByHash, rows whose hash_norm already
	// exists in the table are silently skipped.
	Upsert(ctx context.Context, table string, rows []Row, dedupeByHash bool) (UpsertResult, error)

	// EnsureAlias atomically repoints alias to the given physical table.
	// On failure the previous mapping stays intact.
	EnsureAlias(ctx context.Context, alias, physicalTable string) error

	// AliasTarget resolves the physical table an alias currently points at.
	AliasTarget(ctx context.Context, alias string) (string, error)

	// SimilaritySearch returns the top-k rows from the named view or table,
	// ordered per the metric's native semantics.
	SimilaritySearch(ctx context.Context, view string, query []float32, k int, distance string) ([]SearchResult, error)

	// Count returns the number of rows in a table or view.
	Count(ctx context.Context, table string) (int, error)

	// Drop removes a physical table.
	Drop(ctx context.Context, table string) error

	Close()
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// validIdent guards table and alias names that are interpolated into DDL.
func validIdent(name string) error {
	if !identRe.MatchString(name) {
		return fmt.Errorf("invalid identifier %q", name)
	}
	return nil
}
