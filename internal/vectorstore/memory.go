package vectorstore

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/spherical-ai/spherical/libs/rag-engine/internal/apperr"
)

// MemoryStore is an in-memory Store for unit tests and development. It
// mirrors the Postgres semantics: versioned tables, alias pointers, hash
// dedupe and metric-native result ordering.
type MemoryStore struct {
	mu      sync.RWMutex
	tables  map[string]*memTable
	aliases map[string]string
}

type memTable struct {
	dim      int
	distance string
	rows     []Row
	byHash   map[string]bool
	byID     map[string]bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables:  make(map[string]*memTable),
		aliases: make(map[string]string),
	}
}

// EnsureIndexTable creates the table if missing and verifies its dimension.
func (s *MemoryStore) EnsureIndexTable(ctx context.Context, name string, dim int, distance string) error {
	if err := validIdent(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tables[name]; ok {
		if t.dim != dim {
			return apperr.Newf(apperr.KindSchemaDrift,
				"table %s has embedding dimension %d, profile declares %d", name, t.dim, dim)
		}
		return nil
	}

	s.tables[name] = &memTable{
		dim:      dim,
		distance: distance,
		byHash:   make(map[string]bool),
		byID:     make(map[string]bool),
	}
	return nil
}

// Upsert inserts rows, skipping known hashes when dedupeByHash is set.
func (s *MemoryStore) Upsert(ctx context.Context, table string, rows []Row, dedupeByHash bool) (UpsertResult, error) {
	var res UpsertResult

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[table]
	if !ok {
		return res, apperr.Newf(apperr.KindStoreFailed, "table %s does not exist", table)
	}

	for _, row := range rows {
		if len(row.Embedding) != t.dim {
			return res, apperr.Newf(apperr.KindSchemaDrift,
				"chunk %s has embedding dimension %d, table %s declares %d",
				row.ChunkID, len(row.Embedding), table, t.dim)
		}
		if dedupeByHash && row.HashNorm != "" && t.byHash[row.HashNorm] {
			res.Skipped++
			continue
		}
		if t.byID[row.ChunkID] {
			res.Skipped++
			continue
		}
		t.rows = append(t.rows, row)
		t.byID[row.ChunkID] = true
		if row.HashNorm != "" {
			t.byHash[row.HashNorm] = true
		}
		res.Inserted++
	}
	return res, nil
}

// EnsureAlias atomically repoints the alias.
func (s *MemoryStore) EnsureAlias(ctx context.Context, alias, physicalTable string) error {
	if err := validIdent(alias); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tables[physicalTable]; !ok {
		return apperr.Newf(apperr.KindStoreFailed, "table %s does not exist", physicalTable)
	}
	s.aliases[alias] = physicalTable
	return nil
}

// AliasTarget resolves the table behind an alias.
func (s *MemoryStore) AliasTarget(ctx context.Context, alias string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	target, ok := s.aliases[alias]
	if !ok {
		return "", apperr.Newf(apperr.KindNotFound, "alias %s not found", alias)
	}
	return target, nil
}

// SimilaritySearch scores every row and returns the top k in metric-native
// order.
func (s *MemoryStore) SimilaritySearch(ctx context.Context, view string, query []float32, k int, distance string) ([]SearchResult, error) {
	if k <= 0 {
		k = 10
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	table := view
	if target, ok := s.aliases[view]; ok {
		table = target
	}
	t, ok := s.tables[table]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "view %s not found", view)
	}
	if len(query) != t.dim {
		return nil, apperr.Newf(apperr.KindSchemaDrift,
			"query has dimension %d, table %s declares %d", len(query), table, t.dim)
	}

	results := make([]SearchResult, 0, len(t.rows))
	for _, row := range t.rows {
		var raw float64
		switch distance {
		case DistanceCosine:
			raw = cosineDistance(query, row.Embedding)
		default:
			raw = dotProduct(query, row.Embedding)
		}
		results = append(results, SearchResult{Row: row, RawScore: raw})
	}

	if distance == DistanceCosine {
		sort.SliceStable(results, func(i, j int) bool { return results[i].RawScore < results[j].RawScore })
	} else {
		sort.SliceStable(results, func(i, j int) bool { return results[i].RawScore > results[j].RawScore })
	}

	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Count returns the number of rows behind a table or alias.
func (s *MemoryStore) Count(ctx context.Context, table string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	name := table
	if target, ok := s.aliases[table]; ok {
		name = target
	}
	t, ok := s.tables[name]
	if !ok {
		return 0, apperr.Newf(apperr.KindNotFound, "table %s not found", table)
	}
	return len(t.rows), nil
}

// Drop removes a physical table.
func (s *MemoryStore) Drop(ctx context.Context, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tables, table)
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() {}

func dotProduct(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func cosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

var _ Store = (*MemoryStore)(nil)
