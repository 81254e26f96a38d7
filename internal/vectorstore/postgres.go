package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/spherical-ai/spherical/libs/rag-engine/internal/apperr"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/observability"
)

// PostgresStore implements Store on Postgres with the pgvector extension.
// Physical tables are versioned (<alias>_vN) and aliases are plain views;
// CREATE OR REPLACE VIEW is a single atomic statement under MVCC, so readers
// see either the old target or the new one, never a mix.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *observability.Logger

	// One in-flight rotation per alias.
	aliasMu sync.Map // alias -> *sync.Mutex
}

// PostgresConfig holds connection settings.
type PostgresConfig struct {
	DSN             string
	MaxConns        int
	MinConns        int
	ConnMaxLifetime time.Duration
}

// NewPostgresStore connects to Postgres and ensures the vector extension.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig, logger *observability.Logger) (*PostgresStore, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		pc.MinConns = int32(cfg.MinConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		pc.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if _, err := pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure vector extension: %w", err)
	}

	return &PostgresStore{
		pool:   pool,
		logger: logger.WithComponent("vectorstore"),
	}, nil
}

// Close releases the underlying pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// EnsureIndexTable creates the physical chunk table if missing and verifies
// its embedding dimension against the requested one.
func (s *PostgresStore) EnsureIndexTable(ctx context.Context, name string, dim int, distance string) error {
	if err := validIdent(name); err != nil {
		return err
	}

	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	chunk_id TEXT PRIMARY KEY,
	doc_id TEXT NOT NULL,
	text TEXT NOT NULL,
	metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
	embedding vector(%d) NOT NULL,
	hash_norm TEXT NOT NULL,
	distance_metric TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS %s_hash_norm_idx ON %s (hash_norm);
CREATE INDEX IF NOT EXISTS %s_doc_id_idx ON %s (doc_id);`,
		name, dim, name, name, name, name)

	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return apperr.Wrap(apperr.KindStoreFailed, fmt.Sprintf("create index table %s", name), err)
	}

	var actual int
	err := s.pool.QueryRow(ctx,
		`SELECT atttypmod FROM pg_attribute WHERE attrelid = $1::regclass AND attname = 'embedding'`,
		name).Scan(&actual)
	if err != nil {
		return apperr.Wrap(apperr.KindStoreFailed, fmt.Sprintf("inspect table %s", name), err)
	}
	if actual != dim {
		return apperr.Newf(apperr.KindSchemaDrift,
			"table %s has embedding dimension %d, profile declares %d", name, actual, dim)
	}

	s.logger.Debug().Str("table", name).Int("dimension", dim).Str("distance", distance).Msg("index table ready")
	return nil
}

// Upsert inserts rows into a physical table. With dedupeByHash, rows whose
// hash_norm is already present are skipped and tallied.
func (s *PostgresStore) Upsert(ctx context.Context, table string, rows []Row, dedupeByHash bool) (UpsertResult, error) {
	var res UpsertResult
	if err := validIdent(table); err != nil {
		return res, err
	}
	if len(rows) == 0 {
		return res, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return res, apperr.Wrap(apperr.KindStoreFailed, "begin upsert", err)
	}
	defer tx.Rollback(ctx)

	existsQ := fmt.Sprintf(`SELECT 1 FROM %s WHERE hash_norm = $1 LIMIT 1`, table)
	insertQ := fmt.Sprintf(`
INSERT INTO %s (chunk_id, doc_id, text, metadata, embedding, hash_norm, distance_metric)
VALUES ($1, $2, $3, $4, $5, $6, $7)`, table)

	for _, row := range rows {
		if dedupeByHash && row.HashNorm != "" {
			var one int
			err := tx.QueryRow(ctx, existsQ, row.HashNorm).Scan(&one)
			if err == nil {
				res.Skipped++
				continue
			}
			// No row is the expected miss; anything else is a real failure.
			if !errors.Is(err, pgx.ErrNoRows) {
				return res, apperr.Wrap(apperr.KindStoreFailed, "dedupe lookup", err)
			}
		}

		meta, err := json.Marshal(row.Metadata)
		if err != nil {
			return res, fmt.Errorf("marshal chunk metadata: %w", err)
		}
		metric, _ := row.Metadata["distance_metric"].(string)

		if _, err := tx.Exec(ctx, insertQ,
			row.ChunkID, row.DocID, row.Text, meta,
			pgvector.NewVector(row.Embedding), row.HashNorm, metric,
		); err != nil {
			return res, apperr.Wrap(apperr.KindStoreFailed, fmt.Sprintf("insert chunk %s", row.ChunkID), err)
		}
		res.Inserted++
	}

	if err := tx.Commit(ctx); err != nil {
		return res, apperr.Wrap(apperr.KindStoreFailed, "commit upsert", err)
	}
	return res, nil
}

// EnsureAlias repoints the alias view at the given physical table. A
// per-alias mutex keeps rotations serialised; the view replacement itself is
// one atomic DDL statement.
func (s *PostgresStore) EnsureAlias(ctx context.Context, alias, physicalTable string) error {
	if err := validIdent(alias); err != nil {
		return err
	}
	if err := validIdent(physicalTable); err != nil {
		return err
	}

	muAny, _ := s.aliasMu.LoadOrStore(alias, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	stmt := fmt.Sprintf(`CREATE OR REPLACE VIEW %s AS SELECT * FROM %s`, alias, physicalTable)
	if _, err := s.pool.Exec(ctx, stmt); err != nil {
		return apperr.Wrap(apperr.KindStoreFailed, fmt.Sprintf("rotate alias %s -> %s", alias, physicalTable), err)
	}

	s.logger.Info().Str("alias", alias).Str("table", physicalTable).Msg("alias rotated")
	return nil
}

// AliasTarget resolves the physical table behind an alias view.
func (s *PostgresStore) AliasTarget(ctx context.Context, alias string) (string, error) {
	if err := validIdent(alias); err != nil {
		return "", err
	}

	var table string
	err := s.pool.QueryRow(ctx, `
SELECT table_name FROM information_schema.view_table_usage
WHERE view_name = lower($1) OR view_name = $1
LIMIT 1`, alias).Scan(&table)
	if err != nil {
		return "", apperr.Newf(apperr.KindNotFound, "alias %s not found", alias)
	}
	return table, nil
}

// SimilaritySearch returns the top-k rows read through the named view. The
// raw score keeps the metric's native meaning: inner product for
// dot_product (higher is closer), cosine distance for cosine (lower is
// closer).
func (s *PostgresStore) SimilaritySearch(ctx context.Context, view string, query []float32, k int, distance string) ([]SearchResult, error) {
	if err := validIdent(view); err != nil {
		return nil, err
	}
	if k <= 0 {
		k = 10
	}

	var q string
	switch distance {
	case DistanceCosine:
		q = fmt.Sprintf(`
SELECT chunk_id, doc_id, text, metadata, hash_norm, (embedding <=> $1)::float8 AS raw_score
FROM %s ORDER BY embedding <=> $1 LIMIT $2`, view)
	default: // dot_product; <#> is the negative inner product
		q = fmt.Sprintf(`
SELECT chunk_id, doc_id, text, metadata, hash_norm, -(embedding <#> $1)::float8 AS raw_score
FROM %s ORDER BY embedding <#> $1 LIMIT $2`, view)
	}

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(query), k)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreFailed, fmt.Sprintf("similarity search on %s", view), err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var meta []byte
		if err := rows.Scan(&r.ChunkID, &r.DocID, &r.Text, &meta, &r.HashNorm, &r.RawScore); err != nil {
			return nil, apperr.Wrap(apperr.KindStoreFailed, "scan search result", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &r.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal chunk metadata: %w", err)
			}
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindStoreFailed, "iterate search results", err)
	}
	return results, nil
}

// Count returns the number of rows in a table or view.
func (s *PostgresStore) Count(ctx context.Context, table string) (int, error) {
	if err := validIdent(table); err != nil {
		return 0, err
	}
	var n int
	if err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&n); err != nil {
		return 0, apperr.Wrap(apperr.KindStoreFailed, fmt.Sprintf("count %s", table), err)
	}
	return n, nil
}

// Drop removes a physical table.
func (s *PostgresStore) Drop(ctx context.Context, table string) error {
	if err := validIdent(table); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s CASCADE`, table)); err != nil {
		return apperr.Wrap(apperr.KindStoreFailed, fmt.Sprintf("drop %s", table), err)
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
