package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is a Store backed by one JSONB-column table per collection:
// id text primary key, doc jsonb, updated_at timestamptz. A collection's
// table is named "docs_" plus the lowercased collection name; Get, Upsert,
// Query and Delete do not create it, so it must already exist (from
// migrations or an EnsureCollection call). This matches the teacher's
// one-sqlc-store-per-domain shape, generalized to an arbitrary collection
// name.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres-backed Store.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func tableName(collection string) string {
	return "docs_" + strings.ToLower(collection)
}

// EnsureCollection creates the backing table for collection if it does not
// already exist. Migrations run via golang-migrate cover the fixed schema
// migrations; this covers ad hoc collections used only by tests/tools.
func (p *Postgres) EnsureCollection(ctx context.Context, collection string) error {
	_, err := p.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id text PRIMARY KEY,
			doc jsonb NOT NULL,
			updated_at timestamptz NOT NULL DEFAULT now()
		)`, tableName(collection)))
	if err != nil {
		return fmt.Errorf("ensuring table for collection %s: %w", collection, err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, collection, id string, out any) (bool, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT doc FROM %s WHERE id = $1", tableName(collection)), id,
	).Scan(&raw)
	if err != nil {
		if err.Error() == "no rows in result set" {
			return false, nil
		}
		return false, fmt.Errorf("getting %s/%s: %w", collection, id, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decoding %s/%s: %w", collection, id, err)
	}
	return true, nil
}

func (p *Postgres) Upsert(ctx context.Context, collection, id string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding %s/%s: %w", collection, id, err)
	}

	_, err = p.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, doc, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()
	`, tableName(collection)), id, raw)
	if err != nil {
		return fmt.Errorf("upserting %s/%s: %w", collection, id, err)
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, collection, id string) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE id = $1", tableName(collection)), id)
	if err != nil {
		return false, fmt.Errorf("deleting %s/%s: %w", collection, id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Query loads every document in collection and applies the predicate
// in-process. A real deployment with large collections would push $gte/$lte
// down into SQL WHERE clauses; the spec's own open question 4 (original
// DatabaseService.query stub ignores predicates entirely) makes this
// in-process filtering already a strict improvement, and keeps query
// semantics identical between Memory and Postgres.
func (p *Postgres) Query(ctx context.Context, collection string, pred Predicate, out any) error {
	rows, err := p.pool.Query(ctx, fmt.Sprintf("SELECT doc FROM %s", tableName(collection)))
	if err != nil {
		return fmt.Errorf("querying %s: %w", collection, err)
	}
	defer rows.Close()

	mem := NewMemory()
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return fmt.Errorf("scanning %s row: %w", collection, err)
		}
		var generic map[string]any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return fmt.Errorf("decoding %s row: %w", collection, err)
		}
		id, _ := generic["id"].(string)
		mem.collection(collection)[id] = raw
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating %s rows: %w", collection, err)
	}

	return mem.Query(ctx, collection, pred, out)
}
