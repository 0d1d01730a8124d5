package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
)

//go:embed schema.sql
var schemaSQL string

// EnsureSchema creates the entities table and its indexes when missing.
func EnsureSchema(ctx context.Context, db DB) error {
	_, err := db.Exec(ctx, schemaSQL)
	return err
}

// Record is one stored entity body.
type Record struct {
	ID   string
	Body []byte
}

// Table stores every entity kind in a single jsonb-backed table.
type Table struct {
	db DB
}

func NewTable(db DB) *Table {
	return &Table{db: db}
}

func (t *Table) GetAll(ctx context.Context, kind string) ([]Record, error) {
	const q = `
select id, body
from entities
where kind = $1
order by id asc`
	return t.query(ctx, q, kind)
}

func (t *Table) GetByID(ctx context.Context, kind, id string) ([]byte, error) {
	const q = `
select body
from entities
where kind = $1 and id = $2`
	var body []byte
	if err := t.db.QueryRow(ctx, q, kind, id).Scan(&body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return body, nil
}

// Put upserts a record. indexKeys are stored alongside the body for
// QueryByIndex.
func (t *Table) Put(ctx context.Context, kind, id string, body []byte, indexKeys map[string]string) error {
	idx, err := json.Marshal(indexKeys)
	if err != nil {
		return err
	}
	const q = `
insert into entities (kind, id, body, index_keys, created_at, updated_at)
values ($1, $2, $3::jsonb, $4::jsonb, now(), now())
on conflict (kind, id)
do update set
  body = excluded.body,
  index_keys = excluded.index_keys,
  updated_at = now()`
	_, err = t.db.Exec(ctx, q, kind, id, string(body), string(idx))
	return err
}

func (t *Table) UpdateFields(ctx context.Context, kind, id string, fields Fields) error {
	patch, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	const q = `
update entities
set body = body || $3::jsonb, updated_at = now()
where kind = $1 and id = $2`
	tag, err := t.db.Exec(ctx, q, kind, id, string(patch))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *Table) UpdateFieldsIf(ctx context.Context, kind, id string, fields, cond Fields) (bool, error) {
	patch, err := json.Marshal(fields)
	if err != nil {
		return false, err
	}
	guard, err := json.Marshal(cond)
	if err != nil {
		return false, err
	}
	const q = `
update entities
set body = body || $3::jsonb, updated_at = now()
where kind = $1 and id = $2 and body @> $4::jsonb`
	tag, err := t.db.Exec(ctx, q, kind, id, string(patch), string(guard))
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	if err := t.db.QueryRow(ctx, `select exists(select 1 from entities where kind = $1 and id = $2)`, kind, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (t *Table) Scan(ctx context.Context, kind string, f Filter, p Page) ([]Record, string, error) {
	var sb strings.Builder
	args := []any{kind}
	sb.WriteString("\nselect id, body\nfrom entities\nwhere kind = $1")

	if len(f.Equals) > 0 {
		eq, err := json.Marshal(f.Equals)
		if err != nil {
			return nil, "", err
		}
		args = append(args, string(eq))
		fmt.Fprintf(&sb, "\n  and body @> $%d::jsonb", len(args))
	}
	for _, field := range slices.Sorted(maps.Keys(f.Before)) {
		args = append(args, field, f.Before[field].UTC())
		fmt.Fprintf(&sb, "\n  and (body->>$%d)::timestamptz < $%d", len(args)-1, len(args))
	}
	if p.After != "" {
		args = append(args, p.After)
		fmt.Fprintf(&sb, "\n  and id > $%d", len(args))
	}
	limit := p.limit()
	args = append(args, limit)
	fmt.Fprintf(&sb, "\norder by id asc\nlimit $%d", len(args))

	recs, err := t.query(ctx, sb.String(), args...)
	if err != nil {
		return nil, "", err
	}
	next := ""
	if len(recs) == limit {
		next = recs[len(recs)-1].ID
	}
	return recs, next, nil
}

func (t *Table) QueryByIndex(ctx context.Context, kind, index, key string) ([]Record, error) {
	probe, err := json.Marshal(map[string]string{index: key})
	if err != nil {
		return nil, err
	}
	const q = `
select id, body
from entities
where kind = $1 and index_keys @> $2::jsonb
order by id asc`
	return t.query(ctx, q, kind, string(probe))
}

func (t *Table) query(ctx context.Context, q string, args ...any) ([]Record, error) {
	rows, err := t.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Body); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Repository is the Postgres-backed Collection for one kind.
type Repository[T any] struct {
	table *Table
	cfg   KindConfig[T]
}

func NewRepository[T any](table *Table, cfg KindConfig[T]) *Repository[T] {
	return &Repository[T]{table: table, cfg: cfg}
}

func (r *Repository[T]) GetAll(ctx context.Context) ([]T, error) {
	recs, err := r.table.GetAll(ctx, r.cfg.Kind)
	if err != nil {
		return nil, err
	}
	return decodeAll[T](r.cfg.Kind, bodies(recs))
}

func (r *Repository[T]) GetByID(ctx context.Context, id string) (T, error) {
	body, err := r.table.GetByID(ctx, r.cfg.Kind, id)
	if err != nil {
		var zero T
		return zero, err
	}
	return decode[T](r.cfg.Kind, body)
}

func (r *Repository[T]) Put(ctx context.Context, item T) error {
	body, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return r.table.Put(ctx, r.cfg.Kind, r.cfg.ID(item), body, r.cfg.indexKeys(item))
}

func (r *Repository[T]) UpdateFields(ctx context.Context, id string, fields Fields) error {
	return r.table.UpdateFields(ctx, r.cfg.Kind, id, fields)
}

func (r *Repository[T]) UpdateFieldsIf(ctx context.Context, id string, fields, cond Fields) (bool, error) {
	return r.table.UpdateFieldsIf(ctx, r.cfg.Kind, id, fields, cond)
}

func (r *Repository[T]) Scan(ctx context.Context, f Filter, p Page) ([]T, string, error) {
	recs, next, err := r.table.Scan(ctx, r.cfg.Kind, f, p)
	if err != nil {
		return nil, "", err
	}
	items, err := decodeAll[T](r.cfg.Kind, bodies(recs))
	if err != nil {
		return nil, "", err
	}
	return items, next, nil
}

func (r *Repository[T]) QueryByIndex(ctx context.Context, index, key string) ([]T, error) {
	if !r.cfg.hasIndex(index) {
		return nil, fmt.Errorf("%s has no index %q", r.cfg.Kind, index)
	}
	recs, err := r.table.QueryByIndex(ctx, r.cfg.Kind, index, key)
	if err != nil {
		return nil, err
	}
	return decodeAll[T](r.cfg.Kind, bodies(recs))
}

func bodies(recs []Record) [][]byte {
	out := make([][]byte, len(recs))
	for i, r := range recs {
		out[i] = r.Body
	}
	return out
}
