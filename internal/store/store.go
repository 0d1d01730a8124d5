package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var ErrNotFound = errors.New("not found")

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// Fields is a partial update. Keys are top-level json field names of the
// stored body; values replace the stored values wholesale.
type Fields map[string]any

// Filter selects records during a Scan. Equals holds exact json values,
// Before holds strict upper bounds for timestamp fields.
type Filter struct {
	Equals map[string]any
	Before map[string]time.Time
}

// Page is a keyset cursor over record ids. An empty After starts at the
// beginning.
type Page struct {
	After string
	Limit int
}

const DefaultPageSize = 100

func (p Page) limit() int {
	if p.Limit <= 0 {
		return DefaultPageSize
	}
	return p.Limit
}

// Collection is typed access to one entity kind.
type Collection[T any] interface {
	GetAll(ctx context.Context) ([]T, error)
	GetByID(ctx context.Context, id string) (T, error)
	Put(ctx context.Context, item T) error
	UpdateFields(ctx context.Context, id string, fields Fields) error
	// UpdateFieldsIf applies fields only when the stored body still holds
	// every value in cond. It reports whether the update was applied.
	UpdateFieldsIf(ctx context.Context, id string, fields Fields, cond Fields) (bool, error)
	// Scan returns one page of matches and the cursor for the next page,
	// empty when there are no more.
	Scan(ctx context.Context, filter Filter, page Page) ([]T, string, error)
	QueryByIndex(ctx context.Context, index, key string) ([]T, error)
}

// KindConfig describes how one entity kind is keyed and indexed.
type KindConfig[T any] struct {
	Kind    string
	ID      func(T) string
	Indexes map[string]func(T) string
}

func (c KindConfig[T]) indexKeys(item T) map[string]string {
	out := make(map[string]string, len(c.Indexes))
	for name, fn := range c.Indexes {
		if v := fn(item); v != "" {
			out[name] = v
		}
	}
	return out
}

func (c KindConfig[T]) hasIndex(name string) bool {
	_, ok := c.Indexes[name]
	return ok
}

func decode[T any](kind string, body []byte) (T, error) {
	var out T
	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("decode %s: %w", kind, err)
	}
	return out, nil
}

func decodeAll[T any](kind string, bodies [][]byte) ([]T, error) {
	out := make([]T, 0, len(bodies))
	for _, b := range bodies {
		item, err := decode[T](kind, b)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}
