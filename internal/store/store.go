// Package store implements the key/collection document-store interface
// every other component in this module depends on: get, upsert, query,
// delete, with read-your-writes consistency within a single logical
// goroutine and no cross-document transactions.
package store

import "context"

// Op marks a comparison operator within a Predicate value.
type Op string

const (
	OpIn  Op = "$in"
	OpGte Op = "$gte"
	OpLte Op = "$lte"
)

// Cond is a single-operator condition nested under a field key in a
// Predicate, e.g. Predicate{"created_at": Cond{Op: OpGte, Value: t}}.
type Cond struct {
	Op    Op
	Value any
}

// Predicate maps a field name to either a bare value (equality) or a Cond
// (operator comparison). It is intentionally a plain map so callers can
// build it inline without a query-builder dependency.
type Predicate map[string]any

// Store is the document store interface. Implementations may be in-memory
// (used by every package's unit tests) or backed by a SQL store; none of
// the correctness properties in spec.md §8 depend on which.
type Store interface {
	// Get loads the document stored under (collection, id) into out, which
	// must be a pointer. It reports false, nil if no such document exists.
	Get(ctx context.Context, collection, id string, out any) (bool, error)

	// Upsert writes doc under (collection, id), replacing any existing
	// document.
	Upsert(ctx context.Context, collection, id string, doc any) error

	// Query scans collection for documents matching pred and decodes the
	// matches into out, which must be a pointer to a slice.
	Query(ctx context.Context, collection string, pred Predicate, out any) error

	// Delete removes the document stored under (collection, id). It
	// reports whether a document was actually removed.
	Delete(ctx context.Context, collection, id string) (bool, error)
}

// match evaluates a Predicate against a decoded document represented as a
// map[string]any, as produced by round-tripping through encoding/json.
func match(doc map[string]any, pred Predicate) bool {
	for field, want := range pred {
		got, ok := doc[field]
		if cond, isCond := want.(Cond); isCond {
			if !matchCond(got, ok, cond) {
				return false
			}
			continue
		}
		if !ok || !equal(got, want) {
			return false
		}
	}
	return true
}

func matchCond(got any, present bool, cond Cond) bool {
	switch cond.Op {
	case OpIn:
		if !present {
			return false
		}
		values, _ := cond.Value.([]any)
		for _, v := range values {
			if equal(got, v) {
				return true
			}
		}
		return false
	case OpGte:
		if !present {
			return false
		}
		return compare(got, cond.Value) >= 0
	case OpLte:
		if !present {
			return false
		}
		return compare(got, cond.Value) <= 0
	default:
		return false
	}
}

// equal compares two decoded JSON scalars for equality, tolerating the
// float64-vs-int mismatch that encoding/json's generic decoding produces.
func equal(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return a == b
}

// compare returns -1, 0, 1 for a<b, a==b, a>b. Strings compare
// lexicographically; numerics compare numerically.
func compare(a, b any) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		switch {
		case as < bs:
			return -1
		case as > bs:
			return 1
		default:
			return 0
		}
	}
	return 0
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
