// Package docstore defines the realtime document store the sync engine is
// built on: partial updates with atomic operators, server timestamps and live
// per-document and per-query subscriptions.
package docstore

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/v2/bson"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("docstore: document not found")
	// ErrPermissionDenied is returned when the caller may not write a document.
	ErrPermissionDenied = errors.New("docstore: permission denied")
)

type serverTimestamp struct{}

// ServerTimestamp is a sentinel field value replaced by the store clock on write.
var ServerTimestamp any = serverTimestamp{}

// IsServerTimestamp reports whether v is the ServerTimestamp sentinel.
func IsServerTimestamp(v any) bool {
	_, ok := v.(serverTimestamp)
	return ok
}

// Store is the document and collection API consumed by the engine.
type Store interface {
	// Get returns ErrNotFound when the document is missing.
	Get(ctx context.Context, coll, id string) (Snapshot, error)
	// Add inserts a document with a generated id.
	Add(ctx context.Context, coll string, fields map[string]any) (string, error)
	// Set merges fields into a document, creating it if needed.
	Set(ctx context.Context, coll, id string, fields map[string]any) error
	// Update applies a partial update and returns ErrNotFound when the document is missing.
	Update(ctx context.Context, coll, id string, u *Update) error
	Delete(ctx context.Context, coll, id string) error
	// Find runs q once and returns the matching documents.
	Find(ctx context.Context, coll string, q Query) ([]Snapshot, error)
	// WatchDoc delivers the current state of a document and every later change.
	// A missing document is delivered with Exists false.
	WatchDoc(ctx context.Context, coll, id string, fn func(Snapshot)) (Subscription, error)
	// WatchQuery delivers the full result set of q on every change to it.
	WatchQuery(ctx context.Context, coll string, q Query, fn func([]Snapshot)) (Subscription, error)
}

// Subscription is a live listener registration.
type Subscription interface {
	Unsubscribe()
}

// SubscriptionFunc adapts a function to Subscription.
type SubscriptionFunc func()

func (f SubscriptionFunc) Unsubscribe() { f() }

// Snapshot is the state of one document at one point in time.
type Snapshot struct {
	ID     string
	Exists bool
	raw    bson.Raw
}

// NewSnapshot builds a snapshot of an existing document.
func NewSnapshot(id string, raw bson.Raw) Snapshot {
	return Snapshot{ID: id, Exists: true, raw: raw}
}

// Missing builds a snapshot for a document that does not exist.
func Missing(id string) Snapshot {
	return Snapshot{ID: id}
}

// Decode unmarshals the document into v.
func (s Snapshot) Decode(v any) error {
	if !s.Exists {
		return ErrNotFound
	}
	return bson.Unmarshal(s.raw, v)
}

// Raw returns the encoded document.
func (s Snapshot) Raw() bson.Raw { return s.raw }

// Update collects the operators of one partial write. Paths may be dotted to
// address nested fields, for example "unseen_counts.<uid>".
type Update struct {
	set      map[string]any
	inc      map[string]int64
	addToSet map[string][]any
	pull     map[string][]any
}

// NewUpdate returns an empty update.
func NewUpdate() *Update {
	return &Update{
		set:      map[string]any{},
		inc:      map[string]int64{},
		addToSet: map[string][]any{},
		pull:     map[string][]any{},
	}
}

// Set assigns a value.
func (u *Update) Set(path string, v any) *Update {
	u.set[path] = v
	return u
}

// ServerTime assigns the store's current time.
func (u *Update) ServerTime(path string) *Update {
	return u.Set(path, ServerTimestamp)
}

// Inc atomically adds n to a numeric field, treating a missing field as zero.
func (u *Update) Inc(path string, n int64) *Update {
	u.inc[path] += n
	return u
}

// AddToSet atomically adds values to an array field, skipping those already present.
func (u *Update) AddToSet(path string, vals ...any) *Update {
	u.addToSet[path] = append(u.addToSet[path], vals...)
	return u
}

// Pull atomically removes values from an array field.
func (u *Update) Pull(path string, vals ...any) *Update {
	u.pull[path] = append(u.pull[path], vals...)
	return u
}

// Sets returns the assignments.
func (u *Update) Sets() map[string]any { return u.set }

// Incs returns the increments.
func (u *Update) Incs() map[string]int64 { return u.inc }

// AddsToSet returns the set additions.
func (u *Update) AddsToSet() map[string][]any { return u.addToSet }

// Pulls returns the set removals.
func (u *Update) Pulls() map[string][]any { return u.pull }

// IsEmpty reports whether the update carries no operator.
func (u *Update) IsEmpty() bool {
	return len(u.set) == 0 && len(u.inc) == 0 && len(u.addToSet) == 0 && len(u.pull) == 0
}

// Op is a query comparison.
type Op uint8

const (
	// Eq matches documents whose field equals the value.
	Eq Op = iota
	// ArrayContains matches documents whose array field contains the value.
	ArrayContains
)

// Cond is one query condition.
type Cond struct {
	Field string
	Op    Op
	Value any
}

// Query selects documents of one collection. All conditions must hold.
type Query struct {
	Conds []Cond
	Order string
}

// Where returns a copy of q with an extra condition.
func (q Query) Where(field string, op Op, v any) Query {
	conds := make([]Cond, len(q.Conds), len(q.Conds)+1)
	copy(conds, q.Conds)
	q.Conds = append(conds, Cond{Field: field, Op: op, Value: v})
	return q
}

// OrderBy returns a copy of q sorted ascending by a timestamp field, ties by id.
func (q Query) OrderBy(field string) Query {
	q.Order = field
	return q
}
