package docstore

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/PaulBabatuyi/marketchat/internal/stamp"
)

type document = map[string]any

// Memory is an in-process Store. Every subscription receives its snapshots in
// write order on its own goroutine; there is no ordering across subscriptions.
// Listeners are only notified when a write actually changes what they observe.
type Memory struct {
	mu       sync.Mutex
	now      func() time.Time
	colls    map[string]map[string]document
	watchers map[*watcher]struct{}
	active   atomic.Int64
}

type watcher struct {
	coll    string
	id      string
	query   *Query
	onDoc   func(Snapshot)
	onQuery func([]Snapshot)
	disp    *dispatcher
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock overrides the clock used for server timestamps.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory returns an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		now:      time.Now,
		colls:    map[string]map[string]document{},
		watchers: map[*watcher]struct{}{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ActiveSubscriptions returns the number of live subscriptions.
func (m *Memory) ActiveSubscriptions() int {
	return int(m.active.Load())
}

func (m *Memory) Get(ctx context.Context, coll, id string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.colls[coll][id]
	if !ok {
		return Snapshot{}, fmt.Errorf("get %s/%s: %w", coll, id, ErrNotFound)
	}
	return encode(id, doc)
}

func (m *Memory) Add(ctx context.Context, coll string, fields map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := bson.NewObjectID().Hex()
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := document{}
	now := m.now().UTC()
	for k, v := range fields {
		setPath(doc, k, m.resolve(v, now))
	}
	m.put(coll, id, nil, doc)
	return id, nil
}

func (m *Memory) Set(ctx context.Context, coll, id string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	before := m.colls[coll][id]
	doc := document{}
	if before != nil {
		doc = cloneDoc(before)
	}
	now := m.now().UTC()
	for k, v := range fields {
		setPath(doc, k, m.resolve(v, now))
	}
	m.put(coll, id, before, doc)
	return nil
}

func (m *Memory) Update(ctx context.Context, coll, id string, u *Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	before, ok := m.colls[coll][id]
	if !ok {
		return fmt.Errorf("update %s/%s: %w", coll, id, ErrNotFound)
	}
	doc := cloneDoc(before)
	now := m.now().UTC()
	for path, v := range u.Sets() {
		setPath(doc, path, m.resolve(v, now))
	}
	for path, n := range u.Incs() {
		cur, _ := getPath(doc, path)
		switch c := cur.(type) {
		case int64:
			setPath(doc, path, c+n)
		case float64:
			setPath(doc, path, c+float64(n))
		default:
			setPath(doc, path, n)
		}
	}
	for path, vals := range u.AddsToSet() {
		cur, _ := getPath(doc, path)
		arr, _ := cur.([]any)
		for _, v := range vals {
			v = clone(v)
			if !containsValue(arr, v) {
				arr = append(arr, v)
			}
		}
		if arr == nil {
			arr = []any{}
		}
		setPath(doc, path, arr)
	}
	for path, vals := range u.Pulls() {
		cur, ok := getPath(doc, path)
		if !ok {
			continue
		}
		arr, _ := cur.([]any)
		kept := make([]any, 0, len(arr))
		for _, e := range arr {
			if !containsValue(normalizeAll(vals), e) {
				kept = append(kept, e)
			}
		}
		setPath(doc, path, kept)
	}
	m.put(coll, id, before, doc)
	return nil
}

func (m *Memory) Delete(ctx context.Context, coll, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	before, ok := m.colls[coll][id]
	if !ok {
		return nil
	}
	m.put(coll, id, before, nil)
	return nil
}

func (m *Memory) Find(ctx context.Context, coll string, q Query) ([]Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.run(coll, q), nil
}

func (m *Memory) WatchDoc(ctx context.Context, coll, id string, fn func(Snapshot)) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w := &watcher{coll: coll, id: id, onDoc: fn, disp: newDispatcher()}
	m.mu.Lock()
	m.watchers[w] = struct{}{}
	m.active.Add(1)
	m.notifyDoc(w, m.colls[coll][id])
	m.mu.Unlock()
	return m.subscription(ctx, w), nil
}

func (m *Memory) WatchQuery(ctx context.Context, coll string, q Query, fn func([]Snapshot)) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w := &watcher{coll: coll, query: &q, onQuery: fn, disp: newDispatcher()}
	m.mu.Lock()
	m.watchers[w] = struct{}{}
	m.active.Add(1)
	m.notifyQuery(w)
	m.mu.Unlock()
	return m.subscription(ctx, w), nil
}

func (m *Memory) subscription(ctx context.Context, w *watcher) Subscription {
	var once sync.Once
	stop := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.watchers, w)
			m.mu.Unlock()
			if w.disp.close() {
				m.active.Add(-1)
			}
		})
	}
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				stop()
			case <-w.disp.done:
			}
		}()
	}
	return SubscriptionFunc(stop)
}

// put stores doc (nil deletes) and notifies affected watchers. Callers hold m.mu.
func (m *Memory) put(coll, id string, before, after document) {
	if reflect.DeepEqual(before, after) && before != nil {
		return
	}
	docs := m.colls[coll]
	if docs == nil {
		docs = map[string]document{}
		m.colls[coll] = docs
	}
	if after == nil {
		delete(docs, id)
	} else {
		docs[id] = after
	}

	for w := range m.watchers {
		if w.coll != coll {
			continue
		}
		if w.query == nil {
			if w.id == id {
				m.notifyDoc(w, after)
			}
			continue
		}
		if (before != nil && matches(before, *w.query)) || (after != nil && matches(after, *w.query)) {
			m.notifyQuery(w)
		}
	}
}

func (m *Memory) notifyDoc(w *watcher, doc document) {
	snap := Missing(w.id)
	if doc != nil {
		s, err := encode(w.id, doc)
		if err != nil {
			return
		}
		snap = s
	}
	fn := w.onDoc
	w.disp.push(func() { fn(snap) })
}

func (m *Memory) notifyQuery(w *watcher) {
	snaps := m.run(w.coll, *w.query)
	fn := w.onQuery
	w.disp.push(func() { fn(snaps) })
}

func (m *Memory) run(coll string, q Query) []Snapshot {
	type hit struct {
		id  string
		doc document
		at  stamp.Timestamp
	}
	var hits []hit
	for id, doc := range m.colls[coll] {
		if !matches(doc, q) {
			continue
		}
		h := hit{id: id, doc: doc}
		if q.Order != "" {
			v, _ := getPath(doc, q.Order)
			h.at = stamp.Normalize(v)
		}
		hits = append(hits, h)
	}
	sort.Slice(hits, func(i, j int) bool {
		if c := hits[i].at.Compare(hits[j].at); c != 0 {
			return c < 0
		}
		return hits[i].id < hits[j].id
	})
	snaps := make([]Snapshot, 0, len(hits))
	for _, h := range hits {
		s, err := encode(h.id, h.doc)
		if err != nil {
			continue
		}
		snaps = append(snaps, s)
	}
	return snaps
}

func (m *Memory) resolve(v any, now time.Time) any {
	if IsServerTimestamp(v) {
		return now.Truncate(time.Millisecond)
	}
	return clone(v)
}

func matches(doc document, q Query) bool {
	for _, c := range q.Conds {
		v, ok := getPath(doc, c.Field)
		switch c.Op {
		case Eq:
			if !ok || !reflect.DeepEqual(v, clone(c.Value)) {
				return false
			}
		case ArrayContains:
			arr, _ := v.([]any)
			if !containsValue(arr, clone(c.Value)) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func encode(id string, doc document) (Snapshot, error) {
	out := make(bson.M, len(doc)+1)
	for k, v := range doc {
		out[k] = v
	}
	out["_id"] = id
	raw, err := bson.Marshal(out)
	if err != nil {
		return Snapshot{}, fmt.Errorf("encode %s: %w", id, err)
	}
	return NewSnapshot(id, raw), nil
}

func getPath(doc document, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = doc
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func setPath(doc document, path string, v any) {
	parts := strings.Split(path, ".")
	cur := doc
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = v
}

func containsValue(arr []any, v any) bool {
	for _, e := range arr {
		if reflect.DeepEqual(e, v) {
			return true
		}
	}
	return false
}

func normalizeAll(vals []any) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = clone(v)
	}
	return out
}

func cloneDoc(doc document) document {
	return clone(doc).(map[string]any)
}

// clone deep-copies a value into the canonical shapes stored in documents:
// nested objects as map[string]any, arrays as []any, integers as int64 and
// times as UTC with millisecond precision.
func clone(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = clone(e)
		}
		return out
	case bson.M:
		return clone(map[string]any(x))
	case map[string]int64:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = e
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = clone(e)
		}
		return out
	case []string:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = e
		}
		return out
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case float32:
		return float64(x)
	case time.Time:
		return x.UTC().Truncate(time.Millisecond)
	default:
		return v
	}
}
