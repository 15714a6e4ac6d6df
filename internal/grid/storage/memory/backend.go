// Package memory provides an in-process storage backend. Every node sharing a
// Backend value sees the same primitives, which makes it the reference
// implementation for tests and single-process clusters.
package memory

import (
	"bytes"
	"container/list"
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/gridcrawler/internal/grid/storage"
)

// Backend holds named primitives in memory.
type Backend struct {
	mu     sync.Mutex
	maps   map[string]*kv
	queues map[string]*fifo
	sets   map[string]*members
	closed bool
}

// New constructs an empty Backend.
func New() *Backend {
	return &Backend{
		maps:   make(map[string]*kv),
		queues: make(map[string]*fifo),
		sets:   make(map[string]*members),
	}
}

// Map returns the named map, creating it on first use.
func (b *Backend) Map(name string) (storage.KV, error) {
	if err := storage.ValidateName(name); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, storage.ErrClosed
	}
	m, ok := b.maps[name]
	if !ok {
		m = &kv{name: name, entries: make(map[string][]byte)}
		b.maps[name] = m
	}
	return m, nil
}

// Queue returns the named queue, creating it on first use.
func (b *Backend) Queue(name string) (storage.FIFO, error) {
	if err := storage.ValidateName(name); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, storage.ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		q = &fifo{name: name, order: list.New(), index: make(map[string]*list.Element)}
		b.queues[name] = q
	}
	return q, nil
}

// Set returns the named set, creating it on first use.
func (b *Backend) Set(name string) (storage.Members, error) {
	if err := storage.ValidateName(name); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, storage.ErrClosed
	}
	s, ok := b.sets[name]
	if !ok {
		s = &members{name: name, entries: make(map[string]struct{})}
		b.sets[name] = s
	}
	return s, nil
}

// Names lists primitives that currently hold data.
func (b *Backend) Names(_ context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, storage.ErrClosed
	}
	seen := make(map[string]struct{})
	for name, m := range b.maps {
		if m.size() > 0 {
			seen[name] = struct{}{}
		}
	}
	for name, q := range b.queues {
		if q.size() > 0 {
			seen[name] = struct{}{}
		}
	}
	for name, s := range b.sets {
		if s.size() > 0 {
			seen[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Destroy clears every primitive. Handles obtained earlier stay usable.
func (b *Backend) Destroy(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return storage.ErrClosed
	}
	for _, m := range b.maps {
		_ = m.Clear(ctx)
	}
	for _, q := range b.queues {
		_ = q.Clear(ctx)
	}
	for _, s := range b.sets {
		_ = s.Clear(ctx)
	}
	return nil
}

// Close marks the backend closed; later lookups fail with storage.ErrClosed.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

type kv struct {
	name    string
	mu      sync.Mutex
	entries map[string][]byte
}

func (m *kv) Name() string { return m.name }

func (m *kv) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(v), true, nil
}

func (m *kv) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = bytes.Clone(value)
	return nil
}

func (m *kv) PutIfAbsent(_ context.Context, key string, value []byte) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.entries[key]; ok {
		return bytes.Clone(existing), true, nil
	}
	m.entries[key] = bytes.Clone(value)
	return nil, false, nil
}

func (m *kv) Update(_ context.Context, key string, fn storage.UpdateFunc) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.entries[key]
	next, err := fn(bytes.Clone(current), ok)
	if err != nil {
		return nil, err
	}
	if next == nil {
		delete(m.entries, key)
		return nil, nil
	}
	m.entries[key] = bytes.Clone(next)
	return next, nil
}

func (m *kv) Delete(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[key]
	delete(m.entries, key)
	return ok, nil
}

// ForEach iterates a snapshot so fn may call back into the map.
func (m *kv) ForEach(ctx context.Context, fn func(key string, value []byte) bool) (bool, error) {
	m.mu.Lock()
	keys := make([]string, 0, len(m.entries))
	values := make(map[string][]byte, len(m.entries))
	for k, v := range m.entries {
		keys = append(keys, k)
		values[k] = bytes.Clone(v)
	}
	m.mu.Unlock()
	sort.Strings(keys)
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if !fn(k, values[k]) {
			return false, nil
		}
	}
	return true, nil
}

func (m *kv) Size(_ context.Context) (int64, error) {
	return int64(m.size()), nil
}

func (m *kv) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *kv) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string][]byte)
	return nil
}

type queueEntry struct {
	key   string
	value []byte
}

type fifo struct {
	name  string
	mu    sync.Mutex
	order *list.List
	index map[string]*list.Element
}

func (q *fifo) Name() string { return q.name }

func (q *fifo) Put(_ context.Context, key string, value []byte) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.index[key]; ok {
		return false, nil
	}
	q.index[key] = q.order.PushBack(queueEntry{key: key, value: bytes.Clone(value)})
	return true, nil
}

func (q *fifo) Poll(_ context.Context) (string, []byte, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	head := q.order.Front()
	if head == nil {
		return "", nil, false, nil
	}
	entry := q.order.Remove(head).(queueEntry)
	delete(q.index, entry.key)
	return entry.key, entry.value, true, nil
}

func (q *fifo) Contains(_ context.Context, key string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.index[key]
	return ok, nil
}

func (q *fifo) ForEach(ctx context.Context, fn func(key string, value []byte) bool) (bool, error) {
	q.mu.Lock()
	snapshot := make([]queueEntry, 0, q.order.Len())
	for e := q.order.Front(); e != nil; e = e.Next() {
		entry := e.Value.(queueEntry)
		snapshot = append(snapshot, queueEntry{key: entry.key, value: bytes.Clone(entry.value)})
	}
	q.mu.Unlock()
	for _, entry := range snapshot {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if !fn(entry.key, entry.value) {
			return false, nil
		}
	}
	return true, nil
}

func (q *fifo) Size(_ context.Context) (int64, error) {
	return int64(q.size()), nil
}

func (q *fifo) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.order.Len()
}

func (q *fifo) Clear(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.order.Init()
	q.index = make(map[string]*list.Element)
	return nil
}

type members struct {
	name    string
	mu      sync.Mutex
	entries map[string]struct{}
}

func (s *members) Name() string { return s.name }

func (s *members) Add(_ context.Context, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[member]; ok {
		return false, nil
	}
	s.entries[member] = struct{}{}
	return true, nil
}

func (s *members) Contains(_ context.Context, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[member]
	return ok, nil
}

func (s *members) Remove(_ context.Context, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[member]
	delete(s.entries, member)
	return ok, nil
}

func (s *members) ForEach(ctx context.Context, fn func(member string) bool) (bool, error) {
	s.mu.Lock()
	snapshot := make([]string, 0, len(s.entries))
	for m := range s.entries {
		snapshot = append(snapshot, m)
	}
	s.mu.Unlock()
	sort.Strings(snapshot)
	for _, m := range snapshot {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if !fn(m) {
			return false, nil
		}
	}
	return true, nil
}

func (s *members) Size(_ context.Context) (int64, error) {
	return int64(s.size()), nil
}

func (s *members) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *members) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]struct{})
	return nil
}
