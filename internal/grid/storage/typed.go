package storage

import (
	"context"
	"encoding/json"
	"fmt"
)

// Map is a typed view over a KV primitive.
type Map[T any] struct {
	kv KV
}

// MapOf opens the named map on b.
func MapOf[T any](b Backend, name string) (*Map[T], error) {
	kv, err := b.Map(name)
	if err != nil {
		return nil, fmt.Errorf("open map %q: %w", name, err)
	}
	return &Map[T]{kv: kv}, nil
}

// Name returns the primitive name.
func (m *Map[T]) Name() string { return m.kv.Name() }

// Get returns the value stored under key.
func (m *Map[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	raw, ok, err := m.kv.Get(ctx, key)
	if err != nil || !ok {
		return zero, ok, err
	}
	v, err := decode[T](raw)
	if err != nil {
		return zero, false, fmt.Errorf("map %s key %q: %w", m.kv.Name(), key, err)
	}
	return v, true, nil
}

// Put stores value under key, replacing any previous value.
func (m *Map[T]) Put(ctx context.Context, key string, value T) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode map value: %w", err)
	}
	return m.kv.Put(ctx, key, raw)
}

// PutIfAbsent stores value unless key exists, in which case the existing value
// is returned with loaded=true.
func (m *Map[T]) PutIfAbsent(ctx context.Context, key string, value T) (T, bool, error) {
	var zero T
	raw, err := json.Marshal(value)
	if err != nil {
		return zero, false, fmt.Errorf("encode map value: %w", err)
	}
	existing, loaded, err := m.kv.PutIfAbsent(ctx, key, raw)
	if err != nil || !loaded {
		return zero, false, err
	}
	v, err := decode[T](existing)
	if err != nil {
		return zero, true, fmt.Errorf("map %s key %q: %w", m.kv.Name(), key, err)
	}
	return v, true, nil
}

// Update atomically replaces the value under key with fn(current).
func (m *Map[T]) Update(ctx context.Context, key string, fn func(current T, exists bool) T) (T, error) {
	var out T
	_, err := m.kv.Update(ctx, key, func(raw []byte, exists bool) ([]byte, error) {
		var current T
		if exists {
			v, err := decode[T](raw)
			if err != nil {
				return nil, err
			}
			current = v
		}
		out = fn(current, exists)
		return json.Marshal(out)
	})
	if err != nil {
		var zero T
		return zero, fmt.Errorf("update map %s key %q: %w", m.kv.Name(), key, err)
	}
	return out, nil
}

// Delete removes key and reports whether it was present.
func (m *Map[T]) Delete(ctx context.Context, key string) (bool, error) {
	return m.kv.Delete(ctx, key)
}

// ForEach visits every entry until fn returns false. Entries that fail to
// decode abort the scan with an error.
func (m *Map[T]) ForEach(ctx context.Context, fn func(key string, value T) bool) (bool, error) {
	var decodeErr error
	all, err := m.kv.ForEach(ctx, func(key string, raw []byte) bool {
		v, err := decode[T](raw)
		if err != nil {
			decodeErr = fmt.Errorf("map %s key %q: %w", m.kv.Name(), key, err)
			return false
		}
		return fn(key, v)
	})
	if err != nil {
		return false, err
	}
	if decodeErr != nil {
		return false, decodeErr
	}
	return all, nil
}

// Size returns the number of entries.
func (m *Map[T]) Size(ctx context.Context) (int64, error) { return m.kv.Size(ctx) }

// Clear removes every entry.
func (m *Map[T]) Clear(ctx context.Context) error { return m.kv.Clear(ctx) }

// Queue is a typed view over a FIFO primitive.
type Queue[T any] struct {
	fifo FIFO
}

// QueueOf opens the named queue on b.
func QueueOf[T any](b Backend, name string) (*Queue[T], error) {
	fifo, err := b.Queue(name)
	if err != nil {
		return nil, fmt.Errorf("open queue %q: %w", name, err)
	}
	return &Queue[T]{fifo: fifo}, nil
}

// Name returns the primitive name.
func (q *Queue[T]) Name() string { return q.fifo.Name() }

// Put enqueues value under key. It returns false when key is already queued.
func (q *Queue[T]) Put(ctx context.Context, key string, value T) (bool, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("encode queue value: %w", err)
	}
	return q.fifo.Put(ctx, key, raw)
}

// Poll removes the head of the queue.
func (q *Queue[T]) Poll(ctx context.Context) (string, T, bool, error) {
	var zero T
	key, raw, ok, err := q.fifo.Poll(ctx)
	if err != nil || !ok {
		return "", zero, ok, err
	}
	v, err := decode[T](raw)
	if err != nil {
		return key, zero, false, fmt.Errorf("queue %s key %q: %w", q.fifo.Name(), key, err)
	}
	return key, v, true, nil
}

// Contains reports whether key is queued.
func (q *Queue[T]) Contains(ctx context.Context, key string) (bool, error) {
	return q.fifo.Contains(ctx, key)
}

// ForEach visits queued entries in FIFO order until fn returns false.
func (q *Queue[T]) ForEach(ctx context.Context, fn func(key string, value T) bool) (bool, error) {
	var decodeErr error
	all, err := q.fifo.ForEach(ctx, func(key string, raw []byte) bool {
		v, err := decode[T](raw)
		if err != nil {
			decodeErr = fmt.Errorf("queue %s key %q: %w", q.fifo.Name(), key, err)
			return false
		}
		return fn(key, v)
	})
	if err != nil {
		return false, err
	}
	if decodeErr != nil {
		return false, decodeErr
	}
	return all, nil
}

// Size returns the number of queued entries.
func (q *Queue[T]) Size(ctx context.Context) (int64, error) { return q.fifo.Size(ctx) }

// Clear empties the queue.
func (q *Queue[T]) Clear(ctx context.Context) error { return q.fifo.Clear(ctx) }

// Set is a typed view over a Members primitive. Elements are stored in their
// JSON encoding, so T must encode deterministically.
type Set[T any] struct {
	members Members
}

// SetOf opens the named set on b.
func SetOf[T any](b Backend, name string) (*Set[T], error) {
	members, err := b.Set(name)
	if err != nil {
		return nil, fmt.Errorf("open set %q: %w", name, err)
	}
	return &Set[T]{members: members}, nil
}

// Name returns the primitive name.
func (s *Set[T]) Name() string { return s.members.Name() }

// Add returns false when v is already present.
func (s *Set[T]) Add(ctx context.Context, v T) (bool, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("encode set member: %w", err)
	}
	return s.members.Add(ctx, string(raw))
}

// Contains reports whether v is present.
func (s *Set[T]) Contains(ctx context.Context, v T) (bool, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("encode set member: %w", err)
	}
	return s.members.Contains(ctx, string(raw))
}

// Remove returns false when v was absent.
func (s *Set[T]) Remove(ctx context.Context, v T) (bool, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("encode set member: %w", err)
	}
	return s.members.Remove(ctx, string(raw))
}

// ForEach visits members until fn returns false.
func (s *Set[T]) ForEach(ctx context.Context, fn func(T) bool) (bool, error) {
	var decodeErr error
	all, err := s.members.ForEach(ctx, func(member string) bool {
		v, err := decode[T]([]byte(member))
		if err != nil {
			decodeErr = fmt.Errorf("set %s member %q: %w", s.members.Name(), member, err)
			return false
		}
		return fn(v)
	})
	if err != nil {
		return false, err
	}
	if decodeErr != nil {
		return false, decodeErr
	}
	return all, nil
}

// Size returns the number of members.
func (s *Set[T]) Size(ctx context.Context) (int64, error) { return s.members.Size(ctx) }

// Clear removes every member.
func (s *Set[T]) Clear(ctx context.Context) error { return s.members.Clear(ctx) }

const attributeKey = "value"

// Attribute is a single durable value stored in its own named map.
type Attribute[T any] struct {
	m *Map[T]
}

// AttributeOf opens the named attribute on b.
func AttributeOf[T any](b Backend, name string) (*Attribute[T], error) {
	m, err := MapOf[T](b, name)
	if err != nil {
		return nil, err
	}
	return &Attribute[T]{m: m}, nil
}

// Name returns the primitive name.
func (a *Attribute[T]) Name() string { return a.m.Name() }

// Get returns the current value.
func (a *Attribute[T]) Get(ctx context.Context) (T, bool, error) {
	return a.m.Get(ctx, attributeKey)
}

// Set replaces the current value.
func (a *Attribute[T]) Set(ctx context.Context, value T) error {
	return a.m.Put(ctx, attributeKey, value)
}

// SetIfAbsent stores value only when unset and returns the winning value.
func (a *Attribute[T]) SetIfAbsent(ctx context.Context, value T) (T, bool, error) {
	existing, loaded, err := a.m.PutIfAbsent(ctx, attributeKey, value)
	if err != nil {
		var zero T
		return zero, false, err
	}
	if loaded {
		return existing, false, nil
	}
	return value, true, nil
}

// Delete clears the value.
func (a *Attribute[T]) Delete(ctx context.Context) error {
	_, err := a.m.Delete(ctx, attributeKey)
	return err
}

func decode[T any](raw []byte) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode value: %w", err)
	}
	return v, nil
}
