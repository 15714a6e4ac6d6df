// Package storage defines the durable, named primitives shared by every node of
// the grid: maps, FIFO queues with key dedup, and string sets.
//
// Backends implement the byte-level contract below. Callers normally work with
// the typed views (MapOf, QueueOf, AttributeOf) which encode values as JSON.
package storage

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrClosed is returned by backends after Close.
	ErrClosed = errors.New("storage: backend closed")
	// ErrInvalidName is returned when a primitive name is empty.
	ErrInvalidName = errors.New("storage: invalid primitive name")
)

// UpdateFunc computes the next value of a map entry from its current value.
// exists is false when the key is absent. Returning a nil slice removes the key.
type UpdateFunc func(current []byte, exists bool) ([]byte, error)

// KV is a named map with last-write-wins puts and atomic per-key updates.
type KV interface {
	Name() string
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	// PutIfAbsent stores value only when key is absent. When the key exists the
	// stored value is returned with loaded=true and nothing is written.
	PutIfAbsent(ctx context.Context, key string, value []byte) (existing []byte, loaded bool, err error)
	Update(ctx context.Context, key string, fn UpdateFunc) ([]byte, error)
	Delete(ctx context.Context, key string) (bool, error)
	// ForEach visits entries until fn returns false. It reports true only when
	// every entry was visited.
	ForEach(ctx context.Context, fn func(key string, value []byte) bool) (bool, error)
	Size(ctx context.Context) (int64, error)
	Clear(ctx context.Context) error
}

// FIFO is a named queue ordered by insertion that holds at most one entry per key.
type FIFO interface {
	Name() string
	// Put appends the entry and returns false, without overwriting, when key is
	// already queued.
	Put(ctx context.Context, key string, value []byte) (bool, error)
	// Poll removes and returns the oldest entry. It never blocks; ok is false
	// when the queue is empty.
	Poll(ctx context.Context) (key string, value []byte, ok bool, err error)
	Contains(ctx context.Context, key string) (bool, error)
	ForEach(ctx context.Context, fn func(key string, value []byte) bool) (bool, error)
	Size(ctx context.Context) (int64, error)
	Clear(ctx context.Context) error
}

// Members is a named set of unique strings.
type Members interface {
	Name() string
	// Add returns false when member is already present.
	Add(ctx context.Context, member string) (bool, error)
	Contains(ctx context.Context, member string) (bool, error)
	Remove(ctx context.Context, member string) (bool, error)
	ForEach(ctx context.Context, fn func(member string) bool) (bool, error)
	Size(ctx context.Context) (int64, error)
	Clear(ctx context.Context) error
}

// Backend hands out primitives by name. Handles for the same name share state
// across every node connected to the same backend.
type Backend interface {
	Map(name string) (KV, error)
	Queue(name string) (FIFO, error)
	Set(name string) (Members, error)
	// Names lists every primitive holding data.
	Names(ctx context.Context) ([]string, error)
	// Destroy removes all primitives and their content.
	Destroy(ctx context.Context) error
	Close() error
}

// ValidateName rejects empty or blank primitive names.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrInvalidName
	}
	return nil
}
