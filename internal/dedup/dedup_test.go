package dedup

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/gridcrawler/internal/grid/storage/memory"
	"github.com/JakeFAU/gridcrawler/internal/ledger"
)

func TestFindOrTrackDocumentReturnsFirstReference(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, err := Init(memory.New(), Config{DocumentChecksummer: "sha256", DocumentDeduplicate: true}, nil)
	require.NoError(t, err)

	first, dup, err := s.FindOrTrackDocument(ctx, ledger.DocContext{Reference: "a", ContentChecksum: "c1"})
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Empty(t, first)

	first, dup, err = s.FindOrTrackDocument(ctx, ledger.DocContext{Reference: "b", ContentChecksum: "c1"})
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, "a", first)

	first, dup, err = s.FindOrTrackDocument(ctx, ledger.DocContext{Reference: "c", ContentChecksum: "c1"})
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, "a", first, "the first reference is never overwritten")

	_, dup, err = s.FindOrTrackDocument(ctx, ledger.DocContext{Reference: "a", ContentChecksum: "c1"})
	require.NoError(t, err)
	assert.False(t, dup, "a reference is not a duplicate of itself")
}

func TestStoresAreCreatedOnlyWhenEnabled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := memory.New()

	s, err := Init(backend, Config{MetadataChecksummer: "xxh3", DocumentDeduplicate: true}, nil)
	require.NoError(t, err)
	assert.False(t, s.TracksMetadata())
	assert.False(t, s.TracksDocument())

	_, dup, err := s.FindOrTrackMetadata(ctx, ledger.DocContext{Reference: "a", MetaChecksum: "m"})
	require.NoError(t, err)
	assert.False(t, dup)
	names, err := backend.Names(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	s, err = Init(backend, Config{MetadataChecksummer: "xxh3", MetadataDeduplicate: true}, nil)
	require.NoError(t, err)
	assert.True(t, s.TracksMetadata())
	_, _, err = s.FindOrTrackMetadata(ctx, ledger.DocContext{Reference: "a", MetaChecksum: "m"})
	require.NoError(t, err)
	names, err = backend.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{MetadataStore}, names)

	require.NoError(t, s.Clear(ctx))
	_, dup, err = s.FindOrTrackMetadata(ctx, ledger.DocContext{Reference: "b", MetaChecksum: "m"})
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestEmptyChecksumIsNotTracked(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, err := Init(memory.New(), Config{DocumentChecksummer: "sha256", DocumentDeduplicate: true}, nil)
	require.NoError(t, err)

	for _, ref := range []string{"a", "b"} {
		_, dup, err := s.FindOrTrackDocument(ctx, ledger.DocContext{Reference: ref})
		require.NoError(t, err)
		assert.False(t, dup)
	}
}

func TestConcurrentTrackingHasOneWinner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, err := Init(memory.New(), Config{DocumentChecksummer: "sha256", DocumentDeduplicate: true}, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	originals := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, dup, err := s.FindOrTrackDocument(ctx, ledger.DocContext{Reference: fmt.Sprintf("ref-%d", i), ContentChecksum: "same"})
			assert.NoError(t, err)
			if !dup {
				mu.Lock()
				originals++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, originals)
}
