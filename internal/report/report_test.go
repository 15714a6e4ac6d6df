package report

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/gridcrawler/internal/blob/memory"
	memstorage "github.com/JakeFAU/gridcrawler/internal/grid/storage/memory"
	"github.com/JakeFAU/gridcrawler/internal/ledger"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func TestExportWritesEveryLedgerEntry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, err := ledger.Open(memstorage.New(), "site", nil)
	require.NoError(t, err)
	require.NoError(t, l.Processed(ctx, ledger.DocContext{Reference: "a", State: ledger.StateNew}))
	_, err = l.Queue(ctx, ledger.DocContext{Reference: "b"})
	require.NoError(t, err)

	store := memory.New()
	ts := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	e, err := New(store, "reports", fixedClock{ts}, nil)
	require.NoError(t, err)

	uri, err := e.Export(ctx, "site", l)
	require.NoError(t, err)
	assert.Equal(t, "memory://reports/site/20240501T123000Z.jsonl", uri)

	body, ok := store.Get("reports/site/20240501T123000Z.jsonl")
	require.True(t, ok)
	var docs []ledger.DocContext
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		var d ledger.DocContext
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &d))
		docs = append(docs, d)
	}
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0].Reference)
	assert.Equal(t, ledger.Processed, docs[0].Stage)
	assert.Equal(t, ledger.Queued, docs[1].Stage)
}

func TestNewRequiresStoreAndClock(t *testing.T) {
	t.Parallel()

	_, err := New(nil, "", fixedClock{}, nil)
	require.Error(t, err)
	_, err = New(memory.New(), "", nil, nil)
	require.Error(t, err)
}
