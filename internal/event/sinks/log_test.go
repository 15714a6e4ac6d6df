package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/gridcrawler/internal/event"
)

func TestLogSinkRaisesLevelForErrors(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), []event.Event{
		{Name: event.DocumentProcessed, TS: time.Now(), Reference: "a"},
		{Name: event.RejectedError, TS: time.Now(), Reference: "b", Error: "boom"},
	}))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "b", entries[1].ContextMap()["reference"])
	require.NoError(t, sink.Close(context.Background()))
}
