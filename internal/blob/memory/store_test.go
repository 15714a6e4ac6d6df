package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreKeepsObjects(t *testing.T) {
	t.Parallel()

	s := New()
	uri, err := s.PutObject(context.Background(), "a/b.html", "text/html", strings.NewReader("<html/>"))
	require.NoError(t, err)
	assert.Equal(t, "memory://a/b.html", uri)

	body, ok := s.Get("a/b.html")
	require.True(t, ok)
	assert.Equal(t, "<html/>", string(body))
	assert.Equal(t, []string{"a/b.html"}, s.Paths())
}
