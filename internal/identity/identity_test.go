package identity

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestIdentityStable(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "A.pdf", "fake pdf bytes")

	r1 := NewResolver(nil, nil)
	r2 := NewResolver(nil, nil)

	id1, err := r1.Identity(context.Background(), path)
	require.NoError(t, err)
	id2, err := r2.Identity(context.Background(), path)
	require.NoError(t, err)

	// Same bytes, independent resolvers: identical identity.
	assert.Equal(t, id1, id2)
	assert.True(t, len(id1) > 64, "identity should be digest plus basename suffix")
	assert.Contains(t, id1, "_A.pdf")
}

func TestIdentityDistinguishesRenamedCopies(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "A.pdf", "same content")
	b := writeFile(t, dir, "B.pdf", "same content")

	r := NewResolver(nil, nil)
	idA, err := r.Identity(context.Background(), a)
	require.NoError(t, err)
	idB, err := r.Identity(context.Background(), b)
	require.NoError(t, err)

	assert.NotEqual(t, idA, idB)
	// The digest component is shared; only the name suffix differs.
	assert.Equal(t, idA[:64], idB[:64])
}

func TestIdentityMemoized(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "A.pdf", "original")

	r := NewResolver(nil, nil)
	id1, err := r.Identity(context.Background(), path)
	require.NoError(t, err)

	// Rewriting the file must not change the memoized identity within
	// this run; the digest is computed once per file per run.
	require.NoError(t, os.WriteFile(path, []byte("mutated"), 0o644))
	id2, err := r.Identity(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestIdentityUnreadable(t *testing.T) {
	r := NewResolver(nil, nil)
	_, err := r.Identity(context.Background(), filepath.Join(t.TempDir(), "missing.pdf"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnreadableSource)
}
