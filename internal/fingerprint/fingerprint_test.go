package fingerprint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyStable(t *testing.T) {
	desc := "ASUS TUF Gaming GeForce RTX 5090 32GB GDDR7 OC"
	assert.Equal(t, Key(desc), Key(desc))
	assert.Len(t, Key(desc), 64)
}

func TestKeyCollapsesFormatting(t *testing.T) {
	a := Key("ASUS TUF Gaming GeForce RTX 5090, 32GB GDDR7 (OC)")
	b := Key("asus  tuf-gaming geforce rtx 5090 32gb gddr7 oc")
	assert.Equal(t, a, b, "punctuation and case differences collapse to one key")
}

func TestKeyFoldsDiacritics(t *testing.T) {
	a := Key("Carte graphique édition limitée RTX 5080")
	b := Key("Carte graphique edition limitee RTX 5080")
	assert.Equal(t, a, b)
}

func TestKeyDistinguishesListings(t *testing.T) {
	a := Key("ASUS TUF Gaming GeForce RTX 5090 32GB")
	b := Key("ASUS TUF Gaming GeForce RTX 5080 16GB")
	assert.NotEqual(t, a, b)
}

type memStore struct {
	seen map[string]string
}

func (m *memStore) HasSeen(_ context.Context, key string) (bool, error) {
	_, ok := m.seen[key]
	return ok, nil
}

func (m *memStore) MarkSeen(_ context.Context, key, runID string) error {
	if _, ok := m.seen[key]; !ok {
		m.seen[key] = runID
	}
	return nil
}

func TestIndexSeenAfterMark(t *testing.T) {
	ctx := context.Background()
	ix := NewIndex(&memStore{seen: map[string]string{}})
	desc := "Sapphire NITRO+ RX 9070 XT 16GB"

	seen, err := ix.Seen(ctx, desc)
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, ix.Mark(ctx, desc, "run_1"))

	seen, err = ix.Seen(ctx, desc)
	require.NoError(t, err)
	assert.True(t, seen)

	// Re-marking is a no-op.
	require.NoError(t, ix.Mark(ctx, desc, "run_2"))
}
