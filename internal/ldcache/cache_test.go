package ldcache

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/inodb/genescore/internal/ld"
)

func testMatrix() *ld.Matrix {
	return &ld.Matrix{
		IDs:       []string{"rs1", "rs2"},
		Positions: []int64{100, 200},
		MAF:       []float64{0.1, 0.3},
		C:         mat.NewSymDense(2, []float64{1, 0.4, 0.4, 1}),
	}
}

func TestCache_GetPut(t *testing.T) {
	c := New("fp1")
	_, ok := c.Get("gene:A", "G1")
	assert.False(t, ok)

	m := testMatrix()
	c.Put("gene:A", "G1", m)
	got, ok := c.Get("gene:A", "G1")
	require.True(t, ok)
	assert.Same(t, m, got)

	// Namespaces are independent.
	_, ok = c.Get("gene:B", "G1")
	assert.False(t, ok)

	hits, misses := c.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(2), misses)
	assert.Equal(t, 1, c.Len())
}

func TestCache_InvalidateOnFingerprintChange(t *testing.T) {
	c := New("fp1")
	c.Put("ns", "G1", testMatrix())

	assert.False(t, c.Invalidate("fp1"))
	assert.Equal(t, 1, c.Len())

	assert.True(t, c.Invalidate("fp2"))
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, "fp2", c.Fingerprint())
}

func TestCache_Concurrent(t *testing.T) {
	c := New("fp")
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := string(rune('A' + i))
			c.Put("ns", id, testMatrix())
			_, ok := c.Get("ns", id)
			assert.True(t, ok)
		}()
	}
	wg.Wait()
	assert.Equal(t, 8, c.Len())
}

func TestStore_RoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	s := NewStore(dir)
	assert.False(t, s.Valid("fp1"))

	c := New("fp1")
	c.Put("ns", "G1", testMatrix())
	require.NoError(t, s.Write(c))

	assert.True(t, s.Valid("fp1"))
	assert.False(t, s.Valid("fp2"))

	loaded := New("fp1")
	require.NoError(t, s.Load(loaded))
	m, ok := loaded.Get("ns", "G1")
	require.True(t, ok)
	assert.Equal(t, []string{"rs1", "rs2"}, m.IDs)
	assert.Equal(t, []int64{100, 200}, m.Positions)
	assert.InDelta(t, 0.4, m.C.At(1, 0), 0)

	s.Clear()
	assert.False(t, s.Valid("fp1"))
	_, err := os.Stat(filepath.Join(dir, "ld.gob"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestStore_LoadMissing(t *testing.T) {
	err := NewStore(t.TempDir()).Load(New(""))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
