package refpanel

import (
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMarkers() []Marker {
	return []Marker{
		{ID: "rs3", Pos: 300, Ref: "A", Alt: "G", Genotypes: []uint8{0, 1, 2, 1, 0, 0}},
		{ID: "rs1", Pos: 100, Ref: "C", Alt: "T", Genotypes: []uint8{0, 1, 1, 2, 0, Missing}},
		{ID: "rs2", Pos: 200, Genotypes: []uint8{2, 2, 1, 0, 0, 0}},
		{ID: "mono", Pos: 250, Genotypes: []uint8{0, 0, 0, 0, 0, 0}},
		{ID: "rs4", Pos: 400, Genotypes: []uint8{0, 0, 0, 0, 0, 1}},
	}
}

func buildTestPanel(t *testing.T) (string, *Panel) {
	t.Helper()
	prefix := filepath.Join(t.TempDir(), "ref", "panel")
	stats, err := Build(prefix, "chr1", 6, testMarkers())
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Markers)
	assert.Equal(t, 1, stats.Monomorphic)

	p, err := Open(prefix)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return prefix, p
}

func TestBuildOpen_LookupByID(t *testing.T) {
	_, p := buildTestPanel(t)

	m, err := p.LookupByID("1", "rs1")
	require.NoError(t, err)
	assert.Equal(t, "1", m.Chrom)
	assert.Equal(t, int64(100), m.Pos)
	assert.Equal(t, "C", m.Ref)
	assert.Equal(t, "T", m.Alt)
	assert.Equal(t, []uint8{0, 1, 1, 2, 0, Missing}, m.Genotypes)
	assert.InDelta(t, 0.4, m.MAF, 1e-6)

	m, err = p.Lookup("rs2")
	require.NoError(t, err)
	assert.InDelta(t, 5.0/12.0, m.MAF, 1e-6)
	assert.False(t, m.HasAlleles())
}

func TestLookupByID_NotFound(t *testing.T) {
	_, p := buildTestPanel(t)

	_, err := p.LookupByID("1", "mono")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = p.LookupByID("2", "rs1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = p.Lookup("rs999")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRange(t *testing.T) {
	_, p := buildTestPanel(t)

	tests := []struct {
		name       string
		start, end int64
		want       []string
	}{
		{"all", 0, 1000, []string{"rs1", "rs2", "rs3", "rs4"}},
		{"inclusive bounds", 200, 300, []string{"rs2", "rs3"}},
		{"single", 400, 400, []string{"rs4"}},
		{"empty gap", 201, 299, nil},
		{"inverted", 300, 200, nil},
		{"past end", 500, 900, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms, err := p.Range("chr1", tt.start, tt.end)
			require.NoError(t, err)
			var ids []string
			for _, m := range ms {
				ids = append(ids, m.ID)
				assert.Nil(t, m.Genotypes)
			}
			assert.Equal(t, tt.want, ids)
		})
	}

	ms, err := p.Range("7", 0, 1000)
	require.NoError(t, err)
	assert.Empty(t, ms)
}

func TestRange_GenotypesMatchLookup(t *testing.T) {
	_, p := buildTestPanel(t)

	ms, err := p.Range("1", 300, 300)
	require.NoError(t, err)
	require.Len(t, ms, 1)
	g, err := p.Genotypes(ms[0])
	require.NoError(t, err)
	assert.Equal(t, []uint8{0, 1, 2, 1, 0, 0}, g)
}

func TestSortedKeys_Restartable(t *testing.T) {
	_, p := buildTestPanel(t)

	first := slices.Collect(p.SortedKeys("1"))
	second := slices.Collect(p.SortedKeys("1"))
	assert.Equal(t, []string{"rs1", "rs2", "rs3", "rs4"}, first)
	assert.Equal(t, first, second)

	// Early stop.
	var got []string
	for id := range p.SortedKeys("1") {
		got = append(got, id)
		if len(got) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"rs1", "rs2"}, got)

	assert.Empty(t, slices.Collect(p.SortedKeys("X")))
}

func TestClose_Idempotent(t *testing.T) {
	_, p := buildTestPanel(t)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	_, err := p.LookupByID("1", "rs1")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOpen_Missing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nothing"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpen_CorruptIndex(t *testing.T) {
	prefix, p := buildTestPanel(t)
	p.Close()

	require.NoError(t, os.WriteFile(IndexPath(prefix, "1"), []byte("garbage"), 0644))
	_, err := Open(prefix)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestBuild_DuplicateKeepsLowerMAF(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "dup")
	markers := []Marker{
		{ID: "rs1", Pos: 100, Genotypes: []uint8{1, 1, 2, 0}},
		{ID: "rs1", Pos: 150, Genotypes: []uint8{0, 0, 0, 1}},
	}
	stats, err := Build(prefix, "2", 4, markers)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Duplicates)

	part, err := OpenPartition(prefix, "2")
	require.NoError(t, err)
	defer part.Close()
	m, err := part.LookupByID("rs1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), m.Pos)
}

func TestBuild_GenotypeCountMismatch(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "bad")
	_, err := Build(prefix, "1", 4, []Marker{{ID: "rs1", Pos: 1, Genotypes: []uint8{0, 1}}})
	var fe *FormatError
	assert.ErrorAs(t, err, &fe)
}

func TestBuild_UnwritableDestination(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))

	_, err := Build(filepath.Join(blocker, "panel"), "1", 2, []Marker{{ID: "rs1", Pos: 1, Genotypes: []uint8{0, 1}}})
	var ioe *IOError
	assert.ErrorAs(t, err, &ioe)
}

func TestFingerprint_ChangesOnRebuild(t *testing.T) {
	prefix, p := buildTestPanel(t)
	before, err := p.Fingerprint()
	require.NoError(t, err)

	_, err = Build(prefix, "1", 6, testMarkers()[:3])
	require.NoError(t, err)
	after, err := p.Fingerprint()
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
}

func TestPackRoundTrip(t *testing.T) {
	g := []uint8{0, 1, 2, Missing, 2, 1, 0}
	assert.Equal(t, g, unpackGenotypes(packGenotypes(g), len(g)))
	assert.Len(t, packGenotypes(g), 2)
}
