package results

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inodb/genescore/internal/pathway"
	"github.com/inodb/genescore/internal/score"
	"github.com/inodb/genescore/internal/wchisq"
)

func openInMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleGenes() []score.Result {
	return []score.Result{
		{GeneID: "G2", Symbol: "BRCA2", Chrom: "13", Statistic: 12.5, P: 0.002, NMarkers: 40, EffectiveDF: 9,
			Method: wchisq.Exact, Status: score.StatusSuccess, State: score.StateScored},
		{GeneID: "G1", Symbol: "TP53", Chrom: "17", Statistic: 80, P: 1e-12, NMarkers: 12, EffectiveDF: 4,
			Method: wchisq.MonteCarloMethod, Status: score.StatusFallback, State: score.StateScored,
			FallbackUsed: true, Exhausted: true, Trials: 1000000, Reason: "monte-carlo budget exhausted"},
		{GeneID: "G3", Chrom: "1", P: math.NaN(), Statistic: math.NaN(), Method: wchisq.Failed,
			Status: score.StatusOmitted, State: score.StateFailed, Reason: "empty window"},
	}
}

func TestOpenClose(t *testing.T) {
	s := openInMemory(t)
	assert.NotNil(t, s.DB())
}

func TestGeneScoresRoundTrip(t *testing.T) {
	s := openInMemory(t)
	require.NoError(t, s.WriteGeneScores("run1", sampleGenes()))

	got, err := s.GeneScores("run1")
	require.NoError(t, err)
	require.Len(t, got, 3)

	// Ordered by chromosome, then gene ID.
	assert.Equal(t, "G3", got[0].GeneID)
	assert.True(t, math.IsNaN(got[0].P))
	assert.Equal(t, score.StatusOmitted, got[0].Status)
	assert.Equal(t, "empty window", got[0].Reason)

	assert.Equal(t, "G2", got[1].GeneID)
	assert.Equal(t, "BRCA2", got[1].Symbol)
	assert.Equal(t, 0.002, got[1].P)
	assert.Equal(t, 9, got[1].EffectiveDF)
	assert.Equal(t, wchisq.Exact, got[1].Method)

	assert.Equal(t, "G1", got[2].GeneID)
	assert.True(t, got[2].FallbackUsed)
	assert.True(t, got[2].Exhausted)
	assert.Equal(t, 1000000, got[2].Trials)
	assert.Equal(t, score.StatusFallback, got[2].Status)
}

func TestWriteGeneScoresReplacesAnalysis(t *testing.T) {
	s := openInMemory(t)
	require.NoError(t, s.WriteGeneScores("run1", sampleGenes()))
	require.NoError(t, s.WriteGeneScores("run2", sampleGenes()[:1]))
	require.NoError(t, s.WriteGeneScores("run1", append(sampleGenes()[:2], sampleGenes()[0])))

	got, err := s.GeneScores("run1")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	names, err := s.Analyses()
	require.NoError(t, err)
	assert.Equal(t, []string{"run1", "run2"}, names)

	require.NoError(t, s.DeleteAnalysis("run2"))
	got, err = s.GeneScores("run2")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestTopGenes(t *testing.T) {
	s := openInMemory(t)
	require.NoError(t, s.WriteGeneScores("run1", sampleGenes()))

	top, err := s.TopGenes("run1", 5)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "G1", top[0].GeneID)
	assert.Equal(t, "G2", top[1].GeneID)

	top, err = s.TopGenes("run1", 1)
	require.NoError(t, err)
	assert.Len(t, top, 1)
}

func TestPathwayScoresRoundTrip(t *testing.T) {
	s := openInMemory(t)
	rs := []pathway.Result{
		{PathwayID: "B", Statistic: 3, P: 0.2, NGenes: 4, Status: score.StatusSuccess},
		{PathwayID: "A", Statistic: 30, P: 0.001, NGenes: 10, NPermutations: 1000, NFused: 1, Missing: 2, Status: score.StatusSuccess},
		{PathwayID: "C", P: math.NaN(), Statistic: math.NaN(), Missing: 5, Status: score.StatusOmitted, Reason: "insufficient genes"},
	}
	require.NoError(t, s.WritePathwayScores("run1", rs))

	got, err := s.PathwayScores("run1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "A", got[0].PathwayID)
	assert.Equal(t, 1000, got[0].NPermutations)
	assert.Equal(t, 1, got[0].NFused)
	assert.Equal(t, 2, got[0].Missing)
	assert.Equal(t, "B", got[1].PathwayID)
	assert.Equal(t, "C", got[2].PathwayID)
	assert.True(t, math.IsNaN(got[2].P))
	assert.Equal(t, score.StatusOmitted, got[2].Status)
}

func TestGeneWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewGeneWriter(&buf)
	require.NoError(t, w.WriteHeader())
	for _, r := range sampleGenes() {
		require.NoError(t, w.Write(r))
	}
	require.NoError(t, w.Flush())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, strings.Join(geneHeader, "\t"), lines[0])
	assert.Equal(t, "G2\tBRCA2\t13\t12.5\t0.002\t40\t9\texact\tsuccess\t-\t-", lines[1])
	assert.Equal(t, "G3\t-\t1\tNA\tNA\t0\t0\tfailed\tomitted\t-\tempty window", lines[3])
}

func TestPathwayWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewPathwayWriter(&buf)
	require.NoError(t, w.WriteHeader())
	require.NoError(t, w.Write(pathway.Result{PathwayID: "A", Statistic: 1.5, P: 0.25, NGenes: 3, Status: score.StatusSuccess}))
	require.NoError(t, w.Flush())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "A\t1.5\t0.25\t3\t0\t0\t0\tsuccess\t-", lines[1])
}

func TestReadGeneScores(t *testing.T) {
	path := filepath.Join(t.TempDir(), "genes.tsv")
	f, err := os.Create(path)
	require.NoError(t, err)
	w := NewGeneWriter(f)
	require.NoError(t, w.WriteHeader())
	for _, r := range sampleGenes() {
		require.NoError(t, w.Write(r))
	}
	require.NoError(t, w.Flush())
	require.NoError(t, f.Close())

	got, err := ReadGeneScores(path)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "G2", got[0].GeneID)
	assert.Equal(t, 0.002, got[0].P)
	assert.Equal(t, 40, got[0].NMarkers)
	assert.Equal(t, "G1", got[1].GeneID)
	assert.Equal(t, 1e-12, got[1].P)
	assert.True(t, got[1].FallbackUsed)
	assert.Equal(t, score.StatusFallback, got[1].Status)
	assert.Empty(t, got[2].Symbol)
	assert.True(t, math.IsNaN(got[2].P))
	assert.Equal(t, score.StateFailed, got[2].State)
}

func TestReadGeneScores_Errors(t *testing.T) {
	dir := t.TempDir()
	noHeader := filepath.Join(dir, "a.tsv")
	require.NoError(t, os.WriteFile(noHeader, []byte("G1\tx\n"), 0o644))
	_, err := ReadGeneScores(noHeader)
	assert.Error(t, err)

	short := filepath.Join(dir, "b.tsv")
	require.NoError(t, os.WriteFile(short, []byte(strings.Join(geneHeader, "\t")+"\nG1\tx\n"), 0o644))
	_, err = ReadGeneScores(short)
	assert.Error(t, err)
}
