package genome

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAnnotation = "id\tchrom\tstart\tend\tstrand\tsymbol\n" +
	"ENSG1\tchr1\t1000\t2000\t+\tAAA\n" +
	"ENSG2\t1\t1500\t3000\t-\tBBB\n" +
	"ENSG3\t1\t10000\t12000\t+\tCCC\n" +
	"ENSG4\t2\t500\t400\t+\tDDD\n" +
	"ENSG1\t1\t2500\t2600\t+\tAAA\n"

func writeAnnotation(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "genes.tsv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadAnnotation(t *testing.T) {
	ann, err := LoadAnnotation(writeAnnotation(t, testAnnotation), DefaultColumns())
	require.NoError(t, err)
	assert.Equal(t, 4, ann.Len())

	g, ok := ann.Gene("ENSG1")
	require.True(t, ok)
	assert.Equal(t, "1", g.Chrom)
	assert.Equal(t, int64(1000), g.Start)
	assert.Equal(t, int64(2600), g.End, "rows sharing an id are merged")
	assert.Equal(t, int8(1), g.Strand)

	g, ok = ann.Gene("DDD")
	require.True(t, ok, "lookup by symbol")
	assert.Equal(t, int64(400), g.Start)
	assert.Equal(t, int64(500), g.End)

	assert.Equal(t, []string{"1", "2"}, ann.Chromosomes())
	assert.Equal(t, []string{"ENSG1", "ENSG2", "ENSG3", "ENSG4"}, ann.IDs())
}

func TestLoadAnnotation_Malformed(t *testing.T) {
	_, err := LoadAnnotation(writeAnnotation(t, "id\tchrom\tstart\tend\tstrand\tsymbol\nG\t1\tx\t10\t+\tS\n"), DefaultColumns())
	var fe *FormatError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 2, fe.Line)
}

func TestNewAnnotation_ConflictingLoci(t *testing.T) {
	_, err := NewAnnotation([]*Gene{
		{ID: "G", Chrom: "1", Start: 100, End: 200},
		{ID: "G", Chrom: "3", Start: 100, End: 200},
	})
	assert.Error(t, err)
}

func TestWindow(t *testing.T) {
	g := &Gene{ID: "G", Chrom: "1", Start: 100, End: 200}
	w := g.Window(150)
	assert.Equal(t, int64(0), w.Start)
	assert.Equal(t, int64(350), w.End)
	assert.Equal(t, "G", w.GeneID)

	u, err := UnionWindow("G+H", []*Gene{g, {ID: "H", Chrom: "1", Start: 1000, End: 1100}}, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(90), u.Start)
	assert.Equal(t, int64(1110), u.End)

	_, err = UnionWindow("x", []*Gene{g, {ID: "K", Chrom: "2"}}, 0)
	assert.Error(t, err)
}

func TestIntervalTree_FindOverlaps(t *testing.T) {
	genes := []*Gene{
		{ID: "long", Start: 0, End: 10000},
		{ID: "a", Start: 100, End: 200},
		{ID: "b", Start: 150, End: 400},
		{ID: "c", Start: 5000, End: 6000},
		{ID: "d", Start: 20000, End: 21000},
	}
	tree := BuildIntervalTree(genes)

	ids := func(gs []*Gene) []string {
		var out []string
		for _, g := range gs {
			out = append(out, g.ID)
		}
		return out
	}

	assert.Equal(t, []string{"long", "a", "b"}, ids(tree.FindOverlaps(180, 190)))
	assert.Equal(t, []string{"long", "c"}, ids(tree.FindOverlaps(4500, 5000)))
	assert.Equal(t, []string{"d"}, ids(tree.FindOverlaps(15000, 30000)))
	assert.Empty(t, tree.FindOverlaps(30000, 40000))
	assert.Empty(t, BuildIntervalTree(nil).FindOverlaps(0, 10))
}

func TestAnnotation_Overlapping(t *testing.T) {
	ann, err := LoadAnnotation(writeAnnotation(t, testAnnotation), DefaultColumns())
	require.NoError(t, err)

	var ids []string
	for _, g := range ann.Overlapping("chr1", 2900, 9000) {
		ids = append(ids, g.ID)
	}
	assert.Equal(t, []string{"ENSG2"}, ids)
	assert.Len(t, ann.Overlapping("1", 0, 20000), 3)
	assert.Empty(t, ann.Overlapping("7", 0, 20000))
}
