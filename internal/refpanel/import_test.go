package refpanel

import (
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTPED = `1 rs10 0 1000 1 1 1 2 2 2 1 1
1 rs11 0 1100 A A A G G G 0 0
1 rs12 0 1200 1 1 1 1 1 1 1 1
2 rs20 0 500 1 2 1 2 1 1 2 2
1 ss13 0 1300 C T C C C C C C
`

const testVCF = `##fileformat=VCFv4.2
#CHROM	POS	ID	REF	ALT	QUAL	FILTER	INFO	FORMAT	S1	S2	S3	S4
chr1	1000	rs10	A	G	50	PASS	.	GT	0|0	0|1	1|1	0|0
chr1	1100	rs11	C	T	10	LowQual	.	GT	0|1	0|1	1|1	0|0
chr1	1200	.	G	A,T	200	.	.	GT:DP	0|2:5	2|2:5	0|1:3	./.:0
chr1	1300	rs13	AT	A	200	PASS	.	GT	0|1	0|0	0|0	0|0
`

func writeGz(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := gzip.NewWriter(f)
	_, err = zw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func TestReadTPED(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.chr1.tped.gz")
	writeGz(t, path, testTPED)

	markers, samples, err := ReadTPED(context.Background(), path, "1", ImportOptions{RSOnly: true})
	require.NoError(t, err)
	assert.Equal(t, 4, samples)
	require.Len(t, markers, 2, "monomorphic rs12, chr2 and non-rs rows skipped")

	// Allele 1 is the major allele (5 of 8 calls), so dosage counts allele 2.
	assert.Equal(t, "rs10", markers[0].ID)
	assert.Equal(t, []uint8{0, 1, 2, 0}, markers[0].Genotypes)
	assert.False(t, markers[0].HasAlleles())

	assert.Equal(t, "rs11", markers[1].ID)
	assert.Equal(t, "A", markers[1].Ref)
	assert.Equal(t, "G", markers[1].Alt)
	assert.Equal(t, []uint8{0, 1, 2, Missing}, markers[1].Genotypes)
}

func TestReadTPED_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.tped")
	require.NoError(t, os.WriteFile(path, []byte("1 rs1 0 notapos 1 2 1 2\n"), 0644))

	_, _, err := ReadTPED(context.Background(), path, "1", ImportOptions{})
	var fe *FormatError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 1, fe.Line)
}

func TestReadVCF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.chr1.vcf")
	require.NoError(t, os.WriteFile(path, []byte(testVCF), 0644))

	markers, samples, err := ReadVCF(context.Background(), path, "1", ImportOptions{MinQual: 30, SNPOnly: true})
	require.NoError(t, err)
	assert.Equal(t, 4, samples)
	require.Len(t, markers, 2)

	assert.Equal(t, "rs10", markers[0].ID)
	assert.Equal(t, []uint8{0, 1, 2, 0}, markers[0].Genotypes)

	// Multi-allelic site keeps the most frequent ALT (T, index 2).
	assert.Equal(t, "1:1200:G:T", markers[1].ID)
	assert.Equal(t, "T", markers[1].Alt)
	assert.Equal(t, []uint8{1, 2, 0, Missing}, markers[1].Genotypes)
}

func TestReadVCF_KeepSamples(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.chr1.vcf")
	require.NoError(t, os.WriteFile(path, []byte(testVCF), 0644))

	markers, samples, err := ReadVCF(context.Background(), path, "1", ImportOptions{Keep: map[string]bool{"S2": true, "S3": true}})
	require.NoError(t, err)
	assert.Equal(t, 2, samples)
	require.Len(t, markers, 4)
	assert.Equal(t, []uint8{1, 2}, markers[0].Genotypes)
}

func TestImporter_ImportAll(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "raw")
	writeGz(t, src+".chr1.tped.gz", testTPED)
	require.NoError(t, os.WriteFile(src+".chr2.vcf", []byte(`##fileformat=VCFv4.2
#CHROM	POS	ID	REF	ALT	QUAL	FILTER	INFO	FORMAT	S1	S2
2	10	rs20	A	C	.	PASS	.	GT	0/1	1/1
`), 0644))

	im := NewImporter(src, filepath.Join(dir, "out", "panel"))
	im.Parallel = 2
	stats, err := im.ImportAll(context.Background(), []string{"1", "chr2"})
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, 3, stats[0].Markers)
	assert.Equal(t, 1, stats[1].Markers)

	p, err := Open(filepath.Join(dir, "out", "panel"))
	require.NoError(t, err)
	defer p.Close()
	assert.Equal(t, []string{"1", "2"}, p.Chromosomes())

	// Existing partitions are skipped on a second run.
	stats, err = im.ImportAll(context.Background(), []string{"1"})
	require.NoError(t, err)
	assert.Equal(t, 0, stats[0].Markers)
}

func TestImporter_MissingSource(t *testing.T) {
	im := NewImporter(filepath.Join(t.TempDir(), "raw"), filepath.Join(t.TempDir(), "panel"))
	_, err := im.ImportAll(context.Background(), []string{"5"})
	assert.ErrorIs(t, err, ErrNotFound)
}
