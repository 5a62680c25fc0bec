// Package refpanel provides the on-disk reference genotype panel used to
// estimate linkage disequilibrium between markers.
//
// A panel is split into one partition per chromosome. Each partition consists
// of two files:
//
//	{prefix}.chr{C}.db   genotype arena (2-bit packed dosages, memory-mapped)
//	{prefix}.chr{C}.idx  zstd-compressed columnar index, sorted by position
//
// Partitions are written once by a single builder and are read-only afterwards,
// so an open Panel can be shared by any number of goroutines.
package refpanel

import (
	"strings"
)

// Missing is the dosage code for an uncalled genotype.
const Missing uint8 = 3

// Marker is a single reference panel variant.
type Marker struct {
	ID    string
	Chrom string
	Pos   int64
	Ref   string
	Alt   string
	MAF   float64

	// Genotypes holds one alt allele dosage (0, 1, 2 or Missing) per sample.
	// It is nil for markers returned by Range; use Genotypes to load them.
	Genotypes []uint8

	row int
}

// HasAlleles reports whether the marker carries nucleotide allele codes.
func (m Marker) HasAlleles() bool {
	return m.Ref != "" && m.Alt != ""
}

// NormalizeChrom strips a leading "chr" prefix and maps MT to M.
func NormalizeChrom(chrom string) string {
	c := strings.TrimPrefix(strings.TrimPrefix(chrom, "chr"), "CHR")
	if c == "MT" {
		return "M"
	}
	return c
}

// alleleFrequency returns the alt allele frequency and the number of called
// samples.
func alleleFrequency(genotypes []uint8) (float64, int) {
	var sum, called int
	for _, g := range genotypes {
		if g == Missing {
			continue
		}
		sum += int(g)
		called++
	}
	if called == 0 {
		return 0, 0
	}
	return float64(sum) / float64(2*called), called
}

// minorAlleleFrequency folds the alt allele frequency onto [0, 0.5].
func minorAlleleFrequency(genotypes []uint8) float64 {
	f, _ := alleleFrequency(genotypes)
	if f > 0.5 {
		return 1 - f
	}
	return f
}

// polymorphic reports whether at least two distinct called dosages occur.
func polymorphic(genotypes []uint8) bool {
	first := Missing
	for _, g := range genotypes {
		if g == Missing {
			continue
		}
		if first == Missing {
			first = g
			continue
		}
		if g != first {
			return true
		}
	}
	return false
}

func packedLen(samples int) int {
	return (samples + 3) / 4
}

// packGenotypes stores four dosages per byte, low bits first.
func packGenotypes(genotypes []uint8) []byte {
	out := make([]byte, packedLen(len(genotypes)))
	for i, g := range genotypes {
		out[i/4] |= (g & 3) << (2 * uint(i%4))
	}
	return out
}

func unpackGenotypes(packed []byte, samples int) []uint8 {
	out := make([]uint8, samples)
	for i := range samples {
		out[i] = (packed[i/4] >> (2 * uint(i%4))) & 3
	}
	return out
}
