package refpanel

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/inodb/genescore/internal/textio"
)

// ReadVCF reads biallelic genotype calls for chrom from a VCF file. For
// multi-allelic sites the most frequent ALT allele is kept and every other
// allele counts as reference. Records without an ID get chrom:pos:ref:alt.
func ReadVCF(ctx context.Context, path, chrom string, opts ImportOptions) ([]Marker, int, error) {
	f, err := textio.Open(path)
	if err != nil {
		return nil, 0, &IOError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	chrom = NormalizeChrom(chrom)
	var (
		markers []Marker
		keepCol []int // column indices of retained samples
		header  bool
		line    int
	)
	sc := f.Scanner()
	for sc.Scan() {
		line++
		text := sc.Text()
		if strings.HasPrefix(text, "##") {
			continue
		}
		if strings.HasPrefix(text, "#CHROM") {
			cols := strings.Split(text, "\t")
			if len(cols) < 10 {
				return nil, 0, &FormatError{Path: path, Line: line, Message: "header has no sample columns"}
			}
			header = true
			for i := 9; i < len(cols); i++ {
				if len(opts.Keep) == 0 || opts.Keep[cols[i]] {
					keepCol = append(keepCol, i)
				}
			}
			continue
		}
		if !header {
			return nil, 0, &FormatError{Path: path, Line: line, Message: "data line before #CHROM header"}
		}
		if line%10000 == 0 && ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}

		fields := strings.Split(text, "\t")
		if len(fields) < 10 {
			return nil, 0, &FormatError{Path: path, Line: line, Message: fmt.Sprintf("expected at least 10 columns, got %d", len(fields))}
		}
		if NormalizeChrom(fields[0]) != chrom {
			continue
		}
		pos, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, 0, &FormatError{Path: path, Line: line, Message: fmt.Sprintf("invalid position %q", fields[1])}
		}
		if !passesQuality(fields[5], fields[6], opts.MinQual) {
			continue
		}

		ref := strings.ToUpper(fields[3])
		alts := strings.Split(strings.ToUpper(fields[4]), ",")
		if opts.SNPOnly && !allSNV(ref, alts) {
			continue
		}
		id := fields[2]
		if opts.RSOnly && !strings.HasPrefix(id, "rs") {
			continue
		}

		gtIdx := formatIndex(fields[8], "GT")
		if gtIdx < 0 {
			return nil, 0, &FormatError{Path: path, Line: line, Message: "FORMAT has no GT field"}
		}
		calls := make([][]int, len(keepCol))
		altCount := make([]int, len(alts)+1)
		for i, col := range keepCol {
			if col >= len(fields) {
				return nil, 0, &FormatError{Path: path, Line: line, Message: "missing sample column"}
			}
			calls[i] = parseGT(sampleField(fields[col], gtIdx))
			for _, a := range calls[i] {
				if a > 0 && a < len(altCount) {
					altCount[a]++
				}
			}
		}
		alt := 1
		for a := 2; a < len(altCount); a++ {
			if altCount[a] > altCount[alt] {
				alt = a
			}
		}

		gts := make([]uint8, len(calls))
		for i, c := range calls {
			gts[i] = dosage(c, alt)
		}
		if id == "." || id == "" {
			id = fmt.Sprintf("%s:%d:%s:%s", chrom, pos, ref, alts[alt-1])
		}
		markers = append(markers, Marker{ID: id, Chrom: chrom, Pos: pos, Ref: ref, Alt: alts[alt-1], Genotypes: gts})
	}
	if err := sc.Err(); err != nil {
		return nil, 0, &IOError{Op: "read", Path: path, Err: err}
	}
	return markers, len(keepCol), nil
}

func passesQuality(qual, filter string, minQual float64) bool {
	if minQual <= 0 || filter == "PASS" {
		return true
	}
	q, err := strconv.ParseFloat(qual, 64)
	return err == nil && q >= minQual
}

func allSNV(ref string, alts []string) bool {
	if len(ref) != 1 || !isNucleotide(ref) {
		return false
	}
	for _, a := range alts {
		if len(a) != 1 || !isNucleotide(a) {
			return false
		}
	}
	return true
}

func formatIndex(format, key string) int {
	for i, k := range strings.Split(format, ":") {
		if k == key {
			return i
		}
	}
	return -1
}

func sampleField(sample string, idx int) string {
	parts := strings.Split(sample, ":")
	if idx >= len(parts) {
		return "."
	}
	return parts[idx]
}

// parseGT returns allele indices of a GT string; -1 marks a missing allele.
func parseGT(gt string) []int {
	parts := strings.FieldsFunc(gt, func(r rune) bool { return r == '/' || r == '|' })
	out := make([]int, len(parts))
	for i, p := range parts {
		a, err := strconv.Atoi(p)
		if err != nil {
			a = -1
		}
		out[i] = a
	}
	return out
}

func dosage(alleles []int, alt int) uint8 {
	if len(alleles) == 0 {
		return Missing
	}
	var d uint8
	for _, a := range alleles {
		if a < 0 {
			return Missing
		}
		if a == alt {
			d++
		}
	}
	if len(alleles) == 1 {
		d *= 2
	}
	if d > 2 {
		d = 2
	}
	return d
}
