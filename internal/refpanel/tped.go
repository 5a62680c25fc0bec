package refpanel

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/inodb/genescore/internal/textio"
)

// ImportOptions filter raw genotype input.
type ImportOptions struct {
	// Keep restricts VCF import to these sample names. Empty keeps all.
	Keep map[string]bool
	// MinQual drops VCF records whose FILTER is not PASS and whose QUAL is
	// below the threshold. Zero or negative disables the check.
	MinQual float64
	// SNPOnly keeps only single-nucleotide variants.
	SNPOnly bool
	// RSOnly keeps only markers with rs identifiers.
	RSOnly bool
}

// ReadTPED reads a PLINK transposed genotype file for chrom. Rows are
//
//	chrom id cM pos a1 a2 a1 a2 ...
//
// with allele codes 1/2 or nucleotides and 0 for missing. The dosage stored is
// the count of the minor allele, which becomes Alt.
func ReadTPED(ctx context.Context, path, chrom string, opts ImportOptions) ([]Marker, int, error) {
	f, err := textio.Open(path)
	if err != nil {
		return nil, 0, &IOError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	chrom = NormalizeChrom(chrom)
	samples := -1
	var markers []Marker
	sc := f.Scanner()
	line := 0
	for sc.Scan() {
		line++
		if line%10000 == 0 && ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 6 || len(fields)%2 != 0 {
			return nil, 0, &FormatError{Path: path, Line: line, Message: fmt.Sprintf("expected 4 fixed columns and allele pairs, got %d fields", len(fields))}
		}
		n := (len(fields) - 4) / 2
		if samples < 0 {
			samples = n
		} else if n != samples {
			return nil, 0, &FormatError{Path: path, Line: line, Message: fmt.Sprintf("%d samples, expected %d", n, samples)}
		}
		if NormalizeChrom(fields[0]) != chrom {
			continue
		}
		id := fields[1]
		if opts.RSOnly && !strings.HasPrefix(id, "rs") {
			continue
		}
		pos, err := strconv.ParseInt(fields[3], 10, 64)
		if err != nil {
			return nil, 0, &FormatError{Path: path, Line: line, Message: fmt.Sprintf("invalid position %q", fields[3])}
		}

		m, ok := tpedMarker(id, chrom, pos, fields[4:], opts.SNPOnly)
		if ok {
			markers = append(markers, m)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, 0, &IOError{Op: "read", Path: path, Err: err}
	}
	if samples < 0 {
		samples = 0
	}
	return markers, samples, nil
}

// tpedMarker converts allele pairs to minor allele dosages. Sites with more
// than two alleles or a single observed allele are skipped.
func tpedMarker(id, chrom string, pos int64, calls []string, snpOnly bool) (Marker, bool) {
	counts := make(map[string]int, 2)
	var order []string
	for _, a := range calls {
		if a == "0" {
			continue
		}
		if _, ok := counts[a]; !ok {
			order = append(order, a)
		}
		counts[a]++
	}
	if len(order) != 2 {
		return Marker{}, false
	}
	major, minor := order[0], order[1]
	if counts[minor] > counts[major] {
		major, minor = minor, major
	}

	nucleotide := isNucleotide(major) && isNucleotide(minor)
	if snpOnly && nucleotide && (len(major) != 1 || len(minor) != 1) {
		return Marker{}, false
	}

	gts := make([]uint8, len(calls)/2)
	for i := range gts {
		a, b := calls[2*i], calls[2*i+1]
		if a == "0" || b == "0" {
			gts[i] = Missing
			continue
		}
		var d uint8
		if a == minor {
			d++
		}
		if b == minor {
			d++
		}
		gts[i] = d
	}

	m := Marker{ID: id, Chrom: chrom, Pos: pos, Genotypes: gts}
	if nucleotide {
		m.Ref, m.Alt = major, minor
	}
	return m, true
}

func isNucleotide(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		switch c {
		case 'A', 'C', 'G', 'T':
		default:
			return false
		}
	}
	return true
}
