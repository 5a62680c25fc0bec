package gwas

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/inodb/genescore/internal/textio"
	"github.com/inodb/genescore/internal/wchisq"
)

// FormatError reports a malformed summary statistics line.
type FormatError struct {
	Path    string
	Line    int
	Message string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Message)
}

// Columns describes the layout of a summary statistics file. Column indices
// are 0-based; -1 marks an absent column.
type Columns struct {
	ID   int
	P    int
	Beta int
	SE   int
	A1   int
	A2   int

	// Delimiter splits fields; empty means any whitespace.
	Delimiter string
	Header    bool
	// NA marks a missing value. A missing p falls back to (beta/se)²; rows
	// with neither are skipped.
	NA string
	// Threshold keeps only rows with p < Threshold.
	Threshold float64
	// MinP clamps p-values from below.
	MinP float64
	// Log10P means the p column holds -log10(p).
	Log10P bool
	// SNPOnly keeps only rows whose alleles are single bases. It has no effect
	// without allele columns.
	SNPOnly bool
	// Rank replaces the p-values by their normalised ranks after loading.
	Rank bool
}

// DefaultColumns matches a whitespace-separated "id p beta" file without a
// header.
func DefaultColumns() Columns {
	return Columns{
		ID: 0, P: 1, Beta: 2, SE: -1, A1: -1, A2: -1,
		NA:        "n/a",
		Threshold: 1,
		MinP:      wchisq.MinP,
	}
}

// Load reads a plain or gzip-compressed summary statistics file into a study
// named name. Rows without a usable statistic are skipped; a row whose
// numeric fields cannot be parsed is a *FormatError.
func Load(path, name string, cols Columns) (*Study, error) {
	if cols.P < 0 && (cols.Beta < 0 || cols.SE < 0) {
		return nil, fmt.Errorf("load %s: need a p column or both beta and se columns", path)
	}
	f, err := textio.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	need := max(cols.ID, cols.P, cols.Beta, cols.SE, cols.A1, cols.A2)
	withAlleles := cols.A1 >= 0 && cols.A2 >= 0
	minP := max(cols.MinP, wchisq.MinP)
	threshold := cols.Threshold
	if threshold <= 0 {
		threshold = 1
	}

	s := NewStudy(name)
	sc := f.Scanner()
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if line == 1 && cols.Header {
			continue
		}
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var fields []string
		if cols.Delimiter == "" {
			fields = strings.Fields(text)
		} else {
			fields = strings.Split(text, cols.Delimiter)
		}
		if len(fields) <= need {
			return nil, &FormatError{Path: path, Line: line, Message: fmt.Sprintf("expected at least %d columns, got %d", need+1, len(fields))}
		}

		var e Entry
		if cols.Beta >= 0 && fields[cols.Beta] != cols.NA {
			if e.Beta, err = parseFloat(fields[cols.Beta]); err != nil {
				return nil, &FormatError{Path: path, Line: line, Message: fmt.Sprintf("invalid beta %q", fields[cols.Beta])}
			}
			e.HasBeta = true
		}
		if cols.SE >= 0 && fields[cols.SE] != cols.NA {
			if e.SE, err = parseFloat(fields[cols.SE]); err != nil {
				return nil, &FormatError{Path: path, Line: line, Message: fmt.Sprintf("invalid se %q", fields[cols.SE])}
			}
			e.HasSE = true
		}

		if cols.P >= 0 && fields[cols.P] != cols.NA {
			p, err := parseFloat(fields[cols.P])
			if err != nil {
				return nil, &FormatError{Path: path, Line: line, Message: fmt.Sprintf("invalid p-value %q", fields[cols.P])}
			}
			if cols.Log10P {
				p = math.Pow(10, -p)
			}
			if !(p > 0 && p < 1 && p < threshold) {
				continue
			}
			e.P = max(p, minP)
		} else {
			if !e.HasBeta || !e.HasSE || e.SE <= 0 {
				continue
			}
			p := wchisq.Chi2Upper(e.Chi2(), 1)
			if p >= threshold {
				continue
			}
			e.P = max(p, minP)
		}

		if withAlleles {
			e.A1 = strings.ToUpper(fields[cols.A1])
			e.A2 = strings.ToUpper(fields[cols.A2])
			if cols.SNPOnly && (len(e.A1) != 1 || len(e.A2) != 1) {
				continue
			}
		}
		s.Set(fields[cols.ID], e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read summary statistics %s: %w", path, err)
	}

	if cols.Rank {
		s = Rank(s)
	}
	return s, nil
}

func parseFloat(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	return v, nil
}

// LoadWeights reads per-marker weights from a whitespace-separated
// "id weight" file. Lines starting with '#' are skipped.
func LoadWeights(path string) (map[string]float64, error) {
	f, err := textio.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	w := make(map[string]float64)
	sc := f.Scanner()
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		if len(fields) < 2 {
			return nil, &FormatError{Path: path, Line: line, Message: "expected marker id and weight"}
		}
		v, err := parseFloat(fields[1])
		if err != nil || math.IsInf(v, 0) {
			return nil, &FormatError{Path: path, Line: line, Message: fmt.Sprintf("invalid weight %q", fields[1])}
		}
		w[fields[0]] = v
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read weights %s: %w", path, err)
	}
	return w, nil
}
