package gwas

import (
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/inodb/genescore/internal/textio"
)

// MappingColumns describes the layout of a gene to marker mapping file.
// Column indices are 0-based; -1 marks an absent column.
type MappingColumns struct {
	Gene   int
	Marker int
	// Weight holds a per-row weight. Without it every mapped marker weighs 1.
	Weight int

	// Delimiter splits fields; empty means any whitespace.
	Delimiter string
	Header    bool
	// PFilter keeps only rows whose weight is below it. Zero disables the
	// filter; it has no effect without a weight column.
	PFilter float64
}

// DefaultMappingColumns matches a whitespace-separated "gene marker" file
// without a header.
func DefaultMappingColumns() MappingColumns {
	return MappingColumns{Gene: 0, Marker: 1, Weight: -1}
}

// MappedMarker is one marker assigned to a gene.
type MappedMarker struct {
	ID     string
	Weight float64
}

// Mapping assigns markers to genes independently of their position, for
// example from eQTL or chromatin contact data. Gene keys are IDs or symbols
// as they appear in the file.
type Mapping struct {
	genes    map[string][]MappedMarker
	weighted bool
}

// NewMapping creates an empty mapping.
func NewMapping() *Mapping {
	return &Mapping{genes: make(map[string][]MappedMarker)}
}

// Add assigns marker to gene. A marker already mapped to the gene keeps its
// first weight.
func (m *Mapping) Add(gene string, mm MappedMarker) {
	for _, x := range m.genes[gene] {
		if x.ID == mm.ID {
			return
		}
	}
	if mm.Weight != 1 {
		m.weighted = true
	}
	m.genes[gene] = append(m.genes[gene], mm)
}

// Markers returns the markers mapped to gene, in file order.
func (m *Mapping) Markers(gene string) []MappedMarker {
	return m.genes[gene]
}

// Genes returns the mapped gene keys in lexical order.
func (m *Mapping) Genes() []string {
	keys := make([]string, 0, len(m.genes))
	for k := range m.genes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of mapped genes.
func (m *Mapping) Len() int { return len(m.genes) }

// Weighted reports whether any mapped marker has a weight other than 1.
func (m *Mapping) Weighted() bool { return m.weighted }

// Fingerprint identifies the gene to marker assignments and their weights.
func (m *Mapping) Fingerprint() string {
	h := fnv.New64a()
	for _, g := range m.Genes() {
		h.Write([]byte(g))
		h.Write([]byte{0})
		for _, mm := range m.genes[g] {
			h.Write([]byte(mm.ID))
			h.Write([]byte{0})
			h.Write([]byte(strconv.FormatFloat(mm.Weight, 'g', -1, 64)))
			h.Write([]byte{0})
		}
		h.Write([]byte{'\n'})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// LoadMapping reads a plain or gzip-compressed gene to marker mapping. Lines
// starting with '#' are skipped; a row with too few fields or an unparsable
// weight is a *FormatError.
func LoadMapping(path string, cols MappingColumns) (*Mapping, error) {
	if cols.Gene < 0 || cols.Marker < 0 {
		return nil, fmt.Errorf("load %s: need gene and marker columns", path)
	}
	f, err := textio.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	need := max(cols.Gene, cols.Marker, cols.Weight) + 1
	m := NewMapping()
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
		if len(fields) < need {
			return nil, &FormatError{Path: path, Line: line, Message: fmt.Sprintf("expected at least %d fields, got %d", need, len(fields))}
		}
		gene := strings.TrimSpace(fields[cols.Gene])
		marker := strings.TrimSpace(fields[cols.Marker])
		if gene == "" || marker == "" {
			return nil, &FormatError{Path: path, Line: line, Message: "empty gene or marker"}
		}
		w := 1.0
		if cols.Weight >= 0 {
			v, err := parseFloat(strings.TrimSpace(fields[cols.Weight]))
			if err != nil || math.IsInf(v, 0) {
				return nil, &FormatError{Path: path, Line: line, Message: fmt.Sprintf("invalid weight %q", fields[cols.Weight])}
			}
			if cols.PFilter > 0 && v >= cols.PFilter {
				continue
			}
			w = v
		}
		m.Add(gene, MappedMarker{ID: marker, Weight: w})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read mapping %s: %w", path, err)
	}
	return m, nil
}
