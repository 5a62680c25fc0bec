// Package genome loads gene annotations and derives the genomic windows that
// gene scores are computed over.
package genome

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/inodb/genescore/internal/refpanel"
	"github.com/inodb/genescore/internal/textio"
)

// Gene is an annotated gene span. Coordinates are 1-based inclusive.
type Gene struct {
	ID     string
	Symbol string
	Chrom  string
	Start  int64
	End    int64
	Strand int8 // +1, -1 or 0 when unknown
}

// Window is the genomic span scored for a gene: the gene body extended by a
// fixed number of bases on both sides. Markers is filled in when the window is
// resolved against a reference panel.
type Window struct {
	GeneID  string
	Chrom   string
	Start   int64
	End     int64
	Markers []string
}

// Window returns the gene span extended by ext bases on each side.
func (g *Gene) Window(ext int64) *Window {
	start := g.Start - ext
	if start < 0 {
		start = 0
	}
	return &Window{GeneID: g.ID, Chrom: g.Chrom, Start: start, End: g.End + ext}
}

// UnionWindow covers the windows of all genes, which must share a chromosome.
func UnionWindow(id string, genes []*Gene, ext int64) (*Window, error) {
	if len(genes) == 0 {
		return nil, fmt.Errorf("union window %s: no genes", id)
	}
	w := genes[0].Window(ext)
	w.GeneID = id
	for _, g := range genes[1:] {
		if g.Chrom != w.Chrom {
			return nil, fmt.Errorf("union window %s: genes on chr%s and chr%s", id, w.Chrom, g.Chrom)
		}
		gw := g.Window(ext)
		w.Start = min(w.Start, gw.Start)
		w.End = max(w.End, gw.End)
	}
	return w, nil
}

// FormatError reports a malformed annotation line.
type FormatError struct {
	Path    string
	Line    int
	Message string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Message)
}

// Columns maps annotation fields to 0-based column indices.
type Columns struct {
	ID     int
	Chrom  int
	Start  int
	End    int
	Strand int // -1 when absent
	Symbol int // -1 when absent
	Header bool
	// Delimiter splits fields; empty means any whitespace.
	Delimiter string
}

// DefaultColumns matches a tab-separated gene table with the columns
// id, chrom, start, end, strand, symbol and a header line.
func DefaultColumns() Columns {
	return Columns{ID: 0, Chrom: 1, Start: 2, End: 3, Strand: 4, Symbol: 5, Header: true, Delimiter: "\t"}
}

// Annotation is an immutable set of genes indexed by ID, symbol and chromosome.
type Annotation struct {
	genes    map[string]*Gene
	bySymbol map[string]*Gene
	byChrom  map[string][]*Gene
	trees    map[string]*IntervalTree
}

// mergeDistance bounds how far apart two rows with the same gene ID may be
// and still be merged into one span.
const mergeDistance = 1_000_000

// NewAnnotation indexes genes. Rows sharing an ID on the same chromosome
// within 1 Mb are merged into one span; a conflicting row is an error.
func NewAnnotation(genes []*Gene) (*Annotation, error) {
	a := &Annotation{
		genes:    make(map[string]*Gene, len(genes)),
		bySymbol: make(map[string]*Gene, len(genes)),
		byChrom:  make(map[string][]*Gene),
		trees:    make(map[string]*IntervalTree),
	}
	for _, g := range genes {
		if prev, ok := a.genes[g.ID]; ok {
			if prev.Chrom != g.Chrom || g.Start-prev.End > mergeDistance || prev.Start-g.End > mergeDistance {
				return nil, fmt.Errorf("gene %s annotated at conflicting loci chr%s:%d and chr%s:%d", g.ID, prev.Chrom, prev.Start, g.Chrom, g.Start)
			}
			prev.Start = min(prev.Start, g.Start)
			prev.End = max(prev.End, g.End)
			continue
		}
		cp := *g
		a.genes[g.ID] = &cp
	}
	for _, g := range a.genes {
		a.byChrom[g.Chrom] = append(a.byChrom[g.Chrom], g)
		if g.Symbol != "" {
			if _, dup := a.bySymbol[g.Symbol]; !dup {
				a.bySymbol[g.Symbol] = g
			}
		}
	}
	for c, gs := range a.byChrom {
		sort.Slice(gs, func(i, j int) bool {
			if gs[i].Start != gs[j].Start {
				return gs[i].Start < gs[j].Start
			}
			return gs[i].ID < gs[j].ID
		})
		a.trees[c] = BuildIntervalTree(gs)
	}
	return a, nil
}

// Gene returns a gene by ID or, failing that, by symbol.
func (a *Annotation) Gene(key string) (*Gene, bool) {
	if g, ok := a.genes[key]; ok {
		return g, true
	}
	g, ok := a.bySymbol[key]
	return g, ok
}

// Len returns the number of genes.
func (a *Annotation) Len() int { return len(a.genes) }

// Chromosomes returns the annotated chromosomes in numeric order.
func (a *Annotation) Chromosomes() []string {
	out := make([]string, 0, len(a.byChrom))
	for c := range a.byChrom {
		out = append(out, c)
	}
	refpanel.SortChroms(out)
	return out
}

// GenesOn returns the genes of chrom ordered by start.
func (a *Annotation) GenesOn(chrom string) []*Gene {
	return a.byChrom[refpanel.NormalizeChrom(chrom)]
}

// IDs returns all gene IDs ordered by chromosome and start.
func (a *Annotation) IDs() []string {
	var out []string
	for _, c := range a.Chromosomes() {
		for _, g := range a.byChrom[c] {
			out = append(out, g.ID)
		}
	}
	return out
}

// Overlapping returns the genes on chrom whose span intersects [start, end].
func (a *Annotation) Overlapping(chrom string, start, end int64) []*Gene {
	t, ok := a.trees[refpanel.NormalizeChrom(chrom)]
	if !ok {
		return nil
	}
	return t.FindOverlaps(start, end)
}

// LoadAnnotation reads a gene table.
func LoadAnnotation(path string, cols Columns) (*Annotation, error) {
	f, err := textio.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	need := max(cols.ID, cols.Chrom, cols.Start, cols.End, cols.Strand, cols.Symbol)
	var genes []*Gene
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

		start, err := strconv.ParseInt(fields[cols.Start], 10, 64)
		if err != nil {
			return nil, &FormatError{Path: path, Line: line, Message: fmt.Sprintf("invalid start %q", fields[cols.Start])}
		}
		end, err := strconv.ParseInt(fields[cols.End], 10, 64)
		if err != nil {
			return nil, &FormatError{Path: path, Line: line, Message: fmt.Sprintf("invalid end %q", fields[cols.End])}
		}
		if end < start {
			start, end = end, start
		}
		g := &Gene{
			ID:    fields[cols.ID],
			Chrom: refpanel.NormalizeChrom(fields[cols.Chrom]),
			Start: start,
			End:   end,
		}
		if cols.Symbol >= 0 {
			g.Symbol = fields[cols.Symbol]
		}
		if cols.Strand >= 0 {
			g.Strand = parseStrand(fields[cols.Strand])
		}
		genes = append(genes, g)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read annotation %s: %w", path, err)
	}
	return NewAnnotation(genes)
}

func parseStrand(s string) int8 {
	switch s {
	case "+", "1", "+1":
		return 1
	case "-", "-1":
		return -1
	}
	return 0
}
