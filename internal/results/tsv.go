package results

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/inodb/genescore/internal/pathway"
	"github.com/inodb/genescore/internal/score"
	"github.com/inodb/genescore/internal/textio"
	"github.com/inodb/genescore/internal/wchisq"
)

var geneHeader = []string{
	"gene_id", "symbol", "chrom", "statistic", "p", "n_markers",
	"effective_df", "method", "status", "fallback", "reason",
}

var pathwayHeader = []string{
	"pathway_id", "statistic", "p", "n_genes", "n_permutations",
	"n_fused", "missing", "status", "reason",
}

// GeneWriter writes gene scores as a tab-separated table.
type GeneWriter struct {
	w *bufio.Writer
}

// NewGeneWriter creates a gene score writer.
func NewGeneWriter(w io.Writer) *GeneWriter {
	return &GeneWriter{w: bufio.NewWriter(w)}
}

// WriteHeader writes the header line.
func (gw *GeneWriter) WriteHeader() error {
	_, err := gw.w.WriteString(strings.Join(geneHeader, "\t") + "\n")
	return err
}

// Write writes a single gene score.
func (gw *GeneWriter) Write(r score.Result) error {
	fallback := "-"
	if r.FallbackUsed {
		fallback = "YES"
	}
	fields := []string{
		r.GeneID,
		orDash(r.Symbol),
		orDash(r.Chrom),
		formatFloat(r.Statistic),
		formatFloat(r.P),
		strconv.Itoa(r.NMarkers),
		strconv.Itoa(r.EffectiveDF),
		r.Method.String(),
		r.Status.String(),
		fallback,
		orDash(r.Reason),
	}
	_, err := gw.w.WriteString(strings.Join(fields, "\t") + "\n")
	return err
}

// Flush flushes any buffered data.
func (gw *GeneWriter) Flush() error {
	return gw.w.Flush()
}

// PathwayWriter writes gene-set scores as a tab-separated table.
type PathwayWriter struct {
	w *bufio.Writer
}

// NewPathwayWriter creates a gene-set score writer.
func NewPathwayWriter(w io.Writer) *PathwayWriter {
	return &PathwayWriter{w: bufio.NewWriter(w)}
}

// WriteHeader writes the header line.
func (pw *PathwayWriter) WriteHeader() error {
	_, err := pw.w.WriteString(strings.Join(pathwayHeader, "\t") + "\n")
	return err
}

// Write writes a single gene-set score.
func (pw *PathwayWriter) Write(r pathway.Result) error {
	fields := []string{
		r.PathwayID,
		formatFloat(r.Statistic),
		formatFloat(r.P),
		strconv.Itoa(r.NGenes),
		strconv.Itoa(r.NPermutations),
		strconv.Itoa(r.NFused),
		strconv.Itoa(r.Missing),
		r.Status.String(),
		orDash(r.Reason),
	}
	_, err := pw.w.WriteString(strings.Join(fields, "\t") + "\n")
	return err
}

// Flush flushes any buffered data.
func (pw *PathwayWriter) Flush() error {
	return pw.w.Flush()
}

func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return "NA"
	}
	return strconv.FormatFloat(v, 'g', 10, 64)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func fromDash(s string) string {
	if s == "-" {
		return ""
	}
	return s
}

// ReadGeneScores reads a table written by GeneWriter, for example to
// aggregate gene sets from an earlier run.
func ReadGeneScores(path string) ([]score.Result, error) {
	f, err := textio.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []score.Result
	sc := f.Scanner()
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if line == 1 {
			if !strings.HasPrefix(text, geneHeader[0]+"\t") {
				return nil, fmt.Errorf("%s:1: missing gene score header", path)
			}
			continue
		}
		if text == "" {
			continue
		}
		fields := strings.Split(text, "\t")
		if len(fields) != len(geneHeader) {
			return nil, fmt.Errorf("%s:%d: expected %d columns, got %d", path, line, len(geneHeader), len(fields))
		}
		r := score.Result{
			GeneID: fields[0],
			Symbol: fromDash(fields[1]),
			Chrom:  fromDash(fields[2]),
			Method: wchisq.ParseMethod(fields[7]),
			Status: score.ParseStatus(fields[8]),
			Reason: fromDash(fields[10]),
		}
		r.FallbackUsed = fields[9] == "YES"
		if r.Statistic, err = parseFloat(fields[3]); err != nil {
			return nil, fmt.Errorf("%s:%d: statistic: %w", path, line, err)
		}
		if r.P, err = parseFloat(fields[4]); err != nil {
			return nil, fmt.Errorf("%s:%d: p: %w", path, line, err)
		}
		if r.NMarkers, err = strconv.Atoi(fields[5]); err != nil {
			return nil, fmt.Errorf("%s:%d: n_markers: %w", path, line, err)
		}
		if r.EffectiveDF, err = strconv.Atoi(fields[6]); err != nil {
			return nil, fmt.Errorf("%s:%d: effective_df: %w", path, line, err)
		}
		r.State = score.StateScored
		if r.Status == score.StatusOmitted {
			r.State = score.StateFailed
		}
		out = append(out, r)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read gene scores %s: %w", path, err)
	}
	return out, nil
}

func parseFloat(s string) (float64, error) {
	if s == "NA" {
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}
