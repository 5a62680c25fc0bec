// Package ld builds linkage disequilibrium (marker correlation) matrices for
// gene windows from reference panel genotypes.
package ld

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/inodb/genescore/internal/genome"
	"github.com/inodb/genescore/internal/refpanel"
)

// ErrEmptyWindow is returned when no marker of a window survives filtering.
var ErrEmptyWindow = errors.New("empty window")

// psdTolerance is the most negative eigenvalue accepted without projecting
// the matrix back onto the positive semi-definite cone.
const psdTolerance = -1e-8

// MarkerSource provides panel markers and their genotypes. *refpanel.Panel
// implements it.
type MarkerSource interface {
	Range(chrom string, start, end int64) ([]refpanel.Marker, error)
	Genotypes(m refpanel.Marker) ([]uint8, error)
}

// Options control marker filtering.
type Options struct {
	// MergeDistance drops markers closer than this many bases to the previous
	// kept marker. Zero disables merging.
	MergeDistance int64
	// MAFCutoff drops markers with a minor allele frequency below it.
	MAFCutoff float64
}

// Matrix is the correlation matrix of the markers of one window.
type Matrix struct {
	IDs       []string
	Positions []int64
	MAF       []float64
	C         *mat.SymDense
}

// Dim returns the number of markers.
func (m *Matrix) Dim() int { return len(m.IDs) }

// Index returns the row of id, or -1.
func (m *Matrix) Index(id string) int {
	for i, x := range m.IDs {
		if x == id {
			return i
		}
	}
	return -1
}

// Builder computes correlation matrices. It holds no per-window state and is
// safe for concurrent use when its source is.
type Builder struct {
	src  MarkerSource
	opts Options
}

// NewBuilder creates a builder over src.
func NewBuilder(src MarkerSource, opts Options) *Builder {
	return &Builder{src: src, opts: opts}
}

// Options returns the filtering options.
func (b *Builder) Options() Options { return b.opts }

// Build resolves the markers of w, keeps those accepted by keep (nil keeps
// all), applies the merge, MAF and variance filters and returns the
// correlation matrix of the survivors. The IDs accepted by keep are recorded
// in w.Markers. Markers passed to keep carry no genotypes.
func (b *Builder) Build(w *genome.Window, keep func(m refpanel.Marker) bool) (*Matrix, error) {
	markers, err := b.src.Range(w.Chrom, w.Start, w.End)
	if err != nil {
		return nil, fmt.Errorf("resolve window %s: %w", w.GeneID, err)
	}

	resolved := markers[:0:0]
	for _, m := range markers {
		if keep == nil || keep(m) {
			resolved = append(resolved, m)
		}
	}
	w.Markers = make([]string, len(resolved))
	for i, m := range resolved {
		w.Markers[i] = m.ID
	}
	return b.build(w.GeneID, resolved)
}

// BuildMarkers returns the correlation matrix of an explicit marker list,
// such as markers mapped to a gene from outside its window. Markers are
// ordered by chromosome and position and the merge, MAF and variance filters
// apply as in Build.
func (b *Builder) BuildMarkers(id string, markers []refpanel.Marker) (*Matrix, error) {
	sorted := append([]refpanel.Marker(nil), markers...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Chrom != sorted[j].Chrom {
			return sorted[i].Chrom < sorted[j].Chrom
		}
		return sorted[i].Pos < sorted[j].Pos
	})
	return b.build(id, sorted)
}

func (b *Builder) build(id string, resolved []refpanel.Marker) (*Matrix, error) {
	merged := resolved[:0:0]
	for _, m := range resolved {
		if b.opts.MergeDistance > 0 && len(merged) > 0 {
			prev := merged[len(merged)-1]
			if prev.Chrom == m.Chrom && m.Pos-prev.Pos < b.opts.MergeDistance {
				continue
			}
		}
		merged = append(merged, m)
	}

	out := &Matrix{}
	var rows [][]float64
	for _, m := range merged {
		if m.MAF < b.opts.MAFCutoff {
			continue
		}
		g, err := b.src.Genotypes(m)
		if err != nil {
			return nil, fmt.Errorf("load genotypes %s: %w", m.ID, err)
		}
		x, ok := standardize(g)
		if !ok {
			continue
		}
		rows = append(rows, x)
		out.IDs = append(out.IDs, m.ID)
		out.Positions = append(out.Positions, m.Pos)
		out.MAF = append(out.MAF, m.MAF)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("gene %s: %w", id, ErrEmptyWindow)
	}

	out.C = correlate(rows)
	return out, nil
}

// standardize centres the dosages of one marker, imputes missing calls by the
// mean and scales to unit Euclidean norm, so that the dot product of two
// vectors is their Pearson correlation. It reports false for markers without
// variance.
func standardize(g []uint8) ([]float64, bool) {
	obs := make([]float64, 0, len(g))
	for _, d := range g {
		if d != refpanel.Missing {
			obs = append(obs, float64(d))
		}
	}
	if len(obs) < 2 {
		return nil, false
	}
	mean, sd := stat.MeanStdDev(obs, nil)
	if sd == 0 || math.IsNaN(sd) {
		return nil, false
	}

	x := make([]float64, len(g))
	for i, d := range g {
		if d != refpanel.Missing {
			x[i] = float64(d) - mean
		}
	}
	n := floats.Norm(x, 2)
	if n == 0 {
		return nil, false
	}
	floats.Scale(1/n, x)
	return x, true
}

// correlate returns X·Xᵀ for unit-norm rows, clipped to [-1, 1] with a unit
// diagonal and projected onto the PSD cone when needed.
func correlate(rows [][]float64) *mat.SymDense {
	k, n := len(rows), len(rows[0])
	x := mat.NewDense(k, n, nil)
	for i, r := range rows {
		x.SetRow(i, r)
	}
	c := mat.NewSymDense(k, nil)
	c.SymOuterK(1, x)
	normalize(c)

	if k > 1 {
		c = nearestPSD(c)
	}
	return c
}

func normalize(c *mat.SymDense) {
	k := c.SymmetricDim()
	for i := 0; i < k; i++ {
		c.SetSym(i, i, 1)
		for j := i + 1; j < k; j++ {
			v := c.At(i, j)
			c.SetSym(i, j, math.Max(-1, math.Min(1, v)))
		}
	}
}

// nearestPSD zeroes negative eigenvalues below the tolerance and rescales the
// reconstruction to unit diagonal. The input is returned unchanged when it is
// already positive semi-definite within tolerance.
func nearestPSD(c *mat.SymDense) *mat.SymDense {
	var es mat.EigenSym
	if !es.Factorize(c, true) {
		return c
	}
	vals := es.Values(nil)
	if floats.Min(vals) >= psdTolerance {
		return c
	}

	var v mat.Dense
	es.VectorsTo(&v)
	k := len(vals)
	for i := range vals {
		vals[i] = math.Max(vals[i], 0)
	}
	var vl mat.Dense
	vl.Mul(&v, mat.NewDiagDense(k, vals))
	var r mat.Dense
	r.Mul(&vl, v.T())

	out := mat.NewSymDense(k, nil)
	for i := 0; i < k; i++ {
		for j := i; j < k; j++ {
			d := math.Sqrt(r.At(i, i) * r.At(j, j))
			if d == 0 {
				if i == j {
					out.SetSym(i, j, 1)
				}
				continue
			}
			out.SetSym(i, j, r.At(i, j)/d)
		}
	}
	normalize(out)
	return out
}
