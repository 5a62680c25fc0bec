// Package pathway combines gene scores into gene-set scores.
package pathway

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"runtime"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/inodb/genescore/internal/config"
	"github.com/inodb/genescore/internal/genome"
	"github.com/inodb/genescore/internal/score"
	"github.com/inodb/genescore/internal/wchisq"
)

// ErrInsufficientGenes is returned for gene sets with fewer than MinGenes
// scored members.
var ErrInsufficientGenes = errors.New("insufficient genes")

// Mode selects the gene-set statistic.
type Mode int

const (
	// ModeRank sums χ²₁ quantiles of the members' rank-uniformised p-values
	// and tests against χ²_m.
	ModeRank Mode = iota
	// ModePermutation tests the rank statistic against random gene sets of
	// the same size.
	ModePermutation
	// ModeCauchy combines member p-values with the Cauchy transform.
	ModeCauchy
)

func (m Mode) String() string {
	switch m {
	case ModeRank:
		return config.PathwayRank
	case ModePermutation:
		return config.PathwayPermutation
	default:
		return config.PathwayCauchy
	}
}

// ParseMode parses a configured pathway mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case config.PathwayRank:
		return ModeRank, nil
	case config.PathwayPermutation:
		return ModePermutation, nil
	case config.PathwayCauchy:
		return ModeCauchy, nil
	}
	return 0, fmt.Errorf("unknown pathway mode %q", s)
}

// Options configure an Aggregator.
type Options struct {
	Mode         Mode
	Permutations int
	MinGenes     int
	// MergeOverlapping fuses members with overlapping windows into one unit
	// scored over their union window.
	MergeOverlapping bool
	// Window is the gene window extension used to decide overlap.
	Window  int64
	Seed    uint64
	Workers int
}

// NewOptions derives aggregator options from a run configuration.
func NewOptions(cfg config.Config) (Options, error) {
	mode, err := ParseMode(cfg.Pathway.Mode)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Mode:             mode,
		Permutations:     cfg.Pathway.Permutations,
		MinGenes:         cfg.Pathway.MinGenes,
		MergeOverlapping: cfg.Pathway.MergeOverlapping,
		Window:           cfg.Scoring.Window,
		Seed:             cfg.Pathway.Seed,
		Workers:          cfg.Scoring.Workers,
	}, nil
}

// FusedScorer rescores a group of genes over their union window.
// *score.Scorer and *score.CrossScorer implement it.
type FusedScorer interface {
	ScoreFused(ctx context.Context, id string, genes []*genome.Gene) (score.Result, error)
}

// Result is the score of one gene set.
type Result struct {
	PathwayID string
	Statistic float64
	// P is NaN for omitted sets.
	P float64
	// NGenes counts the scored units: single genes plus fused groups.
	NGenes        int
	NPermutations int
	// NFused counts the fused groups among the units.
	NFused int
	// Missing counts members without a usable score.
	Missing int
	Status  score.Status
	Reason  string
}

type unit struct {
	id    string
	p     float64
	fused bool
}

// Aggregator scores gene sets against a fixed population of gene scores.
// It is safe for concurrent use once constructed.
type Aggregator struct {
	opts   Options
	genes  *genome.Annotation
	scores map[string]score.Result
	sorted []float64 // scored population p-values, ascending
	chi    []float64 // rank statistic of each population gene
	fuser  FusedScorer
	logger *zap.Logger
}

// NewAggregator indexes the scored genes of results. Omitted results do not
// enter the population. A non-positive permutation count takes the
// configuration default.
func NewAggregator(genes *genome.Annotation, results []score.Result, opts Options) *Aggregator {
	if opts.MinGenes < 1 {
		opts.MinGenes = 1
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.Permutations <= 0 {
		opts.Permutations = config.Default().Pathway.Permutations
	}
	a := &Aggregator{
		opts:   opts,
		genes:  genes,
		scores: make(map[string]score.Result, len(results)),
		logger: zap.NewNop(),
	}
	for _, r := range results {
		if !r.Scored() || math.IsNaN(r.P) {
			continue
		}
		if _, dup := a.scores[r.GeneID]; dup {
			continue
		}
		a.scores[r.GeneID] = r
		a.sorted = append(a.sorted, r.P)
	}
	sort.Float64s(a.sorted)
	a.chi = make([]float64, len(a.sorted))
	for i, p := range a.sorted {
		a.chi[i] = a.rankChi(p)
	}
	return a
}

// SetLogger sets the logger for warning and info messages.
func (a *Aggregator) SetLogger(l *zap.Logger) {
	a.logger = l
}

// SetFuser sets the scorer used to rescore overlapping members when
// MergeOverlapping is enabled.
func (a *Aggregator) SetFuser(f FusedScorer) {
	a.fuser = f
}

// Population returns the number of scored genes sets are ranked against.
func (a *Aggregator) Population() int { return len(a.sorted) }

// rankChi maps p to the χ²₁ quantile of its rank among the population.
// Ties share the lowest rank.
func (a *Aggregator) rankChi(p float64) float64 {
	r := sort.SearchFloat64s(a.sorted, p) + 1
	u := float64(r) / float64(len(a.sorted)+1)
	return wchisq.Chi2UpperInv(u, 1)
}

// Score scores one gene set.
func (a *Aggregator) Score(ctx context.Context, set GeneSet) (Result, error) {
	res := Result{PathwayID: set.ID, P: math.NaN(), Status: score.StatusOmitted}
	if err := ctx.Err(); err != nil {
		res.Reason = score.ReasonCancelled
		return res, err
	}

	units, missing, err := a.units(ctx, set)
	res.Missing = missing
	if err != nil {
		res.Reason = err.Error()
		return res, err
	}
	for _, u := range units {
		if u.fused {
			res.NFused++
		}
	}
	res.NGenes = len(units)
	if len(units) < a.opts.MinGenes || len(a.sorted) == 0 {
		err := fmt.Errorf("gene set %s: %d of %d scored, need %d: %w", set.ID, len(units), len(set.Genes), a.opts.MinGenes, ErrInsufficientGenes)
		res.Reason = ErrInsufficientGenes.Error()
		return res, err
	}

	switch a.opts.Mode {
	case ModeCauchy:
		res.Statistic, res.P = cauchy(units)
	case ModePermutation:
		res.Statistic = a.rankStatistic(units)
		res.P = a.permute(set.ID, len(units), res.Statistic)
		res.NPermutations = a.opts.Permutations
	default:
		res.Statistic = a.rankStatistic(units)
		res.P = clamp(wchisq.Chi2Upper(res.Statistic, float64(len(units))))
	}
	res.Status = score.StatusSuccess
	res.Reason = ""
	return res, nil
}

// ScoreAll scores gene sets concurrently and returns the results in input
// order. Sets that cannot be scored are reported as omitted.
func (a *Aggregator) ScoreAll(ctx context.Context, sets []GeneSet) []Result {
	out := make([]Result, len(sets))
	var g errgroup.Group
	g.SetLimit(a.opts.Workers)
	for i, set := range sets {
		g.Go(func() error {
			r, err := a.Score(ctx, set)
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				a.logger.Warn("gene set omitted", zap.String("set", set.ID), zap.Error(err))
			}
			out[i] = r
			return nil
		})
	}
	g.Wait()

	var omitted int
	for _, r := range out {
		if r.Status == score.StatusOmitted {
			omitted++
		}
	}
	a.logger.Info("gene set scoring finished",
		zap.Int("sets", len(sets)),
		zap.Int("population", len(a.sorted)),
		zap.Int("omitted", omitted))
	return out
}

// units resolves the members of set into scored units, fusing overlapping
// members when enabled.
func (a *Aggregator) units(ctx context.Context, set GeneSet) ([]unit, int, error) {
	var (
		members []*genome.Gene
		units   []unit
		missing int
	)
	for _, key := range set.Genes {
		id := key
		g, ok := a.genes.Gene(key)
		if ok {
			id = g.ID
		}
		if _, scored := a.scores[id]; !scored {
			missing++
			continue
		}
		if ok && a.opts.MergeOverlapping && a.fuser != nil {
			members = append(members, g)
			continue
		}
		units = append(units, unit{id: id, p: a.scores[id].P})
	}

	for _, group := range a.groups(members) {
		if len(group) == 1 {
			units = append(units, unit{id: group[0].ID, p: a.scores[group[0].ID].P})
			continue
		}
		ids := make([]string, len(group))
		for i, g := range group {
			ids[i] = g.ID
		}
		fid := strings.Join(ids, "+")
		r, err := a.fuser.ScoreFused(ctx, fid, group)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, missing, err
			}
			a.logger.Warn("fused unit omitted", zap.String("set", set.ID), zap.String("unit", fid), zap.Error(err))
			missing += len(group)
			continue
		}
		units = append(units, unit{id: fid, p: r.P, fused: true})
	}
	return units, missing, nil
}

// groups partitions genes into connected components of overlapping windows.
// Components are returned in genome order.
func (a *Aggregator) groups(genes []*genome.Gene) [][]*genome.Gene {
	if len(genes) == 0 {
		return nil
	}
	idx := make(map[string]int, len(genes))
	for i, g := range genes {
		idx[g.ID] = i
	}
	parent := make([]int, len(genes))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}

	// Two windows overlap when one gene span reaches within 2·Window of the
	// other.
	ext := 2 * a.opts.Window
	for i, g := range genes {
		for _, h := range a.genes.Overlapping(g.Chrom, g.Start-ext, g.End+ext) {
			j, ok := idx[h.ID]
			if !ok || j == i {
				continue
			}
			parent[find(i)] = find(j)
		}
	}

	byRoot := make(map[int][]*genome.Gene)
	var roots []int
	for i, g := range genes {
		r := find(i)
		if _, ok := byRoot[r]; !ok {
			roots = append(roots, r)
		}
		byRoot[r] = append(byRoot[r], g)
	}
	out := make([][]*genome.Gene, 0, len(roots))
	for _, r := range roots {
		group := byRoot[r]
		sort.Slice(group, func(i, j int) bool {
			if group[i].Start != group[j].Start {
				return group[i].Start < group[j].Start
			}
			return group[i].ID < group[j].ID
		})
		out = append(out, group)
	}
	return out
}

func (a *Aggregator) rankStatistic(units []unit) float64 {
	var t float64
	for _, u := range units {
		t += a.rankChi(u.p)
	}
	return t
}

// permute compares t against the rank statistic of random gene sets of size
// m drawn without replacement from the population. The smallest reportable
// p-value is 1/(n+1).
func (a *Aggregator) permute(id string, m int, t float64) float64 {
	n := a.opts.Permutations
	if n <= 0 {
		return math.NaN()
	}
	m = min(m, len(a.chi))
	h := fnv.New64a()
	h.Write([]byte(id))
	rng := rand.New(rand.NewPCG(a.opts.Seed, h.Sum64()))

	pool := make([]int, len(a.chi))
	for i := range pool {
		pool[i] = i
	}
	var hits int
	for range n {
		var tt float64
		// Partial Fisher-Yates shuffle.
		for i := 0; i < m; i++ {
			j := i + rng.IntN(len(pool)-i)
			pool[i], pool[j] = pool[j], pool[i]
			tt += a.chi[pool[i]]
		}
		if tt >= t {
			hits++
		}
	}
	return float64(hits+1) / float64(n+1)
}

// cauchy returns the mean Cauchy transform of the unit p-values and its
// upper tail.
func cauchy(units []unit) (float64, float64) {
	var s float64
	for _, u := range units {
		p := math.Max(u.p, wchisq.MinP)
		s += math.Tan((0.5 - p) * math.Pi)
	}
	s /= float64(len(units))
	return s, clamp(0.5 - math.Atan(s)/math.Pi)
}

func clamp(p float64) float64 {
	return math.Min(1, math.Max(p, wchisq.MinP))
}
