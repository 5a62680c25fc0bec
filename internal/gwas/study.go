// Package gwas loads single-marker GWAS summary statistics and provides the
// per-marker transformations gene scoring needs: chi-square conversion, signed
// z-scores, rank normalisation and allele reconciliation between studies.
package gwas

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
	"sort"

	"github.com/inodb/genescore/internal/wchisq"
)

// Entry is the summary statistic of one marker in one study.
type Entry struct {
	P       float64 // 0 when the study carries no p-value for the marker
	Beta    float64
	SE      float64
	HasBeta bool
	HasSE   bool
	A1      string // effect (alt) allele, upper case
	A2      string // other (ref) allele, upper case
}

// HasAlleles reports whether both alleles are known.
func (e Entry) HasAlleles() bool {
	return e.A1 != "" && e.A2 != ""
}

// Chi2 returns the 1-df chi-square statistic of the marker: the upper
// quantile of P when present, otherwise (Beta/SE)².
func (e Entry) Chi2() float64 {
	if e.P > 0 {
		return wchisq.Chi2UpperInv(e.P, 1)
	}
	if e.HasBeta && e.HasSE && e.SE > 0 {
		z := e.Beta / e.SE
		return z * z
	}
	return 0
}

// Z returns the z-score signed by the direction of Beta. Entries without a
// beta are taken as positive.
func (e Entry) Z() float64 {
	z := math.Sqrt(e.Chi2())
	if e.HasBeta && e.Beta < 0 {
		return -z
	}
	return z
}

// Valid reports whether the entry yields a statistic.
func (e Entry) Valid() bool {
	return (e.P > 0 && e.P <= 1) || (e.HasBeta && e.HasSE && e.SE > 0)
}

// Study is a named set of summary statistics keyed by marker ID. A Study is
// not modified after loading; transformations return new studies.
type Study struct {
	Name    string
	MinP    float64
	Ranked  bool
	entries map[string]Entry
}

// NewStudy creates an empty study.
func NewStudy(name string) *Study {
	return &Study{Name: name, MinP: 1, entries: make(map[string]Entry)}
}

// Set stores the entry for id, replacing any previous one.
func (s *Study) Set(id string, e Entry) {
	s.entries[id] = e
	if e.P > 0 && e.P < s.MinP {
		s.MinP = e.P
	}
}

// Get returns the entry for id.
func (s *Study) Get(id string) (Entry, bool) {
	e, ok := s.entries[id]
	return e, ok
}

// Has reports whether the study has a statistic for id.
func (s *Study) Has(id string) bool {
	_, ok := s.entries[id]
	return ok
}

// Len returns the number of markers.
func (s *Study) Len() int { return len(s.entries) }

// IDs returns the marker IDs in lexical order.
func (s *Study) IDs() []string {
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Fingerprint identifies the markers of the study, their alleles and whether
// each carries a statistic. Two studies with equal fingerprints select the
// same markers from any window. Statistic values do not contribute.
func (s *Study) Fingerprint() string {
	h := fnv.New64a()
	var n uint64
	for _, id := range s.IDs() {
		e := s.entries[id]
		n++
		valid := byte('0')
		if e.Valid() {
			valid = '1'
		}
		h.Write([]byte(id))
		h.Write([]byte{0, valid, 0})
		h.Write([]byte(e.A1))
		h.Write([]byte{0})
		h.Write([]byte(e.A2))
		h.Write([]byte{'\n'})
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], n)
	h.Write(buf[:])
	return fmt.Sprintf("%016x", h.Sum64())
}

func (s *Study) derive(suffix string) *Study {
	out := NewStudy(s.Name + suffix)
	out.Ranked = s.Ranked
	return out
}

// Rank replaces every p-value by its normalised rank r/(n+1), r = 1 for the
// smallest p. Ties are broken by marker ID so the result is deterministic.
func Rank(s *Study) *Study {
	ids := s.IDs()
	out := s.derive("")
	rankInto(out, s, ids)
	return out
}

func rankInto(dst, src *Study, ids []string) {
	sort.SliceStable(ids, func(i, j int) bool {
		return src.entries[ids[i]].P < src.entries[ids[j]].P
	})
	n := float64(len(ids) + 1)
	for r, id := range ids {
		e := src.entries[id]
		e.P = float64(r+1) / n
		dst.Set(id, e)
	}
	dst.Ranked = true
}

// JointlyRank restricts both studies to their shared markers and rank
// normalises each over that common set.
func JointlyRank(a, b *Study) (*Study, *Study) {
	shared := make([]string, 0, min(a.Len(), b.Len()))
	for _, id := range a.IDs() {
		if b.Has(id) {
			shared = append(shared, id)
		}
	}
	ra, rb := a.derive(""), b.derive("")
	rankInto(ra, a, append([]string(nil), shared...))
	rankInto(rb, b, append([]string(nil), shared...))
	return ra, rb
}

// Alignment is the outcome of reconciling the alleles of one marker.
type Alignment int

const (
	Aligned    Alignment = iota // identical allele pairs, or alleles unknown
	Swapped                     // A1 and A2 exchanged; the effect direction flips
	Mismatched                  // allele pairs incompatible
)

// Align compares the allele pairs of two entries. Entries without alleles
// are treated as aligned.
func Align(a, b Entry) Alignment {
	if !a.HasAlleles() || !b.HasAlleles() {
		return Aligned
	}
	switch {
	case a.A1 == b.A1 && a.A2 == b.A2:
		return Aligned
	case a.A1 == b.A2 && a.A2 == b.A1:
		return Swapped
	}
	return Mismatched
}

// MatchStats summarises a MatchAlleles run.
type MatchStats struct {
	Common     int
	Flipped    int
	Mismatched int
}

// MatchAlleles restricts two studies to their common markers with compatible
// alleles. Swapped markers are kept in b with the beta sign flipped and the
// alleles exchanged; mismatched markers are removed from both.
func MatchAlleles(a, b *Study) (*Study, *Study, MatchStats) {
	var st MatchStats
	ma, mb := a.derive(""), b.derive("")
	for _, id := range a.IDs() {
		eb, ok := b.entries[id]
		if !ok {
			continue
		}
		st.Common++
		ea := a.entries[id]
		switch Align(ea, eb) {
		case Mismatched:
			st.Mismatched++
			continue
		case Swapped:
			st.Flipped++
			eb.Beta = -eb.Beta
			eb.A1, eb.A2 = eb.A2, eb.A1
		}
		ma.Set(id, ea)
		mb.Set(id, eb)
	}
	return ma, mb, st
}
