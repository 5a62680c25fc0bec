package refpanel

import (
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Panel is a set of open chromosome partitions sharing one prefix.
type Panel struct {
	prefix     string
	partitions map[string]*Partition
}

// Open opens every partition found under prefix. It returns an error wrapping
// ErrNotFound when no partition index exists.
func Open(prefix string) (*Panel, error) {
	matches, err := filepath.Glob(prefix + ".chr*.idx")
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("reference panel %s: %w", prefix, ErrNotFound)
	}

	p := &Panel{prefix: prefix, partitions: make(map[string]*Partition, len(matches))}
	for _, m := range matches {
		chrom := strings.TrimSuffix(strings.TrimPrefix(m, prefix+".chr"), ".idx")
		part, err := OpenPartition(prefix, chrom)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.partitions[chrom] = part
	}
	return p, nil
}

// Chromosomes returns the chromosomes present in the panel, autosomes in
// numeric order first.
func (p *Panel) Chromosomes() []string {
	out := make([]string, 0, len(p.partitions))
	for c := range p.partitions {
		out = append(out, c)
	}
	SortChroms(out)
	return out
}

// SortChroms sorts chromosome names numerically where possible.
func SortChroms(chroms []string) {
	sort.Slice(chroms, func(i, j int) bool {
		a, errA := strconv.Atoi(chroms[i])
		b, errB := strconv.Atoi(chroms[j])
		switch {
		case errA == nil && errB == nil:
			return a < b
		case errA == nil:
			return true
		case errB == nil:
			return false
		}
		return chroms[i] < chroms[j]
	})
}

// Partition returns the partition of chrom.
func (p *Panel) Partition(chrom string) (*Partition, error) {
	part, ok := p.partitions[NormalizeChrom(chrom)]
	if !ok {
		return nil, fmt.Errorf("chromosome %s: %w", chrom, ErrNotFound)
	}
	return part, nil
}

// Samples returns the number of samples, or 0 for an empty panel.
func (p *Panel) Samples() int {
	for _, part := range p.partitions {
		return part.Samples()
	}
	return 0
}

// LookupByID finds a marker on the given chromosome.
func (p *Panel) LookupByID(chrom, id string) (Marker, error) {
	part, err := p.Partition(chrom)
	if err != nil {
		return Marker{}, err
	}
	return part.LookupByID(id)
}

// Lookup finds a marker on any chromosome.
func (p *Panel) Lookup(id string) (Marker, error) {
	for _, c := range p.Chromosomes() {
		m, err := p.partitions[c].LookupByID(id)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Marker{}, err
		}
	}
	return Marker{}, fmt.Errorf("marker %s: %w", id, ErrNotFound)
}

// Range returns the markers of chrom within [start, end]. A chromosome absent
// from the panel yields no markers.
func (p *Panel) Range(chrom string, start, end int64) ([]Marker, error) {
	part, ok := p.partitions[NormalizeChrom(chrom)]
	if !ok {
		return nil, nil
	}
	return part.Range(start, end), nil
}

// Genotypes loads the dosages of m.
func (p *Panel) Genotypes(m Marker) ([]uint8, error) {
	part, err := p.Partition(m.Chrom)
	if err != nil {
		return nil, err
	}
	return part.Genotypes(m)
}

// SortedKeys yields the marker IDs of chrom in position order.
func (p *Panel) SortedKeys(chrom string) iter.Seq[string] {
	part, ok := p.partitions[NormalizeChrom(chrom)]
	if !ok {
		return func(func(string) bool) {}
	}
	return part.SortedKeys()
}

// Close closes every partition. It is safe to call more than once.
func (p *Panel) Close() error {
	var errs []error
	for _, part := range p.partitions {
		if err := part.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FileFingerprint holds stat-based identity for a file.
type FileFingerprint struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// StatFile creates a FileFingerprint from an on-disk file.
func StatFile(path string) (FileFingerprint, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FileFingerprint{}, err
	}
	return FileFingerprint{
		Path:    path,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}, nil
}

// Fingerprint identifies the on-disk state of every partition file. Any
// rebuild of a partition changes the result.
func (p *Panel) Fingerprint() (string, error) {
	var parts []string
	for _, c := range p.Chromosomes() {
		for _, path := range []string{IndexPath(p.prefix, c), ArenaPath(p.prefix, c)} {
			fp, err := StatFile(path)
			if err != nil {
				return "", fmt.Errorf("fingerprint panel: %w", err)
			}
			parts = append(parts, fmt.Sprintf("%s:%d:%d", filepath.Base(fp.Path), fp.Size, fp.ModTime.UnixNano()))
		}
	}
	return strings.Join(parts, ";"), nil
}
