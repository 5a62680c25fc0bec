package refpanel

import (
	"fmt"
	"iter"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/mmap"
)

// Partition is a read-only view of one chromosome of the panel.
type Partition struct {
	ix     *index
	arena  *mmap.ReaderAt
	prefix string

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// OpenPartition opens the partition of chrom under prefix. It returns an error
// wrapping ErrNotFound when the index file does not exist.
func OpenPartition(prefix, chrom string) (*Partition, error) {
	idxPath := IndexPath(prefix, chrom)
	data, err := os.ReadFile(idxPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("open partition %s: %w", idxPath, ErrNotFound)
		}
		return nil, &IOError{Op: "read", Path: idxPath, Err: err}
	}
	ix, err := unmarshalIndex(data)
	if err != nil {
		return nil, fmt.Errorf("load index %s: %w", idxPath, err)
	}

	dbPath := ArenaPath(prefix, chrom)
	arena, err := mmap.Open(dbPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("open arena %s: %w", dbPath, ErrNotFound)
		}
		return nil, &IOError{Op: "mmap", Path: dbPath, Err: err}
	}
	hdr := make([]byte, arenaHdrSize)
	if _, err := arena.ReadAt(hdr, 0); err != nil {
		arena.Close()
		return nil, &IOError{Op: "read", Path: dbPath, Err: err}
	}
	samples, err := decodeArenaHeader(hdr)
	if err != nil {
		arena.Close()
		return nil, fmt.Errorf("open arena %s: %w", dbPath, err)
	}
	if samples != ix.samples {
		arena.Close()
		return nil, fmt.Errorf("open arena %s: %w: %d samples, index has %d", dbPath, ErrCorrupt, samples, ix.samples)
	}

	return &Partition{ix: ix, arena: arena, prefix: prefix}, nil
}

// Chrom returns the chromosome name of the partition.
func (p *Partition) Chrom() string { return p.ix.chrom }

// Samples returns the number of panel samples.
func (p *Partition) Samples() int { return p.ix.samples }

// Len returns the number of markers.
func (p *Partition) Len() int { return p.ix.len() }

func (p *Partition) marker(row int) Marker {
	return Marker{
		ID:    p.ix.ids[row],
		Chrom: p.ix.chrom,
		Pos:   p.ix.pos[row],
		Ref:   p.ix.ref[row],
		Alt:   p.ix.alt[row],
		MAF:   float64(p.ix.maf[row]),
		row:   row,
	}
}

// LookupByID returns the marker with the given ID including its genotypes.
func (p *Partition) LookupByID(id string) (Marker, error) {
	row, ok := p.rowOf(id)
	if !ok {
		return Marker{}, fmt.Errorf("marker %s on chr%s: %w", id, p.ix.chrom, ErrNotFound)
	}
	m := p.marker(row)
	g, err := p.readGenotypes(row)
	if err != nil {
		return Marker{}, err
	}
	m.Genotypes = g
	return m, nil
}

func (p *Partition) rowOf(id string) (int, bool) {
	ix := p.ix
	i := sort.Search(len(ix.byID), func(i int) bool {
		return ix.ids[ix.byID[i]] >= id
	})
	if i < len(ix.byID) && ix.ids[ix.byID[i]] == id {
		return int(ix.byID[i]), true
	}
	return 0, false
}

// Range returns the markers with start <= Pos <= end in position order.
// Genotypes are not loaded.
func (p *Partition) Range(start, end int64) []Marker {
	if start > end {
		return nil
	}
	pos := p.ix.pos
	lo := sort.Search(len(pos), func(i int) bool { return pos[i] >= start })
	var out []Marker
	for i := lo; i < len(pos) && pos[i] <= end; i++ {
		out = append(out, p.marker(i))
	}
	return out
}

// Genotypes loads the dosages of a marker previously returned by this
// partition.
func (p *Partition) Genotypes(m Marker) ([]uint8, error) {
	row := m.row
	if row < 0 || row >= p.ix.len() || p.ix.ids[row] != m.ID {
		var ok bool
		if row, ok = p.rowOf(m.ID); !ok {
			return nil, fmt.Errorf("marker %s on chr%s: %w", m.ID, p.ix.chrom, ErrNotFound)
		}
	}
	return p.readGenotypes(row)
}

func (p *Partition) readGenotypes(row int) ([]uint8, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	buf := make([]byte, p.ix.length[row])
	if _, err := p.arena.ReadAt(buf, int64(p.ix.off[row])); err != nil {
		return nil, &IOError{Op: "read", Path: ArenaPath(p.prefix, p.ix.chrom), Err: err}
	}
	return unpackGenotypes(buf, p.ix.samples), nil
}

// SortedKeys yields marker IDs in position order. The sequence can be ranged
// over any number of times.
func (p *Partition) SortedKeys() iter.Seq[string] {
	return func(yield func(string) bool) {
		for _, id := range p.ix.ids {
			if !yield(id) {
				return
			}
		}
	}
}

// Close releases the memory map. It is safe to call more than once.
func (p *Partition) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.closeErr = p.arena.Close()
	})
	return p.closeErr
}
