package refpanel

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// BuildStats summarizes a partition build.
type BuildStats struct {
	Chrom       string
	Samples     int
	Markers     int
	Duplicates  int
	Monomorphic int
}

// ArenaPath returns the genotype arena path of a chromosome partition.
func ArenaPath(prefix, chrom string) string {
	return fmt.Sprintf("%s.chr%s.db", prefix, NormalizeChrom(chrom))
}

// IndexPath returns the index path of a chromosome partition.
func IndexPath(prefix, chrom string) string {
	return fmt.Sprintf("%s.chr%s.idx", prefix, NormalizeChrom(chrom))
}

// Build writes one chromosome partition from markers. Markers are sorted by
// position, monomorphic markers are dropped and, when an ID occurs more than
// once, the copy with the lower MAF is kept. Every marker must carry exactly
// samples genotypes. Files are written to temporary names and renamed into
// place, so a failed build never leaves a partial partition behind.
func Build(prefix, chrom string, samples int, markers []Marker) (BuildStats, error) {
	chrom = NormalizeChrom(chrom)
	stats := BuildStats{Chrom: chrom, Samples: samples}

	kept := make([]Marker, 0, len(markers))
	byID := make(map[string]int, len(markers))
	for _, m := range markers {
		if len(m.Genotypes) != samples {
			return stats, &FormatError{
				Path:    IndexPath(prefix, chrom),
				Message: fmt.Sprintf("marker %s has %d genotypes, expected %d", m.ID, len(m.Genotypes), samples),
			}
		}
		if !polymorphic(m.Genotypes) {
			stats.Monomorphic++
			continue
		}
		m.Chrom = chrom
		m.MAF = minorAlleleFrequency(m.Genotypes)
		if i, ok := byID[m.ID]; ok {
			stats.Duplicates++
			if m.MAF < kept[i].MAF {
				kept[i] = m
			}
			continue
		}
		byID[m.ID] = len(kept)
		kept = append(kept, m)
	}

	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].Pos != kept[j].Pos {
			return kept[i].Pos < kept[j].Pos
		}
		return kept[i].ID < kept[j].ID
	})
	stats.Markers = len(kept)

	if dir := filepath.Dir(prefix); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return stats, &IOError{Op: "create", Path: dir, Err: err}
		}
	}

	ix, err := writeArena(ArenaPath(prefix, chrom), samples, kept)
	if err != nil {
		return stats, err
	}
	ix.chrom = chrom
	if err := writeIndex(IndexPath(prefix, chrom), ix); err != nil {
		os.Remove(ArenaPath(prefix, chrom))
		return stats, err
	}
	return stats, nil
}

func writeArena(path string, samples int, markers []Marker) (*index, error) {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return nil, &IOError{Op: "create", Path: tmp, Err: err}
	}
	fail := func(err error) (*index, error) {
		f.Close()
		os.Remove(tmp)
		return nil, &IOError{Op: "write", Path: tmp, Err: err}
	}

	n := len(markers)
	ix := &index{
		samples: samples,
		pos:     make([]int64, n),
		off:     make([]uint64, n),
		length:  make([]uint32, n),
		maf:     make([]float32, n),
		ids:     make([]string, n),
		ref:     make([]string, n),
		alt:     make([]string, n),
		byID:    make([]uint32, n),
	}

	w := bufio.NewWriter(f)
	if _, err := w.Write(encodeArenaHeader(samples)); err != nil {
		return fail(err)
	}
	offset := uint64(arenaHdrSize)
	for i, m := range markers {
		rec := packGenotypes(m.Genotypes)
		if _, err := w.Write(rec); err != nil {
			return fail(err)
		}
		ix.pos[i] = m.Pos
		ix.off[i] = offset
		ix.length[i] = uint32(len(rec))
		ix.maf[i] = float32(m.MAF)
		ix.ids[i] = m.ID
		ix.ref[i] = m.Ref
		ix.alt[i] = m.Alt
		ix.byID[i] = uint32(i)
		offset += uint64(len(rec))
	}
	if err := w.Flush(); err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return nil, &IOError{Op: "close", Path: tmp, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, &IOError{Op: "rename", Path: path, Err: err}
	}

	sort.Slice(ix.byID, func(a, b int) bool {
		return ix.ids[ix.byID[a]] < ix.ids[ix.byID[b]]
	})
	return ix, nil
}

func writeIndex(path string, ix *index) error {
	data, err := ix.marshal()
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		os.Remove(tmp)
		return &IOError{Op: "write", Path: tmp, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return &IOError{Op: "rename", Path: path, Err: err}
	}
	return nil
}
