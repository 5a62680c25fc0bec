package ldcache

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/inodb/genescore/internal/ld"
)

// Store persists a Cache as gob next to a metadata file recording the panel
// fingerprint it was computed from:
//
//	{dir}/ld.gob       (serialized matrices)
//	{dir}/ld.gob.meta  (panel fingerprint, entry count)
type Store struct {
	dir string
}

// NewStore creates a store in dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) gobPath() string {
	return filepath.Join(s.dir, "ld.gob")
}

func (s *Store) metaPath() string {
	return filepath.Join(s.dir, "ld.gob.meta")
}

// record is the serialized form of one cache entry.
type record struct {
	Namespace string
	ID        string
	IDs       []string
	Positions []int64
	MAF       []float64
	// Data holds the full row-major matrix.
	Data []float64
}

// Valid reports whether the stored cache was written for fingerprint.
func (s *Store) Valid(fingerprint string) bool {
	meta, err := s.readMeta()
	if err != nil {
		return false
	}
	if meta["fingerprint"] != fingerprint {
		return false
	}
	if _, err := os.Stat(s.gobPath()); err != nil {
		return false
	}
	return true
}

// Load reads the stored entries into c. The caller checks Valid first.
func (s *Store) Load(c *Cache) error {
	f, err := os.Open(s.gobPath())
	if err != nil {
		return fmt.Errorf("open ld cache: %w", err)
	}
	defer f.Close()

	var data []record
	if err := gob.NewDecoder(f).Decode(&data); err != nil {
		return fmt.Errorf("decode ld cache: %w", err)
	}
	for _, r := range data {
		n := len(r.IDs)
		if len(r.Data) != n*n || len(r.Positions) != n || len(r.MAF) != n {
			return fmt.Errorf("decode ld cache: entry %s/%s has inconsistent dimensions", r.Namespace, r.ID)
		}
		c.Put(r.Namespace, r.ID, &ld.Matrix{
			IDs:       r.IDs,
			Positions: r.Positions,
			MAF:       r.MAF,
			C:         mat.NewSymDense(n, r.Data),
		})
	}
	return nil
}

// Write serializes every entry of c together with its fingerprint.
func (s *Store) Write(c *Cache) error {
	c.mu.RLock()
	data := make([]record, 0, len(c.entries))
	for k, m := range c.entries {
		n := m.Dim()
		d := make([]float64, 0, n*n)
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				d = append(d, m.C.At(i, j))
			}
		}
		data = append(data, record{
			Namespace: k.namespace,
			ID:        k.id,
			IDs:       m.IDs,
			Positions: m.Positions,
			MAF:       m.MAF,
			Data:      d,
		})
	}
	fingerprint := c.fingerprint
	c.mu.RUnlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create ld cache dir: %w", err)
	}
	f, err := os.Create(s.gobPath())
	if err != nil {
		return fmt.Errorf("create ld cache: %w", err)
	}
	if err := gob.NewEncoder(f).Encode(data); err != nil {
		f.Close()
		os.Remove(s.gobPath())
		return fmt.Errorf("encode ld cache: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close ld cache: %w", err)
	}
	return s.writeMeta(fingerprint, len(data))
}

// Clear removes the stored files.
func (s *Store) Clear() {
	os.Remove(s.gobPath())
	os.Remove(s.metaPath())
}

func (s *Store) writeMeta(fingerprint string, entries int) error {
	lines := []string{
		"fingerprint=" + fingerprint,
		"entries=" + strconv.Itoa(entries),
		"created_at=" + time.Now().UTC().Format(time.RFC3339),
		"",
	}
	return os.WriteFile(s.metaPath(), []byte(strings.Join(lines, "\n")), 0o644)
}

func (s *Store) readMeta() (map[string]string, error) {
	data, err := os.ReadFile(s.metaPath())
	if err != nil {
		return nil, err
	}
	meta := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		if k, v, ok := strings.Cut(line, "="); ok {
			meta[k] = v
		}
	}
	return meta, nil
}
