package pathway

import (
	"fmt"
	"strings"

	"github.com/inodb/genescore/internal/textio"
)

// GeneSet is a named set of genes scored jointly.
type GeneSet struct {
	ID          string
	Description string
	Genes       []string
}

// FormatError reports a malformed gene-set line.
type FormatError struct {
	Path    string
	Line    int
	Message string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Message)
}

// LoadGMT reads gene sets in GMT format: one set per tab-separated line with
// the set ID, a description and the member genes. Duplicate members are
// dropped; a repeated set ID is an error.
func LoadGMT(path string) ([]GeneSet, error) {
	f, err := textio.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var sets []GeneSet
	seen := make(map[string]int)
	sc := f.Scanner()
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimRight(sc.Text(), "\r")
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Split(text, "\t")
		if len(fields) < 3 {
			return nil, &FormatError{Path: path, Line: line, Message: fmt.Sprintf("expected set id, description and genes, got %d columns", len(fields))}
		}
		id := strings.TrimSpace(fields[0])
		if id == "" {
			return nil, &FormatError{Path: path, Line: line, Message: "empty set id"}
		}
		if prev, dup := seen[id]; dup {
			return nil, &FormatError{Path: path, Line: line, Message: fmt.Sprintf("set %s already defined on line %d", id, prev)}
		}
		seen[id] = line

		gs := GeneSet{ID: id, Description: fields[1]}
		members := make(map[string]bool, len(fields)-2)
		for _, g := range fields[2:] {
			g = strings.TrimSpace(g)
			if g == "" || members[g] {
				continue
			}
			members[g] = true
			gs.Genes = append(gs.Genes, g)
		}
		sets = append(sets, gs)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read gene sets %s: %w", path, err)
	}
	return sets, nil
}
