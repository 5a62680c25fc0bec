package refpanel

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a marker, chromosome or panel is absent.
	ErrNotFound = errors.New("refpanel: not found")
	// ErrClosed is returned by reads on a closed partition.
	ErrClosed = errors.New("refpanel: partition closed")
	// ErrCorrupt is returned when an index fails its integrity checks.
	ErrCorrupt = errors.New("refpanel: corrupt index")
)

// FormatError reports malformed raw genotype input.
type FormatError struct {
	Path    string
	Line    int
	Message string
}

func (e *FormatError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// IOError reports a failure to read or write panel files.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }
