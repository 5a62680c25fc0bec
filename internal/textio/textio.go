// Package textio opens plain or gzip-compressed text inputs.
package textio

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
)

// maxLine bounds a single input line; reference panel rows with many
// thousands of samples are long.
const maxLine = 64 << 20

// File is an open text input. Gzip compression is detected from the magic
// bytes, not the file name.
type File struct {
	file *os.File
	gz   *gzip.Reader
	r    io.Reader
}

// Open opens path for reading. Use "-" for stdin.
func Open(path string) (*File, error) {
	if path == "-" {
		return &File{r: os.Stdin}, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	f := &File{file: file}

	br := bufio.NewReader(file)
	magic, err := br.Peek(2)
	if err != nil && err != io.EOF {
		file.Close()
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	// Check for gzip magic number (0x1f, 0x8b)
	if len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		f.gz, err = gzip.NewReader(br)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("create gzip reader: %w", err)
		}
		f.r = f.gz
	} else {
		f.r = br
	}
	return f, nil
}

// Read implements io.Reader.
func (f *File) Read(p []byte) (int, error) { return f.r.Read(p) }

// Scanner returns a line scanner over the (decompressed) content.
func (f *File) Scanner() *bufio.Scanner {
	return NewScanner(f)
}

// Close closes the underlying file.
func (f *File) Close() error {
	if f.gz != nil {
		f.gz.Close()
	}
	if f.file != nil {
		return f.file.Close()
	}
	return nil
}

// NewScanner returns a line scanner with a buffer large enough for wide rows.
func NewScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 1<<20), maxLine)
	return s
}
