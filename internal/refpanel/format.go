package refpanel

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"

	"github.com/klauspost/compress/zstd"
)

const (
	arenaMagic   uint32 = 0x5052444C // "LDRP"
	indexMagic   uint32 = 0x5849444C // "LDIX"
	formatVer    uint16 = 1
	arenaHdrSize        = 16
)

// index is the decoded columnar partition index. Rows are sorted by position.
type index struct {
	chrom   string
	samples int
	pos     []int64
	off     []uint64
	length  []uint32
	maf     []float32
	ids     []string
	ref     []string
	alt     []string
	byID    []uint32 // row numbers sorted by id
}

func (ix *index) len() int { return len(ix.pos) }

func encodeArenaHeader(samples int) []byte {
	hdr := make([]byte, arenaHdrSize)
	binary.LittleEndian.PutUint32(hdr[0:4], arenaMagic)
	binary.LittleEndian.PutUint16(hdr[4:6], formatVer)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(samples))
	return hdr
}

func decodeArenaHeader(hdr []byte) (int, error) {
	if len(hdr) < arenaHdrSize {
		return 0, fmt.Errorf("%w: short arena header", ErrCorrupt)
	}
	if binary.LittleEndian.Uint32(hdr[0:4]) != arenaMagic {
		return 0, fmt.Errorf("%w: bad arena magic", ErrCorrupt)
	}
	if v := binary.LittleEndian.Uint16(hdr[4:6]); v != formatVer {
		return 0, fmt.Errorf("%w: unsupported arena version %d", ErrCorrupt, v)
	}
	return int(binary.LittleEndian.Uint32(hdr[8:12])), nil
}

// marshal serializes the index and appends a CRC32 of the payload, then
// compresses the whole block with zstd.
func (ix *index) marshal() ([]byte, error) {
	var buf bytes.Buffer
	le := binary.LittleEndian
	n := ix.len()

	put := func(v any) {
		// bytes.Buffer writes never fail.
		_ = binary.Write(&buf, le, v)
	}
	put(indexMagic)
	put(formatVer)
	put(uint16(0))
	put(uint32(ix.samples))
	put(uint32(n))
	if err := writeString(&buf, ix.chrom); err != nil {
		return nil, err
	}
	put(ix.pos)
	put(ix.off)
	put(ix.length)
	put(ix.maf)
	for _, col := range [][]string{ix.ids, ix.ref, ix.alt} {
		for _, s := range col {
			if err := writeString(&buf, s); err != nil {
				return nil, err
			}
		}
	}
	put(ix.byID)
	put(crc32.ChecksumIEEE(buf.Bytes()))

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(buf.Bytes(), nil), nil
}

func unmarshalIndex(compressed []byte) (*index, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()

	raw, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if len(raw) < 4 {
		return nil, fmt.Errorf("%w: short index", ErrCorrupt)
	}
	payload, sum := raw[:len(raw)-4], binary.LittleEndian.Uint32(raw[len(raw)-4:])
	if crc32.ChecksumIEEE(payload) != sum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	r := bytes.NewReader(payload)
	le := binary.LittleEndian
	var hdr struct {
		Magic   uint32
		Version uint16
		Flags   uint16
		Samples uint32
		Count   uint32
	}
	if err := binary.Read(r, le, &hdr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if hdr.Magic != indexMagic {
		return nil, fmt.Errorf("%w: bad index magic", ErrCorrupt)
	}
	if hdr.Version != formatVer {
		return nil, fmt.Errorf("%w: unsupported index version %d", ErrCorrupt, hdr.Version)
	}

	n := int(hdr.Count)
	if n > math.MaxInt32 || n*8 > len(payload) {
		return nil, fmt.Errorf("%w: implausible marker count %d", ErrCorrupt, n)
	}
	ix := &index{
		samples: int(hdr.Samples),
		pos:     make([]int64, n),
		off:     make([]uint64, n),
		length:  make([]uint32, n),
		maf:     make([]float32, n),
		ids:     make([]string, n),
		ref:     make([]string, n),
		alt:     make([]string, n),
		byID:    make([]uint32, n),
	}
	if ix.chrom, err = readString(r); err != nil {
		return nil, err
	}
	for _, col := range []any{ix.pos, ix.off, ix.length, ix.maf} {
		if err := binary.Read(r, le, col); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	}
	for _, col := range [][]string{ix.ids, ix.ref, ix.alt} {
		for i := range col {
			if col[i], err = readString(r); err != nil {
				return nil, err
			}
		}
	}
	if err := binary.Read(r, le, ix.byID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return ix, nil
}

func writeString(w *bytes.Buffer, s string) error {
	if len(s) > math.MaxUint16 {
		return fmt.Errorf("string too long for index: %d bytes", len(s))
	}
	var l [2]byte
	binary.LittleEndian.PutUint16(l[:], uint16(len(s)))
	w.Write(l[:])
	w.WriteString(s)
	return nil
}

func readString(r *bytes.Reader) (string, error) {
	var l [2]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	b := make([]byte, binary.LittleEndian.Uint16(l[:]))
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return string(b), nil
}
