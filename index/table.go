package index

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// RecordCount is the fixed number of rows in one page's record table.
// Row 0 is the chain link (never a user-visible member); rows 1..50
// describe archive members.
const RecordCount = 51

const pathFieldSize = 100

// recordSize is the fixed wire width of one row: offset(8) + path(100) +
// parted(1) + size(8) + next_part(1) + prev_part(1).
const recordSize = 8 + pathFieldSize + 1 + 8 + 1 + 1

// digestSize is the width of the table-integrity digest written in the
// record table's reserved identity slot, in place of the all-zero UUID
// the opaque record-table service otherwise reserves for this purpose.
const digestSize = 8

// tablePayloadSize is the number of bytes of a page's 1 MiB payload the
// record table actually occupies; the remainder is zero padding.
const tablePayloadSize = digestSize + RecordCount*recordSize

// FileEntry is one row of a page's record table: an archive member's
// location, size, and multipart linkage. Row 0 of a page overloads these
// fields to mean "next page": Offset is the next page's archive offset
// (0 terminates the chain) and Path is its member name.
type FileEntry struct {
	Offset   uint64
	Path     string
	Parted   bool
	Size     uint64
	NextPart uint8
	PrevPart uint8
}

// IsEmpty reports whether e is the zero/soft-deleted sentinel row.
func (e FileEntry) IsEmpty() bool { return e.Offset == 0 && e.Path == "" }

func (e FileEntry) encode() []byte {
	buf := make([]byte, recordSize)
	binary.BigEndian.PutUint64(buf[0:8], e.Offset)
	copy(buf[8:8+pathFieldSize], e.Path)
	if e.Parted {
		buf[8+pathFieldSize] = 1
	}
	binary.BigEndian.PutUint64(buf[9+pathFieldSize:17+pathFieldSize], e.Size)
	buf[17+pathFieldSize] = e.NextPart
	buf[18+pathFieldSize] = e.PrevPart
	return buf
}

func decodeEntry(buf []byte) (FileEntry, error) {
	if len(buf) < recordSize {
		return FileEntry{}, fmt.Errorf("%w: short record row", ErrCorruptPage)
	}
	pathBytes := buf[8 : 8+pathFieldSize]
	end := pathFieldSize
	for i, c := range pathBytes {
		if c == 0 {
			end = i
			break
		}
	}
	return FileEntry{
		Offset:   binary.BigEndian.Uint64(buf[0:8]),
		Path:     string(pathBytes[:end]),
		Parted:   buf[8+pathFieldSize] != 0,
		Size:     binary.BigEndian.Uint64(buf[9+pathFieldSize : 17+pathFieldSize]),
		NextPart: buf[17+pathFieldSize],
		PrevPart: buf[18+pathFieldSize],
	}, nil
}

// table is the in-module stand-in for the opaque "record table" service:
// a fixed schema, fixed row count, named table with load/save/fill/iterate
// operations. A real deployment could swap this for an external tabular
// storage engine without touching Page or Index.
type table struct {
	rows [RecordCount]FileEntry
}

func newTable() *table { return &table{} }

// loadTable decodes a table from a page's raw payload bytes. The
// integrity digest stored in the reserved identity slot is a *soft*
// check: an all-zero slot means a page never touched by this
// digesting layer and is accepted silently; any other mismatch is
// reported via the mismatch return so the caller can log it, but never
// fails the load outright — only a structurally short payload does.
func loadTable(payload []byte) (t *table, digestMismatch bool, err error) {
	if len(payload) < tablePayloadSize {
		return nil, false, fmt.Errorf("%w: payload shorter than record table", ErrCorruptPage)
	}
	wantDigest := binary.BigEndian.Uint64(payload[:digestSize])
	gotDigest := xxhash.Sum64(payload[digestSize:tablePayloadSize])
	if wantDigest != 0 && wantDigest != gotDigest {
		digestMismatch = true
	}

	t = newTable()
	for i := 0; i < RecordCount; i++ {
		start := digestSize + i*recordSize
		row, err := decodeEntry(payload[start : start+recordSize])
		if err != nil {
			return nil, false, err
		}
		t.rows[i] = row
	}
	return t, digestMismatch, nil
}

// encode serializes the table, including a freshly computed digest, into
// a tablePayloadSize byte slice. The caller pads the remainder of the 1
// MiB page payload with zeros.
func (t *table) encode() []byte {
	buf := make([]byte, tablePayloadSize)
	for i, row := range t.rows {
		start := digestSize + i*recordSize
		copy(buf[start:start+recordSize], row.encode())
	}
	digest := xxhash.Sum64(buf[digestSize:])
	binary.BigEndian.PutUint64(buf[:digestSize], digest)
	return buf
}

func (t *table) at(i int) FileEntry   { return t.rows[i] }
func (t *table) set(i int, e FileEntry) { t.rows[i] = e }
