package index

import (
	"fmt"
	"io"
	"strings"
)

// PageSize is the fixed size of a page's TAR payload: 1 MiB.
const PageSize = 1 << 20

// pagePayloadBlocks is PageSize expressed in 512-byte TAR blocks.
const pagePayloadBlocks = PageSize / 512

// PagePathPrefix and PagePathSuffix name index pages: page N's member
// path is formatted as fmt.Sprintf("%s%d%s", PagePathPrefix, N, PagePathSuffix).
const (
	PagePathPrefix = "."
	PagePathSuffix = ".rhindex"
)

// PagePath returns the conventional member path for page n.
func PagePath(n int) string { return fmt.Sprintf("%s%d%s", PagePathPrefix, n, PagePathSuffix) }

// IsPagePath reports whether name follows the PagePath convention, so a
// linear scan over raw TAR members can tell index pages apart from user
// content without consulting the (possibly corrupt) page chain itself.
func IsPagePath(name string) bool {
	if !strings.HasPrefix(name, PagePathPrefix) || !strings.HasSuffix(name, PagePathSuffix) {
		return false
	}
	mid := name[len(PagePathPrefix) : len(name)-len(PagePathSuffix)]
	if mid == "" {
		return false
	}
	for _, c := range mid {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// Page is one link in the index chain: a record table of RecordCount
// entries. A page does not own its segment of the archive; callers pass
// a reader/writer positioned at the page's payload.
type Page struct {
	table *table

	// dirty holds slot indices mutated since the last Flush.
	dirty map[int]bool

	// highWater is the highest non-empty slot as of the last load or
	// Flush, used to know how many trailing rows need a soft-delete zero
	// write.
	highWater int

	// digestMismatch records whether this page's stored integrity digest
	// disagreed with the freshly computed one when it was loaded. It is
	// informational only; Index logs it, it never blocks a load.
	digestMismatch bool
}

// NewPage returns an empty page: all RecordCount rows zeroed, including
// row 0 (no next page yet).
func NewPage() *Page {
	return &Page{table: newTable(), dirty: make(map[int]bool)}
}

// LoadPage reads a page's record table from r, which must be positioned
// at the start of the page's payload. It consumes exactly
// tablePayloadSize bytes; the caller is responsible for skipping the
// remainder of the 1 MiB payload.
func LoadPage(r io.Reader) (*Page, error) {
	buf := make([]byte, tablePayloadSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: reading record table: %v", ErrCorruptPage, err)
	}
	t, mismatch, err := loadTable(buf)
	if err != nil {
		return nil, err
	}
	highWater := 0
	for i := 1; i < RecordCount; i++ {
		if !t.rows[i].IsEmpty() {
			highWater = i
		}
	}
	return &Page{table: t, dirty: make(map[int]bool), highWater: highWater, digestMismatch: mismatch}, nil
}

// DigestMismatch reports whether the page's stored integrity digest
// disagreed with the table bytes at load time.
func (p *Page) DigestMismatch() bool { return p.digestMismatch }

// Save writes the full 1 MiB payload (record table plus zero padding) to
// w.
func (p *Page) Save(w io.Writer) error {
	buf := p.table.encode()
	if _, err := w.Write(buf); err != nil {
		return err
	}
	pad := make([]byte, PageSize-len(buf))
	_, err := w.Write(pad)
	return err
}

// ChainLink returns row 0: offset of the next page (0 if none) and its
// member path.
func (p *Page) ChainLink() FileEntry { return p.table.at(0) }

// SetChainLink rewrites row 0 and marks it dirty.
func (p *Page) SetChainLink(e FileEntry) {
	p.table.set(0, e)
	p.dirty[0] = true
}

// At returns the row at slot i (1..RecordCount-1).
func (p *Page) At(i int) (FileEntry, error) {
	if i <= 0 || i >= RecordCount {
		return FileEntry{}, fmt.Errorf("%w: slot %d", ErrOutOfBounds, i)
	}
	return p.table.at(i), nil
}

// SetAt writes the row at slot i and marks it dirty.
func (p *Page) SetAt(i int, e FileEntry) error {
	if i <= 0 || i >= RecordCount {
		return fmt.Errorf("%w: slot %d", ErrOutOfBounds, i)
	}
	p.table.set(i, e)
	p.dirty[i] = true
	return nil
}

// Iter yields live rows in slot order, starting after the chain link
// (slot 0), stopping at the first empty (soft-deleted) row.
func (p *Page) Iter() []FileEntry {
	var out []FileEntry
	for i := 1; i < RecordCount; i++ {
		row := p.table.at(i)
		if row.IsEmpty() {
			break
		}
		out = append(out, row)
	}
	return out
}

// FirstFreeSlot returns the lowest slot index (1..RecordCount-1) holding
// an empty row, or 0 if the page is full.
func (p *Page) FirstFreeSlot() int {
	for i := 1; i < RecordCount; i++ {
		if p.table.at(i).IsEmpty() {
			return i
		}
	}
	return 0
}

// Flush writes every dirty row, plus a zeroed sentinel for every slot
// beyond the current live range up to the previous high-water mark (soft
// delete), to w at payloadOffset, the start of the page payload. It does
// not write the untouched remainder of the 1 MiB region.
func (p *Page) Flush(w io.WriterAt, payloadOffset int64) error {
	for i := range p.dirty {
		row := p.table.at(i)
		off := payloadOffset + digestSize + int64(i)*recordSize
		if _, err := w.WriteAt(row.encode(), off); err != nil {
			return err
		}
	}

	// Soft-delete every slot beyond the contiguous live range up to the
	// previous high-water mark. Such rows are unreachable through Iter
	// (it stops at the first empty slot), so leaving them on disk would
	// resurrect stale entries on the next load.
	liveEnd := 0
	for i := 1; i < RecordCount; i++ {
		if p.table.at(i).IsEmpty() {
			break
		}
		liveEnd = i
	}
	sentinel := FileEntry{}.encode()
	for i := liveEnd + 1; i <= p.highWater; i++ {
		p.table.set(i, FileEntry{})
		off := payloadOffset + digestSize + int64(i)*recordSize
		if _, err := w.WriteAt(sentinel, off); err != nil {
			return err
		}
	}
	p.highWater = 0
	for i := 1; i < RecordCount; i++ {
		if !p.table.at(i).IsEmpty() {
			p.highWater = i
		}
	}

	digestOff := payloadOffset
	digest := p.table.encode()[:digestSize]
	if _, err := w.WriteAt(digest, digestOff); err != nil {
		return err
	}
	p.dirty = make(map[int]bool)
	return nil
}

// Dirty reports whether any row needs to be persisted.
func (p *Page) Dirty() bool { return len(p.dirty) > 0 }
