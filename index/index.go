package index

import (
	"fmt"
	"hash/maphash"
	"io"
	"log/slog"
	"sync"

	rawtar "github.com/RoboHenAI/rtar"
	"github.com/dgryski/go-tinylfu"
	"golang.org/x/text/unicode/norm"
)

// cacheSize and cacheSamples size the bounded page cache: capacity in
// pages plus the frequency-sketch sample count, the size/samples pair
// tinylfu.New takes. Index chains in this archive format are expected
// to stay small, but an archive with many thousands of pages should not
// have to keep every decoded table resident just to answer one lookup.
const (
	cacheSize    = 64
	cacheSamples = 640
)

var pageHashSeed = maphash.MakeSeed()

func pageHasher(k int) uint64 { return maphash.Comparable(pageHashSeed, k) }

// normalizePath applies NFC normalization so that visually identical
// paths built from different Unicode decompositions (e.g. combining
// accents) collide to the same index key instead of silently coexisting
// as distinct entries.
func normalizePath(p string) string { return norm.NFC.String(p) }

type pageRef struct {
	headerOffset  int64
	payloadOffset int64
	path          string
}

type entryLoc struct {
	page int
	slot int
}

// Index is the in-memory map of path to entry across a chain of pages.
// It tracks dirty pages so mutations are batched and written back only
// at Flush.
type Index struct {
	mu sync.Mutex

	refs []pageRef

	// dirty pages are the authoritative source for any page with
	// unflushed mutations; they are never subject to cache eviction.
	dirty map[int]*Page
	cache *tinylfu.T[int, *Page]

	byPath map[string]entryLoc

	stream io.ReaderAt
	log    *slog.Logger
}

// indexConfig accumulates Option settings before New builds the cache,
// since the cache's dimensions must be fixed at construction.
type indexConfig struct {
	log          *slog.Logger
	cacheSize    int
	cacheSamples int
}

// Option configures an Index constructed via New or Open.
type Option func(*indexConfig)

// WithLogger overrides the default slog.Default() logger an Index uses
// to report soft anomalies (currently only a record-table digest
// mismatch) it encounters while loading pages.
func WithLogger(l *slog.Logger) Option {
	return func(c *indexConfig) { c.log = l }
}

// WithCacheSize overrides the bounded TinyLFU page cache's capacity (in
// pages) and frequency-sketch sample count.
func WithCacheSize(size, samples int) Option {
	return func(c *indexConfig) { c.cacheSize, c.cacheSamples = size, samples }
}

// New returns an Index with no pages, ready for Open or for a caller to
// populate via AddPage after creating the first page directly.
func New(stream io.ReaderAt, opts ...Option) *Index {
	cfg := indexConfig{log: slog.Default(), cacheSize: cacheSize, cacheSamples: cacheSamples}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Index{
		dirty:  make(map[int]*Page),
		cache:  tinylfu.New[int, *Page](cfg.cacheSize, cfg.cacheSamples, pageHasher),
		byPath: make(map[string]entryLoc),
		stream: stream,
		log:    cfg.log,
	}
}

// Open walks the page chain starting at headerOffset 0, loading each
// page and installing its live rows into the path map. It stops when a
// page's chain-link offset is 0.
func Open(stream io.ReaderAt, opts ...Option) (*Index, error) {
	idx := New(stream, opts...)

	headerOffset := int64(0)
	seen := make(map[int64]bool)
	for {
		if seen[headerOffset] {
			return nil, fmt.Errorf("%w: page chain loops back to offset %d", ErrCorruptIndex, headerOffset)
		}
		seen[headerOffset] = true

		header, payloadOffset, err := readPageHeader(stream, headerOffset)
		if err != nil {
			return nil, err
		}
		if !header.IsRegularFile() || header.ContentSize() != PageSize {
			return nil, fmt.Errorf("%w: page at offset %d is not a regular member of %d bytes", ErrCorruptIndex, headerOffset, PageSize)
		}

		sr := io.NewSectionReader(stream, payloadOffset, tablePayloadSize)
		page, err := LoadPage(sr)
		if err != nil {
			return nil, err
		}
		if page.DigestMismatch() {
			idx.log.Warn("record table digest mismatch", "page_offset", headerOffset)
		}

		pageIdx := len(idx.refs)
		idx.refs = append(idx.refs, pageRef{headerOffset: headerOffset, payloadOffset: payloadOffset, path: header.Name()})
		idx.cache.Add(pageIdx, page)

		for slot, entry := range page.Iter() {
			idx.byPath[normalizePath(entry.Path)] = entryLoc{page: pageIdx, slot: slot + 1}
		}

		link := page.ChainLink()
		if link.Offset == 0 {
			break
		}
		headerOffset = int64(link.Offset)
	}

	return idx, nil
}

// readPageHeader reads and parses the TAR header at offset in stream,
// returning the header and the offset its payload begins at.
func readPageHeader(stream io.ReaderAt, offset int64) (*rawtar.TarHeader, int64, error) {
	sr := io.NewSectionReader(stream, offset, PageSize)
	h, err := rawtar.LoadHeader(sr)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: reading page header at %d: %v", ErrCorruptIndex, offset, err)
	}
	payloadOffset := offset + int64(h.SavedBlocks())*512
	return h, payloadOffset, nil
}

func (idx *Index) getPage(i int) (*Page, error) {
	if pg, ok := idx.dirty[i]; ok {
		return pg, nil
	}
	if pg, ok := idx.cache.Get(i); ok {
		return pg, nil
	}
	if i < 0 || i >= len(idx.refs) {
		return nil, fmt.Errorf("%w: page %d", ErrOutOfBounds, i)
	}
	ref := idx.refs[i]
	sr := io.NewSectionReader(idx.stream, ref.payloadOffset, tablePayloadSize)
	pg, err := LoadPage(sr)
	if err != nil {
		return nil, err
	}
	if pg.DigestMismatch() {
		idx.log.Warn("record table digest mismatch", "page", i)
	}
	idx.cache.Add(i, pg)
	return pg, nil
}

func (idx *Index) markDirty(i int, pg *Page) {
	idx.dirty[i] = pg
}

// PageCount returns the number of pages currently loaded into the chain.
func (idx *Index) PageCount() int { return len(idx.refs) }

// Get looks up the live entry for path.
func (idx *Index) Get(path string) (FileEntry, bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	loc, ok := idx.byPath[normalizePath(path)]
	if !ok {
		return FileEntry{}, false, nil
	}
	pg, err := idx.getPage(loc.page)
	if err != nil {
		return FileEntry{}, false, err
	}
	e, err := pg.At(loc.slot)
	return e, true, err
}

// GetNextPart resolves path's location and returns the entry at its
// NextPart slot, which is always addressed within the same page (the
// FileEntry.NextPart/PrevPart fields are page-local slot indices, not
// indices into the flattened chain). ok is false if path has no next
// part.
func (idx *Index) GetNextPart(path string) (entry FileEntry, ok bool, err error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	loc, found := idx.byPath[normalizePath(path)]
	if !found {
		return FileEntry{}, false, fmt.Errorf("%w: %s", ErrOutOfBounds, path)
	}
	pg, err := idx.getPage(loc.page)
	if err != nil {
		return FileEntry{}, false, err
	}
	cur, err := pg.At(loc.slot)
	if err != nil {
		return FileEntry{}, false, err
	}
	if cur.NextPart == 0 {
		return FileEntry{}, false, nil
	}
	next, err := pg.At(int(cur.NextPart))
	if err != nil {
		return FileEntry{}, false, err
	}
	return next, true, nil
}

// GetIndex returns the i-th live entry in on-disk order, counting
// across the page chain. Each page's chain-link row is hidden from this
// numbering: GetIndex(0) is the first real member entry.
func (idx *Index) GetIndex(i int) (FileEntry, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if i < 0 {
		return FileEntry{}, fmt.Errorf("%w: entry %d", ErrOutOfBounds, i)
	}
	for p := 0; p < len(idx.refs); p++ {
		pg, err := idx.getPage(p)
		if err != nil {
			return FileEntry{}, err
		}
		live := pg.Iter()
		if i < len(live) {
			return live[i], nil
		}
		i -= len(live)
	}
	return FileEntry{}, fmt.Errorf("%w: entry index past the live range", ErrOutOfBounds)
}

// List returns every live entry across the chain, in on-disk order.
func (idx *Index) List() ([]FileEntry, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var out []FileEntry
	for p := 0; p < len(idx.refs); p++ {
		pg, err := idx.getPage(p)
		if err != nil {
			return nil, err
		}
		out = append(out, pg.Iter()...)
	}
	return out, nil
}

// Append inserts a new entry at the next free slot in the last page that
// has room, or returns ErrOutOfBounds if every page is full (the caller
// should AddPage first). Fails ErrDuplicate if the path already exists.
func (idx *Index) Append(e FileEntry) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	key := normalizePath(e.Path)
	if _, exists := idx.byPath[key]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, e.Path)
	}

	for p := len(idx.refs) - 1; p >= 0; p-- {
		pg, err := idx.getPage(p)
		if err != nil {
			return err
		}
		slot := pg.FirstFreeSlot()
		if slot == 0 {
			continue
		}
		if err := pg.SetAt(slot, e); err != nil {
			return err
		}
		idx.markDirty(p, pg)
		idx.byPath[key] = entryLoc{page: p, slot: slot}
		return nil
	}
	return fmt.Errorf("%w: no free slot in any page", ErrOutOfBounds)
}

// UpdateSize rewrites path's Size field in place, leaving its Offset,
// Parted, and NextPart/PrevPart linkage untouched. This is the only safe
// way to grow an already-linked entry's reservation: going through
// Remove followed by Append would, for any entry that is itself a
// multipart continuation, sever its predecessor's forward link (Remove
// treats PrevPart != 0 as a real deletion and zeroes the neighbour's
// NextPart).
func (idx *Index) UpdateSize(path string, newSize uint64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	loc, ok := idx.byPath[normalizePath(path)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOutOfBounds, path)
	}
	pg, err := idx.getPage(loc.page)
	if err != nil {
		return err
	}
	e, err := pg.At(loc.slot)
	if err != nil {
		return err
	}
	e.Size = newSize
	if err := pg.SetAt(loc.slot, e); err != nil {
		return err
	}
	idx.markDirty(loc.page, pg)
	return nil
}

// LinkParts sets the next_part/prev_part fields of two already-appended
// entries, marking both dirty.
func (idx *Index) LinkParts(firstPath, secondPath string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	firstLoc, ok := idx.byPath[normalizePath(firstPath)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOutOfBounds, firstPath)
	}
	secondLoc, ok := idx.byPath[normalizePath(secondPath)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOutOfBounds, secondPath)
	}

	firstPage, err := idx.getPage(firstLoc.page)
	if err != nil {
		return err
	}
	secondPage, err := idx.getPage(secondLoc.page)
	if err != nil {
		return err
	}

	first, err := firstPage.At(firstLoc.slot)
	if err != nil {
		return err
	}
	second, err := secondPage.At(secondLoc.slot)
	if err != nil {
		return err
	}

	first.Parted = true
	first.NextPart = uint8(secondLoc.slot)
	second.Parted = true
	second.PrevPart = uint8(firstLoc.slot)

	if err := firstPage.SetAt(firstLoc.slot, first); err != nil {
		return err
	}
	if err := secondPage.SetAt(secondLoc.slot, second); err != nil {
		return err
	}
	idx.markDirty(firstLoc.page, firstPage)
	idx.markDirty(secondLoc.page, secondPage)
	return nil
}

// Remove deletes the entry at path, compacting its page by swapping the
// removed slot with the page's last live slot and re-linking any
// neighbours that pointed at the moved or removed slot.
//
// Every row this touches is read once, before any row in this same call
// is written: reading through pg.At after an earlier SetAt in the same
// Remove risks observing an already-swapped row instead of its original
// linkage, which is what makes the page-local next_part/prev_part
// indices (rather than a flat chain index) safe to dereference at all.
func (idx *Index) Remove(path string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	key := normalizePath(path)
	loc, ok := idx.byPath[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOutOfBounds, path)
	}

	pg, err := idx.getPage(loc.page)
	if err != nil {
		return err
	}

	snapshot := make(map[int]FileEntry)
	get := func(slot int) (FileEntry, error) {
		if e, ok := snapshot[slot]; ok {
			return e, nil
		}
		e, err := pg.At(slot)
		if err != nil {
			return FileEntry{}, err
		}
		snapshot[slot] = e
		return e, nil
	}

	removed, err := get(loc.slot)
	if err != nil {
		return err
	}

	lastSlot := loc.slot
	for i := RecordCount - 1; i >= 1; i-- {
		row, err := get(i)
		if err != nil {
			return err
		}
		if !row.IsEmpty() {
			lastSlot = i
			break
		}
	}

	updates := make(map[int]FileEntry)

	// relink rewrites one neighbour's link field, building on any update
	// already staged for that slot in this same Remove rather than
	// re-reading pg (which would still hold the pre-Remove value).
	relink := func(slot int, clear func(*FileEntry)) error {
		e, ok := updates[slot]
		if !ok {
			var err error
			e, err = get(slot)
			if err != nil {
				return err
			}
		}
		clear(&e)
		e.Parted = e.NextPart != 0 || e.PrevPart != 0
		updates[slot] = e
		return nil
	}

	if loc.slot != lastSlot {
		moved, err := get(lastSlot)
		if err != nil {
			return err
		}
		updates[loc.slot] = moved
		idx.byPath[normalizePath(moved.Path)] = entryLoc{page: loc.page, slot: loc.slot}

		if moved.NextPart != 0 {
			if int(moved.NextPart) == loc.slot {
				// moved's successor was the removed row itself; moved
				// is relocating into that slot, so its forward link is
				// simply gone, not pointed at a surviving neighbour.
				if err := relink(loc.slot, func(e *FileEntry) { e.NextPart = 0 }); err != nil {
					return err
				}
			} else if err := relink(int(moved.NextPart), func(e *FileEntry) { e.PrevPart = uint8(loc.slot) }); err != nil {
				return err
			}
		}
		if moved.PrevPart != 0 {
			if int(moved.PrevPart) == loc.slot {
				if err := relink(loc.slot, func(e *FileEntry) { e.PrevPart = 0 }); err != nil {
					return err
				}
			} else if err := relink(int(moved.PrevPart), func(e *FileEntry) { e.NextPart = uint8(loc.slot) }); err != nil {
				return err
			}
		}
	}

	if removed.NextPart != 0 {
		if err := relink(int(removed.NextPart), func(e *FileEntry) { e.PrevPart = 0 }); err != nil {
			return err
		}
	}
	if removed.PrevPart != 0 {
		if err := relink(int(removed.PrevPart), func(e *FileEntry) { e.NextPart = 0 }); err != nil {
			return err
		}
	}

	// lastSlot is vacated either way (it holds the removed row itself
	// when no swap happened, or the moved row's stale old copy
	// otherwise); this wins over any relink that incidentally targeted
	// it, since that target slot's content is leaving regardless.
	updates[lastSlot] = FileEntry{}

	for slot, e := range updates {
		if err := pg.SetAt(slot, e); err != nil {
			return err
		}
	}
	delete(idx.byPath, key)
	idx.markDirty(loc.page, pg)
	return nil
}

// AddPage appends a new, empty page at the given header/payload offsets
// (where the caller has already written the page's header and payload,
// typically starting where the archive's trailer began), links
// the previous last page's chain-link row to point at it, and records
// the new page's path as pagePath.
func (idx *Index) AddPage(headerOffset, payloadOffset int64, pagePath string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	newIdx := len(idx.refs)
	if newIdx > 0 {
		prev, err := idx.getPage(newIdx - 1)
		if err != nil {
			return err
		}
		prev.SetChainLink(FileEntry{Offset: uint64(headerOffset), Path: pagePath})
		idx.markDirty(newIdx-1, prev)
	}

	idx.refs = append(idx.refs, pageRef{headerOffset: headerOffset, payloadOffset: payloadOffset, path: pagePath})
	idx.markDirty(newIdx, NewPage())
	return nil
}

// Flush writes every dirty page's changed rows to w (addressed via
// WriterAt at each page's payload offset) and clears the dirty set.
func (idx *Index) Flush(w io.WriterAt) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for i, pg := range idx.dirty {
		if err := pg.Flush(w, idx.refs[i].payloadOffset); err != nil {
			return err
		}
		idx.cache.Add(i, pg)
	}
	idx.dirty = make(map[int]*Page)
	return nil
}
