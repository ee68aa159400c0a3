package archive

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	rawtar "github.com/RoboHenAI/rtar"
	"github.com/RoboHenAI/rtar/index"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"
)

// trailerSize is the two all-zero blocks every TAR stream must end with.
const trailerSize = 2 * 512

// fder is satisfied by *os.File and any afero.File wrapping one; it lets
// the controller take an advisory exclusive lock when the backing
// storage supports it. In-memory or network filesystems that don't
// expose a file descriptor simply skip locking.
type fder interface {
	Fd() uintptr
}

// Archive owns the backing stream and the paged index. The core is
// single-writer, single-threaded per archive: mu serializes the
// (seek, read|write, bookkeeping) sequence of every high-level
// operation.
type Archive struct {
	mu sync.Mutex

	fs   afero.Fs
	file afero.File
	path string

	idx *index.Index

	cursor      int64
	needFlush   bool
	needClosing bool

	openGroup singleflight.Group

	log *slog.Logger
}

// CreateNew creates path exclusively on fs, writes an empty first page,
// and the zero trailer.
func CreateNew(fs afero.Fs, path string, opts ...Option) (*Archive, error) {
	if _, err := fs.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, path)
	}

	f, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIoFailure, err)
	}

	cfg := newConfig(opts)
	a := &Archive{fs: fs, file: f, path: path, log: cfg.log}
	if !cfg.skipAdvisoryLock {
		a.tryLock()
	}

	if err := writePageHeader(f, index.PagePath(0)); err != nil {
		f.Close()
		return nil, err
	}
	page := index.NewPage()
	if err := page.Save(f); err != nil {
		f.Close()
		return nil, err
	}
	if err := writeTrailer(f); err != nil {
		f.Close()
		return nil, err
	}

	idx, err := index.Open(f, indexOptions(cfg)...)
	if err != nil {
		f.Close()
		return nil, err
	}
	a.idx = idx
	a.needClosing = true
	a.log.Info("archive created", "path", path)
	return a, nil
}

// Open opens path on fs for reading and writing and loads its index from
// the page chain.
func Open(fs afero.Fs, path string, opts ...Option) (*Archive, error) {
	f, err := fs.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIoFailure, err)
	}

	cfg := newConfig(opts)
	a := &Archive{fs: fs, file: f, path: path, log: cfg.log}
	if !cfg.skipAdvisoryLock {
		a.tryLock()
	}

	idx, err := index.Open(f, indexOptions(cfg)...)
	if err != nil {
		f.Close()
		return nil, err
	}
	a.idx = idx
	a.log.Info("archive opened", "path", path)
	return a, nil
}

// indexOptions translates an archive config into the matching index
// options, so both feed from the same caller-supplied Option list.
func indexOptions(cfg config) []index.Option {
	opts := []index.Option{index.WithLogger(cfg.log)}
	if cfg.cacheSize > 0 && cfg.cacheSamples > 0 {
		opts = append(opts, index.WithCacheSize(cfg.cacheSize, cfg.cacheSamples))
	}
	return opts
}

func (a *Archive) tryLock() {
	fd, ok := a.file.(fder)
	if !ok {
		return
	}
	if err := flockExclusive(fd.Fd()); err != nil {
		a.log.Warn("advisory lock unavailable", "path", a.path, "error", err)
	}
}

// eofOffset returns the byte offset where the trailer currently begins,
// i.e. the logical end of content (before the trailer).
func (a *Archive) eofOffset() (int64, error) {
	size, err := a.file.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIoFailure, err)
	}
	a.cursor = size
	if size < trailerSize {
		return size, nil
	}
	return size - trailerSize, nil
}

func writeTrailer(w io.Writer) error {
	var zero [trailerSize]byte
	_, err := w.Write(zero[:])
	return err
}

// writePageHeader writes a PAX extended header carrying the page's path
// attribute, followed by the real USTAR header that declares the
// page's 1 MiB content size. This is the standard two-block PAX-override
// shape, with the PAX overrides layered onto the subsequent header, not
// a single conflated block: a PAX 'x' header's own size field must stay
// the attribute block's byte length, never the following content's size.
func writePageHeader(w io.Writer, path string) error {
	x := rawtar.NewPAXHeader(rawtar.TypePAXExtended)
	x.Name = path
	x.SetPath(path)
	if err := x.Save(w); err != nil {
		return err
	}
	h := &rawtar.USTARHeader{Name: path, Size: index.PageSize, TypeFlag: rawtar.TypeRegular, Mode: 0o644}
	return h.Save(w)
}

// writeMemberHeader writes the header for a regular user member, using
// GNU long-name support when the path exceeds the 100-byte USTAR name
// field.
func writeMemberHeader(w io.Writer, path string, size uint64) error {
	if len(path) > 100 {
		h := rawtar.NewGNUHeader(rawtar.TypeRegular)
		h.Name = path
		h.Size = size
		return h.Save(w)
	}
	h := &rawtar.USTARHeader{Name: path, Size: size, TypeFlag: rawtar.TypeRegular, Mode: 0o644}
	return h.Save(w)
}

// Flush writes every dirty index page back to the backing stream.
func (a *Archive) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flushLocked()
}

func (a *Archive) flushLocked() error {
	if !a.needFlush {
		return nil
	}
	if err := a.idx.Flush(a.file); err != nil {
		return fmt.Errorf("%w: %v", ErrIoFailure, err)
	}
	if err := a.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrIoFailure, err)
	}
	a.needFlush = false
	return nil
}

// Close flushes pending changes, re-emits the trailer if needed, and
// releases the backing file.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.flushLocked(); err != nil {
		return err
	}
	if a.needClosing {
		off, err := a.eofOffset()
		if err != nil {
			return err
		}
		if _, err := a.file.Seek(off, io.SeekStart); err != nil {
			return fmt.Errorf("%w: %v", ErrIoFailure, err)
		}
		if err := writeTrailer(a.file); err != nil {
			return fmt.Errorf("%w: %v", ErrIoFailure, err)
		}
		a.needClosing = false
	}
	return a.file.Close()
}

// List returns every live member entry across the index, excluding
// index pages themselves.
func (a *Archive) List() ([]index.FileEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.idx.List()
}

// Glob returns the paths of live members matching the doublestar
// pattern.
func (a *Archive) Glob(pattern string) ([]string, error) {
	entries, err := a.List()
	if err != nil {
		return nil, err
	}
	var matches []string
	for _, e := range entries {
		ok, err := doublestar.Match(pattern, e.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIoFailure, err)
		}
		if ok {
			matches = append(matches, e.Path)
		}
	}
	return matches, nil
}

// AddMember reserves size bytes for a new member named path, appending
// its index entry and writing its header at end-of-archive. It returns
// a SubFile positioned at the start of the reserved content region.
func (a *Archive) AddMember(path string, size uint64) (*SubFile, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addMemberLocked(path, size)
}

// addMemberLocked is AddMember's body, callable by code that already
// holds a.mu (namely SubFile.autoPartition).
func (a *Archive) addMemberLocked(path string, size uint64) (*SubFile, error) {
	if _, ok, _ := a.idx.Get(path); ok {
		return nil, fmt.Errorf("%w: %s", index.ErrDuplicate, path)
	}

	off, err := a.eofOffset()
	if err != nil {
		return nil, err
	}
	if _, err := a.file.Seek(off, io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIoFailure, err)
	}
	if err := writeMemberHeader(a.file, path, size); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIoFailure, err)
	}
	contentOffset, err := a.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIoFailure, err)
	}

	reserved := int64(size) + paddedSize(size)
	if reserved > 0 {
		zero := make([]byte, reserved)
		if _, err := a.file.Write(zero); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIoFailure, err)
		}
	}
	if err := writeTrailer(a.file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIoFailure, err)
	}
	a.cursor, _ = a.file.Seek(0, io.SeekCurrent)

	entry := index.FileEntry{Offset: uint64(contentOffset), Path: path, Size: size}
	if err := a.idx.Append(entry); err != nil {
		if !errors.Is(err, index.ErrOutOfBounds) {
			return nil, err
		}
		if err := a.addPageLocked(); err != nil {
			return nil, err
		}
		if err := a.idx.Append(entry); err != nil {
			return nil, err
		}
	}
	a.needFlush = true
	a.needClosing = true

	return &SubFile{archive: a, path: path}, nil
}

// OpenMember returns a SubFile for an existing member. Concurrent opens
// of the same path are coalesced into a single index lookup.
func (a *Archive) OpenMember(path string) (*SubFile, error) {
	v, err, _ := a.openGroup.Do(path, func() (any, error) {
		a.mu.Lock()
		defer a.mu.Unlock()
		if _, ok, err := a.idx.Get(path); err != nil {
			return nil, err
		} else if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return &SubFile{archive: a, path: path}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*SubFile), nil
}

// RemoveMember removes path from the index. The underlying bytes are
// not reclaimed; the archive grows monotonically.
func (a *Archive) RemoveMember(path string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.idx.Remove(path); err != nil {
		return err
	}
	a.needFlush = true
	return nil
}

// addPageLocked appends a fresh, empty index page at end-of-archive and
// links it into the chain. Caller holds a.mu.
func (a *Archive) addPageLocked() error {
	headerOffset, err := a.eofOffset()
	if err != nil {
		return err
	}
	if _, err := a.file.Seek(headerOffset, io.SeekStart); err != nil {
		return fmt.Errorf("%w: %v", ErrIoFailure, err)
	}

	path := index.PagePath(a.idx.PageCount())
	a.log.Debug("chaining new index page", "path", path, "header_offset", headerOffset)
	if err := writePageHeader(a.file, path); err != nil {
		return fmt.Errorf("%w: %v", ErrIoFailure, err)
	}
	payloadOffset, err := a.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIoFailure, err)
	}
	if err := index.NewPage().Save(a.file); err != nil {
		return fmt.Errorf("%w: %v", ErrIoFailure, err)
	}
	if err := writeTrailer(a.file); err != nil {
		return fmt.Errorf("%w: %v", ErrIoFailure, err)
	}

	if err := a.idx.AddPage(headerOffset, payloadOffset, path); err != nil {
		return err
	}
	a.needFlush = true
	a.needClosing = true
	return nil
}

func paddedSize(size uint64) int64 {
	pad := -int64(size) & 511
	return pad
}
