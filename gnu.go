package rawtar

import (
	"bytes"
	"fmt"
	"io"
)

// SparseEntry describes one {offset, numbytes} pair in a GNU sparse map:
// a contiguous range of real data at Offset spanning NumBytes bytes inside
// a logically larger, mostly-zero file.
type SparseEntry struct {
	Offset   uint64
	NumBytes uint64
}

const longLinkName = "././@LongLink"

// GNUHeader is the GNU tar format: V7's core fields plus uname/gname,
// device numbers, access/change time, a sparse map with chained extension
// blocks, and long name/link support via preceding 'L'/'K' auxiliary
// headers.
type GNUHeader struct {
	Name      string
	Mode      uint32
	UID       uint32
	GID       uint32
	Size      uint64
	ModTime   uint64
	Chksum    uint32
	TypeFlag  TypeFlag
	LinkName  string
	UserName  string
	GroupName string
	DevMajor  uint32
	DevMinor  uint32

	AccessTime  *uint64
	ChangeTime  *uint64
	RealSize    *uint64
	Incremental *string
	Extra       [12]byte

	sparse []SparseEntry

	usedBlocks        int
	savedBlocks       int
	updatedUsedBlocks bool
}

// NewGNUHeader returns an empty GNU header of the given kind.
func NewGNUHeader(t TypeFlag) *GNUHeader {
	return &GNUHeader{TypeFlag: t}
}

func (h *GNUHeader) invalidate() { h.updatedUsedBlocks = false }

func (h *GNUHeader) SetName(name string)         { h.Name = name; h.invalidate() }
func (h *GNUHeader) SetLinkName(linkname string) { h.LinkName = linkname; h.invalidate() }

func (h *GNUHeader) Sparse() []SparseEntry { return h.sparse }

func (h *GNUHeader) PushSparse(e SparseEntry) {
	h.sparse = append(h.sparse, e)
	h.invalidate()
}

func (h *GNUHeader) PopSparse() (SparseEntry, bool) {
	if len(h.sparse) == 0 {
		return SparseEntry{}, false
	}
	e := h.sparse[len(h.sparse)-1]
	h.sparse = h.sparse[:len(h.sparse)-1]
	h.invalidate()
	return e, true
}

func (h *GNUHeader) InsertSparse(i int, e SparseEntry) {
	h.sparse = append(h.sparse, SparseEntry{})
	copy(h.sparse[i+1:], h.sparse[i:])
	h.sparse[i] = e
	h.invalidate()
}

func (h *GNUHeader) RemoveSparse(i int) (SparseEntry, bool) {
	if i < 0 || i >= len(h.sparse) {
		return SparseEntry{}, false
	}
	e := h.sparse[i]
	h.sparse = append(h.sparse[:i], h.sparse[i+1:]...)
	h.invalidate()
	return e, true
}

func (h *GNUHeader) ClearSparse() {
	h.sparse = nil
	h.invalidate()
}

// ceilExcess returns 1 + ceil((n-threshold)/blockSize) when n > threshold,
// else 0. It is the block-count contribution of a field that overflows its
// fixed-width slot into one or more long-name auxiliary blocks.
func ceilExcess(n, threshold int) int {
	if n <= threshold {
		return 0
	}
	excess := n - threshold
	return 1 + (excess+blockSize-1)/blockSize
}

// sparseExcessBlocks returns the number of extension blocks needed to hold
// k sparse entries beyond the 4 that fit in the main header.
func sparseExcessBlocks(k int) int {
	if k <= 4 {
		return 0
	}
	return (k - 4 + 20) / 21
}

func (h *GNUHeader) calcUsedBlocks() int {
	blocks := 1
	blocks += ceilExcess(len(h.Name), nameSize)
	blocks += ceilExcess(len(h.LinkName), nameSize)
	blocks += sparseExcessBlocks(len(h.sparse))
	return blocks
}

func (h *GNUHeader) UsedBlocks() int {
	if !h.updatedUsedBlocks {
		h.usedBlocks = h.calcUsedBlocks()
		h.updatedUsedBlocks = true
	}
	return h.usedBlocks
}

func (h *GNUHeader) SavedBlocks() int    { return h.savedBlocks }
func (h *GNUHeader) ContentSize() uint64 { return h.Size }

// loadGNU parses buf (and, for long name/link and sparse extensions,
// further blocks from r) as a GNU header. It returns (nil, nil) when the
// magic/version do not match GNU; any typeflag is accepted otherwise.
func loadGNU(buf *Block, r io.Reader) (*GNUHeader, error) {
	g := buf.GNU()
	if string(g.Magic()) != magicGNU || string(g.Version()) != versionGNU {
		return nil, nil
	}

	var longName, longLink string
	var haveLongName, haveLongLink bool
	cur := buf
	for {
		t := TypeFlag(cur.V7().TypeFlag()[0])
		switch t {
		case TypeGNULongName:
			s, err := readLongHeader(cur, r)
			if err != nil {
				return nil, err
			}
			longName, haveLongName = s, true
		case TypeGNULongLink:
			s, err := readLongHeader(cur, r)
			if err != nil {
				return nil, err
			}
			longLink, haveLongLink = s, true
		default:
			header, err := loadGNUStandard(cur, r)
			if err != nil || header == nil {
				return header, err
			}
			if haveLongName {
				header.Name = longName
			}
			if haveLongLink {
				header.LinkName = longLink
			}
			header.savedBlocks = header.UsedBlocks()
			return header, nil
		}
		var next Block
		if _, err := io.ReadFull(r, next[:]); err != nil {
			return nil, fmt.Errorf("%w: reading GNU long header continuation: %v", ErrShortRead, err)
		}
		cur = &next
	}
}

// readLongHeader reads the long name/link value following a preceding
// 'L'/'K' block. Unlike the main header checksum, this one is validated
// strictly: a mismatch is fatal, unless the legacy signed-byte sum
// happens to match what the block declares, which some old encoders
// produced instead of the POSIX unsigned sum.
func readLongHeader(buf *Block, r io.Reader) (string, error) {
	var check Block
	copy(check[:], buf[:])
	wantChksum, err := parseOctal[uint32](check.V7().Chksum())
	if err != nil {
		return "", err
	}
	gotChksum, gotSigned := computeChecksum((*[blockSize]byte)(&check))
	if wantChksum != gotChksum && wantChksum != uint32(gotSigned) {
		return "", fmt.Errorf("%w: long header: expected %06o, got %06o", ErrBadChecksum, wantChksum, gotChksum)
	}

	size, err := parseOctal[uint64](buf.V7().Size())
	if err != nil {
		return "", err
	}
	numBlocks := (size + blockSize - 1) / blockSize
	data := make([]byte, numBlocks*blockSize)
	if _, err := io.ReadFull(r, data); err != nil {
		return "", fmt.Errorf("%w: reading long header payload: %v", ErrShortRead, err)
	}
	data = data[:size]
	if i := bytes.IndexByte(data, 0); i >= 0 {
		data = data[:i]
	}
	return string(data), nil
}

func loadGNUStandard(buf *Block, r io.Reader) (*GNUHeader, error) {
	g := buf.GNU()
	v7 := g.V7()

	name, err := getString(v7.Name())
	if err != nil {
		return nil, err
	}
	mode, err := parseOctal[uint32](v7.Mode())
	if err != nil {
		return nil, err
	}
	uid, err := parseOctal[uint32](v7.UID())
	if err != nil {
		return nil, err
	}
	gid, err := parseOctal[uint32](v7.GID())
	if err != nil {
		return nil, err
	}
	size, err := parseOctal[uint64](v7.Size())
	if err != nil {
		return nil, err
	}
	mtime, err := parseOctal[uint64](v7.ModTime())
	if err != nil {
		return nil, err
	}
	chksum, err := parseOctal[uint32](v7.Chksum())
	if err != nil {
		return nil, err
	}
	linkname, err := getString(v7.LinkName())
	if err != nil {
		return nil, err
	}
	uname, err := getString(g.UserName())
	if err != nil {
		return nil, err
	}
	gname, err := getString(g.GroupName())
	if err != nil {
		return nil, err
	}
	devmajor, err := parseOctal[uint32](g.DevMajor())
	if err != nil {
		return nil, err
	}
	devminor, err := parseOctal[uint32](g.DevMinor())
	if err != nil {
		return nil, err
	}

	header := &GNUHeader{
		Name: name, Mode: mode, UID: uid, GID: gid, Size: size, ModTime: mtime,
		Chksum: chksum, TypeFlag: TypeFlag(v7.TypeFlag()[0]), LinkName: linkname,
		UserName: uname, GroupName: gname, DevMajor: devmajor, DevMinor: devminor,
	}

	if atime, err := parseOctal[uint64](g.AccessTime()); err != nil {
		return nil, err
	} else if !allZero(g.AccessTime()) {
		header.AccessTime = &atime
	}
	if ctime, err := parseOctal[uint64](g.ChangeTime()); err != nil {
		return nil, err
	} else if !allZero(g.ChangeTime()) {
		header.ChangeTime = &ctime
	}

	isExtended := g.Sparse().IsExtended()[0] == '1'
	sp := g.Sparse()
	for i := 0; i < 4; i++ {
		entry := sp.Entry(i)
		if allZero(entry.Offset()) && allZero(entry.Length()) {
			break
		}
		off, err := parseOctal[uint64](entry.Offset())
		if err != nil {
			return nil, err
		}
		length, err := parseOctal[uint64](entry.Length())
		if err != nil {
			return nil, err
		}
		header.sparse = append(header.sparse, SparseEntry{Offset: off, NumBytes: length})
	}

	if realsize, err := parseOctal[uint64](g.RealSize()); err != nil {
		return nil, err
	} else if !allZero(g.RealSize()) {
		header.RealSize = &realsize
	}

	if len(header.sparse) < 1 && !allZero(g.Incremental()) {
		s, err := getString(g.Incremental())
		if err != nil {
			return nil, err
		}
		header.Incremental = &s
	}
	copy(header.Extra[:], g.Extra())

	for isExtended {
		var ext Block
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return nil, fmt.Errorf("%w: reading sparse extension block: %v", ErrShortRead, err)
		}
		extSparse := sparseExtBlock(&ext)
		for i := 0; i < 21; i++ {
			entry := extSparse.Entry(i)
			if allZero(entry.Offset()) && allZero(entry.Length()) {
				break
			}
			off, err := parseOctal[uint64](entry.Offset())
			if err != nil {
				return nil, err
			}
			length, err := parseOctal[uint64](entry.Length())
			if err != nil {
				return nil, err
			}
			header.sparse = append(header.sparse, SparseEntry{Offset: off, NumBytes: length})
		}
		isExtended = extSparse.IsExtended()[0] == '1'
	}

	return header, nil
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// Save emits the header, preceded by long-name/long-link auxiliary blocks
// when Name/LinkName exceed 100 bytes, and followed by sparse extension
// blocks when there are more than 4 sparse entries.
func (h *GNUHeader) Save(w io.Writer) error {
	if len(h.Name) > nameSize {
		if err := saveLongHeader(w, TypeGNULongName, h.Name); err != nil {
			return err
		}
	}
	if len(h.LinkName) > nameSize {
		if err := saveLongHeader(w, TypeGNULongLink, h.LinkName); err != nil {
			return err
		}
	}

	var block Block
	g := block.GNU()
	v7 := g.V7()
	putString(v7.Name(), h.Name)
	putOctal(v7.Mode(), h.Mode)
	putOctal(v7.UID(), h.UID)
	putOctal(v7.GID(), h.GID)
	putOctal(v7.Size(), h.Size)
	putOctal(v7.ModTime(), h.ModTime)
	v7.TypeFlag()[0] = byte(h.TypeFlag)
	putString(v7.LinkName(), h.LinkName)
	block.setMagic(FormatGNU)
	putString(g.UserName(), h.UserName)
	putString(g.GroupName(), h.GroupName)
	putOctal(g.DevMajor(), h.DevMajor)
	putOctal(g.DevMinor(), h.DevMinor)

	if h.AccessTime != nil {
		putOctal(g.AccessTime(), *h.AccessTime)
	}
	if h.ChangeTime != nil {
		putOctal(g.ChangeTime(), *h.ChangeTime)
	}
	if h.RealSize != nil {
		putOctal(g.RealSize(), *h.RealSize)
	}
	if len(h.sparse) == 0 && h.Incremental != nil {
		putString(g.Incremental(), *h.Incremental)
	}
	copy(g.Extra(), h.Extra[:])

	sp := g.Sparse()
	for i := 0; i < 4 && i < len(h.sparse); i++ {
		e := sp.Entry(i)
		putOctal(e.Offset(), h.sparse[i].Offset)
		putOctal(e.Length(), h.sparse[i].NumBytes)
	}
	if len(h.sparse) > 4 {
		sp.IsExtended()[0] = '1'
	}

	h.Chksum = fillChecksum((*[blockSize]byte)(&block))
	if _, err := w.Write(block[:]); err != nil {
		return err
	}

	rest := h.sparse[min(4, len(h.sparse)):]
	for len(rest) > 0 {
		var ext Block
		extSparse := sparseExtBlock(&ext)
		n := min(21, len(rest))
		for i := 0; i < n; i++ {
			e := extSparse.Entry(i)
			putOctal(e.Offset(), rest[i].Offset)
			putOctal(e.Length(), rest[i].NumBytes)
		}
		rest = rest[n:]
		if len(rest) > 0 {
			extSparse.IsExtended()[0] = '1'
		}
		if _, err := w.Write(ext[:]); err != nil {
			return err
		}
	}

	h.savedBlocks = h.UsedBlocks()
	return nil
}

// saveLongHeader writes a preceding GNU long name/link auxiliary header
// (fixed name "././@LongLink", typeflag 'L' or 'K') followed by value
// padded to the next block boundary.
func saveLongHeader(w io.Writer, t TypeFlag, value string) error {
	var block Block
	v7 := block.V7()
	putString(v7.Name(), longLinkName)
	v7.TypeFlag()[0] = byte(t)
	putOctal(v7.Size(), uint64(len(value)))
	block.setMagic(FormatGNU)

	fillChecksum((*[blockSize]byte)(&block))
	if _, err := w.Write(block[:]); err != nil {
		return err
	}

	payload := make([]byte, len(value)+int(blockPadding(int64(len(value)))))
	copy(payload, value)
	_, err := w.Write(payload)
	return err
}
