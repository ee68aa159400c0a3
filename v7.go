package rawtar

import "io"

// V7Header is the minimal original Unix tar header: name, mode, uid, gid,
// size, mtime, checksum, typeflag, linkname. No magic, no uname/gname, no
// device numbers.
type V7Header struct {
	Name     string
	Mode     uint32
	UID      uint32
	GID      uint32
	Size     uint64
	ModTime  uint64
	Chksum   uint32
	TypeFlag TypeFlag
	LinkName string

	savedBlocks int
}

// loadV7 parses buf as a V7 header. It returns (nil, nil) when the typeflag
// is not one V7 recognizes, signaling the dispatcher to try another variant.
func loadV7(buf *Block) (*V7Header, error) {
	v7 := buf.V7()
	t := TypeFlag(v7.TypeFlag()[0])
	if !t.isKnownV7() {
		return nil, nil
	}

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

	return &V7Header{
		Name: name, Mode: mode, UID: uid, GID: gid, Size: size, ModTime: mtime,
		Chksum: chksum, TypeFlag: t, LinkName: linkname, savedBlocks: 1,
	}, nil
}

// Save emits the 512-byte V7 block, computing and writing its checksum.
func (h *V7Header) Save(w io.Writer) error {
	var block Block
	v7 := block.V7()
	putString(v7.Name(), h.Name)
	putOctal(v7.Mode(), h.Mode)
	putOctal(v7.UID(), h.UID)
	putOctal(v7.GID(), h.GID)
	putOctal(v7.Size(), h.Size)
	putOctal(v7.ModTime(), h.ModTime)
	v7.TypeFlag()[0] = byte(h.TypeFlag)
	putString(v7.LinkName(), h.LinkName)

	h.Chksum = fillChecksum((*[blockSize]byte)(&block))
	if _, err := w.Write(block[:]); err != nil {
		return err
	}
	h.savedBlocks = 1
	return nil
}

func (h *V7Header) UsedBlocks() int  { return 1 }
func (h *V7Header) SavedBlocks() int { return h.savedBlocks }
func (h *V7Header) ContentSize() uint64 { return h.Size }
