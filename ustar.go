package rawtar

import "io"

// USTARHeader is the USTAR format defined in POSIX.1-1988: V7's core fields
// plus uname/gname, device numbers, and a 155-byte filename prefix.
type USTARHeader struct {
	Name     string
	Mode     uint32
	UID      uint32
	GID      uint32
	Size     uint64
	ModTime  uint64
	Chksum   uint32
	TypeFlag TypeFlag
	LinkName string
	UserName string
	GroupName string
	DevMajor uint32
	DevMinor uint32
	Prefix   string

	savedBlocks int
}

// loadUSTAR parses buf as a USTAR header. It returns (nil, nil) when the
// magic/version do not match USTAR.
func loadUSTAR(buf *Block) (*USTARHeader, error) {
	u := buf.USTAR()
	magic, err := getStringMin(u.Magic(), 6)
	if err != nil {
		return nil, err
	}
	version, err := getStringMin(u.Version(), 2)
	if err != nil {
		return nil, err
	}
	if magic != magicUSTAR || version != versionUSTAR {
		return nil, nil
	}

	v7 := u.V7()
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
	uname, err := getString(u.UserName())
	if err != nil {
		return nil, err
	}
	gname, err := getString(u.GroupName())
	if err != nil {
		return nil, err
	}
	devmajor, err := parseOctal[uint32](u.DevMajor())
	if err != nil {
		return nil, err
	}
	devminor, err := parseOctal[uint32](u.DevMinor())
	if err != nil {
		return nil, err
	}
	prefix, err := getString(u.Prefix())
	if err != nil {
		return nil, err
	}

	return &USTARHeader{
		Name: name, Mode: mode, UID: uid, GID: gid, Size: size, ModTime: mtime,
		Chksum: chksum, TypeFlag: TypeFlag(v7.TypeFlag()[0]), LinkName: linkname,
		UserName: uname, GroupName: gname, DevMajor: devmajor, DevMinor: devminor,
		Prefix: prefix, savedBlocks: 1,
	}, nil
}

// Save emits the 512-byte USTAR block, computing and writing its checksum.
func (h *USTARHeader) Save(w io.Writer) error {
	var block Block
	u := block.USTAR()
	v7 := u.V7()
	putString(v7.Name(), h.Name)
	putOctal(v7.Mode(), h.Mode)
	putOctal(v7.UID(), h.UID)
	putOctal(v7.GID(), h.GID)
	putOctal(v7.Size(), h.Size)
	putOctal(v7.ModTime(), h.ModTime)
	v7.TypeFlag()[0] = byte(h.TypeFlag)
	putString(v7.LinkName(), h.LinkName)
	block.setMagic(FormatUSTAR)
	putString(u.UserName(), h.UserName)
	putString(u.GroupName(), h.GroupName)
	putOctal(u.DevMajor(), h.DevMajor)
	putOctal(u.DevMinor(), h.DevMinor)
	putString(u.Prefix(), h.Prefix)

	h.Chksum = fillChecksum((*[blockSize]byte)(&block))
	if _, err := w.Write(block[:]); err != nil {
		return err
	}
	h.savedBlocks = 1
	return nil
}

func (h *USTARHeader) UsedBlocks() int      { return 1 }
func (h *USTARHeader) SavedBlocks() int     { return h.savedBlocks }
func (h *USTARHeader) ContentSize() uint64  { return h.Size }
