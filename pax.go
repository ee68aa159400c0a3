package rawtar

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
)

// Attribute is one PAX extended-attribute value. Value holds a typed
// parse of Raw for the well-known numeric keys (uid, gid, size: uint64;
// mtime, atime, ctime: float64); it is nil for string-valued keys and for
// any key this package does not interpret.
type Attribute struct {
	Value any
	Raw   string
}

// NewStringAttr wraps a plain string-valued attribute.
func NewStringAttr(s string) Attribute { return Attribute{Raw: s} }

// NewUint64Attr parses s as an unsigned decimal integer attribute (uid,
// gid, size).
func NewUint64Attr(s string) Attribute {
	v, _ := strconv.ParseUint(s, 10, 64)
	return Attribute{Value: v, Raw: s}
}

// NewFloat64Attr parses s as a decimal floating-point attribute (mtime,
// atime, ctime).
func NewFloat64Attr(s string) Attribute {
	v, _ := strconv.ParseFloat(s, 64)
	return Attribute{Value: v, Raw: s}
}

func attrForKey(key, raw string) Attribute {
	switch key {
	case "uid", "gid", "size":
		return NewUint64Attr(raw)
	case "mtime", "atime", "ctime":
		return NewFloat64Attr(raw)
	default:
		return NewStringAttr(raw)
	}
}

// paxAttributes is an insertion-ordered string-keyed map, the Go stand-in
// for an IndexMap: attributes preserve the order they were added in, and
// can be addressed either by key or by position.
type paxAttributes struct {
	keys []string
	vals map[string]Attribute
}

func newPaxAttributes() paxAttributes {
	return paxAttributes{vals: make(map[string]Attribute)}
}

func (a *paxAttributes) Len() int { return len(a.keys) }

func (a *paxAttributes) Get(key string) (Attribute, bool) {
	v, ok := a.vals[key]
	return v, ok
}

func (a *paxAttributes) IndexOf(key string) (int, bool) {
	for i, k := range a.keys {
		if k == key {
			return i, true
		}
	}
	return 0, false
}

func (a *paxAttributes) Set(key string, v Attribute) {
	if _, exists := a.vals[key]; !exists {
		a.keys = append(a.keys, key)
	}
	a.vals[key] = v
}

func (a *paxAttributes) InsertAt(i int, key string, v Attribute) {
	if idx, exists := a.IndexOf(key); exists {
		a.Remove(key)
		if idx < i {
			i--
		}
	}
	a.keys = append(a.keys, "")
	copy(a.keys[i+1:], a.keys[i:])
	a.keys[i] = key
	a.vals[key] = v
}

func (a *paxAttributes) Remove(key string) (Attribute, bool) {
	v, ok := a.vals[key]
	if !ok {
		return Attribute{}, false
	}
	delete(a.vals, key)
	for i, k := range a.keys {
		if k == key {
			a.keys = append(a.keys[:i], a.keys[i+1:]...)
			break
		}
	}
	return v, true
}

func (a *paxAttributes) RemoveAt(i int) (string, Attribute, bool) {
	if i < 0 || i >= len(a.keys) {
		return "", Attribute{}, false
	}
	key := a.keys[i]
	v := a.vals[key]
	delete(a.vals, key)
	a.keys = append(a.keys[:i], a.keys[i+1:]...)
	return key, v, true
}

func (a *paxAttributes) Clear() {
	a.keys = nil
	a.vals = make(map[string]Attribute)
}

func (a *paxAttributes) At(i int) (string, Attribute) {
	key := a.keys[i]
	return key, a.vals[key]
}

// PAXHeader is the POSIX.1-2001 extended-attribute format: a standard
// header carrying an ordered key=value attribute block, applying either
// to the single member that follows ('x') or to every member until the
// next global header ('g').
type PAXHeader struct {
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
	Prefix    string

	attrs paxAttributes

	usedBlocks        int
	savedBlocks       int
	updatedUsedBlocks bool
}

// NewPAXHeader returns an empty PAX header of the given kind
// (TypePAXExtended or TypePAXGlobal).
func NewPAXHeader(t TypeFlag) *PAXHeader {
	return &PAXHeader{TypeFlag: t, attrs: newPaxAttributes()}
}

func (h *PAXHeader) invalidate() { h.updatedUsedBlocks = false }

func (h *PAXHeader) IsGlobal() bool { return h.TypeFlag == TypePAXGlobal }

func (h *PAXHeader) GetAttr(key string) (Attribute, bool) { return h.attrs.Get(key) }
func (h *PAXHeader) GetAttrIndex(key string) (int, bool)  { return h.attrs.IndexOf(key) }
func (h *PAXHeader) AttrLen() int                         { return h.attrs.Len() }
func (h *PAXHeader) AttrAt(i int) (string, Attribute)     { return h.attrs.At(i) }

func (h *PAXHeader) SetAttr(key string, v Attribute) { h.attrs.Set(key, v); h.invalidate() }
func (h *PAXHeader) InsertAttrAt(i int, key string, v Attribute) {
	h.attrs.InsertAt(i, key, v)
	h.invalidate()
}
func (h *PAXHeader) RemoveAttr(key string) (Attribute, bool) {
	v, ok := h.attrs.Remove(key)
	h.invalidate()
	return v, ok
}
func (h *PAXHeader) RemoveAttrAt(i int) (string, Attribute, bool) {
	k, v, ok := h.attrs.RemoveAt(i)
	h.invalidate()
	return k, v, ok
}
func (h *PAXHeader) ClearAttr() { h.attrs.Clear(); h.invalidate() }

// Typed accessors for the well-known attribute keys.

func (h *PAXHeader) GetPath() (string, bool)     { return h.getStringAttr("path") }
func (h *PAXHeader) SetPath(v string)            { h.SetAttr("path", NewStringAttr(v)) }
func (h *PAXHeader) GetLinkPath() (string, bool) { return h.getStringAttr("linkpath") }
func (h *PAXHeader) SetLinkPath(v string)        { h.SetAttr("linkpath", NewStringAttr(v)) }
func (h *PAXHeader) GetUName() (string, bool)    { return h.getStringAttr("uname") }
func (h *PAXHeader) SetUName(v string)           { h.SetAttr("uname", NewStringAttr(v)) }
func (h *PAXHeader) GetGName() (string, bool)    { return h.getStringAttr("gname") }
func (h *PAXHeader) SetGName(v string)           { h.SetAttr("gname", NewStringAttr(v)) }

func (h *PAXHeader) getStringAttr(key string) (string, bool) {
	a, ok := h.attrs.Get(key)
	if !ok {
		return "", false
	}
	return a.Raw, true
}

func (h *PAXHeader) GetUID() (uint64, bool)   { return h.getUintAttr("uid") }
func (h *PAXHeader) SetUID(v uint64)          { h.SetAttr("uid", Attribute{Value: v, Raw: strconv.FormatUint(v, 10)}) }
func (h *PAXHeader) GetGID() (uint64, bool)   { return h.getUintAttr("gid") }
func (h *PAXHeader) SetGID(v uint64)          { h.SetAttr("gid", Attribute{Value: v, Raw: strconv.FormatUint(v, 10)}) }
func (h *PAXHeader) GetAttrSize() (uint64, bool) { return h.getUintAttr("size") }
func (h *PAXHeader) SetAttrSize(v uint64) {
	h.SetAttr("size", Attribute{Value: v, Raw: strconv.FormatUint(v, 10)})
}

func (h *PAXHeader) getUintAttr(key string) (uint64, bool) {
	a, ok := h.attrs.Get(key)
	if !ok {
		return 0, false
	}
	v, ok := a.Value.(uint64)
	return v, ok
}

func (h *PAXHeader) GetMTime() (float64, bool) { return h.getFloatAttr("mtime") }
func (h *PAXHeader) SetMTime(v float64)        { h.setFloatAttr("mtime", v) }
func (h *PAXHeader) GetATime() (float64, bool) { return h.getFloatAttr("atime") }
func (h *PAXHeader) SetATime(v float64)        { h.setFloatAttr("atime", v) }
func (h *PAXHeader) GetCTime() (float64, bool) { return h.getFloatAttr("ctime") }
func (h *PAXHeader) SetCTime(v float64)        { h.setFloatAttr("ctime", v) }

func (h *PAXHeader) getFloatAttr(key string) (float64, bool) {
	a, ok := h.attrs.Get(key)
	if !ok {
		return 0, false
	}
	v, ok := a.Value.(float64)
	return v, ok
}

func (h *PAXHeader) setFloatAttr(key string, v float64) {
	h.SetAttr(key, Attribute{Value: v, Raw: strconv.FormatFloat(v, 'f', -1, 64)})
}

// calcLineSize computes the declared length of the "<len> key=value\n"
// record, including the digits of <len> itself, by fixed-point iteration:
// the digit count of the prefix depends on the prefix's own value, which
// converges in at most a few steps.
func calcLineSize(key string, attr Attribute) uint64 {
	lineSize := uint64(len(key) + len(attr.Raw) + 3)
	lineDigits := decimalDigits(lineSize)

	prefix := lineDigits + lineSize
	prefixDigits := decimalDigits(prefix)

	for {
		oldDigits := prefixDigits
		prefix = prefix + prefixDigits - lineDigits
		prefixDigits = decimalDigits(prefix)
		if prefixDigits == oldDigits {
			break
		}
	}
	return prefix
}

func decimalDigits(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	d := uint64(0)
	for n > 0 {
		d++
		n /= 10
	}
	return d
}

func (h *PAXHeader) calcUsedBlocks() int {
	blocks := 1
	if h.attrs.Len() > 0 {
		var total uint64
		for _, k := range h.attrs.keys {
			total += calcLineSize(k, h.attrs.vals[k])
		}
		blocks += int((total + blockSize - 1) / blockSize)
	}
	return blocks
}

func (h *PAXHeader) UsedBlocks() int {
	if !h.updatedUsedBlocks {
		h.usedBlocks = h.calcUsedBlocks()
		h.updatedUsedBlocks = true
	}
	return h.usedBlocks
}

func (h *PAXHeader) SavedBlocks() int    { return h.savedBlocks }
func (h *PAXHeader) ContentSize() uint64 { return h.Size }

// loadPAX parses buf as a PAX header, then streams its attribute data
// block (size bytes, rounded up to the next 512-byte boundary) from r,
// parsing "<len> key=value\n" records.
func loadPAX(buf *Block, r io.Reader) (*PAXHeader, error) {
	u := buf.USTAR()
	magic := u.Magic()
	version := u.Version()
	if string(magic[:5]) != "ustar" || (magic[5] != ' ' && magic[5] != 0) {
		return nil, nil
	}
	if string(version) != "00" && string(version) != " \x00" {
		return nil, nil
	}
	t := TypeFlag(u.V7().TypeFlag()[0])
	if !t.IsPAXExtended() && !t.IsPAXGlobal() {
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

	header := &PAXHeader{
		Name: name, Mode: mode, UID: uid, GID: gid, Size: size, ModTime: mtime,
		Chksum: chksum, TypeFlag: t, LinkName: linkname, UserName: uname,
		GroupName: gname, DevMajor: devmajor, DevMinor: devminor, Prefix: prefix,
		attrs: newPaxAttributes(),
	}

	if size > 0 {
		numBlocks := (size + blockSize - 1) / blockSize
		data := make([]byte, numBlocks*blockSize)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, fmt.Errorf("%w: reading PAX attribute block: %v", ErrShortRead, err)
		}
		data = data[:size]
		if err := parsePAXAttributes(data, header); err != nil {
			return nil, err
		}
	}

	header.savedBlocks = header.UsedBlocks()
	return header, nil
}

// parsePAXAttributes parses a sequence of "<len> key=value\n" records
// out of data, in order, inserting each into header's attribute map.
func parsePAXAttributes(data []byte, header *PAXHeader) error {
	br := bufio.NewReader(bufReader(data))
	for {
		lenStr, err := br.ReadString(' ')
		if err == io.EOF && lenStr == "" {
			break
		}
		if err != nil && err != io.EOF {
			return fmt.Errorf("%w: PAX record: %v", ErrBadEncoding, err)
		}
		lenStr = lenStr[:len(lenStr)-1]
		n, err := strconv.Atoi(lenStr)
		if err != nil {
			return fmt.Errorf("%w: PAX record length %q: %v", ErrBadEncoding, lenStr, err)
		}
		prefixLen := len(lenStr) + 1
		// The declared length covers the whole record, its own digits
		// included; the smallest well-formed remainder is "k=\n".
		if n < prefixLen+3 {
			return fmt.Errorf("%w: PAX record length %d shorter than its own prefix", ErrBadEncoding, n)
		}
		rest := make([]byte, n-prefixLen)
		if _, err := io.ReadFull(br, rest); err != nil {
			return fmt.Errorf("%w: PAX record body: %v", ErrShortRead, err)
		}
		if len(rest) == 0 || rest[len(rest)-1] != '\n' {
			return fmt.Errorf("%w: PAX record missing trailing newline", ErrBadEncoding)
		}
		kv := rest[:len(rest)-1]
		eq := indexByte(kv, '=')
		if eq < 0 {
			return fmt.Errorf("%w: PAX record missing '='", ErrBadEncoding)
		}
		key := string(kv[:eq])
		value := string(kv[eq+1:])
		header.attrs.Set(key, attrForKey(key, value))
	}
	return nil
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

// bufReader adapts a byte slice to an io.Reader without pulling in
// bytes.Reader's Seek surface, which PAX parsing never needs.
func bufReader(b []byte) io.Reader { return &sliceReader{b: b} }

type sliceReader struct{ b []byte }

func (s *sliceReader) Read(p []byte) (int, error) {
	if len(s.b) == 0 {
		return 0, io.EOF
	}
	n := copy(p, s.b)
	s.b = s.b[n:]
	return n, nil
}

// Save emits the standard header (with size set to the attribute block's
// total byte length) followed by the attribute lines in insertion order.
func (h *PAXHeader) Save(w io.Writer) error {
	var block Block
	u := block.USTAR()
	v7 := u.V7()
	putString(v7.Name(), h.Name)
	putOctal(v7.Mode(), h.Mode)
	putOctal(v7.UID(), h.UID)
	putOctal(v7.GID(), h.GID)

	var paxSize uint64
	for _, k := range h.attrs.keys {
		paxSize += calcLineSize(k, h.attrs.vals[k])
	}
	putOctal(v7.Size(), paxSize)
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

	for _, k := range h.attrs.keys {
		attr := h.attrs.vals[k]
		lineSize := calcLineSize(k, attr)
		if _, err := fmt.Fprintf(w, "%d %s=%s\n", lineSize, k, attr.Raw); err != nil {
			return err
		}
	}
	if pad := blockPadding(int64(paxSize)); pad > 0 {
		if _, err := w.Write(zeroBlock[:pad]); err != nil {
			return err
		}
	}

	h.savedBlocks = h.UsedBlocks()
	return nil
}
