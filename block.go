// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package rawtar implements a byte-exact codec for the four TAR header
// flavors in use today (V7, USTAR, PAX, GNU) plus a random-access paged
// index layered on top of the format, so an archive built with this package
// stays a valid, extractable TAR file while supporting O(1) member lookup.
package rawtar

import "strings"

// Format identifies which TAR header flavor a block was written in, or a
// combination a block is ambiguously compatible with (e.g. a USTAR block
// with typeflag '0' is valid USTAR and also a valid PAX "ustar" header).
type Format int

// Constants to identify the various header formats this codec understands.
const (
	// Deliberately hide the meaning of constants from public API.
	_ Format = (1 << iota) / 4 // Sequence of 0, 0, 1, 2, 4, 8, etc.

	// FormatUnknown indicates the format could not be determined.
	FormatUnknown

	// FormatV7 is the original Unix V7 tar format, prior to standardization.
	FormatV7

	// FormatUSTAR is the USTAR format defined in POSIX.1-1988.
	FormatUSTAR

	// FormatPAX is the PAX extended/global attribute format defined in
	// POSIX.1-2001. It layers a key=value attribute record onto a USTAR
	// header with typeflag 'x' (per-member) or 'g' (global).
	FormatPAX

	// FormatGNU is the GNU tar format: long names/linknames via 'L'/'K'
	// auxiliary blocks, and sparse file support.
	FormatGNU

	formatMax
)

func (f Format) has(f2 Format) bool { return f&f2 != 0 }

var formatNames = map[Format]string{
	FormatV7: "V7", FormatUSTAR: "USTAR", FormatPAX: "PAX", FormatGNU: "GNU",
}

func (f Format) String() string {
	var ss []string
	for f2 := Format(1); f2 < formatMax; f2 <<= 1 {
		if f.has(f2) {
			ss = append(ss, formatNames[f2])
		}
	}
	switch len(ss) {
	case 0:
		return "<unknown>"
	case 1:
		return ss[0]
	default:
		return "(" + strings.Join(ss, " | ") + ")"
	}
}

// Magic/version pairs that distinguish the header variants.
const (
	magicGNU, versionGNU     = "ustar ", " \x00"
	magicUSTAR, versionUSTAR = "ustar\x00", "00"
)

// Size constants shared by every variant.
const (
	blockSize  = 512 // size of a TAR block
	nameSize   = 100 // max length of the name field
	prefixSize = 155 // max length of the USTAR/PAX prefix field
)

// blockPadding computes the number of bytes needed to pad offset up to the
// nearest block boundary, 0 <= n < blockSize.
func blockPadding(offset int64) (n int64) {
	return -offset & (blockSize - 1)
}

var zeroBlock Block

// Block is a single raw 512-byte TAR block, reinterpretable as any of the
// header layouts below.
type Block [blockSize]byte

func (b *Block) V7() *headerV7       { return (*headerV7)(b) }
func (b *Block) GNU() *headerGNU     { return (*headerGNU)(b) }
func (b *Block) USTAR() *headerUSTAR { return (*headerUSTAR)(b) }
func (b *Block) Sparse() sparseArray { return (sparseArray)(b[:]) }

// detectFormat guesses the format of a block from its magic/version fields.
// It does not validate the checksum; callers validate separately per
// variant (strict for GNU long-name blocks, tolerant elsewhere).
func (b *Block) detectFormat() Format {
	magic := string(b.USTAR().Magic())
	version := string(b.USTAR().Version())
	switch {
	case magic == magicUSTAR && version == versionUSTAR:
		return FormatUSTAR | FormatPAX
	case magic == magicGNU && version == versionGNU:
		return FormatGNU
	default:
		return FormatV7
	}
}

// setMagic writes the magic/version pair for format into b.
func (b *Block) setMagic(format Format) {
	switch {
	case format.has(FormatGNU):
		copy(b.GNU().Magic(), magicGNU)
		copy(b.GNU().Version(), versionGNU)
	case format.has(FormatUSTAR | FormatPAX):
		copy(b.USTAR().Magic(), magicUSTAR)
		copy(b.USTAR().Version(), versionUSTAR)
	case format.has(FormatV7):
		// No magic for V7.
	default:
		panic("rawtar: invalid format")
	}
}

// Reset clears the block to all zeros.
func (b *Block) Reset() { *b = Block{} }

type headerV7 [blockSize]byte

func (h *headerV7) Name() []byte     { return h[000:][:100] }
func (h *headerV7) Mode() []byte     { return h[100:][:8] }
func (h *headerV7) UID() []byte      { return h[108:][:8] }
func (h *headerV7) GID() []byte      { return h[116:][:8] }
func (h *headerV7) Size() []byte     { return h[124:][:12] }
func (h *headerV7) ModTime() []byte  { return h[136:][:12] }
func (h *headerV7) Chksum() []byte   { return h[148:][:8] }
func (h *headerV7) TypeFlag() []byte { return h[156:][:1] }
func (h *headerV7) LinkName() []byte { return h[157:][:100] }

type headerGNU [blockSize]byte

func (h *headerGNU) V7() *headerV7 { return (*headerV7)(h) }

func (h *headerGNU) Magic() []byte      { return h[257:][:6] }
func (h *headerGNU) Version() []byte    { return h[263:][:2] }
func (h *headerGNU) UserName() []byte   { return h[265:][:32] }
func (h *headerGNU) GroupName() []byte  { return h[297:][:32] }
func (h *headerGNU) DevMajor() []byte   { return h[329:][:8] }
func (h *headerGNU) DevMinor() []byte   { return h[337:][:8] }
func (h *headerGNU) AccessTime() []byte { return h[345:][:12] }
func (h *headerGNU) ChangeTime() []byte { return h[357:][:12] }

// Sparse covers the 4 in-header sparse entries plus the isextended byte
// that immediately follows them (offsets 386..483).
func (h *headerGNU) Sparse() sparseArray { return (sparseArray)(h[386:][:24*4+1]) }
func (h *headerGNU) RealSize() []byte    { return h[483:][:12] }
func (h *headerGNU) Incremental() []byte { return h[369:][:131] }
func (h *headerGNU) Extra() []byte       { return h[500:][:12] }

type headerUSTAR [blockSize]byte

func (h *headerUSTAR) V7() *headerV7     { return (*headerV7)(h) }
func (h *headerUSTAR) Magic() []byte     { return h[257:][:6] }
func (h *headerUSTAR) Version() []byte   { return h[263:][:2] }
func (h *headerUSTAR) UserName() []byte  { return h[265:][:32] }
func (h *headerUSTAR) GroupName() []byte { return h[297:][:32] }
func (h *headerUSTAR) DevMajor() []byte  { return h[329:][:8] }
func (h *headerUSTAR) DevMinor() []byte  { return h[337:][:8] }
func (h *headerUSTAR) Prefix() []byte    { return h[345:][:prefixSize] }

// sparseArray is a view over a block of 24-byte {offset,numbytes} pairs
// followed by a trailing isExtended byte. It is reused both for the 4
// in-header entries and for the 21-entry extension blocks (only the slice
// length, hence MaxEntries, differs).
type sparseArray []byte

func (s sparseArray) Entry(i int) sparseElem { return (sparseElem)(s[i*24:]) }
func (s sparseArray) IsExtended() []byte     { return s[24*s.MaxEntries():][:1] }
func (s sparseArray) MaxEntries() int        { return len(s) / 24 }

type sparseElem []byte

func (s sparseElem) Offset() []byte { return s[00:][:12] }
func (s sparseElem) Length() []byte { return s[12:][:12] }

// sparseExtBlock builds a sparseArray over a full 512-byte extension block:
// 21 entries (24 bytes each) followed by the next-block flag at byte 504.
func sparseExtBlock(b *Block) sparseArray { return sparseArray(b[:24*21+1]) }
