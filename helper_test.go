package rawtar

import (
	"bytes"
	"testing"

	"gotest.tools/v3/assert"
)

func TestParseOctal(t *testing.T) {
	v, err := parseOctal[uint64]([]byte("0000644\x00"))
	assert.NilError(t, err)
	assert.Equal(t, v, uint64(0o644))

	v, err = parseOctal[uint64]([]byte(" 755 \x00\x00\x00"))
	assert.NilError(t, err)
	assert.Equal(t, v, uint64(0o755))

	v, err = parseOctal[uint64]([]byte("\x00\x00\x00\x00"))
	assert.NilError(t, err)
	assert.Equal(t, v, uint64(0))

	_, err = parseOctal[uint32]([]byte("00089\x00"))
	assert.ErrorIs(t, err, ErrBadOctal)
}

func TestPutOctal(t *testing.T) {
	buf := make([]byte, 8)
	putOctal(buf, uint32(0o644))
	assert.DeepEqual(t, buf, []byte("0000644\x00"))

	// A value too wide for the field keeps its least-significant digits;
	// the most-significant ones are silently dropped.
	small := make([]byte, 4)
	putOctal(small, uint64(0o7654321))
	assert.DeepEqual(t, small, []byte("321\x00"))
}

func TestGetString(t *testing.T) {
	s, err := getString([]byte("hello\x00world"))
	assert.NilError(t, err)
	assert.Equal(t, s, "hello")

	s, err = getString([]byte("full"))
	assert.NilError(t, err)
	assert.Equal(t, s, "full")

	_, err = getString([]byte{0xff, 0xfe, 'x'})
	assert.ErrorIs(t, err, ErrBadEncoding)
}

func TestGetStringMinKeepsLeadingNULs(t *testing.T) {
	// USTAR's 6-byte magic is "ustar\x00": the NUL is content, not a
	// terminator, when the whole field is declared as real bytes.
	s, err := getStringMin([]byte("ustar\x00"), 6)
	assert.NilError(t, err)
	assert.Equal(t, s, magicUSTAR)

	s, err = getStringMin([]byte("ab\x00cd\x00"), 3)
	assert.NilError(t, err)
	assert.Equal(t, s, "ab\x00cd")
}

func TestPutStringPadsWithNULs(t *testing.T) {
	buf := []byte("xxxxxxxx")
	putString(buf, "hi")
	assert.DeepEqual(t, buf, []byte("hi\x00\x00\x00\x00\x00\x00"))
}

func TestFillChecksumFormat(t *testing.T) {
	var block Block
	copy(block[:], "file.txt")
	sum := fillChecksum((*[blockSize]byte)(&block))

	// The stored field is six octal digits, NUL, space.
	assert.Equal(t, block[154], byte(0))
	assert.Equal(t, block[155], byte(' '))

	parsed, err := parseOctal[uint32](block[148:156])
	assert.NilError(t, err)
	assert.Equal(t, parsed, sum)

	recomputed, _ := computeChecksum((*[blockSize]byte)(&block))
	assert.Equal(t, recomputed, sum)
}

func TestBogusMagicYieldsUnknownVerbatim(t *testing.T) {
	var block Block
	copy(block.USTAR().Magic(), "bogus!")
	block.V7().TypeFlag()[0] = 'z'

	h, err := LoadHeader(bytes.NewReader(block[:]))
	assert.NilError(t, err)
	assert.Assert(t, h.Unknown != nil)
	assert.Equal(t, h.UnknownLen, blockSize)

	var out bytes.Buffer
	assert.NilError(t, h.Save(&out))
	assert.DeepEqual(t, out.Bytes(), block[:])
}

func TestSparseExtensionBlockCounts(t *testing.T) {
	assert.Equal(t, sparseExcessBlocks(4), 0)
	assert.Equal(t, sparseExcessBlocks(5), 1)
	assert.Equal(t, sparseExcessBlocks(25), 1)
	assert.Equal(t, sparseExcessBlocks(26), 2)
	assert.Equal(t, sparseExcessBlocks(34), 2)

	h := NewGNUHeader(TypeGNUSparse)
	h.Name = "big.img"
	for i := 0; i < 34; i++ {
		h.PushSparse(SparseEntry{Offset: uint64(i) * 8192, NumBytes: 4096})
	}
	var buf bytes.Buffer
	assert.NilError(t, h.Save(&buf))
	assert.Equal(t, buf.Len(), 3*blockSize)
	assert.Equal(t, h.SavedBlocks(), 3)
}
