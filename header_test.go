package rawtar

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestUSTARRoundTrip(t *testing.T) {
	want := &USTARHeader{
		Name: "hello.txt", Mode: 0o644, UID: 1000, GID: 1000, Size: 11,
		ModTime: 1700000000, TypeFlag: TypeRegular, UserName: "alice",
		GroupName: "staff", Prefix: "",
	}
	var buf bytes.Buffer
	if err := want.Save(&buf); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if buf.Len() != blockSize {
		t.Fatalf("expected %d bytes, got %d", blockSize, buf.Len())
	}

	h, err := LoadHeader(&buf)
	if err != nil {
		t.Fatalf("LoadHeader failed: %v", err)
	}
	if h.USTAR == nil {
		t.Fatalf("expected USTAR branch, got %+v", h)
	}
	if diff := cmp.Diff(want, h.USTAR, cmpopts.IgnoreFields(USTARHeader{}, "savedBlocks")); diff != "" {
		t.Errorf("round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestV7RoundTrip(t *testing.T) {
	want := &V7Header{Name: "old.txt", Mode: 0o600, Size: 4, TypeFlag: TypeRegular}
	var buf bytes.Buffer
	if err := want.Save(&buf); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	h, err := LoadHeader(&buf)
	if err != nil {
		t.Fatalf("LoadHeader failed: %v", err)
	}
	if h.V7 == nil {
		t.Fatalf("expected V7 branch, got %+v", h)
	}
	if h.V7.Name != want.Name || h.V7.Size != want.Size {
		t.Errorf("not equal: expected(%+v) != actual(%+v)", want, h.V7)
	}
}

func TestGNULongNameRoundTrip(t *testing.T) {
	longName := ""
	for len(longName) < 300 {
		longName += "a/very/deeply/nested/path/segment/"
	}
	longName += "file.bin"

	want := NewGNUHeader(TypeRegular)
	want.SetName(longName)
	want.Size = 5

	var buf bytes.Buffer
	if err := want.Save(&buf); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	h, err := LoadHeader(&buf)
	if err != nil {
		t.Fatalf("LoadHeader failed: %v", err)
	}
	if h.GNU == nil {
		t.Fatalf("expected GNU branch, got %+v", h)
	}
	if h.GNU.Name != longName {
		t.Errorf("long name mismatch: expected %q, got %q", longName, h.GNU.Name)
	}
}

func TestGNUSparseRoundTrip(t *testing.T) {
	want := NewGNUHeader(TypeGNUSparse)
	want.Name = "sparse.bin"
	want.Size = 1 << 20
	for i := 0; i < 30; i++ {
		want.PushSparse(SparseEntry{Offset: uint64(i) * 4096, NumBytes: 512})
	}
	realSize := uint64(1 << 30)
	want.RealSize = &realSize

	var buf bytes.Buffer
	if err := want.Save(&buf); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	h, err := LoadHeader(&buf)
	if err != nil {
		t.Fatalf("LoadHeader failed: %v", err)
	}
	if h.GNU == nil {
		t.Fatalf("expected GNU branch, got %+v", h)
	}
	if diff := cmp.Diff(want.Sparse(), h.GNU.Sparse()); diff != "" {
		t.Errorf("sparse map mismatch (-want +got):\n%s", diff)
	}
	if h.GNU.RealSize == nil || *h.GNU.RealSize != realSize {
		t.Errorf("real size mismatch: expected %d, got %v", realSize, h.GNU.RealSize)
	}
}

func TestPAXAttributeRoundTrip(t *testing.T) {
	want := NewPAXHeader(TypePAXExtended)
	want.Name = "payload.bin"
	want.Size = 42
	want.SetPath("unicode/café.txt")
	want.SetUID(70000)
	want.SetMTime(1700000000.123456789)

	var buf bytes.Buffer
	if err := want.Save(&buf); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	h, err := LoadHeader(&buf)
	if err != nil {
		t.Fatalf("LoadHeader failed: %v", err)
	}
	if h.PAX == nil {
		t.Fatalf("expected PAX branch, got %+v", h)
	}

	path, ok := h.PAX.GetPath()
	if !ok || path != "unicode/café.txt" {
		t.Errorf("path attribute mismatch: ok=%v got=%q", ok, path)
	}
	uid, ok := h.PAX.GetUID()
	if !ok || uid != 70000 {
		t.Errorf("uid attribute mismatch: ok=%v got=%d", ok, uid)
	}
	mtime, ok := h.PAX.GetMTime()
	if !ok || mtime != 1700000000.123456789 {
		t.Errorf("mtime attribute mismatch: ok=%v got=%v", ok, mtime)
	}
}

func TestPAXRecordDeclaredLengthTooShort(t *testing.T) {
	// A record whose declared length is smaller than its own prefix
	// ("1 a=\n" claims 1 byte but spends 2 on "1 ") must be rejected,
	// not tear down the parser.
	data := "1 a=\n"

	var block Block
	v7 := block.V7()
	putString(v7.Name(), "attrs")
	putOctal(v7.Size(), uint64(len(data)))
	v7.TypeFlag()[0] = byte(TypePAXExtended)
	block.setMagic(FormatUSTAR)
	fillChecksum((*[blockSize]byte)(&block))

	payload := make([]byte, blockSize)
	copy(payload, data)
	stream := append(append([]byte{}, block[:]...), payload...)

	_, err := LoadHeader(bytes.NewReader(stream))
	if !errors.Is(err, ErrBadEncoding) {
		t.Errorf("expected ErrBadEncoding for a self-underflowing record length, got %v", err)
	}
}

func TestCalcLineSizeFixedPoint(t *testing.T) {
	cases := []struct {
		key  string
		attr Attribute
		want uint64
	}{
		{"hello", NewStringAttr("world"), 15},
		{"a", NewStringAttr("world"), 11},
	}
	for _, c := range cases {
		got := calcLineSize(c.key, c.attr)
		if got != c.want {
			t.Errorf("calcLineSize(%q, %q): expected %d, got %d", c.key, c.attr.Raw, c.want, got)
		}
	}
}

func TestDetectionOrderPrefersGNUOverUSTAR(t *testing.T) {
	h := NewGNUHeader(TypeRegular)
	h.Name = "short.txt"
	h.Size = 0
	var buf bytes.Buffer
	if err := h.Save(&buf); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err := LoadHeader(&buf)
	if err != nil {
		t.Fatalf("LoadHeader failed: %v", err)
	}
	if got.GNU == nil || got.USTAR != nil {
		t.Errorf("expected GNU branch exclusively, got %+v", got)
	}
}

func TestLoadHeaderShortReadYieldsUnknown(t *testing.T) {
	short := bytes.NewReader(make([]byte, 100))
	h, err := LoadHeader(short)
	if err != nil {
		t.Fatalf("LoadHeader failed: %v", err)
	}
	if h.Unknown == nil || h.UnknownLen != 100 {
		t.Errorf("expected Unknown branch with 100 bytes, got %+v", h)
	}
	var out bytes.Buffer
	if err := h.Save(&out); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if out.Len() != 100 {
		t.Errorf("expected 100 bytes written back, got %d", out.Len())
	}
}

func TestLoadHeaderEOFAtBoundary(t *testing.T) {
	_, err := LoadHeader(bytes.NewReader(nil))
	if err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestGNUBlockCountFormula(t *testing.T) {
	h := NewGNUHeader(TypeRegular)
	h.Name = "short"
	if got := h.UsedBlocks(); got != 1 {
		t.Errorf("expected 1 block for a short name, got %d", got)
	}

	h.SetName(string(make([]byte, 250)))
	if got, want := h.UsedBlocks(), 1+ceilExcess(250, nameSize); got != want {
		t.Errorf("expected %d blocks for a 250-byte name, got %d", want, got)
	}

	h.ClearSparse()
	for i := 0; i < 25; i++ {
		h.PushSparse(SparseEntry{Offset: uint64(i), NumBytes: 1})
	}
	if got, want := h.UsedBlocks(), 1+ceilExcess(250, nameSize)+sparseExcessBlocks(25); got != want {
		t.Errorf("expected %d blocks with 25 sparse entries, got %d", want, got)
	}
}
