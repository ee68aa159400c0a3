package archive

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/RoboHenAI/rtar/index"
	"github.com/spf13/afero"
)

func TestCreateNewEmptyArchive(t *testing.T) {
	fs := afero.NewMemMapFs()
	a, err := CreateNew(fs, "box.tar")
	if err != nil {
		t.Fatalf("CreateNew failed: %v", err)
	}
	defer a.Close()

	entries, err := a.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected a fresh archive to list no members, got %d", len(entries))
	}

	if _, err := CreateNew(fs, "box.tar"); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists on a second CreateNew, got %v", err)
	}
}

func TestAddMemberWriteReadRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	a, err := CreateNew(fs, "box.tar")
	if err != nil {
		t.Fatalf("CreateNew failed: %v", err)
	}
	defer a.Close()

	content := []byte("hello, archive")
	sf, err := a.AddMember("greeting.txt", uint64(len(content)))
	if err != nil {
		t.Fatalf("AddMember failed: %v", err)
	}
	if _, err := sf.Write(content); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := a.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	reader, err := a.OpenMember("greeting.txt")
	if err != nil {
		t.Fatalf("OpenMember failed: %v", err)
	}
	got := make([]byte, len(content))
	if _, err := io.ReadFull(reader, got); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("not equal: expected(%q) != actual(%q)", content, got)
	}
}

func TestOpenMemberNotFound(t *testing.T) {
	fs := afero.NewMemMapFs()
	a, err := CreateNew(fs, "box.tar")
	if err != nil {
		t.Fatalf("CreateNew failed: %v", err)
	}
	defer a.Close()

	if _, err := a.OpenMember("missing.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAddMemberChainsASecondPage(t *testing.T) {
	fs := afero.NewMemMapFs()
	a, err := CreateNew(fs, "box.tar")
	if err != nil {
		t.Fatalf("CreateNew failed: %v", err)
	}
	defer a.Close()

	// RecordCount-1 members fill page 0 (row 0 is the chain link); one
	// more must trigger addPageLocked via AddMember's ErrOutOfBounds path.
	for i := 0; i < index.RecordCount; i++ {
		path := string(rune('a' + i%26)) + string(rune('0'+i/26))
		if _, err := a.AddMember(path, 1); err != nil {
			t.Fatalf("AddMember #%d (%s) failed: %v", i, path, err)
		}
	}

	entries, err := a.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != index.RecordCount {
		t.Errorf("expected %d members across two pages, got %d", index.RecordCount, len(entries))
	}
}

func TestRemoveMember(t *testing.T) {
	fs := afero.NewMemMapFs()
	a, err := CreateNew(fs, "box.tar")
	if err != nil {
		t.Fatalf("CreateNew failed: %v", err)
	}
	defer a.Close()

	if _, err := a.AddMember("keep.txt", 4); err != nil {
		t.Fatalf("AddMember keep.txt failed: %v", err)
	}
	if _, err := a.AddMember("drop.txt", 4); err != nil {
		t.Fatalf("AddMember drop.txt failed: %v", err)
	}

	if err := a.RemoveMember("drop.txt"); err != nil {
		t.Fatalf("RemoveMember failed: %v", err)
	}

	entries, err := a.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Path != "keep.txt" {
		t.Errorf("expected only keep.txt to remain, got %+v", entries)
	}
}

func TestAutoPartitionExtendsTailInPlace(t *testing.T) {
	fs := afero.NewMemMapFs()
	a, err := CreateNew(fs, "box.tar")
	if err != nil {
		t.Fatalf("CreateNew failed: %v", err)
	}
	defer a.Close()

	sf, err := a.AddMember("growing.bin", 4)
	if err != nil {
		t.Fatalf("AddMember failed: %v", err)
	}

	// Overflow the reserved 4 bytes; growing.bin is the archive's last
	// member, so this must extend in place rather than partition.
	payload := bytes.Repeat([]byte{'x'}, 4+1024)
	if _, err := sf.Write(payload); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	entry, ok, err := a.idx.Get("growing.bin")
	if err != nil || !ok {
		t.Fatalf("Get failed: ok=%v err=%v", ok, err)
	}
	if entry.Parted {
		t.Errorf("expected an in-place extension, not a partition, got %+v", entry)
	}
	if entry.Size < uint64(len(payload)) {
		t.Errorf("expected reservation to grow to at least %d, got %d", len(payload), entry.Size)
	}

	if err := a.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	sf2, err := a.OpenMember("growing.bin")
	if err != nil {
		t.Fatalf("OpenMember failed: %v", err)
	}
	got := make([]byte, len(payload))
	if _, err := io.ReadFull(sf2, got); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("round-trip mismatch after auto-partition extension")
	}
}

func TestAutoPartitionExtendsAnAlreadyLinkedTail(t *testing.T) {
	fs := afero.NewMemMapFs()
	a, err := CreateNew(fs, "box.tar")
	if err != nil {
		t.Fatalf("CreateNew failed: %v", err)
	}
	defer a.Close()

	sf, err := a.AddMember("m", 10)
	if err != nil {
		t.Fatalf("AddMember m failed: %v", err)
	}
	// A second member after m means m is no longer the archive's tail,
	// so overflowing it must create a real partition (m.part1).
	if _, err := a.AddMember("other", 5); err != nil {
		t.Fatalf("AddMember other failed: %v", err)
	}

	if _, err := sf.Write(bytes.Repeat([]byte{'x'}, 10+1)); err != nil {
		t.Fatalf("overflow write on m failed: %v", err)
	}

	entryM, ok, err := a.idx.Get("m")
	if err != nil || !ok {
		t.Fatalf("Get m failed: ok=%v err=%v", ok, err)
	}
	if !entryM.Parted || entryM.NextPart == 0 {
		t.Fatalf("expected m to be linked to a new part, got %+v", entryM)
	}

	// m.part1 is now the archive's tail; overflow it too, so autoPartition
	// takes the tail-extend branch on a member that is itself linked
	// back to a predecessor (PrevPart != 0).
	payload := bytes.Repeat([]byte{'y'}, partExtension+1)
	if _, err := sf.Write(payload); err != nil {
		t.Fatalf("overflow write into m.part1 failed: %v", err)
	}

	entryM, ok, err = a.idx.Get("m")
	if err != nil || !ok {
		t.Fatalf("Get m (after second overflow) failed: ok=%v err=%v", ok, err)
	}
	if entryM.NextPart == 0 {
		t.Fatalf("expected m's forward link to survive extending its successor, got %+v", entryM)
	}

	next, ok, err := a.idx.GetNextPart("m")
	if err != nil || !ok {
		t.Fatalf("GetNextPart failed: ok=%v err=%v", ok, err)
	}
	if next.Path != "m.part1" {
		t.Fatalf("expected m's next part to still be m.part1, got %q", next.Path)
	}

	if err := a.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	sf2, err := a.OpenMember("m")
	if err != nil {
		t.Fatalf("OpenMember failed: %v", err)
	}
	got := make([]byte, 10+1+len(payload))
	if _, err := io.ReadFull(sf2, got); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	want := append(bytes.Repeat([]byte{'x'}, 10+1), payload...)
	if !bytes.Equal(got, want) {
		t.Errorf("round-trip mismatch after extending a linked part's tail")
	}
}

func TestGlobMatchesLiveMembers(t *testing.T) {
	fs := afero.NewMemMapFs()
	a, err := CreateNew(fs, "box.tar")
	if err != nil {
		t.Fatalf("CreateNew failed: %v", err)
	}
	defer a.Close()

	for _, p := range []string{"logs/a.log", "logs/b.log", "data/c.bin"} {
		if _, err := a.AddMember(p, 1); err != nil {
			t.Fatalf("AddMember %s failed: %v", p, err)
		}
	}

	matches, err := a.Glob("logs/*.log")
	if err != nil {
		t.Fatalf("Glob failed: %v", err)
	}
	if len(matches) != 2 {
		t.Errorf("expected 2 matches under logs/, got %v", matches)
	}
}

func TestLongNameMemberRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	a, err := CreateNew(fs, "box.tar")
	if err != nil {
		t.Fatalf("CreateNew failed: %v", err)
	}
	defer a.Close()

	longPath := ""
	for len(longPath) < 150 {
		longPath += "deep/nested/directory/"
	}
	longPath += "file.dat"

	content := []byte("payload")
	sf, err := a.AddMember(longPath, uint64(len(content)))
	if err != nil {
		t.Fatalf("AddMember failed: %v", err)
	}
	if _, err := sf.Write(content); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := Open(fs, "box.tar")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer reopened.Close()

	sf2, err := reopened.OpenMember(longPath)
	if err != nil {
		t.Fatalf("OpenMember failed: %v", err)
	}
	got := make([]byte, len(content))
	if _, err := io.ReadFull(sf2, got); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("not equal: expected(%q) != actual(%q)", content, got)
	}
}

func TestCreateNewAcceptsFunctionalOptions(t *testing.T) {
	fs := afero.NewMemMapFs()
	var logged bytes.Buffer
	log := slog.New(slog.NewTextHandler(&logged, nil))

	a, err := CreateNew(fs, "box.tar", WithLogger(log), WithoutAdvisoryLock(), WithPageCacheSize(8, 80))
	if err != nil {
		t.Fatalf("CreateNew failed: %v", err)
	}
	defer a.Close()

	if a.log != log {
		t.Errorf("expected WithLogger's logger to be installed")
	}
	if logged.Len() == 0 {
		t.Errorf("expected the supplied logger to receive the creation log line")
	}
}

func TestOpenScanRecoversMembersFromRawStream(t *testing.T) {
	fs := afero.NewMemMapFs()
	a, err := CreateNew(fs, "box.tar")
	if err != nil {
		t.Fatalf("CreateNew failed: %v", err)
	}

	content := []byte("recovered payload")
	sf, err := a.AddMember("data/x.bin", uint64(len(content)))
	if err != nil {
		t.Fatalf("AddMember failed: %v", err)
	}
	if _, err := sf.Write(content); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	recovered, err := OpenScan(fs, "box.tar")
	if err != nil {
		t.Fatalf("OpenScan failed: %v", err)
	}
	defer recovered.Close()

	entries, err := recovered.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Path != "data/x.bin" {
		t.Fatalf("expected data/x.bin recovered, got %+v", entries)
	}

	sf2, err := recovered.OpenMember("data/x.bin")
	if err != nil {
		t.Fatalf("OpenMember failed: %v", err)
	}
	got := make([]byte, len(content))
	if _, err := io.ReadFull(sf2, got); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("not equal: expected(%q) != actual(%q)", content, got)
	}
}
