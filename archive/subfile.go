package archive

import (
	"fmt"
	"io"

	"github.com/RoboHenAI/rtar/index"
)

// partExtension is the size a multipart continuation is created with
// when a write overflows the current part's reserved space. It is
// deliberately small: archives that grow by appended partitions are
// expected to accumulate many small parts rather than one
// over-provisioned one.
const partExtension = 1 << 16

// SubFile is a logical file handle onto one archive member: a path plus
// a cursor offset within its reserved content region. Reads and writes
// translate to a seek in the shared backing stream, coalesced so the
// stream is only repositioned when the handle's logical cursor actually
// diverges from the stream's last known position.
type SubFile struct {
	archive *Archive
	path    string
	cursor  uint64
}

// moveTo seeks the backing stream to target, flushing pending index
// writes first if the stream needs repositioning. Caller holds
// archive.mu.
func (s *SubFile) moveTo(target int64) error {
	if s.archive.cursor == target {
		return nil
	}
	if s.archive.needFlush {
		if err := s.archive.flushLocked(); err != nil {
			return err
		}
	}
	pos, err := s.archive.file.Seek(target, io.SeekStart)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIoFailure, err)
	}
	s.archive.cursor = pos
	return nil
}

// locate resolves the part and in-part offset that the SubFile's
// logical cursor currently falls in, following next_part links.
func (s *SubFile) locate() (part index.FileEntry, within uint64, err error) {
	part, ok, err := s.archive.idx.Get(s.path)
	if err != nil {
		return index.FileEntry{}, 0, err
	}
	if !ok {
		return index.FileEntry{}, 0, fmt.Errorf("%w: %s", ErrNotFound, s.path)
	}

	within = s.cursor
	for within >= part.Size && part.NextPart != 0 {
		next, ok, err := s.archive.idx.GetNextPart(part.Path)
		if err != nil {
			return index.FileEntry{}, 0, err
		}
		if !ok {
			break
		}
		within -= part.Size
		part = next
	}
	return part, within, nil
}

// totalSize returns the sum of every part's reserved size.
func (s *SubFile) totalSize() (uint64, error) {
	part, ok, err := s.archive.idx.Get(s.path)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, s.path)
	}
	total := part.Size
	for part.NextPart != 0 {
		next, ok, err := s.archive.idx.GetNextPart(part.Path)
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		total += next.Size
		part = next
	}
	return total, nil
}

// Read reads from the current cursor, following multipart links
// transparently.
func (s *SubFile) Read(p []byte) (int, error) {
	s.archive.mu.Lock()
	defer s.archive.mu.Unlock()

	part, within, err := s.locate()
	if err != nil {
		return 0, err
	}
	if within >= part.Size {
		return 0, io.EOF
	}

	if err := s.moveTo(int64(part.Offset + within)); err != nil {
		return 0, err
	}

	room := part.Size - within
	if uint64(len(p)) > room {
		p = p[:room]
	}
	n, err := s.archive.file.Read(p)
	s.archive.cursor += int64(n)
	s.cursor += uint64(n)
	return n, err
}

// Write writes at the current cursor. A write that would exceed every
// part's reserved size triggers auto-partitioning.
func (s *SubFile) Write(p []byte) (int, error) {
	s.archive.mu.Lock()
	defer s.archive.mu.Unlock()

	total := 0
	for len(p) > 0 {
		part, within, err := s.locate()
		if err != nil {
			return total, err
		}

		if within >= part.Size {
			if err := s.autoPartition(part); err != nil {
				return total, err
			}
			continue
		}

		room := part.Size - within
		chunk := p
		if uint64(len(chunk)) > room {
			chunk = chunk[:room]
		}

		if err := s.moveTo(int64(part.Offset + within)); err != nil {
			return total, err
		}
		n, err := s.archive.file.Write(chunk)
		s.archive.cursor += int64(n)
		s.cursor += uint64(n)
		total += n
		p = p[n:]
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// autoPartition handles a write that has filled the last part. If that
// part is also the archive's last member, its reservation is extended
// in place; otherwise a new part is appended and linked to it.
func (s *SubFile) autoPartition(last index.FileEntry) error {
	tail, err := s.isArchiveTail(last)
	if err != nil {
		return err
	}

	if tail {
		off, err := s.archive.eofOffset()
		if err != nil {
			return err
		}
		if _, err := s.archive.file.Seek(off, io.SeekStart); err != nil {
			return fmt.Errorf("%w: %v", ErrIoFailure, err)
		}
		pad := make([]byte, partExtension)
		if _, err := s.archive.file.Write(pad); err != nil {
			return fmt.Errorf("%w: %v", ErrIoFailure, err)
		}
		if err := writeTrailer(s.archive.file); err != nil {
			return err
		}
		s.archive.cursor, _ = s.archive.file.Seek(0, io.SeekCurrent)

		last.Size += partExtension
		if err := s.archive.idx.UpdateSize(last.Path, last.Size); err != nil {
			return err
		}
		s.archive.needFlush = true
		s.archive.needClosing = true
		s.archive.log.Debug("auto-partition extended tail member in place", "path", last.Path, "new_size", last.Size)
		return nil
	}

	partName := fmt.Sprintf("%s.part%d", last.Path, int(last.NextPart)+1)
	s.archive.log.Debug("auto-partition appending new part", "path", last.Path, "part", partName)
	if _, err := s.archive.addMemberLocked(partName, partExtension); err != nil {
		return err
	}
	return s.archive.idx.LinkParts(last.Path, partName)
}

// isArchiveTail reports whether e's padded content region ends exactly
// at the current end-of-archive (before the trailer).
func (s *SubFile) isArchiveTail(e index.FileEntry) (bool, error) {
	off, err := s.archive.eofOffset()
	if err != nil {
		return false, err
	}
	return int64(e.Offset)+int64(e.Size)+paddedSize(e.Size) == off, nil
}

// Seek repositions the logical cursor; it does not touch the backing
// stream until the next Read/Write.
func (s *SubFile) Seek(offset int64, whence int) (int64, error) {
	s.archive.mu.Lock()
	defer s.archive.mu.Unlock()

	size, err := s.totalSize()
	if err != nil {
		return 0, err
	}

	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = int64(s.cursor) + offset
	case io.SeekEnd:
		newPos = int64(size) + offset
	default:
		return 0, fmt.Errorf("%w: invalid whence %d", ErrIoFailure, whence)
	}
	if newPos < 0 {
		return 0, fmt.Errorf("%w: negative seek", ErrIoFailure)
	}
	s.cursor = uint64(newPos)
	return newPos, nil
}

// Path returns the member path this handle addresses.
func (s *SubFile) Path() string { return s.path }
