package archive

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	rawtar "github.com/RoboHenAI/rtar"
	"github.com/RoboHenAI/rtar/index"
	"github.com/spf13/afero"
)

// recoveredMember is one member rediscovered by a linear scan: its
// original content offset/size in the pre-recovery stream, and its path.
type recoveredMember struct {
	offset uint64
	size   uint64
	path   string
}

// OpenScan rebuilds an archive by scanning its raw TAR content linearly
// from the start, ignoring whatever page chain is currently on disk.
// Open always trusts the page chain and never silently falls back to
// scanning; a caller that sees Open fail with ErrCorruptIndex reaches
// for OpenScan instead.
//
// Recovery re-derives every member's content from the scan, then
// compacts the archive into a brand new page-0-at-offset-zero layout by
// replaying each member through the normal AddMember/Write path — the
// page chain's first page must physically sit at offset 0 (Open always
// starts its walk there), which an in-place patch can't guarantee once
// the original index itself is untrustworthy. Multipart next_part/
// prev_part linkage is index metadata, not derivable from the raw
// stream, so a scanned archive's multipart members come back as
// independent, unlinked entries.
func OpenScan(fs afero.Fs, path string, opts ...Option) (*Archive, error) {
	f, err := fs.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIoFailure, err)
	}

	cfg := newConfig(opts)
	a := &Archive{fs: fs, file: f, path: path, log: cfg.log}
	if !cfg.skipAdvisoryLock {
		a.tryLock()
	}

	recovered, err := scanMembers(f, a.log)
	if err != nil {
		f.Close()
		return nil, err
	}

	contents := make([][]byte, len(recovered))
	for i, m := range recovered {
		buf := make([]byte, m.size)
		if _, err := f.ReadAt(buf, int64(m.offset)); err != nil && err != io.EOF {
			f.Close()
			return nil, fmt.Errorf("%w: reading recovered member %s: %v", ErrIoFailure, m.path, err)
		}
		contents[i] = buf
	}

	if err := a.rebuildFromScratch(cfg, recovered, contents); err != nil {
		f.Close()
		return nil, err
	}
	a.log.Warn("archive rebuilt via linear scan", "path", path, "members", len(recovered))
	return a, nil
}

// scanMembers walks every TAR header in f from the start, skipping index
// pages (identified by index.IsPagePath), and returns every other
// member's original offset/size/path.
func scanMembers(f afero.File, log *slog.Logger) ([]recoveredMember, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIoFailure, err)
	}

	var members []recoveredMember
	for {
		h, err := rawtar.LoadHeader(f)
		if err != nil {
			if err == io.EOF {
				return members, nil
			}
			return nil, fmt.Errorf("%w: %v", ErrIoFailure, err)
		}
		if h.Name() == "" {
			// The all-zero trailer block decodes as a V7 header with an
			// empty name; this marks the logical end of content.
			return members, nil
		}

		contentOffset, err := f.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIoFailure, err)
		}
		size := h.ContentSize()

		if index.IsPagePath(h.Name()) {
			log.Debug("scan skipped index page", "path", h.Name())
			if _, err := f.Seek(index.PageSize, io.SeekCurrent); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrIoFailure, err)
			}
			continue
		}

		if h.IsRegularFile() {
			members = append(members, recoveredMember{offset: uint64(contentOffset), size: size, path: h.Name()})
		} else {
			log.Warn("scan skipped non-regular member", "path", h.Name(), "typeflag", h.TypeFlag())
		}

		if _, err := f.Seek(int64(size)+paddedSize(size), io.SeekCurrent); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIoFailure, err)
		}
	}
}

// rebuildFromScratch discards every byte of the backing file and replays
// the recovered members through the ordinary create/append path, so the
// recovered archive is byte-for-byte what CreateNew plus one AddMember
// per member would have produced.
func (a *Archive) rebuildFromScratch(cfg config, members []recoveredMember, contents [][]byte) error {
	if err := a.file.Truncate(0); err != nil {
		return fmt.Errorf("%w: %v", ErrIoFailure, err)
	}
	if _, err := a.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("%w: %v", ErrIoFailure, err)
	}

	path := index.PagePath(0)
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

	a.idx = index.New(a.file, indexOptions(cfg)...)
	if err := a.idx.AddPage(0, payloadOffset, path); err != nil {
		return err
	}
	a.needClosing = true

	for i, m := range members {
		sf, err := a.addMemberLocked(m.path, m.size)
		if err != nil {
			return fmt.Errorf("%w: replaying recovered member %s: %v", ErrIoFailure, m.path, err)
		}
		if _, err := sf.Write(contents[i]); err != nil {
			return fmt.Errorf("%w: rewriting recovered member %s: %v", ErrIoFailure, m.path, err)
		}
	}
	return nil
}
