package rawtar

import "io"

// TarHeader is a tagged union over the four header variants plus an
// Unknown branch that preserves unrecognized or short-read bytes
// verbatim, so round-tripping never loses data it cannot interpret.
type TarHeader struct {
	V7    *V7Header
	USTAR *USTARHeader
	PAX   *PAXHeader
	GNU   *GNUHeader

	// Unknown holds the raw bytes of a block that matched no variant, or
	// that came from a short read. UnknownLen is the number of bytes
	// actually read (512 unless the stream ended early).
	Unknown    []byte
	UnknownLen int

	// preBlocks counts 512-byte blocks consumed by a preceding PAX
	// extended header that was merged into this header.
	// It is added into UsedBlocks/SavedBlocks so a caller locating the
	// payload that follows sees the true combined block count.
	preBlocks int
}

// LoadHeader parses one logical header from r. A per-member PAX extended
// header ('x') is merged into the real header that follows it: PAX
// attribute overrides (path, linkpath, size) are applied onto the real
// header's fields, and the returned TarHeader carries the real header's
// variant with the combined block count of both blocks. If no header
// follows (clean EOF), the bare PAX header is returned instead. A PAX
// global header ('g') is returned as-is; this package has no user for
// persistent cross-member global attribute state.
//
// Detection order for the underlying block is GNU (strictest
// magic/version), then PAX (USTAR magic + typeflag 'x'/'g'), then USTAR,
// then V7. A short read yields an Unknown branch carrying exactly the
// bytes read; saving it back writes those bytes unchanged.
func LoadHeader(r io.Reader) (*TarHeader, error) {
	h, err := loadOneHeader(r)
	if err != nil {
		return nil, err
	}
	if h.PAX == nil || h.PAX.IsGlobal() {
		return h, nil
	}

	next, err := LoadHeader(r)
	if err != nil {
		if err == io.EOF {
			return h, nil
		}
		return nil, err
	}
	applyPAXOverrides(h.PAX, next)
	next.preBlocks += h.preBlocks + h.PAX.SavedBlocks()
	return next, nil
}

// applyPAXOverrides layers pax's well-known attributes onto h's
// underlying variant, per the POSIX rule that PAX overrides win.
func applyPAXOverrides(pax *PAXHeader, h *TarHeader) {
	name, hasName := pax.GetPath()
	linkname, hasLinkName := pax.GetLinkPath()
	size, hasSize := pax.GetAttrSize()

	switch {
	case h.GNU != nil:
		if hasName {
			h.GNU.SetName(name)
		}
		if hasLinkName {
			h.GNU.SetLinkName(linkname)
		}
		if hasSize {
			h.GNU.Size = size
		}
	case h.USTAR != nil:
		if hasName {
			h.USTAR.Name = name
		}
		if hasLinkName {
			h.USTAR.LinkName = linkname
		}
		if hasSize {
			h.USTAR.Size = size
		}
	case h.V7 != nil:
		if hasName {
			h.V7.Name = name
		}
		if hasLinkName {
			h.V7.LinkName = linkname
		}
		if hasSize {
			h.V7.Size = size
		}
	}
}

// loadOneHeader parses exactly the 512-byte block at r's current
// position (plus, for PAX/GNU, whatever auxiliary blocks that variant
// itself pulls), with no PAX-to-following-header merging.
func loadOneHeader(r io.Reader) (*TarHeader, error) {
	var buf Block
	n, err := io.ReadFull(r, buf[:])
	if err != nil {
		if n == 0 && err == io.EOF {
			return nil, err
		}
		raw := make([]byte, n)
		copy(raw, buf[:n])
		return &TarHeader{Unknown: raw, UnknownLen: n}, nil
	}

	if gnu, err := loadGNU(&buf, r); err != nil {
		return nil, err
	} else if gnu != nil {
		return &TarHeader{GNU: gnu}, nil
	}
	if pax, err := loadPAX(&buf, r); err != nil {
		return nil, err
	} else if pax != nil {
		return &TarHeader{PAX: pax}, nil
	}
	if ustar, err := loadUSTAR(&buf); err != nil {
		return nil, err
	} else if ustar != nil {
		return &TarHeader{USTAR: ustar}, nil
	}
	if v7, err := loadV7(&buf); err != nil {
		return nil, err
	} else if v7 != nil {
		return &TarHeader{V7: v7}, nil
	}

	raw := make([]byte, blockSize)
	copy(raw, buf[:])
	return &TarHeader{Unknown: raw, UnknownLen: blockSize}, nil
}

func (h *TarHeader) variant() interface {
	Save(io.Writer) error
	UsedBlocks() int
	SavedBlocks() int
	ContentSize() uint64
} {
	switch {
	case h.GNU != nil:
		return h.GNU
	case h.PAX != nil:
		return h.PAX
	case h.USTAR != nil:
		return h.USTAR
	case h.V7 != nil:
		return h.V7
	}
	return nil
}

// Save emits the header. For the Unknown branch it writes back exactly
// the UnknownLen bytes that were originally read.
func (h *TarHeader) Save(w io.Writer) error {
	if v := h.variant(); v != nil {
		return v.Save(w)
	}
	_, err := w.Write(h.Unknown[:h.UnknownLen])
	return err
}

func (h *TarHeader) UsedBlocks() int {
	if v := h.variant(); v != nil {
		return h.preBlocks + v.UsedBlocks()
	}
	return h.preBlocks + 1
}

func (h *TarHeader) SavedBlocks() int {
	if v := h.variant(); v != nil {
		return h.preBlocks + v.SavedBlocks()
	}
	return h.preBlocks + 1
}

func (h *TarHeader) ContentSize() uint64 {
	if v := h.variant(); v != nil {
		return v.ContentSize()
	}
	return 0
}

// TypeFlag returns the underlying variant's typeflag byte, or 0 for
// Unknown headers.
func (h *TarHeader) TypeFlag() TypeFlag {
	switch {
	case h.GNU != nil:
		return h.GNU.TypeFlag
	case h.PAX != nil:
		return h.PAX.TypeFlag
	case h.USTAR != nil:
		return h.USTAR.TypeFlag
	case h.V7 != nil:
		return h.V7.TypeFlag
	}
	return 0
}

func (h *TarHeader) Name() string {
	switch {
	case h.GNU != nil:
		return h.GNU.Name
	case h.PAX != nil:
		return h.PAX.Name
	case h.USTAR != nil:
		return h.USTAR.Name
	case h.V7 != nil:
		return h.V7.Name
	}
	return ""
}

func (h *TarHeader) IsRegularFile() bool   { return h.TypeFlag().IsRegularFile() }
func (h *TarHeader) IsDir() bool           { return h.TypeFlag().IsDir() }
func (h *TarHeader) IsSymlink() bool       { return h.TypeFlag().IsSymlink() }
func (h *TarHeader) IsHardLink() bool      { return h.TypeFlag().IsHardLink() }
func (h *TarHeader) IsCharSpecial() bool   { return h.TypeFlag().IsCharSpecial() }
func (h *TarHeader) IsBlockSpecial() bool  { return h.TypeFlag().IsBlockSpecial() }
func (h *TarHeader) IsFIFO() bool          { return h.TypeFlag().IsFIFO() }
func (h *TarHeader) IsContiguous() bool    { return h.TypeFlag().IsContiguous() }
