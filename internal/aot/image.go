// Package aot implements the ahead-of-time code loader: a mapped
// image of precompiled blocks looked up by guest PC, integrity-checked
// against a stored checksum, and linked by patching any symbol references
// baked in at build time (device MMIO bases, runtime service addresses)
// that can differ at load time.
package aot

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"io"
	"sort"

	"github.com/crosshost/vmm/internal/vmerr"
)

// imageMagic identifies a well-formed AOT image file.
const imageMagic = 0x564d4d41 // "AMMV" little-endian

// RelocKind selects how a Reloc patches a block's code.
type RelocKind uint8

const (
	// RelocAbs64 overwrites 8 bytes at Offset with the resolved symbol's
	// 64-bit address.
	RelocAbs64 RelocKind = iota
)

// Reloc is one load-time patch applied to a BlockEntry's code before it is
// placed in an executable arena.
type Reloc struct {
	Offset uint32
	Kind   RelocKind
	Symbol string
}

// BlockEntry is one precompiled block stored in an Image.
type BlockEntry struct {
	GuestPC uint64
	Code    []byte
	// Checksum is FNV-1a over Code, computed at build time.
	Checksum uint64
	// Fingerprint identifies the IR the code was compiled from, in the same
	// (guest PC, IR hash, opt level, target ISA) space the translation cache
	// keys on. Zero means the build did not record one; the hybrid executor
	// then accepts the entry on checksum alone.
	Fingerprint uint64
	Relocs      []Reloc
}

// Image is the in-memory parse of an AOT image file: precompiled blocks
// sorted by GuestPC for binary-search lookup.
type Image struct {
	Entries []BlockEntry
}

// checksum computes the same FNV-1a hash WriteImage stores, so
// ValidateBlockIntegrity can recompute and compare it.
func checksum(code []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(code)
	return h.Sum64()
}

// WriteImage serializes entries to w as a length-prefixed binary image.
// Entries do not need to be pre-sorted; ReadImage restores guest-PC order.
func WriteImage(w io.Writer, entries []BlockEntry) error {
	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, uint32(imageMagic)); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint32(len(entries))); err != nil {
		return err
	}
	for _, e := range entries {
		if err := writeEntry(bw, e); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func writeEntry(w *bufio.Writer, e BlockEntry) error {
	if err := binary.Write(w, binary.LittleEndian, e.GuestPC); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(e.Code))); err != nil {
		return err
	}
	if _, err := w.Write(e.Code); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, checksum(e.Code)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, e.Fingerprint); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(e.Relocs))); err != nil {
		return err
	}
	for _, r := range e.Relocs {
		if err := binary.Write(w, binary.LittleEndian, r.Offset); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, r.Kind); err != nil {
			return err
		}
		sym := []byte(r.Symbol)
		if err := binary.Write(w, binary.LittleEndian, uint16(len(sym))); err != nil {
			return err
		}
		if _, err := w.Write(sym); err != nil {
			return err
		}
	}
	return nil
}

// ReadImage parses a binary image previously produced by WriteImage,
// returning entries sorted by GuestPC.
func ReadImage(r io.Reader) (*Image, error) {
	br := bufio.NewReader(r)
	var magic, count uint32
	if err := binary.Read(br, binary.LittleEndian, &magic); err != nil {
		return nil, fmt.Errorf("%w: read AOT image magic: %v", vmerr.ErrAOTLink, err)
	}
	if magic != imageMagic {
		return nil, fmt.Errorf("%w: bad AOT image magic 0x%x", vmerr.ErrAOTLink, magic)
	}
	if err := binary.Read(br, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("%w: read AOT image entry count: %v", vmerr.ErrAOTLink, err)
	}
	entries := make([]BlockEntry, count)
	for i := range entries {
		e, err := readEntry(br)
		if err != nil {
			return nil, fmt.Errorf("%w: read AOT image entry %d: %v", vmerr.ErrAOTLink, i, err)
		}
		entries[i] = e
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].GuestPC < entries[j].GuestPC })
	return &Image{Entries: entries}, nil
}

func readEntry(r io.Reader) (BlockEntry, error) {
	var e BlockEntry
	if err := binary.Read(r, binary.LittleEndian, &e.GuestPC); err != nil {
		return e, err
	}
	var codeLen uint32
	if err := binary.Read(r, binary.LittleEndian, &codeLen); err != nil {
		return e, err
	}
	e.Code = make([]byte, codeLen)
	if _, err := io.ReadFull(r, e.Code); err != nil {
		return e, err
	}
	if err := binary.Read(r, binary.LittleEndian, &e.Checksum); err != nil {
		return e, err
	}
	if err := binary.Read(r, binary.LittleEndian, &e.Fingerprint); err != nil {
		return e, err
	}
	var relocCount uint32
	if err := binary.Read(r, binary.LittleEndian, &relocCount); err != nil {
		return e, err
	}
	e.Relocs = make([]Reloc, relocCount)
	for i := range e.Relocs {
		if err := binary.Read(r, binary.LittleEndian, &e.Relocs[i].Offset); err != nil {
			return e, err
		}
		if err := binary.Read(r, binary.LittleEndian, &e.Relocs[i].Kind); err != nil {
			return e, err
		}
		var symLen uint16
		if err := binary.Read(r, binary.LittleEndian, &symLen); err != nil {
			return e, err
		}
		sym := make([]byte, symLen)
		if _, err := io.ReadFull(r, sym); err != nil {
			return e, err
		}
		e.Relocs[i].Symbol = string(sym)
	}
	return e, nil
}
