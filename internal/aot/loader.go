package aot

import (
	"bytes"
	"fmt"
	"os"
	"sort"

	"golang.org/x/sys/unix"

	"github.com/crosshost/vmm/internal/vmerr"
)

// Loader owns a memory-mapped AOT image file and serves LookupBlock,
// LoadCodeBlock, ValidateBlockIntegrity, and LinkCodeBlock against it. The
// backing mapping is read-only: an AOT image is produced once (offline, by
// the JIT pipeline run in a "bake" mode) and never mutated in place.
type Loader struct {
	mem   []byte
	image *Image
}

// Open mmaps path read-only and parses its AOT image header.
func Open(path string) (*Loader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open AOT image %q: %v", vmerr.ErrAOTLink, path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: stat AOT image %q: %v", vmerr.ErrAOTLink, path, err)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("%w: AOT image %q is empty", vmerr.ErrAOTLink, path)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap AOT image %q: %v", vmerr.ErrAOTLink, path, err)
	}

	image, err := ReadImage(bytes.NewReader(mem))
	if err != nil {
		_ = unix.Munmap(mem)
		return nil, err
	}
	return &Loader{mem: mem, image: image}, nil
}

// Close unmaps the image.
func (l *Loader) Close() error {
	if l.mem == nil {
		return nil
	}
	err := unix.Munmap(l.mem)
	l.mem = nil
	return err
}

// LookupBlock finds the entry for guest address pc, if the image has one.
func (l *Loader) LookupBlock(pc uint64) (*BlockEntry, bool) {
	entries := l.image.Entries
	i := sort.Search(len(entries), func(i int) bool { return entries[i].GuestPC >= pc })
	if i < len(entries) && entries[i].GuestPC == pc {
		return &entries[i], true
	}
	return nil, false
}

// ValidateBlockIntegrity recomputes e's checksum and compares it against
// the value stored at build time, catching a corrupted or hand-edited
// image before its code is ever placed in an executable mapping.
func ValidateBlockIntegrity(e *BlockEntry) error {
	if got, want := checksum(e.Code), e.Checksum; got != want {
		return fmt.Errorf("%w: checksum mismatch for block at 0x%x (got %x, want %x)", vmerr.ErrAOTLink, e.GuestPC, got, want)
	}
	return nil
}

// LoadCodeBlock looks up, integrity-checks, and returns the raw code for
// the block at pc. The returned entry is the loader's own parsed copy of
// the image and must not be mutated; LinkCodeBlock is what produces a
// writable copy.
func (l *Loader) LoadCodeBlock(pc uint64) (*BlockEntry, error) {
	e, ok := l.LookupBlock(pc)
	if !ok {
		return nil, fmt.Errorf("%w: no AOT block at guest PC 0x%x", vmerr.ErrAOTLink, pc)
	}
	if err := ValidateBlockIntegrity(e); err != nil {
		return nil, err
	}
	return e, nil
}

// LinkCodeBlock resolves e's relocations against symbols, returning a
// fresh, writable copy of the code with every patch applied. Callers place
// the result in an executable code buffer (e.g. jit.Arena) themselves;
// Loader only owns the read-only source image.
func LinkCodeBlock(e *BlockEntry, symbols map[string]uint64) ([]byte, error) {
	code := make([]byte, len(e.Code))
	copy(code, e.Code)
	for _, r := range e.Relocs {
		target, ok := symbols[r.Symbol]
		if !ok {
			return nil, fmt.Errorf("%w: unresolved relocation symbol %q in block at 0x%x", vmerr.ErrAOTLink, r.Symbol, e.GuestPC)
		}
		switch r.Kind {
		case RelocAbs64:
			if int(r.Offset)+8 > len(code) {
				return nil, fmt.Errorf("%w: relocation offset %d out of range for block at 0x%x", vmerr.ErrAOTLink, r.Offset, e.GuestPC)
			}
			putUint64LE(code[r.Offset:], target)
		default:
			return nil, fmt.Errorf("%w: unknown relocation kind %d in block at 0x%x", vmerr.ErrAOTLink, r.Kind, e.GuestPC)
		}
	}
	return code, nil
}

func putUint64LE(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// MatchFingerprint checks e against the fingerprint of the live IR
// decoded at the same guest PC. A build that recorded no fingerprint
// (zero) is accepted on checksum alone; any recorded value must match
// exactly.
func MatchFingerprint(e *BlockEntry, live uint64) error {
	if e.Fingerprint != 0 && e.Fingerprint != live {
		return fmt.Errorf("%w: fingerprint mismatch for block at 0x%x (image %x, live %x)", vmerr.ErrAOTLink, e.GuestPC, e.Fingerprint, live)
	}
	return nil
}
