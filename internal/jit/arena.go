package jit

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/crosshost/vmm/internal/vmerr"
)

// Arena is a bump-allocated, mmap-backed executable code buffer. Writers
// append machine code while the region is RW; Seal flips it to RX with a
// single mprotect before any of it is handed to a caller for execution,
// keeping the buffer W^X the way a production JIT's code heap must.
type Arena struct {
	mu         sync.Mutex
	mem        []byte
	off        int
	executable bool
}

// NewArena mmaps an anonymous, private region of size bytes to hold
// compiled code.
func NewArena(size int) (*Arena, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap code arena: %v", vmerr.ErrResource, err)
	}
	return &Arena{mem: mem}, nil
}

// Alloc copies code into the arena and returns its byte offset. It
// transparently flips the arena back to writable if Seal had already made
// it executable, since a warm cache keeps inserting newly compiled blocks
// alongside ones already eligible to run.
func (a *Arena) Alloc(code []byte) (offset int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.executable {
		if err := unix.Mprotect(a.mem, unix.PROT_READ|unix.PROT_WRITE); err != nil {
			return 0, fmt.Errorf("%w: mprotect code arena writable: %v", vmerr.ErrResource, err)
		}
		a.executable = false
	}
	if a.off+len(code) > len(a.mem) {
		return 0, fmt.Errorf("%w: code arena exhausted (%d/%d bytes)", vmerr.ErrResource, a.off, len(a.mem))
	}
	n := copy(a.mem[a.off:], code)
	offset = a.off
	a.off += n
	return offset, nil
}

// Seal makes the arena's written range executable (and no longer
// writable). Callers must Seal before invoking any entry returned by Alloc.
func (a *Arena) Seal() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.executable {
		return nil
	}
	if err := unix.Mprotect(a.mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("%w: mprotect code arena executable: %v", vmerr.ErrResource, err)
	}
	a.executable = true
	return nil
}

// EntryAddr returns the address of the code at offset, valid only after
// Seal. Actually branching the host program counter there needs an
// architecture-specific assembly trampoline, which the hybrid executor's
// Invoke path supplies; Arena only owns the memory's lifecycle and
// permissions.
func (a *Arena) EntryAddr(offset int) uintptr {
	return uintptr(unsafe.Pointer(&a.mem[offset]))
}

// Close unmaps the arena.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mem == nil {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	return err
}

// Remaining reports free bytes left in the arena.
func (a *Arena) Remaining() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.mem) - a.off
}
