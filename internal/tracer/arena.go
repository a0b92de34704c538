package tracer

import (
	"fmt"
	"sync"

	"github.com/coral-mesh/jnitrace/internal/substrate"
)

// stubSlot is the space given to every stub. A replacement hook overwrites
// the start of its target, and needs more room than a bare return.
const stubSlot = 32

// codeArena places small code fragments in shared executable pages.
type codeArena struct {
	mu       sync.Mutex
	code     substrate.CodeWriter
	pageSize int
	page     uintptr
	used     int
}

func newCodeArena(code substrate.CodeWriter, pageSize int) *codeArena {
	return &codeArena{code: code, pageSize: pageSize}
}

func (a *codeArena) place(code []byte) (uintptr, error) {
	if len(code) > stubSlot {
		return 0, fmt.Errorf("stub of %d bytes does not fit a %d byte slot", len(code), stubSlot)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.page == 0 || a.used+stubSlot > a.pageSize {
		page, err := a.code.AllocExecutable(a.pageSize)
		if err != nil {
			return 0, fmt.Errorf("failed to allocate stub page: %w", err)
		}
		a.page, a.used = page, 0
	}

	addr := a.page + uintptr(a.used)
	if err := a.code.PatchCode(addr, code); err != nil {
		return 0, fmt.Errorf("failed to write stub at 0x%x: %w", addr, err)
	}
	a.used += stubSlot
	return addr, nil
}
