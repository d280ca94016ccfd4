// Package probe defines the boundary to debug probe driver libraries.
//
// Everything above this package (session management, flash pipeline, RTT)
// talks to hardware exclusively through the Driver, Probe and Target
// interfaces declared here. Concrete drivers wrap a transport (USB CMSIS-DAP,
// ST-Link, J-Link, ...) and a chip support package; the fake subpackage
// provides an in-memory implementation for tests.
package probe

import (
	"errors"
	"fmt"
)

// Descriptor identifies a physical debug probe, as reported by enumeration.
type Descriptor struct {
	ID      string `json:"id"`
	Vendor  string `json:"vendor"`
	Product string `json:"product"`
	Serial  string `json:"serial,omitempty"`
}

func (d Descriptor) String() string {
	if d.Serial != "" {
		return fmt.Sprintf("%s %s (%s, serial %s)", d.Vendor, d.Product, d.ID, d.Serial)
	}
	return fmt.Sprintf("%s %s (%s)", d.Vendor, d.Product, d.ID)
}

// MemoryRegion describes one mapped region of the target address space.
type MemoryRegion struct {
	Name  string `json:"name"`
	Start uint64 `json:"start"`
	Size  uint64 `json:"size"`
	Flash bool   `json:"flash"`
}

// Contains reports whether [addr, addr+size) lies entirely inside the region.
func (r MemoryRegion) Contains(addr, size uint64) bool {
	return addr >= r.Start && addr+size <= r.Start+r.Size && addr+size >= addr
}

// FlashRegion is a flash memory region together with the geometry of the
// flash algorithm servicing it. Erase granularity is SectorSize, program
// granularity is PageSize.
type FlashRegion struct {
	MemoryRegion
	SectorSize uint64
	PageSize   uint64
}

// Driver enumerates and opens probes of one transport family.
type Driver interface {
	Name() string
	List() ([]Descriptor, error)
	Open(id string) (Probe, error)
}

// Probe is an opened, exclusively owned probe handle.
type Probe interface {
	Descriptor() Descriptor
	SetSpeed(khz int) error
	// Attach connects to the target chip behind the probe. The returned
	// Target is valid until Detach or Close.
	Attach(chip string, underReset bool) (Target, error)
	Close() error
}

// Target is an attached target core. Calls are not safe for concurrent use;
// callers serialize access themselves.
type Target interface {
	Chip() string
	MemoryMap() []MemoryRegion
	// FlashRegionFor returns the flash region containing addr, if any.
	FlashRegionFor(addr uint64) (FlashRegion, bool)

	Halt() error
	Run() error
	Step() error
	Reset(halt bool) error
	Halted() (bool, error)
	HaltReason() (string, error)

	// ReadRegister and WriteRegister access core registers by index
	// (r0..r12, sp=13, lr=14, pc=15).
	ReadRegister(index int) (uint64, error)
	WriteRegister(index int, value uint64) error

	ReadMemory(addr uint64, buf []byte) error
	WriteMemory(addr uint64, data []byte) error

	// HWBreakpointCount reports the number of comparator slots the core has.
	HWBreakpointCount() int
	SetHWBreakpoint(addr uint64) error
	ClearHWBreakpoint(addr uint64) error

	// EraseSectors erases [addr, addr+size); addr and size must be sector
	// aligned for the containing flash region.
	EraseSectors(addr, size uint64) error
	// ProgramPage programs one page worth of data at addr; len(data) must
	// not exceed the region's page size.
	ProgramPage(addr uint64, data []byte) error

	Detach() error
}

// ErrProbeNotFound is returned by Open when no probe matches the selector.
var ErrProbeNotFound = errors.New("probe not found")

// CommError wraps a transport-level failure. A CommError means the link to
// the probe can no longer be trusted and the session holding it must be torn
// down.
type CommError struct {
	Op  string
	Err error
}

func (e *CommError) Error() string {
	return fmt.Sprintf("probe communication failed during %s: %v", e.Op, e.Err)
}

func (e *CommError) Unwrap() error { return e.Err }

// IsCommError reports whether err is (or wraps) a transport-level failure.
func IsCommError(err error) bool {
	var ce *CommError
	return errors.As(err, &ce)
}
