// Package fake implements an in-memory probe driver.
//
// It backs the test suite and the --backend fake mode: a single simulated
// Cortex-M style target with one RAM and one flash region, comparator-limited
// hardware breakpoints and a programmable flash. Tests drive failure modes
// through FailNextOps.
package fake

import (
	"fmt"
	"sync"

	"github.com/probemcp/probemcp/pkg/probe"
)

const (
	// DefaultChip is the chip identifier the default fake target answers to.
	DefaultChip = "FAKE32F103"

	RAMStart   = 0x20000000
	RAMSize    = 20 * 1024
	FlashStart = 0x08000000
	FlashSize  = 128 * 1024
	SectorSize = 1024
	PageSize   = 256

	hwBreakpointSlots = 4
)

// Driver is a probe.Driver over a fixed set of fake probes.
type Driver struct {
	mu     sync.Mutex
	probes []*Probe
}

// NewDriver returns a driver exposing the given probes. With no arguments it
// exposes a single default probe.
func NewDriver(probes ...*Probe) *Driver {
	if len(probes) == 0 {
		probes = []*Probe{NewProbe("fake-0", "SIM-0001")}
	}
	return &Driver{probes: probes}
}

func (d *Driver) Name() string { return "fake" }

func (d *Driver) List() ([]probe.Descriptor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	descs := make([]probe.Descriptor, len(d.probes))
	for i, p := range d.probes {
		descs[i] = p.desc
	}
	return descs, nil
}

func (d *Driver) Open(id string) (probe.Probe, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.probes {
		if p.desc.ID == id || p.desc.Serial == id {
			if p.open {
				return nil, fmt.Errorf("probe %s already open", id)
			}
			p.open = true
			return p, nil
		}
	}
	return nil, probe.ErrProbeNotFound
}

// Probe is a fake probe owning one fake target.
type Probe struct {
	desc   probe.Descriptor
	target *Target
	open   bool
	speed  int
}

// NewProbe creates a fake probe with a default target.
func NewProbe(id, serial string) *Probe {
	return &Probe{
		desc: probe.Descriptor{
			ID:      id,
			Vendor:  "Simulated",
			Product: "SWD Probe",
			Serial:  serial,
		},
		target: NewTarget(),
	}
}

// Target exposes the probe's fake target for test setup.
func (p *Probe) Target() *Target { return p.target }

func (p *Probe) Descriptor() probe.Descriptor { return p.desc }

func (p *Probe) SetSpeed(khz int) error {
	p.speed = khz
	return nil
}

func (p *Probe) Attach(chip string, underReset bool) (probe.Target, error) {
	if err := p.target.failHook("attach"); err != nil {
		return nil, err
	}
	if chip != p.target.chip {
		return nil, fmt.Errorf("unknown target chip %q", chip)
	}
	p.target.mu.Lock()
	p.target.attached = true
	if underReset {
		p.target.resetLocked()
	}
	p.target.mu.Unlock()
	return p.target, nil
}

func (p *Probe) Close() error {
	p.open = false
	p.target.mu.Lock()
	p.target.attached = false
	p.target.mu.Unlock()
	return nil
}

// Target simulates an attached Cortex-M style core.
type Target struct {
	mu       sync.Mutex
	chip     string
	attached bool

	ram   []byte
	flash []byte

	regs       [16]uint64
	halted     bool
	haltReason string

	hwBreakpoints map[uint64]bool

	// failOps counts down; while positive every hardware call fails with a
	// CommError. Set through FailNextOps.
	failOps int
}

// NewTarget returns a fake target with erased flash and zeroed RAM.
func NewTarget() *Target {
	t := &Target{
		chip:          DefaultChip,
		ram:           make([]byte, RAMSize),
		flash:         make([]byte, FlashSize),
		hwBreakpoints: make(map[uint64]bool),
	}
	for i := range t.flash {
		t.flash[i] = 0xFF
	}
	t.halted = true
	t.haltReason = "attach"
	return t
}

// FailNextOps makes the next n hardware operations fail with a CommError.
func (t *Target) FailNextOps(n int) {
	t.mu.Lock()
	t.failOps = n
	t.mu.Unlock()
}

// HWBreakpoints returns the addresses with an active comparator, for tests.
func (t *Target) HWBreakpoints() []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	addrs := make([]uint64, 0, len(t.hwBreakpoints))
	for a := range t.hwBreakpoints {
		addrs = append(addrs, a)
	}
	return addrs
}

func (t *Target) failHook(op string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failOps > 0 {
		t.failOps--
		return &probe.CommError{Op: op, Err: fmt.Errorf("simulated transport failure")}
	}
	return nil
}

func (t *Target) Chip() string { return t.chip }

func (t *Target) MemoryMap() []probe.MemoryRegion {
	return []probe.MemoryRegion{
		{Name: "FLASH", Start: FlashStart, Size: FlashSize, Flash: true},
		{Name: "RAM", Start: RAMStart, Size: RAMSize},
	}
}

func (t *Target) FlashRegionFor(addr uint64) (probe.FlashRegion, bool) {
	r := probe.FlashRegion{
		MemoryRegion: probe.MemoryRegion{Name: "FLASH", Start: FlashStart, Size: FlashSize, Flash: true},
		SectorSize:   SectorSize,
		PageSize:     PageSize,
	}
	if r.Contains(addr, 1) {
		return r, true
	}
	return probe.FlashRegion{}, false
}

func (t *Target) Halt() error {
	if err := t.failHook("halt"); err != nil {
		return err
	}
	t.mu.Lock()
	t.halted = true
	t.haltReason = "request"
	t.mu.Unlock()
	return nil
}

func (t *Target) Run() error {
	if err := t.failHook("run"); err != nil {
		return err
	}
	t.mu.Lock()
	t.halted = false
	t.haltReason = ""
	t.mu.Unlock()
	return nil
}

func (t *Target) Step() error {
	if err := t.failHook("step"); err != nil {
		return err
	}
	t.mu.Lock()
	t.regs[15] += 2 // thumb instruction
	t.halted = true
	t.haltReason = "step"
	t.mu.Unlock()
	return nil
}

func (t *Target) Reset(halt bool) error {
	if err := t.failHook("reset"); err != nil {
		return err
	}
	t.mu.Lock()
	t.resetLocked()
	t.halted = halt
	if halt {
		t.haltReason = "reset"
	} else {
		t.haltReason = ""
	}
	t.mu.Unlock()
	return nil
}

func (t *Target) resetLocked() {
	for i := range t.regs {
		t.regs[i] = 0
	}
	t.regs[13] = RAMStart + RAMSize // initial sp
	t.regs[15] = FlashStart + 4     // reset vector
	t.halted = true
	t.haltReason = "reset"
}

func (t *Target) Halted() (bool, error) {
	if err := t.failHook("status"); err != nil {
		return false, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.halted, nil
}

func (t *Target) HaltReason() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.haltReason, nil
}

func (t *Target) ReadRegister(index int) (uint64, error) {
	if err := t.failHook("read register"); err != nil {
		return 0, err
	}
	if index < 0 || index >= len(t.regs) {
		return 0, fmt.Errorf("register index %d out of range", index)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.regs[index], nil
}

func (t *Target) WriteRegister(index int, value uint64) error {
	if err := t.failHook("write register"); err != nil {
		return err
	}
	if index < 0 || index >= len(t.regs) {
		return fmt.Errorf("register index %d out of range", index)
	}
	t.mu.Lock()
	t.regs[index] = value
	t.mu.Unlock()
	return nil
}

// slice returns the backing storage for [addr, addr+size), or nil if the
// range is not mapped.
func (t *Target) slice(addr, size uint64) []byte {
	switch {
	case addr >= RAMStart && addr+size <= RAMStart+RAMSize:
		return t.ram[addr-RAMStart : addr-RAMStart+size]
	case addr >= FlashStart && addr+size <= FlashStart+FlashSize:
		return t.flash[addr-FlashStart : addr-FlashStart+size]
	}
	return nil
}

func (t *Target) ReadMemory(addr uint64, buf []byte) error {
	if err := t.failHook("read memory"); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	src := t.slice(addr, uint64(len(buf)))
	if src == nil {
		return fmt.Errorf("unmapped address range 0x%x..0x%x", addr, addr+uint64(len(buf)))
	}
	copy(buf, src)
	return nil
}

func (t *Target) WriteMemory(addr uint64, data []byte) error {
	if err := t.failHook("write memory"); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	dst := t.slice(addr, uint64(len(data)))
	if dst == nil {
		return fmt.Errorf("unmapped address range 0x%x..0x%x", addr, addr+uint64(len(data)))
	}
	copy(dst, data)
	return nil
}

func (t *Target) HWBreakpointCount() int { return hwBreakpointSlots }

func (t *Target) SetHWBreakpoint(addr uint64) error {
	if err := t.failHook("set breakpoint"); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.hwBreakpoints) >= hwBreakpointSlots {
		return fmt.Errorf("no free comparator slot")
	}
	t.hwBreakpoints[addr] = true
	return nil
}

func (t *Target) ClearHWBreakpoint(addr uint64) error {
	if err := t.failHook("clear breakpoint"); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.hwBreakpoints[addr] {
		return fmt.Errorf("no comparator at 0x%x", addr)
	}
	delete(t.hwBreakpoints, addr)
	return nil
}

func (t *Target) EraseSectors(addr, size uint64) error {
	if err := t.failHook("erase"); err != nil {
		return err
	}
	if addr%SectorSize != 0 || size%SectorSize != 0 {
		return fmt.Errorf("erase range 0x%x+0x%x not sector aligned", addr, size)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	dst := t.slice(addr, size)
	if dst == nil {
		return fmt.Errorf("erase range 0x%x+0x%x outside flash", addr, size)
	}
	for i := range dst {
		dst[i] = 0xFF
	}
	return nil
}

func (t *Target) ProgramPage(addr uint64, data []byte) error {
	if err := t.failHook("program"); err != nil {
		return err
	}
	if uint64(len(data)) > PageSize {
		return fmt.Errorf("page write of %d bytes exceeds page size %d", len(data), PageSize)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	dst := t.slice(addr, uint64(len(data)))
	if dst == nil || addr < FlashStart {
		return fmt.Errorf("program range 0x%x+0x%x outside flash", addr, len(data))
	}
	copy(dst, data)
	return nil
}

func (t *Target) Detach() error {
	t.mu.Lock()
	t.attached = false
	t.hwBreakpoints = make(map[uint64]bool)
	t.mu.Unlock()
	return nil
}
