// Package debugger provides the stateful core of the probe server.
//
// A Debugger owns one connected probe+target pair and serializes every
// hardware-touching operation through a single mutex: one physical probe
// cannot service concurrent commands, so concurrent tool calls queue and
// execute in arrival order. The Registry tracks live sessions by handle.
package debugger

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/probemcp/probemcp/pkg/config"
	"github.com/probemcp/probemcp/pkg/logflags"
	"github.com/probemcp/probemcp/pkg/probe"
	"github.com/probemcp/probemcp/pkg/rtt"
	"github.com/probemcp/probemcp/service/api"
	"github.com/sirupsen/logrus"
)

// Config provides the tunables shared by every session.
type Config struct {
	// Driver is the probe driver library the sessions open probes through.
	Driver probe.Driver

	// RTTPollInterval is the up-channel poll period.
	RTTPollInterval time.Duration
	// RTTHostBufferSize bounds the per-channel host-side RTT buffer.
	RTTHostBufferSize int
	// RTTFailureLimit is the consecutive-failure budget of the RTT poller.
	RTTFailureLimit int

	// BreakpointFallback is config.FallbackSoftware or config.FallbackFail.
	BreakpointFallback string

	// MaxReadChunk bounds a single read_memory request.
	MaxReadChunk int
	// MaxSessions bounds the registry.
	MaxSessions int
}

// FromFileConfig builds a session Config from the loaded config file.
func FromFileConfig(fc *config.Config, driver probe.Driver) *Config {
	return &Config{
		Driver:             driver,
		RTTPollInterval:    time.Duration(fc.RTTPollIntervalMillis) * time.Millisecond,
		RTTHostBufferSize:  fc.RTTHostBufferSize,
		RTTFailureLimit:    fc.RTTFailureLimit,
		BreakpointFallback: fc.BreakpointFallback,
		MaxReadChunk:       fc.MaxReadChunk,
		MaxSessions:        fc.MaxSessions,
	}
}

func (c *Config) defaults() {
	if c.RTTPollInterval <= 0 {
		c.RTTPollInterval = 20 * time.Millisecond
	}
	if c.RTTHostBufferSize <= 0 {
		c.RTTHostBufferSize = 65536
	}
	if c.RTTFailureLimit <= 0 {
		c.RTTFailureLimit = 10
	}
	if c.BreakpointFallback == "" {
		c.BreakpointFallback = config.FallbackSoftware
	}
	if c.MaxReadChunk <= 0 {
		c.MaxReadChunk = 4096
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = 4
	}
}

// breakpoint extends the wire type with the bytes a software breakpoint
// replaced.
type breakpoint struct {
	api.Breakpoint
	orig []byte
}

// bkptOpcode is the thumb BKPT #0 instruction, little-endian.
var bkptOpcode = []byte{0x00, 0xBE}

// Debugger is one live debug session.
//
// All hardware access serializes through targetMutex. The RTT transport
// shares the same mutex so poll ticks interleave with tool calls instead of
// racing them.
type Debugger struct {
	config *Config
	log    *logrus.Entry

	targetMutex sync.Mutex
	id          string
	probe       probe.Probe
	target      probe.Target
	state       api.DebugState
	breakpoints map[uint64]*breakpoint
	rtt         *rtt.Transport
}

// New opens the selected probe, attaches to the target chip and halts it so
// the session starts in a known state. probeID "auto" selects the first
// enumerated probe; otherwise the ID or serial number must match. On any
// failure the probe handle is released and no session exists.
func New(cfg *Config, id, probeID, chip string, speedKHz int, underReset bool) (*Debugger, error) {
	cfg.defaults()
	d := &Debugger{
		config:      cfg,
		log:         logflags.DebuggerLogger(),
		id:          id,
		state:       api.StateConnecting,
		breakpoints: make(map[uint64]*breakpoint),
	}

	descs, err := cfg.Driver.List()
	if err != nil {
		return nil, api.Errorf(api.ProbeNotFound, "enumerating probes: %v", err)
	}
	desc, err := selectProbe(descs, probeID)
	if err != nil {
		return nil, err
	}

	d.log.Infof("connecting to %s, target %s", desc, chip)
	p, err := cfg.Driver.Open(desc.ID)
	if err != nil {
		if errors.Is(err, probe.ErrProbeNotFound) {
			return nil, api.Errorf(api.ProbeNotFound, "probe %q: %v", probeID, err)
		}
		return nil, api.Errorf(api.TargetAttachFailed, "opening probe %q: %v", probeID, err)
	}
	if speedKHz > 0 {
		if err := p.SetSpeed(speedKHz); err != nil {
			p.Close()
			return nil, api.Errorf(api.TargetAttachFailed, "setting probe speed: %v", err)
		}
	}
	t, err := p.Attach(chip, underReset)
	if err != nil {
		p.Close()
		return nil, api.Errorf(api.TargetAttachFailed, "attaching to %s: %v", chip, err)
	}
	// Halt immediately so the session starts from a known state.
	if err := t.Halt(); err != nil {
		t.Detach()
		p.Close()
		return nil, api.Errorf(api.TargetAttachFailed, "halting after attach: %v", err)
	}

	d.probe = p
	d.target = t
	d.state = api.StateHalted
	d.log.Infof("session %s connected", id)
	return d, nil
}

func selectProbe(descs []probe.Descriptor, probeID string) (probe.Descriptor, error) {
	if len(descs) == 0 {
		return probe.Descriptor{}, api.Errorf(api.ProbeNotFound, "no debug probes found")
	}
	if probeID == "" || probeID == "auto" {
		return descs[0], nil
	}
	for _, desc := range descs {
		if desc.ID == probeID || desc.Serial == probeID {
			return desc, nil
		}
	}
	return probe.Descriptor{}, api.Errorf(api.ProbeNotFound, "no probe matches %q", probeID)
}

// ID returns the session handle.
func (d *Debugger) ID() string { return d.id }

// connected reports whether the session still owns hardware. Caller holds
// targetMutex.
func (d *Debugger) connectedLocked() error {
	if d.target == nil {
		return api.Errorf(api.NotConnected, "session %s is not connected", d.id)
	}
	return nil
}

// checkComm inspects a driver error: a transport-level failure invalidates
// the whole session, so it pessimistically tears everything down. Caller
// holds targetMutex.
func (d *Debugger) checkCommLocked(op string, err error) error {
	if err == nil {
		return nil
	}
	if probe.IsCommError(err) {
		d.log.Errorf("%s: transport failure, disconnecting: %v", op, err)
		d.teardownLocked()
		return api.Errorf(api.ProbeCommunicationError, "%s: %v", op, err)
	}
	return api.Errorf(api.ProbeCommunicationError, "%s: %v", op, err)
}

// teardownLocked releases everything the session owns. Caller holds
// targetMutex.
func (d *Debugger) teardownLocked() {
	if d.rtt != nil {
		d.rtt.Detach()
		d.rtt = nil
	}
	if d.target != nil {
		// Best effort: restore patched instructions and drop comparators.
		for addr, bp := range d.breakpoints {
			if bp.Kind == api.BreakpointSoftware {
				d.target.WriteMemory(addr, bp.orig)
			} else {
				d.target.ClearHWBreakpoint(addr)
			}
		}
		d.target.Detach()
		d.target = nil
	}
	d.breakpoints = make(map[uint64]*breakpoint)
	if d.probe != nil {
		d.probe.Close()
		d.probe = nil
	}
	d.state = api.StateDisconnected
}

// Disconnect releases breakpoints, RTT and the probe handle. Idempotent.
func (d *Debugger) Disconnect() error {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	if d.state == api.StateDisconnected {
		return nil
	}
	d.log.Infof("session %s disconnecting", d.id)
	d.teardownLocked()
	return nil
}

// State returns the current state machine position.
func (d *Debugger) State() api.DebugState {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	return d.state
}

// Status reports the full session status, refreshing the run state from the
// hardware (the target halts on its own when it hits a breakpoint).
func (d *Debugger) Status() (api.TargetStatus, error) {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()

	st := api.TargetStatus{SessionID: d.id, State: d.state}
	if d.target == nil {
		return st, nil
	}
	desc := d.probe.Descriptor()
	st.Probe = &api.ProbeDescriptor{ID: desc.ID, Vendor: desc.Vendor, Product: desc.Product, Serial: desc.Serial}
	st.Chip = d.target.Chip()

	halted, err := d.target.Halted()
	if err != nil {
		return st, d.checkCommLocked("reading run state", err)
	}
	if halted {
		d.state = api.StateHalted
		st.PC, st.SP, st.HaltReason, _ = d.haltedDetailLocked()
	} else {
		d.state = api.StateRunning
	}
	st.State = d.state

	if d.rtt != nil {
		st.RTTAttached = d.rtt.Healthy()
		st.RTTHealthy = d.rtt.Healthy()
		st.RTTDropped = d.rtt.Dropped()
	}
	return st, nil
}

// haltedDetailLocked reads pc, sp and the halt reason. Failures here are not
// fatal to the status query.
func (d *Debugger) haltedDetailLocked() (pc, sp uint64, reason string, err error) {
	pc, err = d.target.ReadRegister(15)
	if err != nil {
		return 0, 0, "", err
	}
	sp, err = d.target.ReadRegister(13)
	if err != nil {
		return 0, 0, "", err
	}
	reason, _ = d.target.HaltReason()
	return pc, sp, reason, nil
}

// Info reports the probe descriptor, chip and memory map. Like Status it is
// a pure query, valid in any state; a torn-down session reports just its
// state.
func (d *Debugger) Info() (api.ProbeTargetInfo, error) {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	info := api.ProbeTargetInfo{SessionID: d.id, State: d.state}
	if d.target == nil {
		return info, nil
	}
	desc := d.probe.Descriptor()
	info.Probe = api.ProbeDescriptor{ID: desc.ID, Vendor: desc.Vendor, Product: desc.Product, Serial: desc.Serial}
	info.Chip = d.target.Chip()
	for _, r := range d.target.MemoryMap() {
		info.MemoryMap = append(info.MemoryMap, api.MemoryRegion{Name: r.Name, Start: r.Start, Size: r.Size, Flash: r.Flash})
	}
	return info, nil
}

// Halt stops the target core.
func (d *Debugger) Halt() (api.TargetStatus, error) {
	return d.runControl("halt", func() error { return d.target.Halt() }, api.StateHalted)
}

// Run resumes the target core.
func (d *Debugger) Run() (api.TargetStatus, error) {
	return d.runControl("run", func() error { return d.target.Run() }, api.StateRunning)
}

// Step executes exactly one instruction and leaves the target halted.
func (d *Debugger) Step() (api.TargetStatus, error) {
	return d.runControl("step", func() error { return d.target.Step() }, api.StateHalted)
}

// Reset resets the target; with halt it stops at the reset vector.
func (d *Debugger) Reset(halt bool) (api.TargetStatus, error) {
	next := api.StateRunning
	if halt {
		next = api.StateHalted
	}
	return d.runControl("reset", func() error { return d.target.Reset(halt) }, next)
}

func (d *Debugger) runControl(op string, f func() error, next api.DebugState) (api.TargetStatus, error) {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	if err := d.connectedLocked(); err != nil {
		return api.TargetStatus{SessionID: d.id, State: d.state}, err
	}
	d.log.Debugf("%s", op)
	if err := f(); err != nil {
		return api.TargetStatus{SessionID: d.id, State: d.state}, d.checkCommLocked(op, err)
	}
	d.state = next
	st := api.TargetStatus{SessionID: d.id, State: d.state}
	if next == api.StateHalted {
		st.PC, st.SP, st.HaltReason, _ = d.haltedDetailLocked()
	}
	return st, nil
}

// validateRangeLocked checks that [addr, addr+size) lies inside a mapped
// region. Caller holds targetMutex.
func (d *Debugger) validateRangeLocked(addr, size uint64) error {
	for _, r := range d.target.MemoryMap() {
		if r.Contains(addr, size) {
			return nil
		}
	}
	return api.Errorf(api.InvalidAddress, "0x%x..0x%x is outside every mapped region", addr, addr+size)
}

// ReadMemory reads length bytes from the target.
func (d *Debugger) ReadMemory(addr uint64, length int) ([]byte, error) {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	if err := d.connectedLocked(); err != nil {
		return nil, err
	}
	if length <= 0 || length > d.config.MaxReadChunk {
		return nil, api.Errorf(api.InvalidParameter, "length must be 1..%d bytes", d.config.MaxReadChunk)
	}
	if err := d.validateRangeLocked(addr, uint64(length)); err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	if err := d.target.ReadMemory(addr, buf); err != nil {
		return nil, d.checkCommLocked("read memory", err)
	}
	return buf, nil
}

// WriteMemory writes data to the target. The write is acknowledged by the
// driver but not read back; durable flash writes go through the flash
// pipeline instead.
func (d *Debugger) WriteMemory(addr uint64, data []byte) error {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	if err := d.connectedLocked(); err != nil {
		return err
	}
	if len(data) == 0 {
		return api.Errorf(api.InvalidParameter, "empty write")
	}
	if err := d.validateRangeLocked(addr, uint64(len(data))); err != nil {
		return err
	}
	if err := d.target.WriteMemory(addr, data); err != nil {
		return d.checkCommLocked("write memory", err)
	}
	return nil
}

// coreRegisters maps ARM core register names to indices.
var coreRegisters = func() map[string]int {
	m := map[string]int{"sp": 13, "lr": 14, "pc": 15}
	for i := 0; i <= 15; i++ {
		m[fmt.Sprintf("r%d", i)] = i
	}
	return m
}()

func registerIndex(name string) (int, error) {
	idx, ok := coreRegisters[strings.ToLower(name)]
	if !ok {
		return 0, api.Errorf(api.InvalidParameter, "unknown register %q", name)
	}
	return idx, nil
}

// ReadRegisters reads the named core registers; with no names it reads
// r0..r15.
func (d *Debugger) ReadRegisters(names []string) ([]api.RegisterValue, error) {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	if err := d.connectedLocked(); err != nil {
		return nil, err
	}
	if len(names) == 0 {
		for i := 0; i <= 15; i++ {
			names = append(names, fmt.Sprintf("r%d", i))
		}
	}
	out := make([]api.RegisterValue, 0, len(names))
	for _, name := range names {
		idx, err := registerIndex(name)
		if err != nil {
			return nil, err
		}
		v, err := d.target.ReadRegister(idx)
		if err != nil {
			return nil, d.checkCommLocked("read register", err)
		}
		out = append(out, api.RegisterValue{Name: name, Value: v})
	}
	return out, nil
}

// WriteRegister writes one named core register.
func (d *Debugger) WriteRegister(name string, value uint64) error {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	if err := d.connectedLocked(); err != nil {
		return err
	}
	idx, err := registerIndex(name)
	if err != nil {
		return err
	}
	if err := d.target.WriteRegister(idx, value); err != nil {
		return d.checkCommLocked("write register", err)
	}
	return nil
}

// SetBreakpoint sets a breakpoint at addr. kindHint may be empty,
// "hardware" or "software". Hardware comparators are scarce; when they run
// out the configured fallback policy decides between patching a software
// breakpoint into flash and failing. Re-registering an existing address is
// idempotent.
func (d *Debugger) SetBreakpoint(addr uint64, kindHint string) (api.Breakpoint, error) {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	if err := d.connectedLocked(); err != nil {
		return api.Breakpoint{}, err
	}
	if existing, ok := d.breakpoints[addr]; ok {
		return existing.Breakpoint, nil
	}
	if err := d.validateRangeLocked(addr, 2); err != nil {
		return api.Breakpoint{}, err
	}

	switch kindHint {
	case "", api.BreakpointHardware:
		if d.hwUsedLocked() < d.target.HWBreakpointCount() {
			return d.setHWBreakpointLocked(addr)
		}
		if d.config.BreakpointFallback == config.FallbackFail {
			return api.Breakpoint{}, api.Errorf(api.BreakpointLimitExceeded,
				"all %d hardware comparators in use", d.target.HWBreakpointCount())
		}
		return d.setSWBreakpointLocked(addr, true)
	case api.BreakpointSoftware:
		return d.setSWBreakpointLocked(addr, false)
	default:
		return api.Breakpoint{}, api.Errorf(api.InvalidParameter, "unknown breakpoint kind %q", kindHint)
	}
}

func (d *Debugger) hwUsedLocked() int {
	n := 0
	for _, bp := range d.breakpoints {
		if bp.Kind == api.BreakpointHardware {
			n++
		}
	}
	return n
}

func (d *Debugger) setHWBreakpointLocked(addr uint64) (api.Breakpoint, error) {
	if err := d.target.SetHWBreakpoint(addr); err != nil {
		return api.Breakpoint{}, d.checkCommLocked("set breakpoint", err)
	}
	bp := &breakpoint{Breakpoint: api.Breakpoint{Addr: addr, Kind: api.BreakpointHardware, Enabled: true}}
	d.breakpoints[addr] = bp
	d.log.Debugf("hardware breakpoint at 0x%x", addr)
	return bp.Breakpoint, nil
}

// setSWBreakpointLocked patches a BKPT instruction over a flash-resident
// address. fallback marks the comparator-exhausted path, which reports
// BreakpointLimitExceeded when the address cannot take a software
// breakpoint either.
func (d *Debugger) setSWBreakpointLocked(addr uint64, fallback bool) (api.Breakpoint, error) {
	if _, ok := d.target.FlashRegionFor(addr); !ok {
		if fallback {
			return api.Breakpoint{}, api.Errorf(api.BreakpointLimitExceeded,
				"all %d hardware comparators in use and 0x%x is not flash-resident", d.target.HWBreakpointCount(), addr)
		}
		return api.Breakpoint{}, api.Errorf(api.InvalidAddress,
			"software breakpoint requires a flash-resident address, 0x%x is not", addr)
	}
	orig := make([]byte, len(bkptOpcode))
	if err := d.target.ReadMemory(addr, orig); err != nil {
		return api.Breakpoint{}, d.checkCommLocked("set breakpoint", err)
	}
	if err := d.target.WriteMemory(addr, bkptOpcode); err != nil {
		return api.Breakpoint{}, d.checkCommLocked("set breakpoint", err)
	}
	bp := &breakpoint{
		Breakpoint: api.Breakpoint{Addr: addr, Kind: api.BreakpointSoftware, Enabled: true},
		orig:       orig,
	}
	d.breakpoints[addr] = bp
	d.log.Debugf("software breakpoint at 0x%x", addr)
	return bp.Breakpoint, nil
}

// ClearBreakpoint releases the breakpoint at addr.
func (d *Debugger) ClearBreakpoint(addr uint64) error {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	if err := d.connectedLocked(); err != nil {
		return err
	}
	bp, ok := d.breakpoints[addr]
	if !ok {
		return api.Errorf(api.BreakpointNotFound, "no breakpoint at 0x%x", addr)
	}
	var err error
	if bp.Kind == api.BreakpointHardware {
		err = d.target.ClearHWBreakpoint(addr)
	} else {
		err = d.target.WriteMemory(addr, bp.orig)
	}
	if err != nil {
		return d.checkCommLocked("clear breakpoint", err)
	}
	delete(d.breakpoints, addr)
	return nil
}

// Breakpoints lists the active breakpoints.
func (d *Debugger) Breakpoints() []api.Breakpoint {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	out := make([]api.Breakpoint, 0, len(d.breakpoints))
	for _, bp := range d.breakpoints {
		out = append(out, bp.Breakpoint)
	}
	return out
}
