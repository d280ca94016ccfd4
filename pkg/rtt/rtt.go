// Package rtt multiplexes SEGGER RTT channels over target memory.
//
// The on-target control block declares a set of up (target→host) and down
// (host→target) ring buffers in RAM. A background poller drains the up
// buffers into bounded host-side buffers so no target output is lost between
// tool calls; reads from the host side are non-blocking. Down-channel writes
// go straight to target memory and fail fast when the ring is full.
package rtt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/probemcp/probemcp/pkg/logflags"
	"github.com/sirupsen/logrus"
)

// MemoryReadWriter is the slice of the probe target the transport needs.
type MemoryReadWriter interface {
	ReadMemory(addr uint64, buf []byte) error
	WriteMemory(addr uint64, data []byte) error
}

// Errors surfaced by channel operations.
var (
	ErrChannelNotFound = errors.New("rtt channel not found")
	ErrBufferFull      = errors.New("rtt down-channel buffer full")
	ErrDetached        = errors.New("rtt not attached")
)

// control block layout, 32-bit little-endian target
const (
	magic          = "SEGGER RTT"
	magicLen       = 16
	headerLen      = magicLen + 8 // magic + MaxNumUpBuffers + MaxNumDownBuffers
	descLen        = 24           // sName, pBuffer, SizeOfBuffer, WrOff, RdOff, Flags
	descWrOffField = 12
	descRdOffField = 16
	maxNameLen     = 32
	maxChannels    = 16
)

// Direction of an RTT channel relative to the host.
const (
	DirectionUp   = "up"
	DirectionDown = "down"
)

// ChannelInfo describes one discovered channel.
type ChannelInfo struct {
	Index      int    `json:"index"`
	Direction  string `json:"direction"`
	Name       string `json:"name"`
	BufferSize int    `json:"buffer_size"`
}

// channel mirrors one on-target ring buffer descriptor.
type channel struct {
	index    int
	descAddr uint64
	bufAddr  uint64
	size     uint32
	name     string
}

// Config holds the tunables of a Transport.
type Config struct {
	// PollInterval is the up-channel poll period.
	PollInterval time.Duration
	// HostBufferSize bounds the per-channel host-side buffer.
	HostBufferSize int
	// FailureLimit is the number of consecutive failed poll ticks after
	// which the transport marks itself dead.
	FailureLimit int
}

// Range is a half-open address range searched for the control block.
type Range struct {
	Start uint64
	Size  uint64
}

// Transport owns the discovered channel set and the background poller.
//
// The session mutex passed to Attach serializes hardware access with the
// rest of the session; the poller acquires it with TryLock and skips the
// tick when a tool call holds it.
type Transport struct {
	mem MemoryReadWriter
	mu  *sync.Mutex
	cfg Config
	log *logrus.Entry

	cb   uint64
	up   []*channel
	down []*channel

	bufMu sync.Mutex
	bufs  []*hostBuffer

	stop     chan struct{}
	done     chan struct{}
	detached atomic.Bool
	dead     atomic.Bool
}

// Attach locates the RTT control block, enumerates its channels and starts
// the poller. cbHint of zero means scan the given ranges for the magic
// string; a non-zero hint is verified in place. mu must be the session's
// hardware exclusion lock and must NOT be held by the caller.
func Attach(mem MemoryReadWriter, mu *sync.Mutex, cfg Config, cbHint uint64, search []Range) (*Transport, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 20 * time.Millisecond
	}
	if cfg.HostBufferSize <= 0 {
		cfg.HostBufferSize = 65536
	}
	if cfg.FailureLimit <= 0 {
		cfg.FailureLimit = 10
	}
	t := &Transport{
		mem: mem,
		mu:  mu,
		cfg: cfg,
		log: logflags.RTTLogger(),
	}

	mu.Lock()
	defer mu.Unlock()

	cb, err := t.locate(cbHint, search)
	if err != nil {
		return nil, err
	}
	t.cb = cb
	if err := t.enumerate(); err != nil {
		return nil, err
	}

	t.bufs = make([]*hostBuffer, len(t.up))
	for i := range t.bufs {
		t.bufs[i] = newHostBuffer(cfg.HostBufferSize)
	}
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	go t.poll()

	t.log.Debugf("attached at 0x%x: %d up, %d down channels", cb, len(t.up), len(t.down))
	return t, nil
}

func (t *Transport) locate(hint uint64, search []Range) (uint64, error) {
	want := []byte(magic)
	if hint != 0 {
		buf := make([]byte, magicLen)
		if err := t.mem.ReadMemory(hint, buf); err != nil {
			return 0, fmt.Errorf("reading control block at 0x%x: %w", hint, err)
		}
		if !bytes.HasPrefix(buf, want) {
			return 0, fmt.Errorf("no RTT control block at 0x%x", hint)
		}
		return hint, nil
	}
	const window = 1024
	for _, r := range search {
		// Overlap reads by the magic length so a block straddling a window
		// boundary is still found.
		for off := uint64(0); off < r.Size; off += window - magicLen {
			n := uint64(window)
			if off+n > r.Size {
				n = r.Size - off
			}
			if n < uint64(len(want)) {
				break
			}
			buf := make([]byte, n)
			if err := t.mem.ReadMemory(r.Start+off, buf); err != nil {
				return 0, fmt.Errorf("scanning 0x%x: %w", r.Start+off, err)
			}
			if i := bytes.Index(buf, want); i >= 0 {
				return r.Start + off + uint64(i), nil
			}
		}
	}
	return 0, errors.New("RTT control block not found")
}

func (t *Transport) enumerate() error {
	hdr := make([]byte, headerLen)
	if err := t.mem.ReadMemory(t.cb, hdr); err != nil {
		return fmt.Errorf("reading control block header: %w", err)
	}
	nup := int(int32(binary.LittleEndian.Uint32(hdr[magicLen:])))
	ndown := int(int32(binary.LittleEndian.Uint32(hdr[magicLen+4:])))
	if nup < 0 || nup > maxChannels || ndown < 0 || ndown > maxChannels {
		return fmt.Errorf("implausible channel counts %d/%d, control block corrupt?", nup, ndown)
	}

	descs := make([]byte, (nup+ndown)*descLen)
	if err := t.mem.ReadMemory(t.cb+headerLen, descs); err != nil {
		return fmt.Errorf("reading channel descriptors: %w", err)
	}
	for i := 0; i < nup+ndown; i++ {
		d := descs[i*descLen:]
		ch := &channel{
			descAddr: t.cb + headerLen + uint64(i*descLen),
			bufAddr:  uint64(binary.LittleEndian.Uint32(d[4:])),
			size:     binary.LittleEndian.Uint32(d[8:]),
		}
		ch.name = t.readName(uint64(binary.LittleEndian.Uint32(d[0:])))
		if i < nup {
			ch.index = i
			t.up = append(t.up, ch)
		} else {
			ch.index = i - nup
			t.down = append(t.down, ch)
		}
	}
	return nil
}

// readName reads the NUL-terminated channel name. Unnamed or unreadable
// channels get an empty name; that is not an error.
func (t *Transport) readName(addr uint64) string {
	if addr == 0 {
		return ""
	}
	buf := make([]byte, maxNameLen)
	if err := t.mem.ReadMemory(addr, buf); err != nil {
		return ""
	}
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf)
}

// ControlBlock returns the address the control block was found at.
func (t *Transport) ControlBlock() uint64 { return t.cb }

// Channels lists the discovered channels, up channels first.
func (t *Transport) Channels() []ChannelInfo {
	infos := make([]ChannelInfo, 0, len(t.up)+len(t.down))
	for _, ch := range t.up {
		infos = append(infos, ChannelInfo{Index: ch.index, Direction: DirectionUp, Name: ch.name, BufferSize: int(ch.size)})
	}
	for _, ch := range t.down {
		infos = append(infos, ChannelInfo{Index: ch.index, Direction: DirectionDown, Name: ch.name, BufferSize: int(ch.size)})
	}
	return infos
}

// Read drains up to max buffered bytes from an up channel. It never blocks;
// an empty slice means nothing has arrived since the last read.
func (t *Transport) Read(ch, max int) ([]byte, error) {
	if t.detached.Load() {
		return nil, ErrDetached
	}
	if ch < 0 || ch >= len(t.up) {
		return nil, fmt.Errorf("%w: up channel %d", ErrChannelNotFound, ch)
	}
	t.bufMu.Lock()
	defer t.bufMu.Unlock()
	return t.bufs[ch].drain(max), nil
}

// Write places data into a down-channel ring buffer. If the ring has less
// free space than len(data) nothing is written and ErrBufferFull is
// returned; the target consumes at its own pace and blocking here could
// stall forever.
func (t *Transport) Write(ch int, data []byte) error {
	if t.detached.Load() {
		return ErrDetached
	}
	if ch < 0 || ch >= len(t.down) {
		return fmt.Errorf("%w: down channel %d", ErrChannelNotFound, ch)
	}
	if len(data) == 0 {
		return nil
	}
	c := t.down[ch]
	if c.size == 0 {
		return fmt.Errorf("%w: down channel %d has no buffer", ErrChannelNotFound, ch)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	wr, rd, err := t.cursors(c)
	if err != nil {
		return err
	}
	// One slot stays empty so wr==rd always means empty.
	free := (int(c.size) - 1 - int(wr) + int(rd)) % int(c.size)
	if free < 0 {
		free += int(c.size)
	}
	if len(data) > free {
		return fmt.Errorf("%w: %d bytes free, %d requested", ErrBufferFull, free, len(data))
	}

	first := int(c.size) - int(wr)
	if first > len(data) {
		first = len(data)
	}
	if err := t.mem.WriteMemory(c.bufAddr+uint64(wr), data[:first]); err != nil {
		return err
	}
	if first < len(data) {
		if err := t.mem.WriteMemory(c.bufAddr, data[first:]); err != nil {
			return err
		}
	}
	newWr := (wr + uint32(len(data))) % c.size
	return t.writeCursor(c.descAddr+descWrOffField, newWr)
}

// Dropped returns the total number of bytes evicted from host buffers.
func (t *Transport) Dropped() uint64 {
	t.bufMu.Lock()
	defer t.bufMu.Unlock()
	var n uint64
	for _, b := range t.bufs {
		n += b.dropped
	}
	return n
}

// Healthy reports whether the poller is still running. It turns false after
// FailureLimit consecutive failed ticks.
func (t *Transport) Healthy() bool {
	return !t.dead.Load() && !t.detached.Load()
}

// Detach stops the poller and marks the transport detached. Idempotent.
func (t *Transport) Detach() {
	if t.detached.Swap(true) {
		return
	}
	close(t.stop)
	<-t.done
	t.log.Debug("detached")
}

func (t *Transport) poll() {
	defer close(t.done)
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
		}
		// A tool call holding the session lock takes priority; skip the
		// tick instead of queueing behind a long flash operation.
		if !t.mu.TryLock() {
			continue
		}
		err := t.pollOnce()
		t.mu.Unlock()

		if err != nil {
			failures++
			t.log.Debugf("poll tick failed (%d consecutive): %v", failures, err)
			if failures >= t.cfg.FailureLimit {
				t.log.Warnf("giving up after %d consecutive poll failures", failures)
				t.dead.Store(true)
				t.detached.Store(true)
				return
			}
			continue
		}
		failures = 0
	}
}

// pollOnce copies newly available bytes from every up channel into the host
// buffers and advances the target-side read cursors. Caller holds t.mu.
func (t *Transport) pollOnce() error {
	for i, c := range t.up {
		if c.size == 0 {
			continue
		}
		wr, rd, err := t.cursors(c)
		if err != nil {
			return err
		}
		if wr == rd {
			continue
		}
		avail := (int(wr) - int(rd) + int(c.size)) % int(c.size)
		data := make([]byte, avail)
		first := int(c.size) - int(rd)
		if first > avail {
			first = avail
		}
		if err := t.mem.ReadMemory(c.bufAddr+uint64(rd), data[:first]); err != nil {
			return err
		}
		if first < avail {
			if err := t.mem.ReadMemory(c.bufAddr, data[first:]); err != nil {
				return err
			}
		}
		if err := t.writeCursor(c.descAddr+descRdOffField, wr); err != nil {
			return err
		}
		t.bufMu.Lock()
		t.bufs[i].push(data)
		t.bufMu.Unlock()
	}
	return nil
}

func (t *Transport) cursors(c *channel) (wr, rd uint32, err error) {
	buf := make([]byte, 8)
	if err := t.mem.ReadMemory(c.descAddr+descWrOffField, buf); err != nil {
		return 0, 0, err
	}
	wr = binary.LittleEndian.Uint32(buf)
	rd = binary.LittleEndian.Uint32(buf[4:])
	if wr >= c.size || rd >= c.size {
		return 0, 0, fmt.Errorf("cursor out of bounds (wr=%d rd=%d size=%d)", wr, rd, c.size)
	}
	return wr, rd, nil
}

func (t *Transport) writeCursor(addr uint64, v uint32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return t.mem.WriteMemory(addr, buf)
}

// hostBuffer is a bounded FIFO of bytes with oldest-first eviction.
type hostBuffer struct {
	data    []byte
	cap     int
	dropped uint64
}

func newHostBuffer(cap int) *hostBuffer {
	return &hostBuffer{cap: cap}
}

func (b *hostBuffer) push(p []byte) {
	b.data = append(b.data, p...)
	if over := len(b.data) - b.cap; over > 0 {
		b.data = b.data[over:]
		b.dropped += uint64(over)
	}
}

func (b *hostBuffer) drain(max int) []byte {
	n := len(b.data)
	if max > 0 && n > max {
		n = max
	}
	if n == 0 {
		return nil
	}
	out := append([]byte(nil), b.data[:n]...)
	b.data = b.data[n:]
	return out
}
