package rtt

import (
	"encoding/binary"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	ramStart = uint64(0x20000000)
	ramSize  = 0x4000

	cbAddr      = ramStart + 0x100
	upBufAddr   = ramStart + 0x800
	downBufAddr = ramStart + 0xC00
	upNameAddr  = ramStart + 0x40
	ringSize    = 64
)

// testMem is target RAM backed by a byte slice.
type testMem struct {
	mu    sync.Mutex
	data  []byte
	fail  bool
	reads int
}

func newTestMem() *testMem {
	return &testMem{data: make([]byte, ramSize)}
}

func (m *testMem) ReadMemory(addr uint64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return fmt.Errorf("simulated read failure")
	}
	m.reads++
	off := addr - ramStart
	if off+uint64(len(buf)) > uint64(len(m.data)) {
		return fmt.Errorf("read outside RAM at 0x%x", addr)
	}
	copy(buf, m.data[off:])
	return nil
}

func (m *testMem) WriteMemory(addr uint64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return fmt.Errorf("simulated write failure")
	}
	off := addr - ramStart
	if off+uint64(len(data)) > uint64(len(m.data)) {
		return fmt.Errorf("write outside RAM at 0x%x", addr)
	}
	copy(m.data[off:], data)
	return nil
}

func (m *testMem) setFail(fail bool) {
	m.mu.Lock()
	m.fail = fail
	m.mu.Unlock()
}

func (m *testMem) put32(addr uint64, v uint32) {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	if err := m.WriteMemory(addr, b); err != nil {
		panic(err)
	}
}

func (m *testMem) get32(t *testing.T, addr uint64) uint32 {
	t.Helper()
	b := make([]byte, 4)
	require.NoError(t, m.ReadMemory(addr, b))
	return binary.LittleEndian.Uint32(b)
}

// installControlBlock lays out a control block with one up and one down
// channel.
func installControlBlock(m *testMem) {
	if err := m.WriteMemory(cbAddr, []byte(magic)); err != nil {
		panic(err)
	}
	m.put32(cbAddr+magicLen, 1)   // MaxNumUpBuffers
	m.put32(cbAddr+magicLen+4, 1) // MaxNumDownBuffers
	if err := m.WriteMemory(upNameAddr, append([]byte("Terminal"), 0)); err != nil {
		panic(err)
	}

	upDesc := cbAddr + headerLen
	m.put32(upDesc, uint32(upNameAddr))
	m.put32(upDesc+4, uint32(upBufAddr))
	m.put32(upDesc+8, ringSize)
	m.put32(upDesc+descWrOffField, 0)
	m.put32(upDesc+descRdOffField, 0)

	downDesc := upDesc + descLen
	m.put32(downDesc, 0)
	m.put32(downDesc+4, uint32(downBufAddr))
	m.put32(downDesc+8, ringSize)
	m.put32(downDesc+descWrOffField, 0)
	m.put32(downDesc+descRdOffField, 0)
}

// targetEmit simulates the target writing bytes into the up channel.
func targetEmit(m *testMem, data []byte) {
	upDesc := cbAddr + headerLen
	b := make([]byte, 4)
	if err := m.ReadMemory(upDesc+descWrOffField, b); err != nil {
		panic(err)
	}
	wr := binary.LittleEndian.Uint32(b)
	for _, c := range data {
		if err := m.WriteMemory(upBufAddr+uint64(wr), []byte{c}); err != nil {
			panic(err)
		}
		wr = (wr + 1) % ringSize
	}
	m.put32(upDesc+descWrOffField, wr)
}

func attach(t *testing.T, m *testMem, cfg Config, hint uint64) (*Transport, *sync.Mutex) {
	t.Helper()
	var mu sync.Mutex
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Millisecond
	}
	tr, err := Attach(m, &mu, cfg, hint, []Range{{Start: ramStart, Size: ramSize}})
	require.NoError(t, err)
	t.Cleanup(tr.Detach)
	return tr, &mu
}

func TestAttachByScan(t *testing.T) {
	m := newTestMem()
	installControlBlock(m)

	tr, _ := attach(t, m, Config{}, 0)
	assert.Equal(t, cbAddr, tr.ControlBlock())

	channels := tr.Channels()
	require.Len(t, channels, 2)
	assert.Equal(t, DirectionUp, channels[0].Direction)
	assert.Equal(t, "Terminal", channels[0].Name)
	assert.Equal(t, ringSize, channels[0].BufferSize)
	assert.Equal(t, DirectionDown, channels[1].Direction)
	assert.Equal(t, "", channels[1].Name)
}

func TestAttachByHint(t *testing.T) {
	m := newTestMem()
	installControlBlock(m)

	tr, _ := attach(t, m, Config{}, cbAddr)
	assert.Equal(t, cbAddr, tr.ControlBlock())
}

func TestAttachBadHint(t *testing.T) {
	m := newTestMem()
	installControlBlock(m)

	var mu sync.Mutex
	_, err := Attach(m, &mu, Config{PollInterval: time.Millisecond}, ramStart+0x10, nil)
	require.Error(t, err)
}

func TestAttachNotFound(t *testing.T) {
	m := newTestMem()
	var mu sync.Mutex
	_, err := Attach(m, &mu, Config{PollInterval: time.Millisecond}, 0, []Range{{Start: ramStart, Size: ramSize}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestReadDeliversExactlyOnce(t *testing.T) {
	m := newTestMem()
	installControlBlock(m)
	tr, _ := attach(t, m, Config{}, 0)

	targetEmit(m, []byte("hello "))
	targetEmit(m, []byte("world"))

	var got []byte
	require.Eventually(t, func() bool {
		data, err := tr.Read(0, 0)
		require.NoError(t, err)
		got = append(got, data...)
		return string(got) == "hello world"
	}, time.Second, time.Millisecond)

	// Nothing is delivered twice.
	data, err := tr.Read(0, 0)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestReadWrapAround(t *testing.T) {
	m := newTestMem()
	installControlBlock(m)
	tr, _ := attach(t, m, Config{}, 0)

	// Several rounds larger than the ring force cursor wraps.
	var want []byte
	for i := 0; i < 5; i++ {
		chunk := []byte(fmt.Sprintf("chunk-%d-0123456789012345678901234567890123456789", i))
		require.Less(t, len(chunk), ringSize)
		targetEmit(m, chunk)
		want = append(want, chunk...)

		require.Eventually(t, func() bool {
			upDesc := cbAddr + headerLen
			return m.get32(t, upDesc+descWrOffField) == m.get32(t, upDesc+descRdOffField)
		}, time.Second, time.Millisecond)
	}

	var got []byte
	require.Eventually(t, func() bool {
		data, err := tr.Read(0, 0)
		require.NoError(t, err)
		got = append(got, data...)
		return len(got) == len(want)
	}, time.Second, time.Millisecond)
	assert.Equal(t, want, got)
}

func TestReadMaxBytes(t *testing.T) {
	m := newTestMem()
	installControlBlock(m)
	tr, _ := attach(t, m, Config{}, 0)

	targetEmit(m, []byte("0123456789"))
	require.Eventually(t, func() bool {
		return tr.Dropped() == 0 && func() bool {
			data, err := tr.Read(0, 4)
			require.NoError(t, err)
			if len(data) == 0 {
				return false
			}
			assert.Equal(t, "0123", string(data))
			return true
		}()
	}, time.Second, time.Millisecond)

	data, err := tr.Read(0, 0)
	require.NoError(t, err)
	assert.Equal(t, "456789", string(data))
}

func TestHostBufferOverflowDropsOldest(t *testing.T) {
	m := newTestMem()
	installControlBlock(m)
	tr, _ := attach(t, m, Config{HostBufferSize: 8}, 0)

	targetEmit(m, []byte("abcdefgh"))
	require.Eventually(t, func() bool {
		upDesc := cbAddr + headerLen
		return m.get32(t, upDesc+descWrOffField) == m.get32(t, upDesc+descRdOffField)
	}, time.Second, time.Millisecond)
	targetEmit(m, []byte("XY"))

	require.Eventually(t, func() bool { return tr.Dropped() == 2 }, time.Second, time.Millisecond)
	data, err := tr.Read(0, 0)
	require.NoError(t, err)
	assert.Equal(t, "cdefghXY", string(data))
}

func TestReadUnknownChannel(t *testing.T) {
	m := newTestMem()
	installControlBlock(m)
	tr, _ := attach(t, m, Config{}, 0)

	_, err := tr.Read(7, 0)
	require.ErrorIs(t, err, ErrChannelNotFound)
}

func TestWrite(t *testing.T) {
	m := newTestMem()
	installControlBlock(m)
	tr, _ := attach(t, m, Config{}, 0)

	require.NoError(t, tr.Write(0, []byte("ping")))

	buf := make([]byte, 4)
	require.NoError(t, m.ReadMemory(downBufAddr, buf))
	assert.Equal(t, "ping", string(buf))

	downDesc := cbAddr + headerLen + descLen
	assert.Equal(t, uint32(4), m.get32(t, downDesc+descWrOffField))
}

func TestWriteBufferFull(t *testing.T) {
	m := newTestMem()
	installControlBlock(m)
	tr, _ := attach(t, m, Config{}, 0)

	// One slot stays empty, so capacity is ringSize-1.
	require.NoError(t, tr.Write(0, make([]byte, ringSize-1)))
	err := tr.Write(0, []byte{1})
	require.ErrorIs(t, err, ErrBufferFull)

	// Nothing was written by the failed call.
	downDesc := cbAddr + headerLen + descLen
	assert.Equal(t, uint32(ringSize-1), m.get32(t, downDesc+descWrOffField))
}

func TestWriteWrapAround(t *testing.T) {
	m := newTestMem()
	installControlBlock(m)
	tr, _ := attach(t, m, Config{}, 0)

	downDesc := cbAddr + headerLen + descLen
	// Pretend the target consumed 60 bytes after a 60-byte write.
	require.NoError(t, tr.Write(0, make([]byte, 60)))
	m.put32(downDesc+descRdOffField, 60)

	payload := []byte("wrapped!")
	require.NoError(t, tr.Write(0, payload))

	got := make([]byte, len(payload))
	require.NoError(t, m.ReadMemory(downBufAddr+60, got[:4]))
	require.NoError(t, m.ReadMemory(downBufAddr, got[4:]))
	assert.Equal(t, payload, got)
	assert.Equal(t, uint32((60+len(payload))%ringSize), m.get32(t, downDesc+descWrOffField))
}

func TestPersistentFailureMarksDead(t *testing.T) {
	m := newTestMem()
	installControlBlock(m)
	tr, _ := attach(t, m, Config{FailureLimit: 3}, 0)

	require.True(t, tr.Healthy())
	m.setFail(true)
	require.Eventually(t, func() bool { return !tr.Healthy() }, time.Second, time.Millisecond)

	_, err := tr.Read(0, 0)
	require.ErrorIs(t, err, ErrDetached)
}

func TestTransientFailureRecovers(t *testing.T) {
	m := newTestMem()
	installControlBlock(m)
	tr, _ := attach(t, m, Config{FailureLimit: 50}, 0)

	m.setFail(true)
	time.Sleep(10 * time.Millisecond)
	m.setFail(false)

	targetEmit(m, []byte("ok"))
	require.Eventually(t, func() bool {
		data, err := tr.Read(0, 0)
		require.NoError(t, err)
		return string(data) == "ok"
	}, time.Second, time.Millisecond)
	assert.True(t, tr.Healthy())
}

func TestPollSkipsWhenLockHeld(t *testing.T) {
	m := newTestMem()
	installControlBlock(m)
	tr, mu := attach(t, m, Config{}, 0)

	mu.Lock()
	m.mu.Lock()
	before := m.reads
	m.mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	m.mu.Lock()
	during := m.reads
	m.mu.Unlock()
	mu.Unlock()

	// No hardware traffic while a tool call holds the session lock.
	assert.Equal(t, before, during)

	targetEmit(m, []byte("resumed"))
	require.Eventually(t, func() bool {
		data, err := tr.Read(0, 0)
		require.NoError(t, err)
		return string(data) == "resumed"
	}, time.Second, time.Millisecond)
}

func TestDetachIdempotent(t *testing.T) {
	m := newTestMem()
	installControlBlock(m)
	tr, _ := attach(t, m, Config{}, 0)

	tr.Detach()
	tr.Detach()

	_, err := tr.Read(0, 0)
	require.ErrorIs(t, err, ErrDetached)
	require.ErrorIs(t, tr.Write(0, []byte{1}), ErrDetached)
}
