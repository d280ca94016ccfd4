package debugger

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probemcp/probemcp/pkg/probe/fake"
	"github.com/probemcp/probemcp/pkg/rtt"
	"github.com/probemcp/probemcp/service/api"
)

const (
	fakeCBAddr      = uint64(fake.RAMStart + 0x200)
	fakeUpBufAddr   = uint64(fake.RAMStart + 0x800)
	fakeDownBufAddr = uint64(fake.RAMStart + 0x900)
	fakeNameAddr    = uint64(fake.RAMStart + 0x1C0)
	fakeRingSize    = 64
)

func fakePut32(t *testing.T, tgt *fake.Target, addr uint64, v uint32) {
	t.Helper()
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	require.NoError(t, tgt.WriteMemory(addr, b))
}

func fakeGet32(t *testing.T, tgt *fake.Target, addr uint64) uint32 {
	t.Helper()
	b := make([]byte, 4)
	require.NoError(t, tgt.ReadMemory(addr, b))
	return binary.LittleEndian.Uint32(b)
}

// installFakeRTT lays out a control block with one up channel named
// "Terminal" and one down channel in the fake target's RAM.
func installFakeRTT(t *testing.T, tgt *fake.Target) {
	t.Helper()
	require.NoError(t, tgt.WriteMemory(fakeCBAddr, []byte("SEGGER RTT\x00\x00\x00\x00\x00\x00")))
	fakePut32(t, tgt, fakeCBAddr+16, 1) // MaxNumUpBuffers
	fakePut32(t, tgt, fakeCBAddr+20, 1) // MaxNumDownBuffers
	require.NoError(t, tgt.WriteMemory(fakeNameAddr, append([]byte("Terminal"), 0)))

	upDesc := fakeCBAddr + 24
	fakePut32(t, tgt, upDesc, uint32(fakeNameAddr))
	fakePut32(t, tgt, upDesc+4, uint32(fakeUpBufAddr))
	fakePut32(t, tgt, upDesc+8, fakeRingSize)
	fakePut32(t, tgt, upDesc+12, 0) // WrOff
	fakePut32(t, tgt, upDesc+16, 0) // RdOff

	downDesc := upDesc + 24
	fakePut32(t, tgt, downDesc, 0)
	fakePut32(t, tgt, downDesc+4, uint32(fakeDownBufAddr))
	fakePut32(t, tgt, downDesc+8, fakeRingSize)
	fakePut32(t, tgt, downDesc+12, 0)
	fakePut32(t, tgt, downDesc+16, 0)
}

// fakeEmit simulates target firmware pushing bytes into the up channel.
func fakeEmit(t *testing.T, tgt *fake.Target, data []byte) {
	t.Helper()
	upDesc := fakeCBAddr + 24
	wr := fakeGet32(t, tgt, upDesc+12)
	for _, c := range data {
		require.NoError(t, tgt.WriteMemory(fakeUpBufAddr+uint64(wr), []byte{c}))
		wr = (wr + 1) % fakeRingSize
	}
	fakePut32(t, tgt, upDesc+12, wr)
}

func TestRTTNotAttached(t *testing.T) {
	d, _ := newTestDebugger(t)

	_, err := d.RTTChannels()
	assertCode(t, err, api.RttChannelNotFound)
	_, err = d.RTTRead(0, 0)
	assertCode(t, err, api.RttChannelNotFound)
	err = d.RTTWrite(0, []byte{1})
	assertCode(t, err, api.RttChannelNotFound)

	require.NoError(t, d.RTTDetach())
}

func TestRTTAttachNoControlBlock(t *testing.T) {
	d, _ := newTestDebugger(t)
	_, err := d.RTTAttach(0, nil)
	assertCode(t, err, api.InvalidAddress)
}

func TestRTTAttachScanAndHint(t *testing.T) {
	d, tgt := newTestDebugger(t)
	installFakeRTT(t, tgt)

	res, err := d.RTTAttach(0, nil)
	require.NoError(t, err)
	assert.Equal(t, fakeCBAddr, res.ControlBlock)
	require.Len(t, res.Channels, 2)
	assert.Equal(t, rtt.DirectionUp, res.Channels[0].Direction)
	assert.Equal(t, "Terminal", res.Channels[0].Name)
	assert.Equal(t, rtt.DirectionDown, res.Channels[1].Direction)

	// Re-attach by hint rediscovers the same channel set.
	res, err = d.RTTAttach(fakeCBAddr, nil)
	require.NoError(t, err)
	assert.Equal(t, fakeCBAddr, res.ControlBlock)

	channels, err := d.RTTChannels()
	require.NoError(t, err)
	assert.Len(t, channels, 2)
}

func TestRTTReadWrite(t *testing.T) {
	d, tgt := newTestDebugger(t)
	installFakeRTT(t, tgt)
	_, err := d.RTTAttach(0, nil)
	require.NoError(t, err)

	fakeEmit(t, tgt, []byte("boot ok\n"))

	var got []byte
	require.Eventually(t, func() bool {
		data, err := d.RTTRead(0, 0)
		require.NoError(t, err)
		got = append(got, data...)
		return string(got) == "boot ok\n"
	}, time.Second, time.Millisecond)

	require.NoError(t, d.RTTWrite(0, []byte("ping")))
	buf := make([]byte, 4)
	require.NoError(t, tgt.ReadMemory(fakeDownBufAddr, buf))
	assert.Equal(t, "ping", string(buf))
	assert.Equal(t, uint32(4), fakeGet32(t, tgt, fakeCBAddr+24+24+12))
}

func TestRTTWriteBufferFull(t *testing.T) {
	d, tgt := newTestDebugger(t)
	installFakeRTT(t, tgt)
	_, err := d.RTTAttach(0, nil)
	require.NoError(t, err)

	require.NoError(t, d.RTTWrite(0, make([]byte, fakeRingSize-1)))
	err = d.RTTWrite(0, []byte{1})
	assertCode(t, err, api.RttBufferFull)
}

func TestRTTUnknownChannel(t *testing.T) {
	d, tgt := newTestDebugger(t)
	installFakeRTT(t, tgt)
	_, err := d.RTTAttach(0, nil)
	require.NoError(t, err)

	_, err = d.RTTRead(3, 0)
	assertCode(t, err, api.RttChannelNotFound)
	err = d.RTTWrite(3, []byte{1})
	assertCode(t, err, api.RttChannelNotFound)
}

func TestRTTDetach(t *testing.T) {
	d, tgt := newTestDebugger(t)
	installFakeRTT(t, tgt)
	_, err := d.RTTAttach(0, nil)
	require.NoError(t, err)

	require.NoError(t, d.RTTDetach())
	require.NoError(t, d.RTTDetach())

	_, err = d.RTTRead(0, 0)
	assertCode(t, err, api.RttChannelNotFound)

	// Detaching RTT does not touch the session.
	assert.Equal(t, api.StateHalted, d.State())
}

func TestRTTPollerDeathKeepsSession(t *testing.T) {
	d, tgt := newTestDebugger(t)
	installFakeRTT(t, tgt)
	_, err := d.RTTAttach(0, nil)
	require.NoError(t, err)

	// Starve the poller past its failure budget, then restore the transport
	// before touching the session again.
	tgt.FailNextOps(1 << 20)
	time.Sleep(200 * time.Millisecond)
	tgt.FailNextOps(0)

	st, err := d.Status()
	require.NoError(t, err)
	assert.False(t, st.RTTHealthy)
	assert.Equal(t, api.StateHalted, st.State)

	_, err = d.RTTRead(0, 0)
	assertCode(t, err, api.RttChannelNotFound)

	// A fresh attach recovers.
	_, err = d.RTTAttach(0, nil)
	require.NoError(t, err)
	assert.Equal(t, api.StateHalted, d.State())
}

func TestDisconnectStopsRTT(t *testing.T) {
	d, tgt := newTestDebugger(t)
	installFakeRTT(t, tgt)
	_, err := d.RTTAttach(0, nil)
	require.NoError(t, err)

	require.NoError(t, d.Disconnect())
	_, err = d.RTTRead(0, 0)
	assertCode(t, err, api.RttChannelNotFound)

	// And a new attach on the dead session reports the session state.
	_, err = d.RTTAttach(0, nil)
	assertCode(t, err, api.NotConnected)
}
