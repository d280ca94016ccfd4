package debugger

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probemcp/probemcp/pkg/flash"
	"github.com/probemcp/probemcp/pkg/probe/fake"
	"github.com/probemcp/probemcp/service/api"
)

func binImage(t *testing.T, addr uint64, data []byte) *flash.Image {
	t.Helper()
	img, err := flash.ParseImage(data, flash.FormatBIN, addr)
	require.NoError(t, err)
	return img
}

func pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return data
}

func TestFlashEraseSectorRounding(t *testing.T) {
	d, tgt := newTestDebugger(t)

	// Leave a mark so the erase is observable.
	require.NoError(t, tgt.WriteMemory(fake.FlashStart, []byte{0x42}))

	res, err := d.FlashErase(fake.FlashStart+100, 200)
	require.NoError(t, err)
	assert.Equal(t, uint64(fake.FlashStart+100), res.RequestedStart)
	assert.Equal(t, uint64(fake.FlashStart+300), res.RequestedEnd)
	assert.Equal(t, uint64(fake.FlashStart), res.ErasedStart)
	assert.Equal(t, uint64(fake.FlashStart+fake.SectorSize), res.ErasedEnd)

	b := make([]byte, 1)
	require.NoError(t, tgt.ReadMemory(fake.FlashStart, b))
	assert.Equal(t, byte(0xFF), b[0])
}

func TestFlashEraseSpansSectors(t *testing.T) {
	d, _ := newTestDebugger(t)
	res, err := d.FlashErase(fake.FlashStart+fake.SectorSize-1, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(fake.FlashStart), res.ErasedStart)
	assert.Equal(t, uint64(fake.FlashStart+2*fake.SectorSize), res.ErasedEnd)
}

func TestFlashEraseInvalid(t *testing.T) {
	d, _ := newTestDebugger(t)

	_, err := d.FlashErase(fake.RAMStart, 16)
	assertCode(t, err, api.InvalidAddress)

	_, err = d.FlashErase(fake.FlashStart, 0)
	assertCode(t, err, api.InvalidParameter)

	_, err = d.FlashErase(fake.FlashStart+fake.FlashSize-16, 32)
	assertCode(t, err, api.InvalidAddress)
}

func TestFlashProgramAndVerify(t *testing.T) {
	d, tgt := newTestDebugger(t)

	// Unaligned start and a length spanning several pages.
	addr := uint64(fake.FlashStart + 0x10)
	data := pattern(600)
	img := binImage(t, addr, data)

	res, err := d.FlashProgram(img, true)
	require.NoError(t, err)
	assert.Equal(t, len(data), res.BytesWritten)
	assert.Equal(t, addr, res.Start)
	assert.Equal(t, addr+uint64(len(data)), res.End)
	assert.True(t, res.Verified)

	got := make([]byte, len(data))
	require.NoError(t, tgt.ReadMemory(addr, got))
	assert.True(t, bytes.Equal(data, got))
}

func TestFlashVerifyMismatchAddress(t *testing.T) {
	d, tgt := newTestDebugger(t)
	addr := uint64(fake.FlashStart + 0x100)
	data := pattern(300)
	img := binImage(t, addr, data)

	_, err := d.FlashProgram(img, false)
	require.NoError(t, err)

	// Corrupt one byte behind the session's back.
	require.NoError(t, tgt.WriteMemory(addr+257, []byte{data[257] ^ 0xFF}))

	vr, err := d.FlashVerify(img)
	require.NoError(t, err)
	assert.False(t, vr.Match)
	assert.Equal(t, addr+257, vr.MismatchAddr)

	_, err = d.FlashProgram(img, true)
	require.NoError(t, err) // reprogramming fixes it
}

func TestFlashProgramOutsideFlash(t *testing.T) {
	d, _ := newTestDebugger(t)
	_, err := d.FlashProgram(binImage(t, fake.RAMStart, []byte{1, 2, 3}), false)
	assertCode(t, err, api.InvalidAddress)
}

func TestFlashProgramHaltsRunningCore(t *testing.T) {
	d, _ := newTestDebugger(t)
	_, err := d.Run()
	require.NoError(t, err)

	_, err = d.FlashProgram(binImage(t, fake.FlashStart, pattern(16)), false)
	require.NoError(t, err)
	assert.Equal(t, api.StateHalted, d.State())
}

func TestRunFirmware(t *testing.T) {
	d, tgt := newTestDebugger(t)

	// Pre-dirty the flash so erase has work to do.
	require.NoError(t, tgt.WriteMemory(fake.FlashStart, pattern(64)))

	data := pattern(512)
	res, err := d.RunFirmware(binImage(t, fake.FlashStart, data), RunFirmwareOptions{
		ResetAfterFlash: true,
	})
	require.NoError(t, err)
	assert.True(t, res.Flash.Verified)
	assert.Equal(t, len(data), res.Flash.BytesWritten)
	assert.True(t, res.Reset)
	assert.Equal(t, api.StateRunning, d.State())
}

func TestRunFirmwareAttachesRTT(t *testing.T) {
	d, tgt := newTestDebugger(t)
	installFakeRTT(t, tgt)

	res, err := d.RunFirmware(binImage(t, fake.FlashStart, pattern(128)), RunFirmwareOptions{
		ResetAfterFlash: true,
		AttachRTT:       true,
		RTTTimeout:      time.Second,
	})
	require.NoError(t, err)
	require.Len(t, res.RTTChannels, 2)
	assert.Equal(t, "Terminal", res.RTTChannels[0].Name)

	st, err := d.Status()
	require.NoError(t, err)
	assert.True(t, st.RTTAttached)
}

func TestRunFirmwareStageFailure(t *testing.T) {
	d, tgt := newTestDebugger(t)
	tgt.FailNextOps(1)

	_, err := d.RunFirmware(binImage(t, fake.FlashStart, pattern(32)), RunFirmwareOptions{})
	assertCode(t, err, api.ProbeCommunicationError)
	assert.Contains(t, err.Error(), "erase stage")
}

func TestRunFirmwareInvalidImageStage(t *testing.T) {
	d, _ := newTestDebugger(t)

	_, err := d.RunFirmware(binImage(t, fake.RAMStart, pattern(32)), RunFirmwareOptions{})
	assertCode(t, err, api.InvalidAddress)
	assert.Contains(t, err.Error(), "erase stage")

	// The failed pipeline leaves the target halted.
	assert.Equal(t, api.StateHalted, d.State())
}
