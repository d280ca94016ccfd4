package debugger

import (
	"bytes"
	"time"

	"github.com/probemcp/probemcp/pkg/flash"
	"github.com/probemcp/probemcp/service/api"
)

// FlashErase erases the sectors covering [addr, addr+size). Erase is sector
// granular, so the erased range may be wider than requested; the result
// reports both.
func (d *Debugger) FlashErase(addr, size uint64) (api.EraseResult, error) {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	if err := d.connectedLocked(); err != nil {
		return api.EraseResult{}, err
	}
	if size == 0 {
		return api.EraseResult{}, api.Errorf(api.InvalidParameter, "erase size must be positive")
	}
	start, end, err := d.sectorBoundsLocked(addr, size)
	if err != nil {
		return api.EraseResult{}, err
	}
	d.log.Infof("erasing 0x%x..0x%x (requested 0x%x..0x%x)", start, end, addr, addr+size)
	if err := d.target.EraseSectors(start, end-start); err != nil {
		return api.EraseResult{}, d.checkCommLocked("erase", err)
	}
	return api.EraseResult{
		RequestedStart: addr,
		RequestedEnd:   addr + size,
		ErasedStart:    start,
		ErasedEnd:      end,
	}, nil
}

// sectorBoundsLocked widens [addr, addr+size) to full sectors of the
// containing flash region. Caller holds targetMutex.
func (d *Debugger) sectorBoundsLocked(addr, size uint64) (start, end uint64, err error) {
	region, ok := d.target.FlashRegionFor(addr)
	if !ok {
		return 0, 0, api.Errorf(api.InvalidAddress, "0x%x is not in a flash region", addr)
	}
	if !region.Contains(addr, size) {
		return 0, 0, api.Errorf(api.InvalidAddress,
			"0x%x..0x%x extends past flash region %s", addr, addr+size, region.Name)
	}
	start = addr - (addr-region.Start)%region.SectorSize
	end = addr + size
	if rem := (end - region.Start) % region.SectorSize; rem != 0 {
		end += region.SectorSize - rem
	}
	return start, end, nil
}

// FlashProgram writes a parsed image to flash, page by page, with the target
// halted for the duration. With verify it re-reads the programmed range and
// a mismatch is an error, not a success with a footnote.
func (d *Debugger) FlashProgram(img *flash.Image, verify bool) (api.FlashResult, error) {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	if err := d.connectedLocked(); err != nil {
		return api.FlashResult{}, err
	}
	res, err := d.flashProgramLocked(img)
	if err != nil {
		return res, err
	}
	if verify {
		vr, err := d.flashVerifyLocked(img)
		if err != nil {
			return res, err
		}
		if !vr.Match {
			return res, api.Errorf(api.FlashVerifyMismatch, "first mismatch at 0x%x", vr.MismatchAddr)
		}
		res.Verified = true
	}
	return res, nil
}

func (d *Debugger) flashProgramLocked(img *flash.Image) (api.FlashResult, error) {
	// Flash programming is incompatible with a running core.
	if halted, err := d.target.Halted(); err != nil {
		return api.FlashResult{}, d.checkCommLocked("program", err)
	} else if !halted {
		if err := d.target.Halt(); err != nil {
			return api.FlashResult{}, d.checkCommLocked("program", err)
		}
		d.state = api.StateHalted
	}

	written := 0
	for _, seg := range img.Segments {
		region, ok := d.target.FlashRegionFor(seg.Addr)
		if !ok {
			return api.FlashResult{}, api.Errorf(api.InvalidAddress,
				"segment at 0x%x is not in a flash region", seg.Addr)
		}
		if !region.Contains(seg.Addr, uint64(len(seg.Data))) {
			return api.FlashResult{}, api.Errorf(api.InvalidAddress,
				"segment 0x%x..0x%x extends past flash region %s", seg.Addr, seg.End(), region.Name)
		}
		addr := seg.Addr
		data := seg.Data
		for len(data) > 0 {
			// Chunks never cross a page boundary.
			n := region.PageSize - addr%region.PageSize
			if n > uint64(len(data)) {
				n = uint64(len(data))
			}
			if err := d.target.ProgramPage(addr, data[:n]); err != nil {
				return api.FlashResult{}, d.checkCommLocked("program", err)
			}
			addr += n
			data = data[n:]
			written += int(n)
		}
	}
	start, end := img.Range()
	d.log.Infof("programmed %d bytes, 0x%x..0x%x", written, start, end)
	return api.FlashResult{BytesWritten: written, Start: start, End: end}, nil
}

// FlashVerify compares flash contents byte-for-byte against the image. A
// mismatch is reported in the result, not as an error; composed pipelines
// turn it into one.
func (d *Debugger) FlashVerify(img *flash.Image) (api.VerifyResult, error) {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	if err := d.connectedLocked(); err != nil {
		return api.VerifyResult{}, err
	}
	return d.flashVerifyLocked(img)
}

func (d *Debugger) flashVerifyLocked(img *flash.Image) (api.VerifyResult, error) {
	for _, seg := range img.Segments {
		addr := seg.Addr
		data := seg.Data
		for len(data) > 0 {
			n := d.config.MaxReadChunk
			if n > len(data) {
				n = len(data)
			}
			buf := make([]byte, n)
			if err := d.target.ReadMemory(addr, buf); err != nil {
				return api.VerifyResult{}, d.checkCommLocked("verify", err)
			}
			if i := firstMismatch(buf, data[:n]); i >= 0 {
				return api.VerifyResult{Match: false, MismatchAddr: addr + uint64(i)}, nil
			}
			addr += uint64(n)
			data = data[n:]
		}
	}
	return api.VerifyResult{Match: true}, nil
}

func firstMismatch(a, b []byte) int {
	if bytes.Equal(a, b) {
		return -1
	}
	for i := range a {
		if a[i] != b[i] {
			return i
		}
	}
	return -1
}

// RunFirmwareOptions controls the composed flash pipeline.
type RunFirmwareOptions struct {
	ResetAfterFlash bool
	AttachRTT       bool
	RTTTimeout      time.Duration
}

// RunFirmware composes erase→program→verify→reset→(optional RTT attach) as
// one logical operation. A stage failure aborts the remaining stages and the
// error names the stage; the target is left halted rather than running
// unverified code.
func (d *Debugger) RunFirmware(img *flash.Image, opts RunFirmwareOptions) (api.RunFirmwareResult, error) {
	var res api.RunFirmwareResult

	fail := func(stage string, err error) (api.RunFirmwareResult, error) {
		d.targetMutex.Lock()
		if d.target != nil {
			if err := d.target.Halt(); err == nil {
				d.state = api.StateHalted
			}
		}
		d.targetMutex.Unlock()
		if apiErr, ok := err.(*api.Error); ok {
			return res, api.Errorf(apiErr.Code, "%s stage: %s", stage, apiErr.Message)
		}
		return res, api.Errorf(api.ProbeCommunicationError, "%s stage: %v", stage, err)
	}

	start, end := img.Range()
	if _, err := d.FlashErase(start, end-start); err != nil {
		return fail(api.StageErase, err)
	}
	fres, err := d.FlashProgram(img, false)
	if err != nil {
		return fail(api.StageProgram, err)
	}
	vres, err := d.FlashVerify(img)
	if err != nil {
		return fail(api.StageVerify, err)
	}
	if !vres.Match {
		return fail(api.StageVerify, api.Errorf(api.FlashVerifyMismatch, "first mismatch at 0x%x", vres.MismatchAddr))
	}
	fres.Verified = true
	res.Flash = fres

	if opts.ResetAfterFlash {
		if _, err := d.Reset(false); err != nil {
			return fail(api.StageReset, err)
		}
		res.Reset = true
	}

	if opts.AttachRTT {
		timeout := opts.RTTTimeout
		if timeout <= 0 {
			timeout = 3 * time.Second
		}
		channels, err := d.rttAttachRetry(timeout)
		if err != nil {
			return fail(api.StageRTT, err)
		}
		res.RTTChannels = channels
	}
	return res, nil
}

// rttAttachRetry keeps scanning for the control block until the deadline;
// freshly reset firmware needs a moment to initialize it.
func (d *Debugger) rttAttachRetry(timeout time.Duration) ([]api.RttChannelInfo, error) {
	deadline := time.Now().Add(timeout)
	for {
		att, err := d.RTTAttach(0, nil)
		if err == nil {
			return att.Channels, nil
		}
		if api.CodeOf(err) == api.NotConnected || api.CodeOf(err) == api.ProbeCommunicationError {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, err
		}
		time.Sleep(200 * time.Millisecond)
	}
}
