package debugger

import (
	"errors"

	"github.com/probemcp/probemcp/pkg/probe"
	"github.com/probemcp/probemcp/pkg/rtt"
	"github.com/probemcp/probemcp/service/api"
)

// RTTAttach locates the RTT control block (at the hinted address, or by
// scanning the given ranges, or by scanning all RAM regions) and starts the
// background poller. A previous attachment is torn down first: the channel
// set is rediscovered on every attach.
func (d *Debugger) RTTAttach(cbHint uint64, search []rtt.Range) (api.RttAttachResult, error) {
	d.targetMutex.Lock()
	if err := d.connectedLocked(); err != nil {
		d.targetMutex.Unlock()
		return api.RttAttachResult{}, err
	}
	if d.rtt != nil {
		d.rtt.Detach()
		d.rtt = nil
	}
	target := d.target
	if len(search) == 0 && cbHint == 0 {
		for _, r := range target.MemoryMap() {
			if !r.Flash {
				search = append(search, rtt.Range{Start: r.Start, Size: r.Size})
			}
		}
	}
	d.targetMutex.Unlock()

	// rtt.Attach takes the session lock itself for the locate/enumerate
	// reads, and hands it to the poller for cursor updates.
	tr, err := rtt.Attach(target, &d.targetMutex, rtt.Config{
		PollInterval:   d.config.RTTPollInterval,
		HostBufferSize: d.config.RTTHostBufferSize,
		FailureLimit:   d.config.RTTFailureLimit,
	}, cbHint, search)
	if err != nil {
		if probe.IsCommError(err) {
			return api.RttAttachResult{}, d.rttError("rtt attach", err)
		}
		return api.RttAttachResult{}, api.Errorf(api.InvalidAddress, "rtt attach: %v", err)
	}

	d.targetMutex.Lock()
	if d.target == nil {
		// Session died while attaching.
		d.targetMutex.Unlock()
		tr.Detach()
		return api.RttAttachResult{}, api.Errorf(api.NotConnected, "session %s is not connected", d.id)
	}
	d.rtt = tr
	d.targetMutex.Unlock()

	return api.RttAttachResult{
		ControlBlock: tr.ControlBlock(),
		Channels:     convertChannels(tr.Channels()),
	}, nil
}

// RTTDetach stops the poller and releases channel state. It does not touch
// the session itself. Idempotent.
func (d *Debugger) RTTDetach() error {
	d.targetMutex.Lock()
	tr := d.rtt
	d.rtt = nil
	d.targetMutex.Unlock()
	if tr != nil {
		tr.Detach()
	}
	return nil
}

// RTTChannels lists the channels discovered by the last attach.
func (d *Debugger) RTTChannels() ([]api.RttChannelInfo, error) {
	d.targetMutex.Lock()
	tr := d.rtt
	d.targetMutex.Unlock()
	if tr == nil {
		return nil, api.Errorf(api.RttChannelNotFound, "RTT is not attached")
	}
	return convertChannels(tr.Channels()), nil
}

// RTTRead drains up to max bytes buffered for an up channel since the last
// read. Non-blocking: an empty result means nothing has arrived.
func (d *Debugger) RTTRead(channel, max int) ([]byte, error) {
	d.targetMutex.Lock()
	tr := d.rtt
	d.targetMutex.Unlock()
	if tr == nil {
		return nil, api.Errorf(api.RttChannelNotFound, "RTT is not attached")
	}
	data, err := tr.Read(channel, max)
	if err != nil {
		return nil, d.rttError("rtt read", err)
	}
	return data, nil
}

// RTTWrite places data into a down-channel ring buffer, failing fast when
// the target has not consumed enough of it.
func (d *Debugger) RTTWrite(channel int, data []byte) error {
	d.targetMutex.Lock()
	tr := d.rtt
	if tr == nil {
		d.targetMutex.Unlock()
		return api.Errorf(api.RttChannelNotFound, "RTT is not attached")
	}
	d.targetMutex.Unlock()
	if err := tr.Write(channel, data); err != nil {
		return d.rttError("rtt write", err)
	}
	return nil
}

func (d *Debugger) rttError(op string, err error) error {
	switch {
	case errors.Is(err, rtt.ErrBufferFull):
		return api.Errorf(api.RttBufferFull, "%v", err)
	case errors.Is(err, rtt.ErrChannelNotFound), errors.Is(err, rtt.ErrDetached):
		return api.Errorf(api.RttChannelNotFound, "%v", err)
	}
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	return d.checkCommLocked(op, err)
}

func convertChannels(infos []rtt.ChannelInfo) []api.RttChannelInfo {
	out := make([]api.RttChannelInfo, len(infos))
	for i, ci := range infos {
		out[i] = api.RttChannelInfo{Index: ci.Index, Direction: ci.Direction, Name: ci.Name, BufferSize: ci.BufferSize}
	}
	return out
}
