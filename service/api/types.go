// Package api holds the types exchanged over the tool surface.
package api

// DebugState is the session state machine position.
type DebugState string

const (
	StateDisconnected DebugState = "disconnected"
	StateConnecting   DebugState = "connecting"
	StateRunning      DebugState = "running"
	StateHalted       DebugState = "halted"
)

// ProbeDescriptor identifies an enumerated probe.
type ProbeDescriptor struct {
	ID      string `json:"id"`
	Vendor  string `json:"vendor"`
	Product string `json:"product"`
	Serial  string `json:"serial,omitempty"`
}

// MemoryRegion is one mapped region of the target address space.
type MemoryRegion struct {
	Name  string `json:"name"`
	Start uint64 `json:"start"`
	Size  uint64 `json:"size"`
	Flash bool   `json:"flash"`
}

// TargetStatus is the full session status report.
type TargetStatus struct {
	SessionID  string           `json:"session_id"`
	State      DebugState       `json:"state"`
	Probe      *ProbeDescriptor `json:"probe,omitempty"`
	Chip       string           `json:"chip,omitempty"`
	PC         uint64           `json:"pc,omitempty"`
	SP         uint64           `json:"sp,omitempty"`
	HaltReason string           `json:"halt_reason,omitempty"`

	RTTAttached bool   `json:"rtt_attached"`
	RTTHealthy  bool   `json:"rtt_healthy,omitempty"`
	RTTDropped  uint64 `json:"rtt_dropped_bytes,omitempty"`
}

// ProbeTargetInfo is the probe_info report.
type ProbeTargetInfo struct {
	SessionID string          `json:"session_id"`
	State     DebugState      `json:"state"`
	Probe     ProbeDescriptor `json:"probe"`
	Chip      string          `json:"chip,omitempty"`
	MemoryMap []MemoryRegion  `json:"memory_map,omitempty"`
}

// Breakpoint kinds.
const (
	BreakpointHardware = "hardware"
	BreakpointSoftware = "software"
)

// Breakpoint describes one active breakpoint.
type Breakpoint struct {
	Addr    uint64 `json:"address"`
	Kind    string `json:"kind"`
	Enabled bool   `json:"enabled"`
}

// RegisterValue is one named core register and its contents.
type RegisterValue struct {
	Name  string `json:"name"`
	Value uint64 `json:"value"`
}

// EraseResult reports the range actually erased, which may be wider than the
// request because erase is sector granular.
type EraseResult struct {
	RequestedStart uint64 `json:"requested_start"`
	RequestedEnd   uint64 `json:"requested_end"`
	ErasedStart    uint64 `json:"erased_start"`
	ErasedEnd      uint64 `json:"erased_end"`
}

// FlashResult reports a completed program stage.
type FlashResult struct {
	BytesWritten int    `json:"bytes_written"`
	Start        uint64 `json:"start"`
	End          uint64 `json:"end"`
	Verified     bool   `json:"verified"`
}

// VerifyResult reports a flash verification. MismatchAddr is only
// meaningful when Match is false.
type VerifyResult struct {
	Match        bool   `json:"match"`
	MismatchAddr uint64 `json:"mismatch_address,omitempty"`
}

// RunFirmware stage names, reported when the composed pipeline aborts.
const (
	StageErase   = "erase"
	StageProgram = "program"
	StageVerify  = "verify"
	StageReset   = "reset"
	StageRTT     = "rtt_attach"
)

// RunFirmwareResult is the composed erase→program→verify→reset→attach report.
type RunFirmwareResult struct {
	Flash       FlashResult      `json:"flash"`
	Reset       bool             `json:"reset"`
	RTTChannels []RttChannelInfo `json:"rtt_channels,omitempty"`
}

// RttChannelInfo describes one discovered RTT channel.
type RttChannelInfo struct {
	Index      int    `json:"index"`
	Direction  string `json:"direction"`
	Name       string `json:"name"`
	BufferSize int    `json:"buffer_size"`
}

// RttAttachResult reports where the control block was found and what it
// declares.
type RttAttachResult struct {
	ControlBlock uint64           `json:"control_block"`
	Channels     []RttChannelInfo `json:"channels"`
}
