package mcpserver

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/probemcp/probemcp/pkg/flash"
	"github.com/probemcp/probemcp/pkg/rtt"
	"github.com/probemcp/probemcp/service/api"
	"github.com/probemcp/probemcp/service/debugger"
)

// resultOf marshals a success payload into the uniform result envelope.
func resultOf(v interface{}) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(api.Errorf(api.InvalidParameter, "encoding result: %v", err).Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

// failure renders a coded error. Protocol-level errors are never returned;
// every failure is a tool result the agent can read.
func (s *Server) failure(tool string, err error) (*mcp.CallToolResult, error) {
	s.log.Debugf("%s failed: %v", tool, err)
	if _, ok := err.(*api.Error); !ok {
		err = api.Errorf(api.InvalidParameter, "%v", err)
	}
	return mcp.NewToolResultError(err.Error()), nil
}

// ack is the result of operations that return no data.
type ack struct {
	OK bool `json:"ok"`
}

func (s *Server) session(request mcp.CallToolRequest) (*debugger.Debugger, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return nil, api.Errorf(api.InvalidParameter, "session_id is required")
	}
	return s.registry.Get(id)
}

func (s *Server) handleListProbes(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	probes, err := s.registry.ListProbes()
	if err != nil {
		return s.failure("list_probes", err)
	}
	return resultOf(struct {
		Probes []api.ProbeDescriptor `json:"probes"`
	}{probes})
}

func (s *Server) handleConnect(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	chip, err := request.RequireString("target_chip")
	if err != nil {
		return s.failure("connect", api.Errorf(api.InvalidParameter, "target_chip is required"))
	}
	probeID := request.GetString("probe_id", "auto")
	speed := request.GetInt("speed_khz", 4000)
	underReset := request.GetBool("connect_under_reset", false)

	d, err := s.registry.Connect(probeID, chip, speed, underReset)
	if err != nil {
		return s.failure("connect", err)
	}
	status, err := d.Status()
	if err != nil {
		return s.failure("connect", err)
	}
	return resultOf(status)
}

func (s *Server) handleDisconnect(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return s.failure("disconnect", api.Errorf(api.InvalidParameter, "session_id is required"))
	}
	if err := s.registry.Disconnect(id); err != nil {
		return s.failure("disconnect", err)
	}
	return resultOf(ack{OK: true})
}

func (s *Server) handleProbeInfo(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	d, err := s.session(request)
	if err != nil {
		return s.failure("probe_info", err)
	}
	info, err := d.Info()
	if err != nil {
		return s.failure("probe_info", err)
	}
	return resultOf(info)
}

func (s *Server) handleGetStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	d, err := s.session(request)
	if err != nil {
		return s.failure("get_status", err)
	}
	status, err := d.Status()
	if err != nil {
		return s.failure("get_status", err)
	}
	return resultOf(status)
}

func (s *Server) handleHalt(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.runControl("halt", request, func(d *debugger.Debugger) (api.TargetStatus, error) { return d.Halt() })
}

func (s *Server) handleRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.runControl("run", request, func(d *debugger.Debugger) (api.TargetStatus, error) { return d.Run() })
}

func (s *Server) handleStep(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.runControl("step", request, func(d *debugger.Debugger) (api.TargetStatus, error) { return d.Step() })
}

func (s *Server) handleReset(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	halt := request.GetBool("halt_after_reset", true)
	return s.runControl("reset", request, func(d *debugger.Debugger) (api.TargetStatus, error) { return d.Reset(halt) })
}

func (s *Server) runControl(tool string, request mcp.CallToolRequest, f func(*debugger.Debugger) (api.TargetStatus, error)) (*mcp.CallToolResult, error) {
	d, err := s.session(request)
	if err != nil {
		return s.failure(tool, err)
	}
	status, err := f(d)
	if err != nil {
		return s.failure(tool, err)
	}
	return resultOf(status)
}

func (s *Server) handleReadMemory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	d, err := s.session(request)
	if err != nil {
		return s.failure("read_memory", err)
	}
	addrStr, err := request.RequireString("address")
	if err != nil {
		return s.failure("read_memory", api.Errorf(api.InvalidParameter, "address is required"))
	}
	addr, err := parseAddr(addrStr)
	if err != nil {
		return s.failure("read_memory", err)
	}
	length := request.GetInt("length", 0)
	if length <= 0 {
		return s.failure("read_memory", api.Errorf(api.InvalidParameter, "length must be positive"))
	}
	format := request.GetString("format", formatHex)

	data, err := d.ReadMemory(addr, length)
	if err != nil {
		return s.failure("read_memory", err)
	}
	encoded, err := encodeBytes(data, format)
	if err != nil {
		return s.failure("read_memory", err)
	}
	return resultOf(struct {
		Address uint64 `json:"address"`
		Length  int    `json:"length"`
		Format  string `json:"format"`
		Data    string `json:"data"`
	}{addr, len(data), format, encoded})
}

func (s *Server) handleWriteMemory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	d, err := s.session(request)
	if err != nil {
		return s.failure("write_memory", err)
	}
	addrStr, err := request.RequireString("address")
	if err != nil {
		return s.failure("write_memory", api.Errorf(api.InvalidParameter, "address is required"))
	}
	addr, err := parseAddr(addrStr)
	if err != nil {
		return s.failure("write_memory", err)
	}
	dataStr, err := request.RequireString("data")
	if err != nil {
		return s.failure("write_memory", api.Errorf(api.InvalidParameter, "data is required"))
	}
	data, err := decodeHexBytes(dataStr)
	if err != nil {
		return s.failure("write_memory", err)
	}
	if err := d.WriteMemory(addr, data); err != nil {
		return s.failure("write_memory", err)
	}
	return resultOf(struct {
		OK      bool   `json:"ok"`
		Address uint64 `json:"address"`
		Written int    `json:"written"`
	}{true, addr, len(data)})
}

func (s *Server) handleReadRegisters(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	d, err := s.session(request)
	if err != nil {
		return s.failure("read_registers", err)
	}
	names := request.GetStringSlice("names", nil)
	regs, err := d.ReadRegisters(names)
	if err != nil {
		return s.failure("read_registers", err)
	}
	return resultOf(struct {
		Registers []api.RegisterValue `json:"registers"`
	}{regs})
}

func (s *Server) handleWriteRegister(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	d, err := s.session(request)
	if err != nil {
		return s.failure("write_register", err)
	}
	name, err := request.RequireString("name")
	if err != nil {
		return s.failure("write_register", api.Errorf(api.InvalidParameter, "name is required"))
	}
	valueStr, err := request.RequireString("value")
	if err != nil {
		return s.failure("write_register", api.Errorf(api.InvalidParameter, "value is required"))
	}
	value, err := parseAddr(valueStr)
	if err != nil {
		return s.failure("write_register", err)
	}
	if err := d.WriteRegister(name, value); err != nil {
		return s.failure("write_register", err)
	}
	return resultOf(ack{OK: true})
}

func (s *Server) handleSetBreakpoint(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	d, err := s.session(request)
	if err != nil {
		return s.failure("set_breakpoint", err)
	}
	addrStr, err := request.RequireString("address")
	if err != nil {
		return s.failure("set_breakpoint", api.Errorf(api.InvalidParameter, "address is required"))
	}
	addr, err := parseAddr(addrStr)
	if err != nil {
		return s.failure("set_breakpoint", err)
	}
	kind := request.GetString("kind", "")
	bp, err := d.SetBreakpoint(addr, kind)
	if err != nil {
		return s.failure("set_breakpoint", err)
	}
	return resultOf(bp)
}

func (s *Server) handleClearBreakpoint(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	d, err := s.session(request)
	if err != nil {
		return s.failure("clear_breakpoint", err)
	}
	addrStr, err := request.RequireString("address")
	if err != nil {
		return s.failure("clear_breakpoint", api.Errorf(api.InvalidParameter, "address is required"))
	}
	addr, err := parseAddr(addrStr)
	if err != nil {
		return s.failure("clear_breakpoint", err)
	}
	if err := d.ClearBreakpoint(addr); err != nil {
		return s.failure("clear_breakpoint", err)
	}
	return resultOf(ack{OK: true})
}

func (s *Server) handleListBreakpoints(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	d, err := s.session(request)
	if err != nil {
		return s.failure("list_breakpoints", err)
	}
	return resultOf(struct {
		Breakpoints []api.Breakpoint `json:"breakpoints"`
	}{d.Breakpoints()})
}

func (s *Server) handleFlashErase(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	d, err := s.session(request)
	if err != nil {
		return s.failure("flash_erase", err)
	}
	addrStr, err := request.RequireString("address")
	if err != nil {
		return s.failure("flash_erase", api.Errorf(api.InvalidParameter, "address is required"))
	}
	addr, err := parseAddr(addrStr)
	if err != nil {
		return s.failure("flash_erase", err)
	}
	size := request.GetInt("size", 0)
	if size <= 0 {
		return s.failure("flash_erase", api.Errorf(api.InvalidParameter, "size must be positive"))
	}
	res, err := d.FlashErase(addr, uint64(size))
	if err != nil {
		return s.failure("flash_erase", err)
	}
	return resultOf(res)
}

// loadImage reads and parses the firmware image named by the request, from
// a file path or inline hex data.
func loadImage(request mcp.CallToolRequest) (*flash.Image, error) {
	format, err := flash.ParseFormat(request.GetString("format", "auto"))
	if err != nil {
		return nil, api.Errorf(api.InvalidParameter, "%v", err)
	}

	var raw []byte
	filePath := request.GetString("file_path", "")
	inline := request.GetString("data", "")
	switch {
	case filePath != "" && inline != "":
		return nil, api.Errorf(api.InvalidParameter, "file_path and data are mutually exclusive")
	case filePath != "":
		raw, err = os.ReadFile(filePath)
		if err != nil {
			return nil, api.Errorf(api.InvalidParameter, "reading image: %v", err)
		}
	case inline != "":
		raw, err = decodeHexBytes(inline)
		if err != nil {
			return nil, err
		}
	default:
		return nil, api.Errorf(api.InvalidParameter, "either file_path or data is required")
	}

	var base uint64
	baseStr := request.GetString("base_address", "")
	if baseStr != "" {
		base, err = parseAddr(baseStr)
		if err != nil {
			return nil, err
		}
	}

	img, err := flash.ParseImage(raw, format, base)
	if err != nil {
		return nil, api.Errorf(api.InvalidParameter, "%v", err)
	}
	if img.Format == flash.FormatBIN && baseStr == "" {
		return nil, api.Errorf(api.InvalidParameter, "base_address is required for raw binary images")
	}
	return img, nil
}

func (s *Server) handleFlashProgram(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	d, err := s.session(request)
	if err != nil {
		return s.failure("flash_program", err)
	}
	img, err := loadImage(request)
	if err != nil {
		return s.failure("flash_program", err)
	}
	verify := request.GetBool("verify", true)
	res, err := d.FlashProgram(img, verify)
	if err != nil {
		return s.failure("flash_program", err)
	}
	return resultOf(res)
}

func (s *Server) handleFlashVerify(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	d, err := s.session(request)
	if err != nil {
		return s.failure("flash_verify", err)
	}
	img, err := loadImage(request)
	if err != nil {
		return s.failure("flash_verify", err)
	}
	res, err := d.FlashVerify(img)
	if err != nil {
		return s.failure("flash_verify", err)
	}
	return resultOf(res)
}

func (s *Server) handleRunFirmware(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	d, err := s.session(request)
	if err != nil {
		return s.failure("run_firmware", err)
	}
	img, err := loadImage(request)
	if err != nil {
		return s.failure("run_firmware", err)
	}
	opts := debugger.RunFirmwareOptions{
		ResetAfterFlash: request.GetBool("reset_after_flash", true),
		AttachRTT:       request.GetBool("attach_rtt", true),
		RTTTimeout:      time.Duration(request.GetInt("rtt_timeout_ms", 3000)) * time.Millisecond,
	}
	res, err := d.RunFirmware(img, opts)
	if err != nil {
		return s.failure("run_firmware", err)
	}
	return resultOf(res)
}

// parseMemoryRanges decodes the optional rtt_attach scan bounds: an array of
// {start, end} objects with hex-or-decimal addresses.
func parseMemoryRanges(request mcp.CallToolRequest) ([]rtt.Range, error) {
	raw, ok := request.GetArguments()["memory_ranges"]
	if !ok || raw == nil {
		return nil, nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil, api.Errorf(api.InvalidParameter, "memory_ranges must be an array of {start, end} objects")
	}
	ranges := make([]rtt.Range, 0, len(list))
	for _, item := range list {
		obj, ok := item.(map[string]interface{})
		if !ok {
			return nil, api.Errorf(api.InvalidParameter, "memory_ranges must be an array of {start, end} objects")
		}
		startStr, _ := obj["start"].(string)
		endStr, _ := obj["end"].(string)
		start, err := parseAddr(startStr)
		if err != nil {
			return nil, err
		}
		end, err := parseAddr(endStr)
		if err != nil {
			return nil, err
		}
		if end <= start {
			return nil, api.Errorf(api.InvalidParameter, "memory range end 0x%x is not past start 0x%x", end, start)
		}
		ranges = append(ranges, rtt.Range{Start: start, Size: end - start})
	}
	return ranges, nil
}

func (s *Server) handleRTTAttach(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	d, err := s.session(request)
	if err != nil {
		return s.failure("rtt_attach", err)
	}
	var hint uint64
	if hintStr := request.GetString("control_block_address", ""); hintStr != "" {
		hint, err = parseAddr(hintStr)
		if err != nil {
			return s.failure("rtt_attach", err)
		}
	}
	search, err := parseMemoryRanges(request)
	if err != nil {
		return s.failure("rtt_attach", err)
	}
	res, err := d.RTTAttach(hint, search)
	if err != nil {
		return s.failure("rtt_attach", err)
	}
	return resultOf(res)
}

func (s *Server) handleRTTDetach(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	d, err := s.session(request)
	if err != nil {
		return s.failure("rtt_detach", err)
	}
	if err := d.RTTDetach(); err != nil {
		return s.failure("rtt_detach", err)
	}
	return resultOf(ack{OK: true})
}

func (s *Server) handleRTTChannels(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	d, err := s.session(request)
	if err != nil {
		return s.failure("rtt_channels", err)
	}
	channels, err := d.RTTChannels()
	if err != nil {
		return s.failure("rtt_channels", err)
	}
	return resultOf(struct {
		Channels []api.RttChannelInfo `json:"channels"`
	}{channels})
}

func (s *Server) handleRTTRead(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	d, err := s.session(request)
	if err != nil {
		return s.failure("rtt_read", err)
	}
	channel := request.GetInt("channel", 0)
	maxBytes := request.GetInt("max_bytes", 1024)
	format := request.GetString("format", formatASCII)

	data, err := d.RTTRead(channel, maxBytes)
	if err != nil {
		return s.failure("rtt_read", err)
	}
	var encoded string
	if format == formatASCII {
		encoded = string(data)
	} else {
		encoded, err = encodeBytes(data, format)
		if err != nil {
			return s.failure("rtt_read", err)
		}
	}
	return resultOf(struct {
		Channel int    `json:"channel"`
		Length  int    `json:"length"`
		Data    string `json:"data"`
	}{channel, len(data), encoded})
}

func (s *Server) handleRTTWrite(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	d, err := s.session(request)
	if err != nil {
		return s.failure("rtt_write", err)
	}
	channel := request.GetInt("channel", 0)
	dataStr, err := request.RequireString("data")
	if err != nil {
		return s.failure("rtt_write", api.Errorf(api.InvalidParameter, "data is required"))
	}
	data, err := decodeRTTData(dataStr, request.GetString("encoding", encodingText))
	if err != nil {
		return s.failure("rtt_write", err)
	}
	if err := d.RTTWrite(channel, data); err != nil {
		return s.failure("rtt_write", err)
	}
	return resultOf(struct {
		OK      bool `json:"ok"`
		Channel int  `json:"channel"`
		Written int  `json:"written"`
	}{true, channel, len(data)})
}
