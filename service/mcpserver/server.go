// Package mcpserver exposes the debug session engine as MCP tools.
//
// Every operation is registered as one typed tool definition with its own
// handler; parameters are validated here before any component is touched,
// and component failures surface as stable error codes with free-text
// detail.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/probemcp/probemcp/pkg/logflags"
	"github.com/probemcp/probemcp/pkg/version"
	"github.com/probemcp/probemcp/service/debugger"
	"github.com/sirupsen/logrus"
)

// Server wires the session registry to the MCP transport.
type Server struct {
	registry *debugger.Registry
	log      *logrus.Entry
	mcp      *server.MCPServer
}

// New creates the MCP server and registers the full tool surface.
func New(registry *debugger.Registry) *Server {
	s := &Server{
		registry: registry,
		log:      logflags.MCPLogger(),
	}
	s.mcp = server.NewMCPServer(
		"probemcp",
		version.ProbeMCPVersion.Number(),
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions("Remote debug-probe control: connect to a target, "+
			"halt/run/step it, read and write memory, manage breakpoints, program "+
			"flash and exchange RTT data. All tools except list_probes and connect "+
			"require the session_id returned by connect."),
	)
	s.registerTools()
	return s
}

// ServeStdio runs the server over stdin/stdout until the client hangs up.
func (s *Server) ServeStdio() error {
	defer s.registry.CloseAll()
	return server.ServeStdio(s.mcp)
}

// MCPServer exposes the underlying server, for in-process tests.
func (s *Server) MCPServer() *server.MCPServer { return s.mcp }

func sessionParam() mcp.ToolOption {
	return mcp.WithString("session_id", mcp.Required(),
		mcp.Description("Session handle returned by connect"))
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("list_probes",
		mcp.WithDescription("Enumerate available debug probes."),
	), s.handleListProbes)

	s.mcp.AddTool(mcp.NewTool("connect",
		mcp.WithDescription("Open a probe, attach to the target chip and halt it. Returns the session_id used by every other tool."),
		mcp.WithString("probe_id", mcp.Description("Probe ID or serial number; \"auto\" or empty selects the first probe")),
		mcp.WithString("target_chip", mcp.Required(), mcp.Description("Target chip name, e.g. \"STM32F407VGTx\"")),
		mcp.WithNumber("speed_khz", mcp.Description("SWD/JTAG clock in kHz (default 4000)")),
		mcp.WithBoolean("connect_under_reset", mcp.Description("Assert reset while attaching")),
	), s.handleConnect)

	s.mcp.AddTool(mcp.NewTool("disconnect",
		mcp.WithDescription("Release breakpoints, RTT and the probe handle. Safe to call twice."),
		sessionParam(),
	), s.handleDisconnect)

	s.mcp.AddTool(mcp.NewTool("probe_info",
		mcp.WithDescription("Report the probe descriptor, target chip and memory map."),
		sessionParam(),
	), s.handleProbeInfo)

	s.mcp.AddTool(mcp.NewTool("get_status",
		mcp.WithDescription("Report session state, run state, pc/sp when halted, and RTT health/drop counters."),
		sessionParam(),
	), s.handleGetStatus)

	s.mcp.AddTool(mcp.NewTool("halt",
		mcp.WithDescription("Halt the target core."),
		sessionParam(),
	), s.handleHalt)

	s.mcp.AddTool(mcp.NewTool("run",
		mcp.WithDescription("Resume the target core."),
		sessionParam(),
	), s.handleRun)

	s.mcp.AddTool(mcp.NewTool("step",
		mcp.WithDescription("Execute exactly one instruction and halt again."),
		sessionParam(),
	), s.handleStep)

	s.mcp.AddTool(mcp.NewTool("reset",
		mcp.WithDescription("Reset the target."),
		sessionParam(),
		mcp.WithBoolean("halt_after_reset", mcp.Description("Halt at the reset vector (default true)")),
	), s.handleReset)

	s.mcp.AddTool(mcp.NewTool("read_memory",
		mcp.WithDescription("Read target memory. The format only affects the result encoding."),
		sessionParam(),
		mcp.WithString("address", mcp.Required(), mcp.Description("Start address, hex (0x...) or decimal")),
		mcp.WithNumber("length", mcp.Required(), mcp.Description("Number of bytes to read")),
		mcp.WithString("format", mcp.Description("hex (default), decimal, binary or ascii")),
	), s.handleReadMemory)

	s.mcp.AddTool(mcp.NewTool("write_memory",
		mcp.WithDescription("Write bytes to target memory. Not verified; use the flash tools for durable flash writes."),
		sessionParam(),
		mcp.WithString("address", mcp.Required(), mcp.Description("Start address, hex (0x...) or decimal")),
		mcp.WithString("data", mcp.Required(), mcp.Description("Hex bytes, e.g. \"de ad be ef\"")),
	), s.handleWriteMemory)

	s.mcp.AddTool(mcp.NewTool("read_registers",
		mcp.WithDescription("Read core registers by name (r0..r15, sp, lr, pc); all of r0..r15 when no names are given."),
		sessionParam(),
		mcp.WithArray("names", mcp.Description("Register names to read")),
	), s.handleReadRegisters)

	s.mcp.AddTool(mcp.NewTool("write_register",
		mcp.WithDescription("Write one core register."),
		sessionParam(),
		mcp.WithString("name", mcp.Required(), mcp.Description("Register name (r0..r15, sp, lr, pc)")),
		mcp.WithString("value", mcp.Required(), mcp.Description("Value, hex (0x...) or decimal")),
	), s.handleWriteRegister)

	s.mcp.AddTool(mcp.NewTool("set_breakpoint",
		mcp.WithDescription("Set a breakpoint. Hardware comparators are limited; past the limit the configured policy falls back to a software breakpoint or fails."),
		sessionParam(),
		mcp.WithString("address", mcp.Required(), mcp.Description("Breakpoint address, hex (0x...) or decimal")),
		mcp.WithString("kind", mcp.Description("hardware (default) or software")),
	), s.handleSetBreakpoint)

	s.mcp.AddTool(mcp.NewTool("clear_breakpoint",
		mcp.WithDescription("Clear the breakpoint at an address."),
		sessionParam(),
		mcp.WithString("address", mcp.Required(), mcp.Description("Breakpoint address, hex (0x...) or decimal")),
	), s.handleClearBreakpoint)

	s.mcp.AddTool(mcp.NewTool("list_breakpoints",
		mcp.WithDescription("List active breakpoints."),
		sessionParam(),
	), s.handleListBreakpoints)

	s.mcp.AddTool(mcp.NewTool("flash_erase",
		mcp.WithDescription("Erase the flash sectors covering a range. Erase is sector-granular; the result reports the range actually erased."),
		sessionParam(),
		mcp.WithString("address", mcp.Required(), mcp.Description("Start address, hex (0x...) or decimal")),
		mcp.WithNumber("size", mcp.Required(), mcp.Description("Number of bytes to erase")),
	), s.handleFlashErase)

	s.mcp.AddTool(mcp.NewTool("flash_program",
		mcp.WithDescription("Program a firmware image into flash, halting the target for the duration."),
		sessionParam(),
		mcp.WithString("file_path", mcp.Description("Path to the image file")),
		mcp.WithString("data", mcp.Description("Inline image bytes as hex, alternative to file_path")),
		mcp.WithString("format", mcp.Description("auto (default), elf, hex or bin")),
		mcp.WithString("base_address", mcp.Description("Load address, required for raw binary images")),
		mcp.WithBoolean("verify", mcp.Description("Verify after programming (default true)")),
	), s.handleFlashProgram)

	s.mcp.AddTool(mcp.NewTool("flash_verify",
		mcp.WithDescription("Compare flash contents byte-for-byte against an image; reports the first mismatching address."),
		sessionParam(),
		mcp.WithString("file_path", mcp.Description("Path to the image file")),
		mcp.WithString("data", mcp.Description("Inline image bytes as hex, alternative to file_path")),
		mcp.WithString("format", mcp.Description("auto (default), elf, hex or bin")),
		mcp.WithString("base_address", mcp.Description("Load address, required for raw binary images")),
	), s.handleFlashVerify)

	s.mcp.AddTool(mcp.NewTool("run_firmware",
		mcp.WithDescription("Erase, program, verify, reset and optionally attach RTT as one operation. A stage failure aborts the rest and leaves the target halted."),
		sessionParam(),
		mcp.WithString("file_path", mcp.Description("Path to the image file")),
		mcp.WithString("data", mcp.Description("Inline image bytes as hex, alternative to file_path")),
		mcp.WithString("format", mcp.Description("auto (default), elf, hex or bin")),
		mcp.WithString("base_address", mcp.Description("Load address, required for raw binary images")),
		mcp.WithBoolean("reset_after_flash", mcp.Description("Reset and run after verify (default true)")),
		mcp.WithBoolean("attach_rtt", mcp.Description("Attach RTT after reset (default true)")),
		mcp.WithNumber("rtt_timeout_ms", mcp.Description("How long to wait for the RTT control block (default 3000)")),
	), s.handleRunFirmware)

	s.mcp.AddTool(mcp.NewTool("rtt_attach",
		mcp.WithDescription("Locate the RTT control block, enumerate channels and start the background poller."),
		sessionParam(),
		mcp.WithString("control_block_address", mcp.Description("Known control block address; scanned for when omitted")),
		mcp.WithArray("memory_ranges", mcp.Description("Ranges to scan as {start, end} address pairs; all RAM when omitted")),
	), s.handleRTTAttach)

	s.mcp.AddTool(mcp.NewTool("rtt_detach",
		mcp.WithDescription("Stop the RTT poller and release channel state. Does not disconnect the session."),
		sessionParam(),
	), s.handleRTTDetach)

	s.mcp.AddTool(mcp.NewTool("rtt_channels",
		mcp.WithDescription("List the RTT channels discovered by the last attach."),
		sessionParam(),
	), s.handleRTTChannels)

	s.mcp.AddTool(mcp.NewTool("rtt_read",
		mcp.WithDescription("Drain bytes buffered for an up channel. Non-blocking; empty result means nothing arrived since the last read."),
		sessionParam(),
		mcp.WithNumber("channel", mcp.Description("Up-channel index (default 0)")),
		mcp.WithNumber("max_bytes", mcp.Description("Largest single drain (default 1024)")),
		mcp.WithString("format", mcp.Description("ascii (default) or hex")),
	), s.handleRTTRead)

	s.mcp.AddTool(mcp.NewTool("rtt_write",
		mcp.WithDescription("Write into a down-channel ring buffer. Fails fast with RttBufferFull when the target has not consumed enough."),
		sessionParam(),
		mcp.WithNumber("channel", mcp.Description("Down-channel index (default 0)")),
		mcp.WithString("data", mcp.Required(), mcp.Description("Payload")),
		mcp.WithString("encoding", mcp.Description("text (default) or hex")),
	), s.handleRTTWrite)
}
