package logflags

import (
	"errors"
	"io"
	"log"
	"os"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var debugger = false
var rtt = false
var flash = false
var mcp = false

var logOut io.Writer = colorable.NewColorableStderr()

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New()
	logger.Out = logOut
	logger.Formatter = &logrus.TextFormatter{
		ForceColors:   isatty.IsTerminal(os.Stderr.Fd()),
		FullTimestamp: true,
	}
	logger.Level = logrus.DebugLevel
	if !flag {
		logger.Level = logrus.PanicLevel
	}
	return logger.WithFields(fields)
}

// Debugger returns true if the debugger package should log.
func Debugger() bool {
	return debugger
}

// DebuggerLogger returns a logger for the debugger package.
func DebuggerLogger() *logrus.Entry {
	return makeLogger(debugger, logrus.Fields{"layer": "debugger"})
}

// RTT returns true if the RTT transport should log poll activity.
func RTT() bool {
	return rtt
}

// RTTLogger returns a logger for the RTT transport.
func RTTLogger() *logrus.Entry {
	return makeLogger(rtt, logrus.Fields{"layer": "rtt"})
}

// Flash returns true if the flash programming pipeline should log.
func Flash() bool {
	return flash
}

// FlashLogger returns a logger for the flash programming pipeline.
func FlashLogger() *logrus.Entry {
	return makeLogger(flash, logrus.Fields{"layer": "flash"})
}

// MCP returns true if tool calls and responses should be logged.
func MCP() bool {
	return mcp
}

// MCPLogger returns a logger for the MCP tool surface.
func MCPLogger() *logrus.Entry {
	return makeLogger(mcp, logrus.Fields{"layer": "mcp"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets component log flags based on the contents of logstr.
func Setup(logFlag bool, logstr string) error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "debugger"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch logcmd {
		case "debugger":
			debugger = true
		case "rtt":
			rtt = true
		case "flash":
			flash = true
		case "mcp":
			mcp = true
		}
	}
	return nil
}
