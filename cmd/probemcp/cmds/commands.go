// Package cmds implements the probemcp command tree.
package cmds

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/probemcp/probemcp/pkg/config"
	"github.com/probemcp/probemcp/pkg/logflags"
	"github.com/probemcp/probemcp/pkg/probe"
	"github.com/probemcp/probemcp/pkg/probe/fake"
	"github.com/probemcp/probemcp/pkg/version"
	"github.com/probemcp/probemcp/service/debugger"
	"github.com/probemcp/probemcp/service/mcpserver"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// backend selects the probe driver.
	backend string

	conf *config.Config
)

const probemcpLongDesc = `probemcp exposes debug probe control over MCP.

It lets a tool-calling agent connect to an embedded target through a debug
probe, halt and step the core, inspect memory and registers, manage
breakpoints, program firmware into flash and exchange RTT data — all over
stdio, one tool call at a time.`

// New returns an initialized command tree.
func New() *cobra.Command {
	conf = config.LoadConfig()

	rootCommand := &cobra.Command{
		Use:   "probemcp",
		Short: "probemcp is an MCP server for embedded debug probes.",
		Long:  probemcpLongDesc,
	}
	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable server logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", "Comma separated list of components that should produce debug output (debugger,rtt,flash,mcp).")
	rootCommand.PersistentFlags().StringVar(&backend, "backend", "fake", "Probe driver backend.")

	serveCommand := &cobra.Command{
		Use:   "serve",
		Short: "Serve MCP tool calls over stdio.",
		Long: `Serve MCP tool calls over stdio.

The process speaks the protocol on stdin/stdout, so all logging goes to
stderr. Sessions left connected when the client hangs up are disconnected.`,
		RunE: serveCmd,
	}
	rootCommand.AddCommand(serveCommand)

	probesCommand := &cobra.Command{
		Use:   "probes",
		Short: "List available debug probes and exit.",
		RunE:  probesCmd,
	}
	rootCommand.AddCommand(probesCommand)

	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("probemcp %s\n%s\n", version.ProbeMCPVersion, version.BuildInfo())
		},
	}
	rootCommand.AddCommand(versionCommand)

	return rootCommand
}

func selectDriver() (probe.Driver, error) {
	switch backend {
	case "fake":
		return fake.NewDriver(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}

func serveCmd(cmd *cobra.Command, args []string) error {
	if err := logflags.Setup(log, logOutput); err != nil {
		return err
	}
	driver, err := selectDriver()
	if err != nil {
		return err
	}
	registry := debugger.NewRegistry(debugger.FromFileConfig(conf, driver))
	return mcpserver.New(registry).ServeStdio()
}

func probesCmd(cmd *cobra.Command, args []string) error {
	if err := logflags.Setup(log, logOutput); err != nil {
		return err
	}
	driver, err := selectDriver()
	if err != nil {
		return err
	}
	descs, err := driver.List()
	if err != nil {
		return err
	}
	if len(descs) == 0 {
		fmt.Fprintln(os.Stderr, "No debug probes found.")
		return nil
	}
	for _, desc := range descs {
		fmt.Println(desc)
	}
	return nil
}
