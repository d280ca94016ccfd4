package main

import (
	"os"

	"github.com/probemcp/probemcp/cmd/probemcp/cmds"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
