package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"tangled.org/rknarc.net/gitar/cmd/gitar/commands"
)

func main() {
	debug.SetGCPercent(400)

	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
