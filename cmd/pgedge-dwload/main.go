// Package main is the entry point for pgedge-dwload.
package main

import (
	"fmt"
	"os"

	"github.com/pgEdge/pgedge-dwload/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.ExitCode(err))
	}
}
