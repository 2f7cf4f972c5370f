// Package main is the entry point for the resilience CLI.
package main

import (
	"fmt"
	"os"

	"github.com/bargom/resilience/cmd/resilience/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
