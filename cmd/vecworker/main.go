// Package main provides the entry point for the vecworker CLI.
package main

import (
	"os"

	"github.com/hupe1980/vecworker/cmd/vecworker/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
