// Package main provides the entry point for blackholefs.
package main

import (
	"fmt"
	"os"

	"github.com/ajaxzhan/blackholefs/internal/cli"
)

// Set by ldflags at release time.
var version = "dev"

func main() {
	if err := cli.Execute(version); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
