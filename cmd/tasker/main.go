// Package main provides the entry point for the tasker CLI.
package main

import (
	"os"

	"github.com/taskerdev/tasker/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
