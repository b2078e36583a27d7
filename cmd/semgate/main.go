// Package main is the entry point for the semgate binary.
package main

import (
	"os"

	"semgate/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
