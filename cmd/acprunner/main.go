// Package main is the entry point for the acprunner CLI.
package main

import (
	"os"

	"github.com/kandev/acprunner/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
