// Package main is the entry point for the abrcore application.
package main

import (
	"os"

	"github.com/jmylchreest/abrcore/cmd/abrcore/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
