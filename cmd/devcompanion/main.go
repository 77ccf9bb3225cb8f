package main

import (
	"os"

	"devcompanion/internal/command"
)

// Version is overwritten at build time using -ldflags.
var Version = "dev"

func main() {
	command.Version = Version
	if err := command.Execute(); err != nil {
		os.Exit(1)
	}
}
