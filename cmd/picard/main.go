package main

import (
	"os"

	"github.com/MEKXH/picard/cmd/picard/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
