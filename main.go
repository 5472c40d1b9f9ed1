package main

import (
	"os"

	"github.com/testfleet/testfleet/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(2)
	}
}
