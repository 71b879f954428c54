package main

import (
	"os"

	"github.com/robofleet/tower/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
