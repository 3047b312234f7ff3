package main

import (
	"os"

	"github.com/tiflis-io/tiflis-hub/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
