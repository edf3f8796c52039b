package main

import (
	"os"

	"github.com/austindbirch/conversion_hook/cmd/convctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
