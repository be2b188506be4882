package main

import (
	"os"

	"github.com/rekindle-dev/rekindle/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
