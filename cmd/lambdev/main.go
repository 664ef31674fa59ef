package main

import (
	"os"

	"github.com/kldeb/lambdev/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
