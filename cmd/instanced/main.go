package main

import (
	"os"

	"github.com/arenactf/instanced/pkg/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
