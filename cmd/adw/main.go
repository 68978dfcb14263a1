package main

import (
	"os"

	"github.com/devflowhq/adw/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
