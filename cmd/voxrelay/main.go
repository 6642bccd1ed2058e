// Command voxrelay is the entry point of the voxrelay Discord voice relay.
package main

import (
	"os"

	"github.com/MrWong99/voxrelay/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
