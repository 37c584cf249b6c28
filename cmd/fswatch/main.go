// Command fswatch is the filesystem change daemon and its companion tools.
package main

import (
	"os"

	"github.com/tripwire/fswatch/cmd/fswatch/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
