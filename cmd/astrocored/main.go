// Command astrocored wires a device-control connection, the options store,
// the acquisition core, the session store, the filesystem watcher and the
// read-only event server together, then runs until signalled.
package main

import (
	"fmt"
	"os"

	"astrocore/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
