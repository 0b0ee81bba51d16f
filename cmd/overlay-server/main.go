// Command overlay-server runs a standalone server-side SDK endpoint:
// it accepts upgrades from clients, relays payloads, and exports
// Prometheus metrics, following the cobra/viper command-tree idiom
// used across the retrieved pack's own CLI entry points.
package main

import (
	"os"

	"github.com/relaypath/overlay/cmd/overlay-server/cmd"
)

func main() {
	if err := cmd.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
