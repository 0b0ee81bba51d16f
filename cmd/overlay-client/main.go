// Command overlay-client runs a standalone client-side SDK endpoint
// that connects to a server, exchanges a stream of timestamped pings
// as its application payload, and logs path stats periodically.
package main

import (
	"os"

	"github.com/relaypath/overlay/cmd/overlay-client/cmd"
)

func main() {
	if err := cmd.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
