// Package main is the entry point for the authcache daemon, the
// authentication cache for the object-storage platform. The process runs two
// halves: a replicator that mirrors the directory server's changelog into
// redis, and an HTTP API that answers account lookups and verifies AWS
// Signature Version 4 requests against the mirrored state.
//
// All lifecycle management (configuration, service wiring, graceful
// shutdown) lives in the cli package; main only dispatches and maps command
// failure onto the process exit code.
package main

import (
	"log"
	"os"

	"github.com/ecliptic-io/authcache/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}
