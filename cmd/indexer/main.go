// Command indexer runs the per-chain bridge event watchers and carries the
// operator commands for migrations and sync cursors.
package main

import "os"

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
