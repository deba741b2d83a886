// Command embedauth acquires Cube Cloud embed credentials, caches them in a
// configurable store and edits the persisted report state.
package main

import "os"

func main() {
	if err := newRootCommand(realDeps()).Execute(); err != nil {
		os.Exit(1)
	}
}
