// Command cop is the tooling companion of the composite runtime.
//
//	cop gen  -spec facades.yaml   generate typed facades for contracts
//	cop lint app.yaml ...         check application descriptors
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
