// The main package for the shotfleet executable.
package main

import (
	"github.com/4ndr3c0d3/shotfleet/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
