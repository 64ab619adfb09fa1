package main

import "github.com/4ndr3c0d3/shotfleet/cmd"

func main() {
	cmd.Execute()
}
