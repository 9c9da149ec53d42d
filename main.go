package main

import "pbdna/agent-fleet/cmd"

func main() {
	cmd.Execute()
}
