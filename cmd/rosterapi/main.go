package main

import "github.com/syncforge/roster/cmd/rosterapi/cmd"

func main() {
	cmd.Execute()
}
