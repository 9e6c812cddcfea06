package main

import "github.com/sw33tLie/shelfsync/cmd"

func main() {
	cmd.Execute()
}
