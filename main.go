package main

import "github.com/offgridmaps/tilecore/cmd"

func main() {
	cmd.Execute()
}
