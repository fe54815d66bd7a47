package main

import "github.com/arbornet/arbor/cmd"

func main() {
	cmd.Execute()
}
