package main

import "github.com/openmux/shellmux/internal/cmd"

func main() {
	cmd.Execute()
}
