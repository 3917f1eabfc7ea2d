package main

import "github.com/fluxkompensator/postfixer/cmd/postfixer/cmd"

func main() {
	cmd.Execute()
}
