package main

import "orcjit/cmd"

func main() {
	cmd.Execute()
}
