package main

import "clawbridge/cmd/clawbridge/cmd"

func main() {
	cmd.Execute()
}
