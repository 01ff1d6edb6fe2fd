package main

import "transferq/cmd"

func main() {
	cmd.Run()
}
