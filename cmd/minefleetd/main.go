package main

import "github.com/bokiko/bloxos-sub000/cmd/minefleetd/cmd"

func main() {
	cmd.Execute()
}
