package main

import "github.com/schovi/pigeon/cmd"

func main() {
	cmd.Execute()
}
