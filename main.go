package main

import "github.com/tanmayb/downpour/cmd"

func main() {
	cmd.Execute()
}
