package main

import "brainloop/internal/cli"

func main() {
	cli.Execute()
}
