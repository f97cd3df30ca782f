package main

import "github.com/pkeller/termmux/internal/cli"

func main() {
	cli.Execute()
}
