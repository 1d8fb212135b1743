package main

import "github.com/xela07ax/spaceai-control-plane/internal/cli"

func main() {
	cli.Execute()
}
