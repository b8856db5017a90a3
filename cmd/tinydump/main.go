package main

import (
	"os"

	"github.com/mrack/tinydump/cmd/tinydump/cmds"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
