package main

import (
	"fmt"
	"os"

	"github.com/birdayz/flowvm/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "flowvm:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
