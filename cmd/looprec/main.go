package main

import (
	"fmt"
	"os"

	"github.com/abdelfatah-ashour/capacitor-audio-engine-sub001/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
