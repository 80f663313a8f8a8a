package main

import (
	"log/slog"
	"os"
)

var Version = "local"

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}
