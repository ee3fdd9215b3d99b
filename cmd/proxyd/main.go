package main

import (
	"os"

	"github.com/osedukhin/proxyd/cmd/proxyd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
