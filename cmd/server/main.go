package main

import (
	"os"

	"job-broker/cmd/server/cmd"
)

func main() {
	if err := cmd.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
