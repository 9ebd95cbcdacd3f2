package main

import (
	"os"

	"github.com/kon-rad/neoapi-go/cmd/neoapi/cmd"
)

func main() {
	if err := cmd.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
