package main

import (
	"os"

	"github.com/austindbirch/cart_sentinel/cmd/sentinelctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
