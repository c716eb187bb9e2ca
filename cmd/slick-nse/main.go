package main

import (
	"os"

	"github.com/meow-io/slick-nse/cmd/slick-nse/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
