package main

import (
	"os"

	"github.com/lydakis/cws/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
