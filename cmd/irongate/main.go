package main

import (
	"os"

	"github.com/irongate/irongate/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
