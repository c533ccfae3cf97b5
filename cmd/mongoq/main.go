package main

import (
	"os"

	"github.com/mongoq/mongoq/pkg/cli"
)

func main() {
	os.Exit(cli.Execute())
}
