package main

import (
	"os"

	"github.com/onnwee/offline-sync/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
