package main

import (
	"os"

	"github.com/timmy/scadarchive/internal/cli"
)

func main() {
	os.Exit(int(cli.Run()))
}
