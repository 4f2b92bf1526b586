// Package main provides the entry point for the jobman CLI and daemon.
package main

import (
	"os"

	"github.com/jobman/jobman/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
