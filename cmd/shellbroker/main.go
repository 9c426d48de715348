// Package main is the entry point for the shellbroker daemon.
package main

import (
	"os"

	"github.com/shellbroker/shellbroker/cmd/shellbroker/app"
	"github.com/shellbroker/shellbroker/pkg/logger"
)

func main() {
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
