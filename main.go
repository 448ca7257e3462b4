package main

import (
	"os"

	"github.com/koltyakov/edgesync/internal/cmd"
	"github.com/koltyakov/edgesync/internal/logging"
)

func main() {
	if err := cmd.Execute(); err != nil {
		logging.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}
