package main

import (
	"os"

	"quantcore/internal/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logger.Errorf("quantcore: %v", err)
		os.Exit(1)
	}
}
