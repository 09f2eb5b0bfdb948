package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/luxfi/log"
)

func main() {
	config, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	level, _ := log.ToLevel(config.LogLevel)
	logger := log.NewTestLogger(level)

	logger.Info("Starting marginld",
		"platform", fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		"dataDir", config.dataPath(),
		"db", config.DBType,
		"policy", config.Policy)

	db, err := openDatabase(config, logger)
	if err != nil {
		logger.Crit("Failed to open database", "error", err)
		os.Exit(1)
	}

	node, err := NewNode(config, db, logger)
	if err != nil {
		logger.Crit("Failed to create node", "error", err)
		db.Close()
		os.Exit(1)
	}

	if err := node.Start(); err != nil {
		logger.Crit("Failed to start node", "error", err)
		node.Shutdown()
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received shutdown signal", "signal", sig)

	if err := node.Shutdown(); err != nil {
		logger.Error("Shutdown finished with errors", "error", err)
		os.Exit(1)
	}
}
