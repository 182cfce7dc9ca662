package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"ridgedb/pkg/config"
	"ridgedb/pkg/engine"
)

// Listens for SIGINT or SIGTERM and closes the engine before exiting.
func setupCloseHandler(e *engine.Engine) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		fmt.Println("close handler invoked")
		e.Close()
		os.Exit(0)
	}()
}

func main() {
	var dataFlag = flag.String("data", "data/", "data directory")
	var promptFlag = flag.Bool("c", true, "use prompt?")
	var verboseFlag = flag.Bool("v", false, "log background work at debug level")
	var orderFlag = flag.Int("order", 0, "B-Tree order override (0 derives it from the page size)")
	var memtableFlag = flag.Int("memtable", 0, "LSM memtable budget in bytes (0 uses the default)")
	flag.Parse()

	level := slog.LevelInfo
	if *verboseFlag {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg := config.Config{
		Order:            *orderFlag,
		MaxMemtableBytes: *memtableFlag,
	}
	e, err := engine.Open(*dataFlag, cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer e.Close()
	setupCloseHandler(e)

	prompt := ""
	if *promptFlag {
		prompt = "ridgedb> "
	}
	engine.Repl(e).Run(uuid.New(), prompt, nil, nil)
}
