package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Kitsuya0828/DSFLplus/internal/common"
	"github.com/Kitsuya0828/DSFLplus/internal/events"
	"github.com/Kitsuya0828/DSFLplus/internal/florch"
	"github.com/Kitsuya0828/DSFLplus/internal/florch/flconfig"
	"github.com/hashicorp/go-hclog"
)

func main() {
	// installed before anything touches disk, so an early interrupt still reaches the cleanup path
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string) int {
	config := flconfig.DefaultFlConfiguration()
	if len(args) > 0 {
		loaded, err := flconfig.LoadFromFile(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "error loading configuration: %v\n", err)
			return common.EXIT_CONFIG_ERROR
		}
		config = loaded
	} else if err := config.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid default configuration: %v\n", err)
		return common.EXIT_CONFIG_ERROR
	}

	runCtx := florch.NewRunContext(config.StateRoot, time.Now())

	_ = os.Mkdir(common.LOG_DIR, 0777)
	logFile, err := os.OpenFile(common.GetLogFilePath(common.LOG_DIR, runCtx.RunId), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening log file: %v\n", err)
		return common.EXIT_FATAL
	}
	defer logFile.Close()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "dsfl-sim",
		Level:  hclog.LevelFromString(config.LogLevel),
		Output: io.MultiWriter(os.Stdout, logFile),
	})

	pipeline, err := florch.BuildPipeline(config, runCtx, nil, events.NewEventBus(), logger)
	if err != nil {
		logger.Error("Error building pipeline", "error", err)
		if errors.Is(err, flconfig.ErrInvalidConfiguration) {
			return common.EXIT_CONFIG_ERROR
		}
		return common.EXIT_FATAL
	}

	result := pipeline.Run(ctx)
	logger.Info(fmt.Sprintf("Run %s %s: %s", result.RunId, result.Status, result.ExitMessage()))
	return result.ExitCode()
}
