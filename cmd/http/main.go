package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/Kitsuya0828/DSFLplus/internal/common"
	"github.com/Kitsuya0828/DSFLplus/internal/events"
	"github.com/Kitsuya0828/DSFLplus/internal/server"
	"github.com/hashicorp/go-hclog"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string) int {
	flags := flag.NewFlagSet("http", flag.ContinueOnError)
	port := flags.Int("port", 8080, "HTTP port")
	statusSchedule := flags.String("status-schedule", "@every 30s", "cron schedule of the run status log")
	logLevel := flags.String("log-level", "DEBUG", "log level")
	if err := flags.Parse(args); err != nil {
		return common.EXIT_CONFIG_ERROR
	}

	_ = os.Mkdir(common.LOG_DIR, 0777)
	logFile, err := os.OpenFile(common.GetLogFilePath(common.LOG_DIR, "server"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening log file: %v\n", err)
		return common.EXIT_FATAL
	}
	defer logFile.Close()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "dsfl-server",
		Level:  hclog.LevelFromString(*logLevel),
		Output: io.MultiWriter(os.Stdout, logFile),
	})

	eventBus := events.NewEventBus()
	handler := server.NewHandler(logger, eventBus)
	if err := handler.StartStatusNotifier(*statusSchedule); err != nil {
		logger.Error("Error starting status notifier", "error", err)
		return common.EXIT_CONFIG_ERROR
	}
	defer handler.Shutdown()

	if err := server.StartHttpServer(ctx, logger, server.NewRouter(handler), *port); err != nil {
		logger.Error("Error running server", "error", err)
		return common.EXIT_FATAL
	}
	return common.EXIT_OK
}
