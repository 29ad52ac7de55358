package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/takenet/lime-go/config"
	"github.com/takenet/lime-go/logger"
)

const (
	defaultConfigPath = "node.yaml"
	usage             = `usage: limenode <command> [flags]

commands:
  init   write a default config file
  serve  accept sessions and echo every message back
  send   send a single text message and finish the session

Run 'limenode <command> -h' for the flags of a command.
`
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "init":
		err = runInit(ctx, os.Args[2:])
	case "serve":
		err = runServe(ctx, os.Args[2:])
	case "send":
		err = runSend(ctx, os.Args[2:])
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

func runInit(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := flags.String("config", defaultConfigPath, "Path of the config file to write")
	force := flags.Bool("f", false, "Overwrite an existing config file")
	flags.Parse(args)

	if _, err := os.Stat(*configPath); err == nil && !*force {
		return fmt.Errorf("%s already exists, use -f to overwrite it", *configPath)
	}

	if err := config.Save(ctx, *configPath, config.Default()); err != nil {
		return err
	}
	fmt.Printf("Wrote default config to %s\n", *configPath)
	return nil
}

func newLogger(level string, filePath string, console io.Writer) (*logger.Logger, error) {
	config := &logger.Config{
		FilePath: filePath,
		LogLevel: logger.ToLogLevel(level),
	}
	if console != nil {
		config.ConsoleWriters = []io.Writer{console}
	}
	return logger.New(config)
}
