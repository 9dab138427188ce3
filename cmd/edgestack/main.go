package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

const usage = `usage: edgestack [-config path] [-version] <command>

commands:
  plan                 show the provider calls a deployment would make
  apply                build or update the deployment
  status [-run id]     show recorded resources and runs, or a single run
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("edgestack", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.Usage = func() { fmt.Fprint(stderr, usage) }

	configPath := flags.String("config", "", "Path to config file")
	showVersion := flags.Bool("version", false, "Print version and exit")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return ExitSuccess
		}
		return ExitConfigError
	}

	if *showVersion {
		fmt.Fprintf(stdout, "edgestack %s (built %s)\n", Version, BuildTime)
		return ExitSuccess
	}

	if flags.NArg() < 1 {
		flags.Usage()
		return ExitConfigError
	}
	command := flags.Arg(0)

	var runID string
	switch command {
	case "plan", "apply":
		if flags.NArg() > 1 {
			flags.Usage()
			return ExitConfigError
		}
	case "status":
		statusFlags := flag.NewFlagSet("status", flag.ContinueOnError)
		statusFlags.SetOutput(stderr)
		statusFlags.StringVar(&runID, "run", "", "Show a single run")
		if err := statusFlags.Parse(flags.Args()[1:]); err != nil {
			return ExitConfigError
		}
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", command)
		flags.Usage()
		return ExitConfigError
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return ExitConfigError
	}

	logger := SetupLogger(cfg)
	logger.Info("starting edgestack",
		"version", Version,
		"config", *configPath,
		"command", command,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cli := &CLI{config: cfg, logger: logger, out: stdout}

	switch command {
	case "plan":
		err = cli.Plan(ctx)
	case "apply":
		err = cli.Apply(ctx)
	case "status":
		err = cli.Status(ctx, runID)
	}

	if err != nil {
		code := ExitCode(err)
		logger.Error("command failed",
			"command", command,
			"error", err,
			"exit_code", code,
		)
		return code
	}
	return ExitSuccess
}
