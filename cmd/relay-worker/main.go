package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/victorarias/relayd/internal/logging"
	"github.com/victorarias/relayd/internal/worker"
)

func main() {
	cfg := worker.ConfigFromEnv()

	var agentCmd string
	flagSet := pflag.NewFlagSet("relay-worker", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.Prompt, "prompt", "", "initial prompt handed to the agent")
	flagSet.StringVar(&agentCmd, "agent", "", "agent shell command (overrides config)")
	flagSet.StringVar(&cfg.Dir, "dir", "", "working directory for the agent")
	flagSet.StringVar(&cfg.SessionID, "session", cfg.SessionID, "session id")
	flagSet.StringVar(&cfg.WorkerID, "worker", cfg.WorkerID, "worker id")
	flagSet.StringVar(&cfg.RelayURL, "relay", cfg.RelayURL, "control plane relay URL")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if agentCmd != "" {
		cfg.Command = []string{"/bin/sh", "-c", agentCmd}
	}

	// The launcher captures stderr into the worker's log file.
	logger := logging.NewWriter(os.Stderr)
	cfg.Logf = logger.Logf()

	res, err := worker.Run(context.Background(), cfg)
	if err != nil {
		logger.Errorf("worker: %v", err)
		os.Exit(1)
	}
	logger.Infof("worker exited: reason=%s status=%s after %s", res.Reason, res.FinalStatus, res.Duration)
	logger.Close()
	os.Exit(res.ExitCode)
}
