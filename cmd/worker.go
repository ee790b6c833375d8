package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/schovi/pigeon/internal/applog"
	"github.com/schovi/pigeon/internal/debuglog"
	"github.com/schovi/pigeon/internal/layout"
	"github.com/schovi/pigeon/internal/pgconfig"
	"github.com/schovi/pigeon/internal/worker"
)

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

var (
	workerMaxJobsFlag          int
	workerPollIntervalFlag     float64
	workerRouteFlag            string
	workerDebugFlag            bool
	workerNoDebugFlag          bool
	workerAcceptUntaggedFlag   bool
	workerNoAcceptUntaggedFlag bool
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Scan for queued sessions and run them under a PTY",
	Long: `pigeon worker watches the cache's sessions directory, claims queued
sessions whose route matches its own (an untagged session matches an
unrouted worker, or a routed one started with --accept-untagged), and runs each one
to completion under a pseudo-terminal, serializing same-cwd sessions
through an advisory lock.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().IntVar(&workerMaxJobsFlag, "max-jobs", 0, "maximum concurrent sessions (default from config, else 4)")
	workerCmd.Flags().Float64Var(&workerPollIntervalFlag, "poll-interval", 0, "seconds between directory scans (default from config, else 0.05)")
	workerCmd.Flags().StringVar(&workerRouteFlag, "route", "", "advertise this route; only claims sessions requesting it (untagged ones too with --accept-untagged)")
	workerCmd.Flags().BoolVar(&workerDebugFlag, "debug", false, "enable structured debug logging to stderr")
	workerCmd.Flags().BoolVar(&workerNoDebugFlag, "no-debug", false, "force debug logging off even if the config enables it")
	workerCmd.Flags().BoolVar(&workerAcceptUntaggedFlag, "accept-untagged", false, "claim untagged requests even while advertising --route (default from config, else off)")
	workerCmd.Flags().BoolVar(&workerNoAcceptUntaggedFlag, "no-accept-untagged", false, "force accept-untagged off even if the config enables it")
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, created, _, err := pgconfig.SyncEnvToFileConfig(rootConfigFlag)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if created {
		fmt.Fprintf(os.Stderr, "[pigeon-worker] initialized config: %s\n", cfg.Path)
	}
	eff := pgconfig.Resolve(cfg)

	l := layout.New(eff.Cache, eff.Namespace)
	if err := l.EnsureDirs(); err != nil {
		return fmt.Errorf("ensure cache dirs: %w", err)
	}

	var route *string
	switch {
	case cmd.Flags().Changed("route"):
		route = &workerRouteFlag
	case eff.WorkerRoute != "":
		route = &eff.WorkerRoute
	}

	maxJobs := eff.WorkerMaxJobs
	if cmd.Flags().Changed("max-jobs") {
		maxJobs = workerMaxJobsFlag
	}

	pollInterval := eff.WorkerPollInterval
	if cmd.Flags().Changed("poll-interval") {
		pollInterval = workerPollIntervalFlag
	}

	debug := eff.WorkerDebug
	if cmd.Flags().Changed("debug") {
		debug = workerDebugFlag
	}
	if workerNoDebugFlag {
		debug = false
	}

	acceptUntagged := eff.WorkerAcceptUntagged
	if cmd.Flags().Changed("accept-untagged") {
		acceptUntagged = workerAcceptUntaggedFlag
	}
	if workerNoAcceptUntaggedFlag {
		acceptUntagged = false
	}

	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}

	logger := debuglog.New("worker", debug, os.Stderr)
	w := worker.New(worker.Options{
		Layout:                l,
		ConfigPath:            rootConfigFlag,
		Route:                 route,
		MaxJobs:               maxJobs,
		PollInterval:          secondsToDuration(pollInterval),
		Debug:                 debug,
		AcceptUntagged:        acceptUntagged,
		FsyncMode:             applog.FsyncModeFromEnv(),
		HeartbeatStaleSeconds: worker.DefaultHeartbeatStaleSeconds,
	}, logger, host)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	defer signal.Stop(sigCh)

	return w.Run(ctx)
}
