package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/schovi/pigeon/internal/applog"
	"github.com/schovi/pigeon/internal/client"
	"github.com/schovi/pigeon/internal/layout"
	"github.com/schovi/pigeon/internal/pgconfig"
)

var (
	rootConfigFlag     string
	rootRouteFlag      string
	rootVerboseFlag    bool
	rootWaitWorkerFlag float64
	rootQuietFlag      bool
)

var rootCmd = &cobra.Command{
	Use:   "pigeon [flags] -- <cmd...>",
	Short: "Run a command on a remote worker host over a shared filesystem",
	Long: `pigeon runs a command on whichever worker host is watching the same
cache directory, coordinating entirely through files on a shared POSIX
filesystem — no network sockets, no daemon to dial.

Quick start:
  pigeon worker                    # start a worker on the remote host
  pigeon -- ls -la                 # run a command from the client host
  pigeon -- bash --noprofile -c '...'  # already-shell argv passes through as-is
  pigeon config show               # see the effective configuration`,
	Args:          cobra.ArbitraryArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootConfigFlag, "config", "", "path to config.toml (default: active config pointer)")
	rootCmd.Flags().StringVar(&rootRouteFlag, "route", "", "only run on a worker advertising this route")
	rootCmd.Flags().BoolVarP(&rootVerboseFlag, "verbose", "v", false, "print session state transitions and the session banner")
	rootCmd.Flags().Float64Var(&rootWaitWorkerFlag, "wait-worker", 0, "seconds to wait for a live worker before giving up (default 3)")
	rootCmd.Flags().BoolVar(&rootQuietFlag, "quiet", false, "suppress the worker-wait spinner")

	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command and translates its result into a
// process exit code.
func Execute() {
	os.Exit(run())
}

func run() int {
	code := 0
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		c, err := runRoot(cmd, args)
		code = c
		return err
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "pigeon: %v\n", err)
		if code == 0 {
			code = client.ExitError
		}
	}
	return code
}

func runRoot(cmd *cobra.Command, args []string) (int, error) {
	dashAt := cmd.ArgsLenAtDash()
	remoteArgv := args
	if dashAt >= 0 {
		remoteArgv = args[dashAt:]
	}
	if len(remoteArgv) == 0 {
		return 2, cmd.Help()
	}

	cfg, created, _, err := pgconfig.SyncEnvToFileConfig(rootConfigFlag)
	if err != nil {
		return client.ExitError, fmt.Errorf("load config: %w", err)
	}
	if created {
		fmt.Fprintf(os.Stderr, "[pigeon] initialized config: %s\n", cfg.Path)
	}
	eff := pgconfig.Resolve(cfg)

	l := layout.New(eff.Cache, eff.Namespace)

	var route *string
	if rootRouteFlag != "" {
		route = &rootRouteFlag
	} else if eff.ClientRoute != "" {
		route = &eff.ClientRoute
	}

	waitWorker := client.DefaultWaitWorker
	if cmd.Flags().Changed("wait-worker") {
		waitWorker = time.Duration(rootWaitWorkerFlag * float64(time.Second))
	}

	opts := client.Options{
		Layout:         l,
		ConfigPath:     rootConfigFlag,
		Route:          route,
		WaitWorker:     waitWorker,
		Verbose:        rootVerboseFlag,
		Quiet:          rootQuietFlag,
		AcceptUntagged: eff.WorkerAcceptUntagged,
		FsyncMode:      applog.FsyncModeFromEnv(),
	}

	return client.Run(context.Background(), remoteArgv, opts)
}
