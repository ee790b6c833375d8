package cmd

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/schovi/pigeon/internal/pgconfig"
)

var configShowEffectiveFlag bool
var configKeysShortFlag bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or edit pigeon's config.toml",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config.toml if it doesn't exist yet",
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the resolved config.toml path",
	RunE:  runConfigPath,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the config file contents, or the effective resolved values",
	RunE:  runConfigShow,
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List configurable keys",
	RunE:  runConfigKeys,
}

var configSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Set a config key",
	Args:  cobra.ExactArgs(2),
	RunE:  runConfigSet,
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset KEY",
	Short: "Clear a config key",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigUnset,
}

func init() {
	configShowCmd.Flags().BoolVar(&configShowEffectiveFlag, "effective", false, "print resolved values (file > env > default) instead of raw file contents")
	configKeysCmd.Flags().BoolVar(&configKeysShortFlag, "short", false, "one key per line, no descriptions")

	configCmd.AddCommand(configInitCmd, configPathCmd, configShowCmd, configKeysCmd, configSetCmd, configUnsetCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	cfg, created, err := pgconfig.EnsureFileConfig(rootConfigFlag)
	if err != nil {
		return err
	}
	if created {
		fmt.Printf("initialized config: %s\n", cfg.Path)
	} else {
		fmt.Printf("config already exists: %s\n", cfg.Path)
	}
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	fmt.Println(pgconfig.ConfigTargetPath(rootConfigFlag))
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, _, err := pgconfig.EnsureFileConfig(rootConfigFlag)
	if err != nil {
		return err
	}
	if !configShowEffectiveFlag {
		fmt.Print(pgconfig.ConfigToTOML(cfg))
		return nil
	}
	eff := pgconfig.Resolve(cfg)
	fmt.Printf("cache                 = %s\n", eff.Cache)
	fmt.Printf("namespace             = %s\n", eff.Namespace)
	fmt.Printf("user                  = %s\n", eff.RequesterUser)
	fmt.Printf("route                 = %s\n", eff.ClientRoute)
	fmt.Printf("worker.route          = %s\n", eff.WorkerRoute)
	fmt.Printf("worker.max_jobs       = %d\n", eff.WorkerMaxJobs)
	fmt.Printf("worker.poll_interval  = %g\n", eff.WorkerPollInterval)
	fmt.Printf("worker.debug          = %t\n", eff.WorkerDebug)
	fmt.Printf("worker.accept_untagged = %t\n", eff.WorkerAcceptUntagged)
	return nil
}

func runConfigKeys(cmd *cobra.Command, args []string) error {
	keys := append([]string(nil), pgconfig.ConfigurableKeys...)
	sort.Strings(keys)
	for _, k := range keys {
		if configKeysShortFlag {
			fmt.Println(k)
		} else {
			fmt.Fprintf(os.Stdout, "%-24s\n", k)
		}
	}
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	cfg, _, err := pgconfig.EnsureFileConfig(rootConfigFlag)
	if err != nil {
		return err
	}
	updated, err := pgconfig.SetConfigValue(cfg, args[0], args[1])
	if err != nil {
		return err
	}
	path, err := pgconfig.WriteFileConfig(updated, rootConfigFlag)
	if err != nil {
		return err
	}
	fmt.Printf("set %s (wrote %s)\n", args[0], path)
	return nil
}

func runConfigUnset(cmd *cobra.Command, args []string) error {
	cfg, _, err := pgconfig.EnsureFileConfig(rootConfigFlag)
	if err != nil {
		return err
	}
	updated, err := pgconfig.UnsetConfigValue(cfg, args[0])
	if err != nil {
		return err
	}
	path, err := pgconfig.WriteFileConfig(updated, rootConfigFlag)
	if err != nil {
		return err
	}
	fmt.Printf("unset %s (wrote %s)\n", args[0], path)
	return nil
}
