package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/NexusSwitchboard/nexus-core/internal/api"
	"github.com/NexusSwitchboard/nexus-core/internal/app"
	"github.com/NexusSwitchboard/nexus-core/internal/config"
	"github.com/NexusSwitchboard/nexus-core/internal/module"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

const stopTimeout = 15 * time.Second

func versionInfo() api.VersionInfo {
	return api.VersionInfo{Name: "nexus", Version: version, Go: runtime.Version()}
}

func newRootCmd() *cobra.Command {
	var defPath string
	root := &cobra.Command{
		Use:           "nexus",
		Short:         "Pluggable extension host for modules, jobs and connections",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&defPath, "definition", "", "extra definition file merged after .nexus and its environment overlay")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Load the definition and run the host until interrupted",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runServe(cmd.Context(), defPath)
			},
		},
		&cobra.Command{
			Use:   "check",
			Short: "Validate the definition and print the module and connection plan",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := loadDefinition(defPath)
				if err != nil {
					return err
				}
				return printPlan(cmd, cfg)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version number",
			Run: func(cmd *cobra.Command, _ []string) {
				v := versionInfo()
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (%s)\n", v.Name, v.Version, v.Go)
			},
		},
	)
	return root
}

// searchPaths are the definition files in merge order.
func searchPaths(explicit string) []string {
	return config.SearchPaths(".", os.Getenv(config.EnvName), explicit)
}

// loadDefinition resolves and commits the definition. The returned manager
// remembers which files contributed.
func loadDefinition(explicit string) (*config.Manager, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg := config.NewManager(searchPaths(explicit))
	if _, err := cfg.Load(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(ctx context.Context, defPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadDefinition(defPath)
	if err != nil {
		return err
	}
	def := cfg.Get()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := app.New(ctx, def, app.Options{
		Modules:     moduleCatalog(),
		Connections: connectionCatalog(),
		Version:     versionInfo(),
		Watch:       cfg.Paths(),
	})
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return err
	}

	reason := app.StopAppStop
	select {
	case s := <-sigs:
		reason = app.StopSIGINT
		if s == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

// printPlan reports how each declared connection and module resolves
// against the compiled-in catalogs. Unresolvable entries would be skipped
// at runtime; here they fail the check.
func printPlan(cmd *cobra.Command, cfg *config.Manager) error {
	out := cmd.OutOrStdout()
	def := cfg.Get()
	mods := moduleCatalog()
	conns := connectionCatalog()

	fmt.Fprintf(out, "searched:   %s\n", strings.Join(cfg.Paths(), ", "))
	fmt.Fprintf(out, "definition: %s\n", strings.Join(cfg.Used(), ", "))
	fmt.Fprintf(out, "root:       %s\n", def.Root())
	fmt.Fprintf(out, "listen:     %s\n", def.ListenAddr())

	var problems []string
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nKIND\tNAME\tKEY\tSTATUS\tDETAIL")
	for _, c := range def.Connections {
		key, err := c.Key()
		status := "ok"
		switch {
		case err != nil:
			status = "invalid"
			problems = append(problems, err.Error())
		case conns[key] == nil:
			status = "unknown"
			problems = append(problems, "connection "+key+" is not compiled in")
		}
		fmt.Fprintf(tw, "connection\t%s\t%s\t%s\t\n", c.Name, key, status)
	}

	names := make([]string, 0, len(def.Modules))
	for name := range def.Modules {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		md := def.Modules[name]
		key, err := module.Key(name, md.Path, md.Scope)
		status := "ok"
		switch {
		case err != nil:
			status = "invalid"
			problems = append(problems, err.Error())
		case mods[key] == nil:
			status = "unknown"
			problems = append(problems, "module "+key+" is not compiled in")
		}
		fmt.Fprintf(tw, "module\t%s\t%s\t%s\tjobs=%d\n", name, key, status, len(md.Jobs))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	fmt.Fprintln(out, "definition ok")
	return nil
}
