package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/wippyai/nativemod/config"
	"github.com/wippyai/nativemod/linkns"
	"github.com/wippyai/nativemod/loader"
	"github.com/wippyai/nativemod/manager"
)

// app carries the state shared by every subcommand.
type app struct {
	fs       afero.Fs
	cfg      *config.Config
	m        *manager.Manager
	log      *zap.Logger
	cfgFile  string
	platform string
	logLevel string
	appPaths []string
}

func newRootCmd(fs afero.Fs) *cobra.Command {
	a := &app{fs: fs}

	root := &cobra.Command{
		Use:           "nativemod",
		Short:         "Resolve, gate and load native runtime modules",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return a.teardown(cmd)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if f, ok := cmd.OutOrStdout().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
				return runBrowse(cmd.Context(), a.m)
			}
			return cmd.Help()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (yaml, toml or json)")
	pf.StringVar(&a.platform, "platform", "", "platform rules to apply (overrides config)")
	pf.StringVar(&a.logLevel, "log-level", "", "log level (overrides config)")
	pf.StringArrayVar(&a.appPaths, "app-path", nil, "app library path as key=dir[:dir...] (repeatable)")

	root.AddCommand(
		newResolveCmd(a),
		newLoadCmd(a),
		newCheckCmd(a),
		newNamespacesCmd(a),
		newBrowseCmd(a),
	)
	return root
}

// setup loads configuration, applies flag overrides and builds the manager.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.fs, a.cfgFile)
	if err != nil {
		return err
	}
	if a.platform != "" {
		cfg.Platform = a.platform
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	for _, entry := range a.appPaths {
		key, dirs, ok := strings.Cut(entry, "=")
		if !ok || key == "" || dirs == "" {
			return fmt.Errorf("invalid --app-path %q, want key=dir[:dir...]", entry)
		}
		cfg.AppPaths = append(cfg.AppPaths, config.AppPath{
			Key:   key,
			Paths: strings.Split(dirs, ":"),
		})
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := cfg.Logger()
	if err != nil {
		return err
	}
	manager.SetLogger(log.Named("manager"))
	loader.SetLogger(log.Named("loader"))
	linkns.SetLogger(log.Named("linkns"))

	opts, err := cfg.ManagerOptions(a.fs)
	if err != nil {
		return err
	}
	m := manager.New(opts)
	if err := cfg.Apply(cmd.Context(), m); err != nil {
		m.Close(cmd.Context())
		return err
	}

	a.cfg = cfg
	a.m = m
	a.log = log
	return nil
}

func (a *app) teardown(cmd *cobra.Command) error {
	if a.m == nil {
		return nil
	}
	err := a.m.Close(cmd.Context())
	a.log.Sync()
	return err
}
