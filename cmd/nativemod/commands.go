package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/wippyai/nativemod"
	"github.com/wippyai/nativemod/linkns"
	"github.com/wippyai/nativemod/manager"
)

// requestFlags binds the LoadRequest fields shared by resolve and load.
func requestFlags(cmd *cobra.Command, req *manager.LoadRequest) {
	f := cmd.Flags()
	f.BoolVar(&req.IsApp, "app", false, "treat the module as an application module")
	f.StringVar(&req.PathKey, "path-key", "", "application path key (app modules only)")
	f.StringVar(&req.RelativePath, "rel", "", "relative directory under the system module dir")
}

func newResolveCmd(a *app) *cobra.Command {
	var req manager.LoadRequest
	cmd := &cobra.Command{
		Use:   "resolve <name>",
		Short: "Print the candidate paths for a module without loading it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Name = args[0]
			c, err := a.m.Resolve(req)
			if err != nil {
				return err
			}
			rows := [][]string{
				{"platform", a.m.Platform().Name()},
				{"key", req.Key()},
				{"primary", c.Primary},
			}
			if !c.Exact {
				rows = append(rows, []string{"secondary", c.Secondary}, []string{"abc", c.Abc})
			}
			if len(c.SearchDirs) > 0 {
				rows = append(rows, []string{"search", strings.Join(c.SearchDirs, ":")})
			}
			return writeFields(cmd.OutOrStdout(), rows)
		},
	}
	requestFlags(cmd, &req)
	return cmd
}

func newLoadCmd(a *app) *cobra.Command {
	var req manager.LoadRequest
	cmd := &cobra.Command{
		Use:   "load <name>",
		Short: "Load a module and print its record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Name = args[0]
			mod, err := a.m.LoadNativeModule(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printModule(cmd.OutOrStdout(), req.Key(), mod)
		},
	}
	requestFlags(cmd, &req)
	cmd.Flags().BoolVar(&req.Internal, "internal", false, "skip embedded bytecode lookup")
	return cmd
}

func printModule(out io.Writer, key string, mod *nativemod.Module) error {
	path := mod.ResolvedPath()
	if path == nativemod.NoPath {
		path = "(built-in)"
	}
	return writeFields(out, [][]string{
		{"module", mod.Name()},
		{"key", key},
		{"path", path},
		{"flags", mod.Flags().String()},
		{"bytecode", fmt.Sprintf("%d bytes", len(mod.Bytecode()))},
		{"refs", fmt.Sprintf("%d", mod.RefCount())},
	})
}

// writeFields renders name/value rows as a borderless two-column table.
func writeFields(out io.Writer, rows [][]string) error {
	t := table.New().
		Border(lipgloss.HiddenBorder()).
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		StyleFunc(func(_, col int) lipgloss.Style {
			if col == 0 {
				return lipgloss.NewStyle().PaddingRight(1)
			}
			return lipgloss.NewStyle()
		}).
		Rows(rows...)
	_, err := fmt.Fprintln(out, t.String())
	return err
}

func newCheckCmd(a *app) *cobra.Command {
	var (
		isApp bool
		apis  []string
	)
	cmd := &cobra.Command{
		Use:   "check <name>",
		Short: "Evaluate the allow-list policy for a module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			gate := a.m.Gate()
			ok, filter := gate.Check(name, isApp)

			out := cmd.OutOrStdout()
			when := "always"
			if gate.DiskCheckOnly() {
				when = "disk loads only"
			}
			if !ok {
				fmt.Fprintf(out, "%s: blocked (checked %s)\n", name, when)
				return nil
			}
			fmt.Fprintf(out, "%s: allowed (checked %s)\n", name, when)
			for _, api := range apis {
				verdict := "exposed"
				if filter != nil && !filter(api) {
					verdict = "hidden"
				}
				fmt.Fprintf(out, "  %s: %s\n", api, verdict)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&isApp, "app", false, "check as an application module")
	cmd.Flags().StringSliceVar(&apis, "api", nil, "API paths to test against the module filter")
	return cmd
}

func newNamespacesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "namespaces",
		Short: "List linker namespaces and their links",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printNamespaces(cmd.OutOrStdout(), a.m.Namespaces())
		},
	}
}

func printNamespaces(out io.Writer, nsm *linkns.Manager) error {
	names := nsm.Names()
	sort.Strings(names)
	for _, name := range names {
		ns, ok := nsm.Get(name)
		if !ok {
			continue
		}
		mode := "shared"
		if ns.Isolated() {
			mode = "isolated"
		}
		if ns.PreferLocal() {
			mode += ", prefer-local"
		}
		fmt.Fprintf(out, "%s (%s)\n", name, mode)
		fmt.Fprintf(out, "  search: %s\n", strings.Join(ns.SearchPaths(), ":"))
		for _, l := range ns.Links() {
			libs := "all"
			if !l.AllowAll {
				libs = fmt.Sprintf("%d libs", len(l.SharedLibs))
			}
			fmt.Fprintf(out, "  -> %s (%s)\n", l.Target, libs)
		}
	}
	return nil
}
