package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/gosette/gosette/pkg/hooks"
)

// Command group IDs
const (
	groupServe   = "serve"
	groupPlugins = "plugins"
	groupUtility = "utility"
)

// newRootCmd builds the command tree. Plugins in reg may add commands
// through register_commands.
func newRootCmd(reg *hooks.Registry) *cobra.Command {
	root := &cobra.Command{
		Use:   "gosette",
		Short: "Publish and explore databases over HTTP",
		Long: `gosette serves SQLite, PostgreSQL and MySQL databases as a JSON API.

Its behaviour is extended by plugins: the bundled ones handle
authentication, permissions and the event log, and more can be
compiled in (see "gosette create-plugin").`,
		SilenceUsage: true,
	}
	// glog registers its flags on the standard flag set.
	root.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	root.AddGroup(
		&cobra.Group{ID: groupServe, Title: "Serving:"},
		&cobra.Group{ID: groupPlugins, Title: "Plugins:"},
		&cobra.Group{ID: groupUtility, Title: "Utility:"},
	)

	serve := newServeCmd(reg)
	serve.GroupID = groupServe
	plugins := newPluginsCmd(reg)
	plugins.GroupID = groupPlugins
	create := newCreatePluginCmd()
	create.GroupID = groupPlugins
	health := newHealthcheckCmd()
	health.GroupID = groupUtility
	version := newVersionCmd()
	version.GroupID = groupUtility
	root.AddCommand(serve, plugins, create, health, version)

	for _, c := range pluginCommands(context.Background(), reg, root) {
		root.AddCommand(c)
	}
	return root
}

// pluginCommands collects register_commands results, skipping names that
// are already taken.
func pluginCommands(ctx context.Context, reg *hooks.Registry, root *cobra.Command) []*cobra.Command {
	logger := slog.Default()
	results, err := hooks.Collect[any](ctx, hooks.NewDispatcher(reg, logger), hooks.RegisterCommands, hooks.Values{})
	if err != nil {
		logger.Warn("register_commands failed", "error", err)
	}
	taken := map[string]bool{}
	for _, c := range root.Commands() {
		taken[c.Name()] = true
	}
	var out []*cobra.Command
	for _, c := range results {
		var cmds []*cobra.Command
		switch v := c.Value.(type) {
		case *cobra.Command:
			cmds = []*cobra.Command{v}
		case []*cobra.Command:
			cmds = v
		default:
			logger.Warn("ignoring register_commands result", "plugin", c.Plugin, "type", fmt.Sprintf("%T", v))
			continue
		}
		for _, cmd := range cmds {
			if cmd == nil || taken[cmd.Name()] {
				logger.Warn("plugin command not added", "plugin", c.Plugin)
				continue
			}
			taken[cmd.Name()] = true
			out = append(out, cmd)
		}
	}
	return out
}

// bindFlags makes every flag in fs readable through v, so that
// GOSETTE_<FLAG> environment variables apply when the flag is not given.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) {
	fs.VisitAll(func(f *pflag.Flag) {
		if err := v.BindPFlag(f.Name, f); err != nil {
			fmt.Fprintf(os.Stderr, "binding flag %s: %v\n", f.Name, err)
		}
	})
}
