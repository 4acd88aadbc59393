package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/gosette/gosette/pkg/hooks"
)

func newPluginsCmd(reg *hooks.Registry) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "List installed plugins",
		Long:  "List the plugins compiled into this binary and the hooks each implements.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, err := parseOutputFormat(output)
			if err != nil {
				return err
			}
			plugins := reg.Plugins()
			rows := make([][]string, 0, len(plugins))
			for _, p := range plugins {
				rows = append(rows, []string{p.Name, p.Version, strings.Join(p.Hooks, ","), p.Description})
			}
			return printOutput(cmd.OutOrStdout(), format, plugins,
				[]string{"name", "version", "hooks", "description"}, rows)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table, json, yaml")
	return cmd
}
