package main

import (
	"bytes"
	"fmt"
	"go/format"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"

	"github.com/spf13/cobra"
)

// PluginPrefix is the conventional prefix of plugin names.
const PluginPrefix = "gosette-"

var pluginNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

func newCreatePluginCmd() *cobra.Command {
	var (
		dir         string
		module      string
		description string
	)
	cmd := &cobra.Command{
		Use:   "create-plugin <name>",
		Short: "Scaffold a new plugin module",
		Long: `Create a directory <path>/<name> holding a Go module with a plugin that
registers itself in init, a test, a README and a .gitignore.

Blank-import the module from your own main package to compile it in.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := createPlugin(cmd.ErrOrStderr(), pluginScaffold{
				Name:        args[0],
				Module:      module,
				Description: description,
			}, dir)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", target)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "path", ".", "Directory to create the plugin in")
	cmd.Flags().StringVar(&module, "module", "", "Go module path (default github.com/example/<name>)")
	cmd.Flags().StringVar(&description, "description", "", "One-line plugin description")
	return cmd
}

// pluginScaffold is the data the templates render.
type pluginScaffold struct {
	Name        string
	Module      string
	Description string
	Package     string
	Title       string
}

// createPlugin writes the scaffold into dir/<name> and returns that path.
// Names without the gosette- prefix are accepted with a warning on warn.
func createPlugin(warn io.Writer, s pluginScaffold, dir string) (string, error) {
	if !pluginNamePattern.MatchString(s.Name) {
		return "", fmt.Errorf("invalid plugin name %q: use lower case letters, digits, - and _", s.Name)
	}
	if !strings.HasPrefix(s.Name, PluginPrefix) {
		fmt.Fprintf(warn, "warning: plugin names conventionally start with %q\n", PluginPrefix)
	}
	short := strings.TrimPrefix(s.Name, PluginPrefix)
	if short == "" {
		return "", fmt.Errorf("invalid plugin name %q", s.Name)
	}
	s.Package = strings.NewReplacer("-", "", "_", "").Replace(short)
	if s.Package == "" || s.Package[0] < 'a' || s.Package[0] > 'z' {
		s.Package = "plugin" + s.Package
	}
	s.Title = strings.ReplaceAll(short, "-", " ")
	if s.Module == "" {
		s.Module = "github.com/example/" + s.Name
	}
	if s.Description == "" {
		s.Description = "A gosette plugin"
	}

	target := filepath.Join(dir, s.Name)
	if _, err := os.Stat(target); err == nil {
		return "", fmt.Errorf("%s already exists", target)
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", target, err)
	}

	for _, f := range scaffoldFiles {
		out, err := renderScaffold(f, s)
		if err != nil {
			return "", err
		}
		if err := os.WriteFile(filepath.Join(target, f.name), out, 0o644); err != nil {
			return "", fmt.Errorf("writing %s: %w", f.name, err)
		}
	}
	return target, nil
}

type scaffoldFile struct {
	name string
	body string
}

func renderScaffold(f scaffoldFile, s pluginScaffold) ([]byte, error) {
	tmpl, err := template.New(f.name).Delims("[[", "]]").Parse(f.body)
	if err != nil {
		return nil, fmt.Errorf("parsing %s template: %w", f.name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, s); err != nil {
		return nil, fmt.Errorf("rendering %s: %w", f.name, err)
	}
	if filepath.Ext(f.name) != ".go" {
		return buf.Bytes(), nil
	}
	src, err := format.Source(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("formatting %s: %w", f.name, err)
	}
	return src, nil
}

var scaffoldFiles = []scaffoldFile{
	{"go.mod", `module [[.Module]]

go 1.24
`},
	{"plugin.go", `// Package [[.Package]] is the [[.Name]] gosette plugin.
package [[.Package]]

import (
	"context"

	"github.com/gosette/gosette/pkg/app"
	"github.com/gosette/gosette/pkg/hooks"
	"github.com/gosette/gosette/pkg/web"
)

// Name is the plugin name.
const Name = "[[.Name]]"

func init() {
	hooks.Register(Plugin())
}

// Plugin builds the plugin.
func Plugin() *hooks.Plugin {
	return hooks.NewPlugin(Name, "0.1.0").
		Describe("[[.Description]]").
		On(hooks.MenuLinks, menuLinks, hooks.ParamDatasette, hooks.ParamActor)
}

func menuLinks(_ context.Context, args hooks.Args) (hooks.Result, error) {
	ds := hooks.Arg[*app.Datasette](args, hooks.ParamDatasette)
	if ds == nil || hooks.Arg[web.Actor](args, hooks.ParamActor) == nil {
		return hooks.None(), nil
	}
	return hooks.Value([]app.Link{{Href: ds.URLPath("/-/[[.Name]]"), Label: "[[.Title]]"}}), nil
}
`},
	{"plugin_test.go", `package [[.Package]]

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosette/gosette/pkg/hooks"
)

func TestPluginRegisters(t *testing.T) {
	reg := hooks.NewRegistry()
	require.NoError(t, reg.Register(Plugin()))
	assert.True(t, reg.Implements(hooks.MenuLinks))
}
`},
	{"README.md", `# [[.Name]]

[[.Description]].

## Installation

Add the module to the program that runs gosette:

    go get [[.Module]]

and blank-import it next to the bundled plugins:

    import _ "[[.Module]]"

## Development

    go test ./...
`},
	{".gitignore", `/bin/
*.test
*.out
.DS_Store
`},
}
