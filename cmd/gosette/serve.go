package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gosette/gosette/pkg/app"
	"github.com/gosette/gosette/pkg/config"
	"github.com/gosette/gosette/pkg/hooks"
	"github.com/gosette/gosette/plugins/actorauth"
)

const shutdownTimeout = 10 * time.Second

// serveOptions is the resolved serve configuration: flags first, then
// GOSETTE_* environment variables, then flag defaults.
type serveOptions struct {
	Host      string
	Port      int
	Config    string
	Settings  []string
	Root      bool
	Secret    string
	CORS      bool
	Debug     bool
	Internal  string
	Files     []string
	Immutable []string
}

func newServeCmd(reg *hooks.Registry) *cobra.Command {
	v := config.NewViper()
	cmd := &cobra.Command{
		Use:   "serve [files...]",
		Short: "Serve databases over HTTP",
		Long: `Serve the given database files, plus any configured in --config.

Each file is served under its base name without extension. PostgreSQL
and MySQL DSNs are accepted too and served under the database name.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			runServe(cmd.Context(), reg, v, serveOptionsFrom(v, args))
			return nil
		},
	}
	fs := cmd.Flags()
	fs.String("host", "127.0.0.1", "Host to bind to")
	fs.IntP("port", "p", 8001, "Port to listen on")
	fs.StringP("config", "c", "", "YAML configuration file (reloaded on change)")
	fs.StringArrayP("setting", "s", nil, "Setting override as name=value (repeatable)")
	fs.Bool("root", false, "Print a one-time URL that signs you in as the root actor")
	fs.String("secret", "", "Secret used to sign cookies and tokens (random if empty)")
	fs.Bool("cors", false, "Send CORS headers")
	fs.Bool("debug", false, "Show error details and log at debug level")
	fs.String("internal", "", "Path of the internal database (in memory if empty)")
	fs.StringArrayP("immutable", "i", nil, "Database file to serve read-only (repeatable)")
	bindFlags(v, fs)
	return cmd
}

func serveOptionsFrom(v *viper.Viper, args []string) serveOptions {
	return serveOptions{
		Host:      v.GetString("host"),
		Port:      v.GetInt("port"),
		Config:    v.GetString("config"),
		Settings:  v.GetStringSlice("setting"),
		Root:      v.GetBool("root"),
		Secret:    v.GetString("secret"),
		CORS:      v.GetBool("cors"),
		Debug:     v.GetBool("debug"),
		Internal:  v.GetString("internal"),
		Files:     args,
		Immutable: v.GetStringSlice("immutable"),
	}
}

// loadServeConfig reads the config file, if any, and applies the command
// line on top of it.
func loadServeConfig(opts serveOptions, v *viper.Viper) (*config.Config, string, error) {
	cfg := config.Default()
	version := ""
	if opts.Config != "" {
		var err error
		if cfg, version, err = config.Load(opts.Config); err != nil {
			return nil, "", err
		}
	}
	if err := applyServeOptions(cfg, opts, v); err != nil {
		return nil, "", err
	}
	return cfg, version, nil
}

func applyServeOptions(cfg *config.Config, opts serveOptions, v *viper.Viper) error {
	add := func(path string, immutable bool) error {
		name, dc := app.DatabaseConfigForFile(path, immutable)
		if _, exists := cfg.Databases[name]; exists {
			return fmt.Errorf("database %q is configured more than once", name)
		}
		cfg.Databases[name] = dc
		return nil
	}
	for _, f := range opts.Files {
		if err := add(f, false); err != nil {
			return err
		}
	}
	for _, f := range opts.Immutable {
		if err := add(f, true); err != nil {
			return err
		}
	}
	if err := config.ApplyEnv(&cfg.Settings, v); err != nil {
		return fmt.Errorf("environment settings: %w", err)
	}
	if err := cfg.Settings.ApplyPairs(opts.Settings); err != nil {
		return fmt.Errorf("--setting: %w", err)
	}
	if opts.CORS {
		cfg.CORS.Enabled = true
	}
	return cfg.Validate()
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func runServe(ctx context.Context, reg *hooks.Registry, v *viper.Viper, opts serveOptions) {
	_ = flag.Set("logtostderr", "true")

	logger := newLogger(opts.Debug)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, version, err := loadServeConfig(opts, v)
	if err != nil {
		glog.Fatalf("Failed to load config: %v", err)
	}

	appOpts := []app.Option{
		app.WithRegistry(reg),
		app.WithLogger(logger),
		app.WithRoot(opts.Root),
		app.WithDebug(opts.Debug),
		app.WithConfigVersion(version),
	}
	if opts.Secret != "" {
		appOpts = append(appOpts, app.WithSecret(opts.Secret))
	}
	if opts.Internal != "" {
		appOpts = append(appOpts, app.WithInternal(opts.Internal))
	}
	ds, err := app.New(ctx, cfg, appOpts...)
	if err != nil {
		glog.Fatalf("Failed to start: %v", err)
	}
	if err := ds.InvokeStartup(ctx); err != nil {
		glog.Fatalf("Startup hooks failed: %v", err)
	}

	if opts.Config != "" {
		w, err := config.NewWatcher(opts.Config, version, func(next *config.Config, nextVersion string) {
			if err := applyServeOptions(next, opts, v); err != nil {
				logger.Warn("ignoring reloaded config", "error", err)
				return
			}
			ds.ReloadConfig(next, nextVersion)
			ds.Rebuild()
		}, logger)
		if err != nil {
			logger.Warn("config file will not be watched", "error", err)
		} else {
			go w.Run(ctx)
		}
	}

	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           ds,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("starting gosette",
		"addr", addr,
		"databases", cfg.DatabaseNames(),
		"plugins", reg.Names(),
	)
	if opts.Root {
		if _, ok := reg.Get(actorauth.Name); ok {
			fmt.Printf("Sign in as root: http://%s%s?token=%s\n",
				addr, ds.URLPath("/-/auth-token"), actorauth.RootLoginToken(ds.Secret()))
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Fatalf("Server failed: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	if err := ds.Close(shutdownCtx); err != nil {
		logger.Error("close failed", "error", err)
	}
}
