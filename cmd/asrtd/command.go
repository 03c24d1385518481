package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/assertedio/asrtd/internal/config"
	"github.com/assertedio/asrtd/internal/feedback"
	"github.com/assertedio/asrtd/internal/globalconfig"
	"github.com/assertedio/asrtd/internal/logger"
	"github.com/assertedio/asrtd/internal/metrics"
	"github.com/assertedio/asrtd/internal/pushchannel"
	"github.com/assertedio/asrtd/internal/routineconfig"
	"github.com/assertedio/asrtd/internal/tls"
	"github.com/assertedio/asrtd/internal/waiter"
	"github.com/assertedio/asrtd/pkg/client"
)

// command holds the services shared by every subcommand. They are built in
// setup, after cobra parsed the persistent flags.
type command struct {
	env   environment
	flags *GlobalFlags

	cfg        *config.Config
	global     *globalconfig.Store
	api        *client.Client
	httpClient *http.Client // nil unless TLS is configured
	out        *feedback.Printer
	logger     *slog.Logger
	logClose   io.Closer
}

func (c *command) setup() error {
	cfg, err := config.Load(config.Options{
		File:    c.flags.ConfigPath,
		WorkDir: c.env.WorkDir,
		HomeDir: c.env.HomeDir,
	})
	if err != nil {
		return err
	}
	if c.flags.Verbose {
		cfg.Debug = true
	}
	c.cfg = cfg

	c.logger, c.logClose = logger.New(c.env.Stderr, logger.Config{
		Level:      logger.ParseLevel(cfg.LogLevel()),
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
		NoColor:    c.flags.NoColor,
	})
	slog.SetDefault(c.logger)

	if c.env.Registry != nil {
		if err := metrics.Register(c.env.Registry); err != nil {
			c.logger.Warn("metrics registration failed", "error", err)
		}
	}

	if c.httpClient, err = tls.HTTPClient(cfg.TLS); err != nil {
		return fmt.Errorf("invalid tls config: %w", err)
	}

	c.global = globalconfig.New(cfg.GlobalConfig)
	c.api = client.New(client.Config{
		BaseURL:     cfg.APIHost,
		RunTimeout:  cfg.RunTimeout,
		Version:     version,
		Credentials: c.global,
		HTTPClient:  c.httpClient,
		Logger:      c.logger,
	})
	c.out = feedback.New(c.env.Stdout, c.flags.NoColor)
	c.logger.Debug("configuration loaded", "api_host", cfg.APIHost, "dir", cfg.Dir, "global_config", cfg.GlobalConfig)
	return nil
}

func (c *command) teardown() {
	if c.logger != nil && c.cfg != nil && c.cfg.Debug {
		ctx := context.Background()
		if c.env.Registry != nil {
			if attrs, err := metrics.Summary(c.env.Registry); err == nil && len(attrs) > 0 {
				c.logger.LogAttrs(ctx, slog.LevelDebug, "metrics", attrs...)
			}
		}
		if usage, err := metrics.SelfUsage(ctx); err == nil {
			c.logger.LogAttrs(ctx, slog.LevelDebug, "process usage", usage.Attrs()...)
		} else {
			c.logger.Debug("process usage unavailable", "error", err)
		}
	}
	if c.logClose != nil {
		_ = c.logClose.Close()
	}
}

// newWaiter returns a completion waiter dialing the push channel on the
// configured API host.
func (c *command) newWaiter() (*waiter.Waiter, error) {
	return waiter.New(waiter.Options{
		Credentials:    c.global,
		ConnectTimeout: c.cfg.ConnectTimeout,
		Logger:         c.logger,
		Dialer: waiter.DialFunc(func(ctx context.Context, token string) (waiter.Conn, error) {
			conn, err := pushchannel.Dial(ctx, pushchannel.Options{
				BaseURL:    c.cfg.APIHost,
				Token:      token,
				HTTPClient: c.httpClient,
				Logger:     c.logger,
			})
			if err != nil {
				return nil, err
			}
			return conn, nil
		}),
	})
}

// routineID returns the explicit id in args or the id of the local routine.
func (c *command) routineID(args []string) (string, error) {
	if len(args) > 0 && args[0] != "" {
		return args[0], nil
	}
	routine, err := routineconfig.Read(c.cfg.Dir)
	if errors.Is(err, routineconfig.ErrNotFound) {
		return "", fmt.Errorf("routine ID required: pass it as an argument or run inside a directory with %s/%s",
			config.RoutineDirName, routineconfig.FileName)
	}
	if err != nil {
		return "", err
	}
	if routine.ID == "" {
		return "", fmt.Errorf("%s has no routine id", routineconfig.FileName)
	}
	return routine.ID, nil
}

// showResult prints a completed run: its console output, then the record.
func (c *command) showResult(rec *client.CompletedRunRecord) {
	if rec.Console != "" {
		c.out.Note("")
		c.out.Info(c.out.Bold("Console:"))
		c.out.Plain(rec.Console)
	}
	c.out.Note("")
	c.out.Info(c.out.Bold("Results:"))
	c.out.Record(rec, false)
}
