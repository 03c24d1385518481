// Package debugrun executes a routine online and returns its completed
// record. With a push channel it submits the run asynchronously and waits
// for the completion events; without one it falls back to the blocking
// request.
package debugrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/assertedio/asrtd/internal/waiter"
	"github.com/assertedio/asrtd/pkg/client"
)

const (
	DefaultBuildTimeout = 5 * time.Minute
	DefaultRunTimeout   = 5 * time.Minute
)

var (
	ErrBuildTimeout = errors.New("build failed to report status in time")
	ErrRunTimeout   = errors.New("timed out waiting for run to complete")
	ErrNoResult     = errors.New("could not find result of run")
)

// BuildError reports a custom dependency build that finished with console
// output.
type BuildError struct {
	Console string
}

func (e *BuildError) Error() string { return "build failed: " + e.Console }

// API is the subset of the HTTP client used for debug runs.
type API interface {
	Debug(ctx context.Context, run client.DebugRun) (*client.CompletedRunRecord, error)
	DebugAsync(ctx context.Context, run client.DebugRun) (*client.DebugAsyncResponse, error)
	GetDebugRecord(ctx context.Context, recordID string) (*client.CompletedRunRecord, error)
}

// Waiter is the completion waiter as used by Runner.
type Waiter interface {
	EnsureConnection(ctx context.Context) bool
	WaitFor(cat waiter.Category) (*waiter.Wait, error)
	MarkSeen(cat waiter.Category, key string) error
	Disconnect()
}

// Progress receives human readable status lines.
type Progress interface {
	Note(s string)
	Success(s string)
}

type Options struct {
	BuildTimeout time.Duration
	RunTimeout   time.Duration
	Progress     Progress
	Logger       *slog.Logger
}

// Runner drives debug runs.
type Runner struct {
	api          API
	waiter       Waiter
	buildTimeout time.Duration
	runTimeout   time.Duration
	progress     Progress
	logger       *slog.Logger
}

func New(api API, w Waiter, opts Options) *Runner {
	if opts.BuildTimeout <= 0 {
		opts.BuildTimeout = DefaultBuildTimeout
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = DefaultRunTimeout
	}
	if opts.Progress == nil {
		opts.Progress = discard{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{
		api:          api,
		waiter:       w,
		buildTimeout: opts.BuildTimeout,
		runTimeout:   opts.RunTimeout,
		progress:     opts.Progress,
		logger:       opts.Logger.With("component", "debugrun"),
	}
}

// Debug executes run online and returns the completed record. The push
// channel is always disconnected before Debug returns.
func (r *Runner) Debug(ctx context.Context, run client.DebugRun) (*client.CompletedRunRecord, error) {
	defer r.waiter.Disconnect()

	if !r.waiter.EnsureConnection(ctx) {
		r.logger.Debug("no push channel, running synchronously")
		r.progress.Note("Running routine online...")
		rec, err := r.api.Debug(ctx, run)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, ErrNoResult
		}
		return rec, nil
	}
	return r.runAsync(ctx, run)
}

func (r *Runner) runAsync(ctx context.Context, run client.DebugRun) (*client.CompletedRunRecord, error) {
	// Listeners go up before the request so no completion can be missed.
	runWait, err := r.waiter.WaitFor(waiter.CategoryRun)
	if err != nil {
		return nil, err
	}
	defer runWait.Cancel()

	var buildWait *waiter.Wait
	if run.Dependencies.IsCustom() {
		if buildWait, err = r.waiter.WaitFor(waiter.CategoryBuild); err != nil {
			return nil, err
		}
		defer buildWait.Cancel()
	}

	r.progress.Note("Running routine online...")
	resp, err := r.api.DebugAsync(ctx, run)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("debug run accepted", "record_id", resp.RecordID,
		"cached_dependencies", resp.CachedDependencies, "build_id", resp.Dependencies)
	if err := r.waiter.MarkSeen(waiter.CategoryRun, resp.RecordID); err != nil {
		return nil, err
	}

	switch {
	case buildWait != nil && !resp.CachedDependencies:
		if err := r.awaitBuild(ctx, buildWait, resp.Dependencies); err != nil {
			return nil, err
		}
	case buildWait != nil:
		buildWait.Cancel()
		r.progress.Success("Using cached custom dependencies")
	default:
		r.progress.Success("Using fixed dependencies")
	}

	r.progress.Note("Waiting for run to complete...")
	if _, err := await(ctx, runWait, r.runTimeout, ErrRunTimeout); err != nil {
		return nil, err
	}

	rec, err := r.api.GetDebugRecord(ctx, resp.RecordID)
	if err != nil {
		return nil, fmt.Errorf("fetch run result: %w", err)
	}
	if rec == nil {
		return nil, ErrNoResult
	}
	return rec, nil
}

func (r *Runner) awaitBuild(ctx context.Context, wait *waiter.Wait, buildID string) error {
	if buildID == "" {
		return errors.New("custom dependencies not cached but no build id returned")
	}
	r.progress.Note("Building custom dependencies (may take a minute)...")
	if err := r.waiter.MarkSeen(waiter.CategoryBuild, buildID); err != nil {
		return err
	}
	ev, err := await(ctx, wait, r.buildTimeout, ErrBuildTimeout)
	if err != nil {
		return err
	}
	if ev.Console != "" {
		return &BuildError{Console: ev.Console}
	}
	r.progress.Success("Built custom dependencies")
	return nil
}

// await waits up to timeout, returning onTimeout when the timeout rather
// than ctx ended the wait.
func await(ctx context.Context, wait *waiter.Wait, timeout time.Duration, onTimeout error) (waiter.Event, error) {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ev, err := wait.Await(tctx)
	if err != nil {
		if ctx.Err() != nil {
			return waiter.Event{}, ctx.Err()
		}
		return waiter.Event{}, onTimeout
	}
	return ev, nil
}

type discard struct{}

func (discard) Note(string)    {}
func (discard) Success(string) {}
