package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/assertedio/asrtd/internal/debugrun"
	"github.com/assertedio/asrtd/internal/routineconfig"
	"github.com/assertedio/asrtd/pkg/client"
)

// createRunCommand creates the run subcommand
func createRunCommand(c *command, runFlags *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run (--online | --pushed [routine-id])",
		Short: "Run a routine once",
		Long: `Run a routine once and show the result.

--online uploads the local .asserted directory and runs it without replacing
the pushed version. When an API key is stored, completion is awaited on the
push channel; otherwise the request blocks until the run finishes.
--pushed runs the version already pushed. Neither run is added to the
routine's records.

Examples:
  asrtd run --online
  asrtd run --online --files="checkout.asrtd.js" --no-bail
  asrtd run --pushed rt-123`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := RunFlags{
				Online: runFlags.Online,
				Pushed: runFlags.Pushed,
				Files:  runFlags.Files,
				Ignore: runFlags.Ignore,
				NoBail: runFlags.NoBail,
			}
			switch {
			case f.Pushed:
				return c.RunPushed(cmd.Context(), args)
			case f.Online:
				if len(args) > 0 {
					return errors.New("--online runs the local routine and takes no routine id")
				}
				return c.RunOnline(cmd.Context(), f)
			default:
				return errors.New("local runs are not supported, use --online or --pushed")
			}
		},
	}
	cmd.Flags().BoolVar(&runFlags.Online, "online", false, "run the local routine on the service")
	cmd.Flags().BoolVar(&runFlags.Pushed, "pushed", false, "run the pushed version of a routine")
	cmd.Flags().StringSliceVar(&runFlags.Files, "files", nil, "override mocha files globs")
	cmd.Flags().StringSliceVar(&runFlags.Ignore, "ignore", nil, "override mocha ignore globs")
	cmd.Flags().BoolVar(&runFlags.NoBail, "no-bail", false, "run all tests even after a failure")
	cmd.MarkFlagsMutuallyExclusive("online", "pushed")
	return cmd
}

// createRecordsCommand creates the records subcommand
func createRecordsCommand(c *command, recordsFlags *RecordsFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records [routine-id]",
		Short: "List the records of a routine",
		Long: `List the most recent records of a routine. Consecutive passes are folded
into one row unless --show-passes is set.

Examples:
  asrtd records
  asrtd records rt-123 --show-passes
  asrtd records --start=2024-01-01T00:00:00Z --end=2024-01-02T00:00:00Z
  asrtd records --next-after=2024-01-02T15:04:05Z`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Records(cmd.Context(), args, RecordsFlags{
				PageFlags:  recordsFlags.PageFlags,
				ShowPasses: recordsFlags.ShowPasses,
			})
		},
	}
	cmd.Flags().BoolVar(&recordsFlags.ShowPasses, "show-passes", false, "show every passed record")
	addPageFlags(cmd, &recordsFlags.PageFlags, "records")
	return cmd
}

// addPageFlags registers the range and paging flags shared by records and
// timeline.
func addPageFlags(cmd *cobra.Command, f *PageFlags, noun string) {
	cmd.Flags().StringVar(&f.Start, "start", "", "only "+noun+" after this RFC 3339 time")
	cmd.Flags().StringVar(&f.End, "end", "", "only "+noun+" before this RFC 3339 time")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum number of "+noun)
	cmd.Flags().StringVar(&f.PrevBefore, "prev-before", "", "previous page, RFC 3339 time")
	cmd.Flags().StringVar(&f.NextAfter, "next-after", "", "next page, RFC 3339 time")
	cmd.MarkFlagsMutuallyExclusive("prev-before", "next-after")
}

// createRecordCommand creates the record subcommand
func createRecordCommand(c *command, recordFlags *RecordFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record <record-id>",
		Short: "Show a single record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Record(cmd.Context(), args[0], RecordFlags{
				RoutineID:    recordFlags.RoutineID,
				ExcludeHooks: recordFlags.ExcludeHooks,
			})
		},
	}
	cmd.Flags().StringVar(&recordFlags.RoutineID, "routine", "", "routine id (defaults to the local routine)")
	cmd.Flags().BoolVar(&recordFlags.ExcludeHooks, "exclude-hooks", false, "hide mocha hooks in the timings table")
	return cmd
}

// RunOnline packs the local routine and runs it once on the service
func (c *command) RunOnline(ctx context.Context, f RunFlags) error {
	routine, err := routineconfig.Read(c.cfg.Dir)
	if err != nil {
		return err
	}
	overrides := routineconfig.MochaOverrides{Files: f.Files, Ignore: f.Ignore}
	if f.NoBail {
		bail := false
		overrides.Bail = &bail
	}
	withMocha := routine.WithMocha(overrides)

	c.out.Info("NOTE: " + c.out.Yellow("Online runs may be rate limited"))
	pkg, deps, err := c.pack(withMocha)
	if err != nil {
		return err
	}
	c.out.Note("")

	w, err := c.newWaiter()
	if err != nil {
		return err
	}
	runner := debugrun.New(c.api, w, debugrun.Options{
		BuildTimeout: c.cfg.BuildTimeout,
		RunTimeout:   c.cfg.RunTimeout,
		Progress:     c.out,
		Logger:       c.logger,
	})
	rec, err := runner.Debug(ctx, client.DebugRun{
		Package:      pkg.Encoded,
		Mocha:        withMocha.Mocha,
		Dependencies: deps,
		TimeoutSec:   withMocha.TimeoutSec,
	})
	if err != nil {
		return err
	}

	c.showResult(rec)
	c.out.Success("Online run complete")
	return nil
}

// RunPushed runs the pushed version of a routine
func (c *command) RunPushed(ctx context.Context, args []string) error {
	id, err := c.routineID(args)
	if err != nil {
		return err
	}
	c.out.Info(fmt.Sprintf("Immediately running pushed version of routine ID: %s", id))
	c.out.Info("NOTE: " + c.out.Yellow("This run is not added to records and will not trigger notifications"))

	rec, err := c.api.RunImmediate(ctx, id)
	if err != nil {
		return err
	}
	c.showResult(rec)
	c.out.Success("Immediate run complete")
	return nil
}

// Records prints a page of a routine's records
func (c *command) Records(ctx context.Context, args []string, f RecordsFlags) error {
	id, err := c.routineID(args)
	if err != nil {
		return err
	}
	search, err := f.search()
	if err != nil {
		return err
	}

	list, err := c.api.SearchRecords(ctx, id, search)
	if err != nil {
		return err
	}
	c.out.Records(list, f.ShowPasses)
	return nil
}

// Record prints a single record
func (c *command) Record(ctx context.Context, recordID string, f RecordFlags) error {
	var args []string
	if f.RoutineID != "" {
		args = []string{f.RoutineID}
	}
	routineID, err := c.routineID(args)
	if err != nil {
		return err
	}
	rec, err := c.api.GetRecord(ctx, routineID, recordID)
	if err != nil {
		return err
	}
	c.out.Record(rec, f.ExcludeHooks)
	return nil
}

// search builds the API search from the page flags.
func (f PageFlags) search() (client.Search, error) {
	s := client.Search{Limit: f.Limit}
	var err error
	if s.Start, err = parseTimeFlag("start", f.Start); err != nil {
		return s, err
	}
	if s.End, err = parseTimeFlag("end", f.End); err != nil {
		return s, err
	}
	if s.Start != nil && s.End != nil && !s.Start.Before(*s.End) {
		return s, errors.New("--start must be before --end")
	}
	if s.Before, err = parseTimeFlag("prev-before", f.PrevBefore); err != nil {
		return s, err
	}
	if s.After, err = parseTimeFlag("next-after", f.NextAfter); err != nil {
		return s, err
	}
	return s, nil
}

func parseTimeFlag(name, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", name, err)
	}
	return &t, nil
}
