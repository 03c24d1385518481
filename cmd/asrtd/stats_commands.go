package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/assertedio/asrtd/internal/feedback"
	"github.com/assertedio/asrtd/internal/routineconfig"
	"github.com/assertedio/asrtd/pkg/client"
)

// statusConcurrency bounds the status requests of 'status --all'.
const statusConcurrency = 4

// defaultTimelineRange is how far back timeline looks without --start.
const defaultTimelineRange = 24 * time.Hour

// createStatusCommand creates the status subcommand
func createStatusCommand(c *command, statusFlags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [routine-id]",
		Short: "Show the status and uptime of routines",
		Long: `Show the current status, next run and uptime of a routine, or of every
routine in a project with --all.

Examples:
  asrtd status
  asrtd status rt-123
  asrtd status --all --project=<project id>`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context(), args, StatusFlags{
				ProjectID: statusFlags.ProjectID,
				All:       statusFlags.All,
			})
		},
	}
	cmd.Flags().StringVar(&statusFlags.ProjectID, "project", "", "project id for --all")
	cmd.Flags().BoolVar(&statusFlags.All, "all", false, "show every routine in the project")
	return cmd
}

// createTimelineCommand creates the timeline subcommand
func createTimelineCommand(c *command, timelineFlags *TimelineFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "timeline [routine-id]",
		Short: "Show the status changes of a routine",
		Long: `Show when a routine went up, down or impaired. Without --start the last
24 hours are shown.

Examples:
  asrtd timeline
  asrtd timeline rt-123 --start=2024-01-01T00:00:00Z --limit=50`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Timeline(cmd.Context(), args, TimelineFlags{PageFlags: timelineFlags.PageFlags})
		},
	}
	addPageFlags(cmd, &timelineFlags.PageFlags, "events")
	return cmd
}

// createPlanCommand creates the plan subcommand and its children
func createPlanCommand(c *command, planFlags *PlanFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show project plans",
		Args:  cobra.NoArgs,
	}
	current := &cobra.Command{
		Use:   "current",
		Short: "Show the plan and limits of a project",
		Long: `Show the plan, payment status and monthly limits of a project. The project
defaults to the stored default project, then to the project of the local
routine.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.PlanCurrent(cmd.Context(), PlanFlags{ProjectID: planFlags.ProjectID})
		},
	}
	current.Flags().StringVar(&planFlags.ProjectID, "project", "", "project id")
	cmd.AddCommand(current)
	return cmd
}

// projectID resolves the project from the flag, the stored default and the
// local routine, in that order.
func (c *command) projectID(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if id := c.global.DefaultProject(); id != "" {
		return id, nil
	}
	if routine, err := routineconfig.Read(c.cfg.Dir); err == nil && routine.ProjectID != "" {
		return routine.ProjectID, nil
	}
	return "", errors.New("project ID required: pass --project or run 'asrtd projects --set-default=<project id>'")
}

// Status prints the status of one routine or all routines of a project
func (c *command) Status(ctx context.Context, args []string, f StatusFlags) error {
	var ids []string
	if f.All {
		if len(args) > 0 {
			return errors.New("--all takes no routine id")
		}
		projectID, err := c.projectID(f.ProjectID)
		if err != nil {
			return err
		}
		routines, err := c.api.ListRoutines(ctx, projectID)
		if err != nil {
			return err
		}
		for _, r := range routines {
			ids = append(ids, r.ID)
		}
		if len(ids) == 0 {
			c.out.Info("No routines found")
			return nil
		}
	} else {
		id, err := c.routineID(args)
		if err != nil {
			return err
		}
		ids = []string{id}
	}

	statuses := make([]feedback.RoutineStatus, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(statusConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			st, err := c.api.RoutineStatus(gctx, id)
			if err != nil {
				return fmt.Errorf("routine %s: %w", id, err)
			}
			statuses[i] = feedback.RoutineStatus{ID: id, Status: st}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	c.out.Statuses(statuses)
	return nil
}

// Timeline prints a page of a routine's status changes
func (c *command) Timeline(ctx context.Context, args []string, f TimelineFlags) error {
	id, err := c.routineID(args)
	if err != nil {
		return err
	}
	search, err := f.search()
	if err != nil {
		return err
	}
	if search.Start == nil {
		start := time.Now().Add(-defaultTimelineRange)
		search.Start = &start
	}

	list, err := c.api.Timeline(ctx, id, search)
	if err != nil {
		return err
	}
	c.out.Timeline(list)
	return nil
}

// PlanCurrent prints the plan of a project
func (c *command) PlanCurrent(ctx context.Context, f PlanFlags) error {
	projectID, err := c.projectID(f.ProjectID)
	if err != nil {
		return err
	}

	var (
		project *client.Project
		plans   []client.Plan
		billing *client.ProjectPlan
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		project, err = c.api.GetProject(gctx, projectID)
		return err
	})
	g.Go(func() (err error) {
		plans, err = c.api.ListPlans(gctx)
		return err
	})
	g.Go(func() (err error) {
		billing, err = c.api.GetProjectPlan(gctx, projectID)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	for _, plan := range plans {
		if plan.ID == billing.PlanID {
			c.out.Plan(project, plan, billing)
			return nil
		}
	}
	return fmt.Errorf("unknown plan %q for project %s", billing.PlanID, projectID)
}
