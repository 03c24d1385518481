package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/assertedio/asrtd/internal/config"
	"github.com/assertedio/asrtd/internal/packer"
	"github.com/assertedio/asrtd/internal/routineconfig"
	"github.com/assertedio/asrtd/pkg/client"
)

// createProjectsCommand creates the projects subcommand
func createProjectsCommand(c *command, projectsFlags *ProjectsFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "projects",
		Short: "List projects",
		Long: `List the projects the stored API key can access.

Examples:
  asrtd projects
  asrtd projects --set-default=<project id>   # Used by 'asrtd list'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Projects(cmd.Context(), ProjectsFlags{SetDefault: projectsFlags.SetDefault})
		},
	}
	cmd.Flags().StringVar(&projectsFlags.SetDefault, "set-default", "", "store a default project id")
	return cmd
}

// createInitCommand creates the init subcommand
func createInitCommand(c *command, initFlags *InitFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a routine for the current directory",
		Long: `Create a routine on the service and write its config to
.asserted/routine.json. The project defaults to the stored default project.

An existing routine.json is only replaced with --merge, which keeps its mocha
and dependency settings and gives it the id of the new routine.

Examples:
  asrtd init --project=<project id>
  asrtd init --name=checkout --interval-unit=hr --interval-value=2
  asrtd init --merge`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Init(cmd.Context(), InitFlags{
				Name:          initFlags.Name,
				Description:   initFlags.Description,
				ProjectID:     initFlags.ProjectID,
				IntervalUnit:  initFlags.IntervalUnit,
				IntervalValue: initFlags.IntervalValue,
				Merge:         initFlags.Merge,
			})
		},
	}
	cmd.Flags().StringVar(&initFlags.Name, "name", "", "routine name (defaults to the directory name)")
	cmd.Flags().StringVar(&initFlags.Description, "description", "", "routine description")
	cmd.Flags().StringVar(&initFlags.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&initFlags.IntervalUnit, "interval-unit", "", "interval unit: min, hr or day (default min)")
	cmd.Flags().IntVar(&initFlags.IntervalValue, "interval-value", 0, "interval value (defaults to 5 for min, otherwise 1)")
	cmd.Flags().BoolVar(&initFlags.Merge, "merge", false, "give an existing routine.json a new routine id")
	return cmd
}

// createListCommand creates the list subcommand
func createListCommand(c *command, listFlags *ListFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List routines",
		Long: `List routines and their status. The project defaults to the stored default
project, then to the project of the local routine. Without either, routines of
all projects are listed.

Examples:
  asrtd list
  asrtd list --project=<project id>`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.List(cmd.Context(), ListFlags{ProjectID: listFlags.ProjectID})
		},
	}
	cmd.Flags().StringVar(&listFlags.ProjectID, "project", "", "project id")
	return cmd
}

// createEnableCommand creates the enable subcommand
func createEnableCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "enable [routine-id]",
		Short: "Enable a routine",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Enable(cmd.Context(), args)
		},
	}
}

// createDisableCommand creates the disable subcommand
func createDisableCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "disable [routine-id]",
		Short: "Disable a routine",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Disable(cmd.Context(), args)
		},
	}
}

// createRemoveCommand creates the remove subcommand
func createRemoveCommand(c *command, removeFlags *RemoveFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove [routine-id]",
		Short: "Remove a routine",
		Long: `Remove a routine and its records from the service. The local .asserted
directory is left untouched.

Examples:
  asrtd remove --force
  asrtd remove rt-123 --force`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Remove(cmd.Context(), args, RemoveFlags{Force: removeFlags.Force})
		},
	}
	cmd.Flags().BoolVarP(&removeFlags.Force, "force", "f", false, "confirm removal")
	return cmd
}

// createPushCommand creates the push subcommand
func createPushCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "push",
		Short: "Push the local routine",
		Long: `Pack the .asserted directory and upload it as the new version of the
routine in routine.json. The pushed version runs on the routine's interval.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Push(cmd.Context())
		},
	}
}

// Projects lists projects, optionally storing a default
func (c *command) Projects(ctx context.Context, f ProjectsFlags) error {
	if f.SetDefault != "" {
		if err := c.global.SetDefaultProject(f.SetDefault); err != nil {
			return fmt.Errorf("failed to save default project: %w", err)
		}
		c.out.Success(fmt.Sprintf("Default project set to %s", f.SetDefault))
		return nil
	}
	projects, err := c.api.ListProjects(ctx)
	if err != nil {
		return err
	}
	c.out.Projects(projects)
	return nil
}

// Init creates a routine and writes its local config
func (c *command) Init(ctx context.Context, f InitFlags) error {
	if c.global.APIKey() == "" {
		return errors.New("not logged in: run 'asrtd login' first")
	}

	routine := routineconfig.Default()
	existing, err := routineconfig.Read(c.cfg.Dir)
	switch {
	case errors.Is(err, routineconfig.ErrNotFound):
	case err != nil && !f.Merge:
		return err
	case err != nil:
		// A broken config is replaced wholesale when merging.
		c.logger.Warn("existing routine config unreadable, replacing it", "error", err)
	case !f.Merge:
		return fmt.Errorf("%s already exists, pass --merge to give it a new routine id", routineconfig.Path(c.cfg.Dir))
	default:
		routine = *existing
	}

	projectID := f.ProjectID
	if projectID == "" {
		projectID = c.global.DefaultProject()
	}
	if projectID == "" {
		projectID = routine.ProjectID
	}
	if projectID == "" {
		return errors.New("project ID required: pass --project or run 'asrtd projects --set-default=<project id>'")
	}

	create := client.CreateRoutine{
		ProjectID:   projectID,
		Name:        f.Name,
		Description: f.Description,
		Interval:    routine.Interval,
	}
	if create.Name == "" {
		create.Name = routine.Name
	}
	if create.Name == "" {
		create.Name = filepath.Base(filepath.Dir(c.cfg.Dir))
	}
	if create.Description == "" {
		create.Description = routine.Description
	}
	if f.IntervalUnit != "" || f.IntervalValue != 0 {
		create.Interval = client.Interval{Unit: f.IntervalUnit, Value: f.IntervalValue}
		if create.Interval.Unit == "" {
			create.Interval.Unit = routine.Interval.Unit
		}
		if create.Interval.Value == 0 {
			create.Interval.Value = defaultIntervalValue(create.Interval.Unit)
		}
	}
	routine.Name = create.Name
	routine.Description = create.Description
	routine.Interval = create.Interval
	if err := routine.Validate(); err != nil {
		return err
	}

	created, err := c.api.CreateRoutine(ctx, create)
	if err != nil {
		return err
	}
	routine.ID = created.ID
	routine.ProjectID = projectID
	if created.ProjectID != "" {
		routine.ProjectID = created.ProjectID
	}
	if err := routineconfig.Write(c.cfg.Dir, routine); err != nil {
		return fmt.Errorf("failed to write routine config: %w", err)
	}
	if err := writeGitignore(c.cfg.Dir); err != nil {
		return err
	}

	c.out.Success(fmt.Sprintf("Created routine %s and wrote config to %s/%s", routine.ID, config.RoutineDirName, routineconfig.FileName))
	c.out.Info("Use 'asrtd run --online' to try the tests, then 'asrtd push' to run them on the interval")
	c.out.Info("Configure notifications in the routine settings: " + c.settingsURL(routine.ID))
	return nil
}

func defaultIntervalValue(unit string) int {
	if unit == "min" {
		return 5
	}
	return 1
}

// settingsURL links to the routine's settings page in the web app.
func (c *command) settingsURL(routineID string) string {
	return strings.TrimRight(c.cfg.AppHost, "/") + "/routines/" + routineID + "/settings"
}

// writeGitignore keeps installed dependencies out of version control. An
// existing file is left alone.
func writeGitignore(dir string) error {
	path := filepath.Join(dir, ".gitignore")
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.WriteFile(path, []byte("node_modules\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// List prints the routines of a project
func (c *command) List(ctx context.Context, f ListFlags) error {
	projectID := f.ProjectID
	if projectID == "" {
		projectID = c.global.DefaultProject()
	}
	if projectID == "" {
		if routine, err := routineconfig.Read(c.cfg.Dir); err == nil {
			projectID = routine.ProjectID
		}
	}
	c.logger.Debug("listing routines", "project", projectID)

	routines, err := c.api.ListRoutines(ctx, projectID)
	if err != nil {
		return err
	}
	if len(routines) == 0 {
		c.out.Info("No routines found")
		return nil
	}
	c.out.Routines(routines)
	return nil
}

func (c *command) Enable(ctx context.Context, args []string) error {
	id, err := c.routineID(args)
	if err != nil {
		return err
	}
	if err := c.api.EnableRoutine(ctx, id); err != nil {
		return err
	}
	c.out.Success(fmt.Sprintf("Routine %s enabled", id))
	return nil
}

func (c *command) Disable(ctx context.Context, args []string) error {
	id, err := c.routineID(args)
	if err != nil {
		return err
	}
	if err := c.api.DisableRoutine(ctx, id); err != nil {
		return err
	}
	c.out.Success(fmt.Sprintf("Routine %s disabled", id))
	return nil
}

// Remove deletes a routine. There is no prompt, so --force is required.
func (c *command) Remove(ctx context.Context, args []string, f RemoveFlags) error {
	id, err := c.routineID(args)
	if err != nil {
		return err
	}
	if !f.Force {
		return fmt.Errorf("refusing to remove routine %s without --force", id)
	}
	if err := c.api.RemoveRoutine(ctx, id); err != nil {
		return err
	}
	c.out.Success(fmt.Sprintf("Routine %s removed", id))
	return nil
}

// Push uploads the local routine
func (c *command) Push(ctx context.Context) error {
	routine, err := routineconfig.Read(c.cfg.Dir)
	if err != nil {
		return err
	}
	if routine.ID == "" {
		return errors.New("routine.json has no routine id")
	}
	pkg, deps, err := c.pack(*routine)
	if err != nil {
		return err
	}

	err = c.api.PushRoutine(ctx, routine.ID, client.UpdateRoutine{
		Name:         routine.Name,
		Description:  routine.Description,
		Interval:     routine.Interval,
		Mocha:        routine.Mocha,
		TimeoutSec:   routine.TimeoutSec,
		Package:      pkg.Encoded,
		Dependencies: deps,
	})
	if err != nil {
		return err
	}
	c.out.Success(fmt.Sprintf("Routine %s updated", routine.ID))
	return nil
}

// pack archives the routine directory and prints its summary.
func (c *command) pack(routine routineconfig.Routine) (*packer.Package, client.Dependencies, error) {
	pkg, err := packer.Pack(c.cfg.Dir)
	if err != nil {
		return nil, client.Dependencies{}, err
	}
	c.out.Info(fmt.Sprintf("Packed %s", pkg.Summary))
	for _, f := range pkg.Summary.Files {
		c.logger.Debug("packed file", "path", f.Path, "bytes", f.Size)
	}
	deps, err := pkg.Dependencies(routine.Dependencies)
	if err != nil {
		return nil, client.Dependencies{}, err
	}
	return pkg, deps, nil
}
