package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// environment is what the command tree needs from the process.
type environment struct {
	Stdin    io.Reader
	Stdout   io.Writer
	Stderr   io.Writer
	WorkDir  string // routine lookup, defaults to the process working directory
	HomeDir  string // global config lookup, defaults to the user's home
	Registry *prometheus.Registry
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], environment{
		Stdin:    os.Stdin,
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
		Registry: prometheus.NewRegistry(),
	})
	stop()
	os.Exit(code)
}

// run executes args and returns the process exit code.
func run(ctx context.Context, args []string, env environment) int {
	root, teardown := buildRoot(env)
	defer teardown()
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintf(env.Stderr, "Error: %s\n", err)
		return 1
	}
	return 0
}

// GlobalFlags holds the persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
	Verbose    bool
	NoColor    bool
}

// buildRoot creates the command tree bound to env. The returned func
// releases what the commands opened and must run after Execute.
func buildRoot(env environment) (*cobra.Command, func()) {
	globalFlags := &GlobalFlags{}
	asrtdCommand := &command{env: env, flags: globalFlags}

	root := createRootCommand(asrtdCommand, globalFlags)
	root.SetIn(env.Stdin)
	root.SetOut(env.Stdout)
	root.SetErr(env.Stderr)

	root.AddCommand(
		createLoginCommand(asrtdCommand, &LoginFlags{}),
		createLogoutCommand(asrtdCommand),
		createProjectsCommand(asrtdCommand, &ProjectsFlags{}),
		createInitCommand(asrtdCommand, &InitFlags{}),
		createListCommand(asrtdCommand, &ListFlags{}),
		createEnableCommand(asrtdCommand),
		createDisableCommand(asrtdCommand),
		createRemoveCommand(asrtdCommand, &RemoveFlags{}),
		createPushCommand(asrtdCommand),
		createRunCommand(asrtdCommand, &RunFlags{}),
		createRecordsCommand(asrtdCommand, &RecordsFlags{}),
		createRecordCommand(asrtdCommand, &RecordFlags{}),
		createStatusCommand(asrtdCommand, &StatusFlags{}),
		createTimelineCommand(asrtdCommand, &TimelineFlags{}),
		createPlanCommand(asrtdCommand, &PlanFlags{}),
	)
	return root, asrtdCommand.teardown
}

// createRootCommand creates the root command with the persistent flags
func createRootCommand(c *command, flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "asrtd",
		Short: "Manage and run asserted.io routines",
		Long: `asrtd pushes routines (scheduled mocha test suites) to asserted.io,
runs them online and shows their records.

Examples:
  asrtd login --key=<api key>
  asrtd init --project=<project id> # Create a routine and write .asserted/routine.json
  asrtd push                        # Upload .asserted/ as the routine's new version
  asrtd run --online                # Run the local routine once on the service
  asrtd records --show-passes
  asrtd status --all`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup()
		},
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to a config file (optional, any format viper reads)")
	root.PersistentFlags().BoolVarP(&flags.Verbose, "verbose", "v", false, "log debug output to stderr")
	root.PersistentFlags().BoolVar(&flags.NoColor, "no-color", false, "disable colored output")

	return root
}
