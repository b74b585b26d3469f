package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"

	"github.com/mitchellh/colorstring"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/ngld/buildsys/pkg/buildsys"
	"github.com/ngld/buildsys/pkg/runlog"
)

var rootCmd = &cobra.Command{
	Use:   "task [targets...] [name=value...]",
	Short: "Task runner and local CI",
	Long: `This command parses the first tasks.star file it finds and executes the given tasks in order.
Arguments of the form name=value override the options declared in the task file.
Without targets, the available tasks are listed.`,
	Args:          cobra.ArbitraryArgs,
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, err := cmd.Flags().GetBool("dry")
		if err != nil {
			return err
		}

		force, err := cmd.Flags().GetBool("force")
		if err != nil {
			return err
		}

		junitPath, err := cmd.Flags().GetString("junit")
		if err != nil {
			return err
		}

		targets, options := splitArgs(args)

		s, err := newSession(cmd)
		if err != nil {
			return err
		}
		defer s.close()

		tasks, err := s.loadTasks(options)
		if err != nil {
			return eris.Wrap(err, "failed to parse tasks")
		}

		if len(targets) == 0 {
			printTaskList(cmd.OutOrStdout(), tasks)
			return nil
		}

		return s.record("task", strings.Join(targets, " "), "", -1, junitPath, func(ctx context.Context, observer runlog.Observer) error {
			return buildsys.Run(ctx, s.root, targets, tasks, buildsys.RunOptions{
				DryRun:   dryRun,
				Force:    force,
				Observer: observer,
				Stdout:   s.stdout,
				Stderr:   s.stderr,
			})
		})
	},
}

// splitArgs separates task names from name=value option overrides.
func splitArgs(args []string) (targets []string, options map[string]string) {
	targets = make([]string, 0)
	options = make(map[string]string)

	for _, part := range args {
		pos := strings.Index(part, "=")
		if pos > -1 {
			options[part[:pos]] = part[pos+1:]
		} else {
			targets = append(targets, part)
		}
	}
	return targets, options
}

func printTaskList(out io.Writer, tasks buildsys.TaskList) {
	fmt.Fprintln(out, "Available tasks:")

	names := tasks.Visible()
	sort.Strings(names)

	maxNameLen := 0
	for _, name := range names {
		if len(name) > maxNameLen {
			maxNameLen = len(name)
		}
	}

	lineFmt := fmt.Sprintf(" * %%-%ds %%s\n", maxNameLen+3)
	for _, name := range names {
		fmt.Fprintf(out, lineFmt, name+":", tasks[name].Desc)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "show debug messages")
	rootCmd.PersistentFlags().Bool("progress", false, "show a progress bar (never shown when CI=true)")

	rootCmd.Flags().BoolP("dry", "n", false, "dry run; only print the commands, don't execute anything")
	rootCmd.Flags().BoolP("force", "f", false, "force build; always execute the passed steps even if they don't have to run")
	rootCmd.Flags().String("junit", "", "write a JUnit report of the run to this file")
}

// Execute runs the CLI and returns the process exit status.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}

	colorstring.Fprintf(os.Stderr, "[red][bold]Error:[reset] %s\n", eris.ToString(err, debugEnabled()))
	return 1
}
