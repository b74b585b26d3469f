package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/ngld/buildsys/pkg"
	"github.com/ngld/buildsys/pkg/buildsys"
)

var watchCmd = &cobra.Command{
	Use:   "watch <target> [name=value...]",
	Short: "Run a task whenever its inputs change",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		debounce, err := cmd.Flags().GetDuration("debounce")
		if err != nil {
			return err
		}

		targets, options := splitArgs(args)
		if len(targets) != 1 {
			return cmd.Usage()
		}

		s, err := newSession(cmd)
		if err != nil {
			return err
		}
		defer s.close()

		tasks, err := s.loadTasks(options)
		if err != nil {
			return err
		}

		pkg.PrintTask("Watching " + targets[0] + ", press Ctrl+C to stop")
		return buildsys.Watch(s.ctx, s.root, targets[0], tasks, buildsys.WatchOptions{
			RunOptions: buildsys.RunOptions{
				Stdout: s.stdout,
				Stderr: s.stderr,
			},
			Paths:    []string{s.taskFile()},
			Debounce: debounce,
			Reload: func() (buildsys.TaskList, error) {
				return s.loadTasks(options)
			},
			AfterRun: func(err error) {
				if err != nil {
					pkg.PrintError(targets[0] + " failed, waiting for changes")
				} else {
					pkg.PrintSubtask(targets[0] + " done, waiting for changes")
				}
			},
		})
	},
}

func init() {
	watchCmd.Flags().Duration("debounce", 300*time.Millisecond, "time to wait after the last change before running the task")

	rootCmd.AddCommand(watchCmd)
}
