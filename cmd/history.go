package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/mitchellh/colorstring"
	"github.com/spf13/cobra"

	"github.com/ngld/buildsys/pkg"
	"github.com/ngld/buildsys/pkg/history"
	"github.com/ngld/buildsys/pkg/runlog"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect previous runs",
}

var statusColors = map[runlog.Status]string{
	runlog.StatusPassed:    "[green]",
	runlog.StatusFailed:    "[red]",
	runlog.StatusSkipped:   "[dark_gray]",
	runlog.StatusCancelled: "[yellow]",
}

func colorStatus(status runlog.Status) string {
	return colorstring.Color(fmt.Sprintf("%s%-9s[reset]", statusColors[status], status))
}

func withHistory(cmd *cobra.Command, callback func(s *session, store *history.Store) error) error {
	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	store, err := s.openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	return callback(s, store)
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the most recent runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, err := cmd.Flags().GetInt("limit")
		if err != nil {
			return err
		}

		return withHistory(cmd, func(s *session, store *history.Store) error {
			records, err := store.List(limit)
			if err != nil {
				return err
			}

			for _, record := range records {
				fmt.Fprintf(s.stdout, "%s %s  %-19s  %-8s  %-9s %s\n",
					colorStatus(record.Status),
					record.ID,
					record.Started.Local().Format("2006-01-02 15:04:05"),
					record.Kind,
					record.Duration.Round(time.Millisecond),
					record.Name,
				)
			}
			return nil
		})
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show the steps of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withHistory(cmd, func(s *session, store *history.Store) error {
			record, err := store.Get(args[0])
			if err != nil {
				return err
			}

			pkg.PrintTask(fmt.Sprintf("%s %s (%s)", record.Kind, record.Name, record.ID))
			if record.Trigger != "" {
				fmt.Fprintf(s.stdout, "Trigger:   %s\n", record.Trigger)
			}
			fmt.Fprintf(s.stdout, "Started:   %s\n", record.Started.Local().Format(time.RFC1123))
			fmt.Fprintf(s.stdout, "Duration:  %s\n", record.Duration.Round(time.Millisecond))
			fmt.Fprintf(s.stdout, "Status:    %s exit status %d\n\n", colorStatus(record.Status), record.ExitCode)

			for _, step := range record.Steps {
				line := fmt.Sprintf("%s %s: %s", colorStatus(step.Status), step.Group, step.Name)
				switch {
				case step.Status == runlog.StatusFailed:
					line += " (exit status " + strconv.Itoa(step.ExitCode) + ")"
					if step.Tolerated {
						line += ", ignored"
					}
				case step.Reason != "":
					line += " (" + step.Reason + ")"
				}
				fmt.Fprintln(s.stdout, line)
			}
			return nil
		})
	},
}

var historyLogsCmd = &cobra.Command{
	Use:   "logs <id>",
	Short: "Print the captured output of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withHistory(cmd, func(s *session, store *history.Store) error {
			logs, err := store.Logs(args[0])
			if err != nil {
				return err
			}

			for _, item := range logs {
				if item.Status == runlog.StatusFailed {
					pkg.PrintError(item.Group + ": " + item.Name)
				} else {
					pkg.PrintSubtask(item.Group + ": " + item.Name)
				}
				_, _ = s.stdout.Write(item.Output)
			}
			return nil
		})
	},
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		keep, err := cmd.Flags().GetInt("keep")
		if err != nil {
			return err
		}

		return withHistory(cmd, func(s *session, store *history.Store) error {
			if keep < 0 {
				keep = s.cfg.History.Keep
			}

			removed, err := store.Prune(keep)
			if err != nil {
				return err
			}

			s.logger.Info().Msgf("removed %d runs", removed)
			return nil
		})
	},
}

func init() {
	historyListCmd.Flags().IntP("limit", "l", 20, "number of runs to list (0 lists all)")
	historyPruneCmd.Flags().Int("keep", -1, "number of runs to keep (defaults to history.keep)")

	historyCmd.AddCommand(historyListCmd, historyShowCmd, historyLogsCmd, historyPruneCmd)
	rootCmd.AddCommand(historyCmd)
}
