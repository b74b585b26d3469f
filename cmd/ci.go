package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ngld/buildsys/pkg/config"
	"github.com/ngld/buildsys/pkg/runlog"
	"github.com/ngld/buildsys/pkg/shell"
	"github.com/ngld/buildsys/pkg/workflow"
)

var ciCmd = &cobra.Command{
	Use:   "ci",
	Short: "Run the CI workflow locally",
	Long: `Loads the workflow file and runs its jobs for the given event.
The event defaults to GITHUB_EVENT_NAME, GITHUB_REF and GITHUB_BASE_REF, or to a push of the current branch.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		wfPath, err := flags.GetString("workflow")
		if err != nil {
			return err
		}

		eventName, err := flags.GetString("event")
		if err != nil {
			return err
		}

		ref, err := flags.GetString("ref")
		if err != nil {
			return err
		}

		baseRef, err := flags.GetString("base-ref")
		if err != nil {
			return err
		}

		check, err := flags.GetBool("check")
		if err != nil {
			return err
		}

		dryRun, err := flags.GetBool("dry")
		if err != nil {
			return err
		}

		junitPath, err := flags.GetString("junit")
		if err != nil {
			return err
		}

		maxParallel, err := flags.GetInt("max-parallel")
		if err != nil {
			return err
		}

		s, err := newSession(cmd)
		if err != nil {
			return err
		}
		defer s.close()

		if wfPath == "" {
			wfPath = config.Resolve(s.root, s.cfg.Workflow.File)
		}
		if maxParallel < 0 {
			maxParallel = s.cfg.Workflow.MaxParallel
		}

		wf, err := workflow.Load(wfPath)
		if err != nil {
			return err
		}

		event := workflow.Event{
			Name:    firstOf(eventName, os.Getenv("GITHUB_EVENT_NAME"), "push"),
			Ref:     firstOf(ref, os.Getenv("GITHUB_REF")),
			BaseRef: firstOf(baseRef, os.Getenv("GITHUB_BASE_REF")),
		}
		if event.Ref == "" {
			event.Ref = currentRef(s.ctx, s.root)
		}
		if strings.HasPrefix(event.Name, "pull_request") && event.BaseRef == "" {
			s.logger.Warn().Msg("no base branch given for the pull request, use --base-ref")
		}

		triggered := wf.On.Matches(event)
		if check {
			if triggered {
				fmt.Fprintf(s.stdout, "%s runs for %s\n", wfName(wf), event)
				return nil
			}
			fmt.Fprintf(s.stdout, "%s does not run for %s\n", wfName(wf), event)
			return &exitError{code: 1, err: workflow.ErrNotTriggered}
		}

		if !triggered {
			s.logger.Info().Str("path", wfPath).Msgf("%s is not triggered by %s", wfName(wf), event)
			return nil
		}

		total := 0
		for _, job := range wf.Jobs {
			total += len(job.Steps)
		}

		return s.record("workflow", wfName(wf), event.String(), total, junitPath, func(ctx context.Context, observer runlog.Observer) error {
			return workflow.Run(ctx, wf, event, workflow.RunOptions{
				Workspace:   s.root,
				MaxParallel: maxParallel,
				DryRun:      dryRun,
				Observer:    observer,
				Stdout:      s.stdout,
				Stderr:      s.stderr,
			})
		})
	},
}

func firstOf(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}

func wfName(wf *workflow.Workflow) string {
	if wf.Name != "" {
		return wf.Name
	}
	return wf.Path
}

// currentRef asks git for the checked out branch and falls back to main.
func currentRef(ctx context.Context, root string) string {
	out := bytes.Buffer{}
	runner, err := shell.NewRunner(shell.Options{Dir: root, Stdout: &out, Stderr: &bytes.Buffer{}})
	if err != nil {
		return "refs/heads/main"
	}

	stmts, err := shell.Parse("git symbolic-ref -q HEAD", "git")
	if err != nil || runner.Run(ctx, stmts[0]) != nil {
		return "refs/heads/main"
	}

	if ref := strings.TrimSpace(out.String()); ref != "" {
		return ref
	}
	return "refs/heads/main"
}

func init() {
	ciCmd.Flags().String("workflow", "", "workflow file (defaults to workflow.file from the config)")
	ciCmd.Flags().String("event", "", "event name, i.e. push or pull_request")
	ciCmd.Flags().String("ref", "", "pushed ref, i.e. refs/heads/my-branch")
	ciCmd.Flags().String("base-ref", "", "target branch of the pull request")
	ciCmd.Flags().Bool("check", false, "only report whether the workflow would run for the event")
	ciCmd.Flags().BoolP("dry", "n", false, "dry run; only list the steps")
	ciCmd.Flags().String("junit", "", "write a JUnit report of the run to this file")
	ciCmd.Flags().Int("max-parallel", -1, "maximum number of concurrent jobs (defaults to workflow.max_parallel)")

	rootCmd.AddCommand(ciCmd)
}
