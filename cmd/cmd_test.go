package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngld/buildsys/pkg/buildsys"
	"github.com/ngld/buildsys/pkg/history"
	"github.com/ngld/buildsys/pkg/runlog"
)

func TestSplitArgs(t *testing.T) {
	targets, options := splitArgs([]string{"test", "junit_report=out.xml", "lint", "empty="})
	assert.Equal(t, []string{"test", "lint"}, targets)
	assert.Equal(t, map[string]string{"junit_report": "out.xml", "empty": ""}, options)
}

func TestPrintTaskList(t *testing.T) {
	out := bytes.Buffer{}
	printTaskList(&out, buildsys.TaskList{
		"lint":          {Short: "lint", Desc: "Runs flake8"},
		"static_checks": {Short: "static_checks", Desc: "Runs mypy and lint"},
		"auto#x":        {Short: "auto#x", Hidden: true},
	})

	assert.Equal(t, "Available tasks:\n * lint:             Runs flake8\n * static_checks:    Runs mypy and lint\n", out.String())
}

func TestConsoleWriter(t *testing.T) {
	out := bytes.Buffer{}
	logger := zerolog.New(NewConsoleWriter(&out))

	logger.Info().Str("task", "lint").Bool("command", true).Msg("flake8 src tests")
	logger.Warn().Msg("careful")

	lines := out.String()
	assert.Contains(t, lines, "lint: $ flake8 src tests")
	assert.Contains(t, lines, "careful")
	assert.NotContains(t, lines, "[green]")
}

func writeProject(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tasks.star"), []byte(`
def configure():
    task(short = "ok", desc = "Always passes", cmds = ["echo ok"])
    task(short = "broken", desc = "Always fails", cmds = ["echo before", "exit 5", "echo after"])
`), 0o644))

	t.Chdir(dir)
	return dir
}

// resetFlags restores the defaults since the commands are package globals shared by all tests.
func resetFlags(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		_ = flag.Value.Set(flag.DefValue)
		flag.Changed = false
	})
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	resetFlags(rootCmd)
	out := bytes.Buffer{}
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	}()

	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRunTargetsAndHistory(t *testing.T) {
	dir := writeProject(t)

	out, err := execute(t, "ok")
	require.NoError(t, err)
	assert.Equal(t, "ok\n", out)

	out, err = execute(t, "ok", "broken", "--junit", filepath.Join(dir, "report.xml"))
	require.Error(t, err)
	assert.Equal(t, "ok\nbefore\n", out)

	var exit *exitError
	require.True(t, errors.As(err, &exit))
	assert.Equal(t, 5, exit.code)
	assert.FileExists(t, filepath.Join(dir, "report.xml"))

	store, err := history.Open(filepath.Join(dir, ".task", "history", "runs.db"))
	require.NoError(t, err)
	defer store.Close()

	records, err := store.List(0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "ok broken", records[0].Name)
	assert.Equal(t, runlog.StatusFailed, records[0].Status)
	assert.Equal(t, 5, records[0].ExitCode)
	assert.Equal(t, runlog.StatusPassed, records[1].Status)
}

func TestListTasks(t *testing.T) {
	writeProject(t)

	out, err := execute(t)
	require.NoError(t, err)
	assert.Contains(t, out, " * broken:    Always fails\n")
	assert.Contains(t, out, " * ok:        Always passes\n")
}

func TestToolCommands(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	_, err := execute(t, "tool", "mkdir", "-p", "a/b")
	require.NoError(t, err)
	assert.DirExists(t, filepath.Join(dir, "a", "b"))

	_, err = execute(t, "tool", "rm", "a")
	require.Error(t, err)

	_, err = execute(t, "tool", "rm", "-r", "a")
	require.NoError(t, err)
	assert.NoDirExists(t, filepath.Join(dir, "a"))
}
