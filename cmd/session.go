package cmd

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ngld/buildsys/pkg"
	"github.com/ngld/buildsys/pkg/buildsys"
	"github.com/ngld/buildsys/pkg/config"
	"github.com/ngld/buildsys/pkg/history"
	"github.com/ngld/buildsys/pkg/report"
	"github.com/ngld/buildsys/pkg/runlog"
	"github.com/ngld/buildsys/pkg/telemetry"
)

// exitError carries the exit status of the command that broke a run.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

// session bundles everything a command needs once the project has been located.
type session struct {
	root     string
	cfg      *config.Config
	logger   zerolog.Logger
	ctx      context.Context
	stdout   io.Writer
	stderr   io.Writer
	progress bool
	shutdown func(context.Context) error
}

func newSession(cmd *cobra.Command) (*session, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, eris.Wrap(err, "failed to retrieve the current working directory")
	}

	root, err := pkg.FindProjectRoot(wd, "tasks.star", config.FileName, ".git")
	if eris.Is(err, pkg.ErrNoProject) {
		root = wd
	} else if err != nil {
		return nil, err
	}

	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}

	verbose, err := cmd.Flags().GetBool("verbose")
	if err != nil {
		return nil, err
	}
	progress, err := cmd.Flags().GetBool("progress")
	if err != nil {
		return nil, err
	}

	var logger zerolog.Logger
	if cfg.Log.JSON {
		logger = zerolog.New(cmd.ErrOrStderr()).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(NewConsoleWriter(cmd.ErrOrStderr()))
	}

	level := cfg.LogLevel()
	if verbose {
		level = zerolog.DebugLevel
	}
	logger = logger.Level(level)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = buildsys.WithLogger(ctx, &logger)

	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry.Endpoint, "task")
	if err != nil {
		return nil, err
	}

	return &session{
		root:     root,
		cfg:      cfg,
		logger:   logger,
		ctx:      ctx,
		stdout:   cmd.OutOrStdout(),
		stderr:   cmd.ErrOrStderr(),
		progress: progress,
		shutdown: shutdown,
	}, nil
}

func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("failed to flush traces")
	}
}

func (s *session) taskFile() string {
	return config.Resolve(s.root, s.cfg.Tasks.File)
}

func (s *session) loadTasks(options map[string]string) (buildsys.TaskList, error) {
	return buildsys.Parse(s.ctx, s.taskFile(), s.root, options, config.Resolve(s.root, s.cfg.Tasks.Cache))
}

func (s *session) openHistory() (*history.Store, error) {
	return history.Open(filepath.Join(config.Resolve(s.root, s.cfg.History.Dir), "runs.db"))
}

type runFunc func(ctx context.Context, observer runlog.Observer) error

// record executes run with every configured observer attached and stores the result.
// total is the expected number of steps, -1 if unknown.
func (s *session) record(kind, name, trigger string, total int, junitPath string, run runFunc) error {
	collector := runlog.NewCollector(kind, name)
	collector.SetTrigger(trigger)
	observers := []runlog.Observer{collector}

	ctx := s.ctx
	var endSpan func(*runlog.Record)
	if s.cfg.Telemetry.Endpoint != "" {
		tracing := telemetry.NewObserver(nil)
		ctx, endSpan = tracing.StartRun(ctx, kind, name)
		observers = append(observers, tracing)
	}

	var progress *report.Progress
	if s.progress {
		progress = report.NewProgress(total, s.stderr)
		observers = append(observers, progress)
	}

	err := run(ctx, runlog.Multi(observers...))
	if progress != nil {
		progress.Finish()
	}

	record := collector.Finish(err)
	if endSpan != nil {
		endSpan(&record)
	}

	if s.cfg.History.Enabled {
		s.saveRecord(&record)
	}

	if junitPath != "" {
		if err := report.WriteJUnitFile(junitPath, &record); err != nil {
			s.logger.Error().Err(err).Str("path", junitPath).Msg("failed to write JUnit report")
		} else {
			s.logger.Info().Str("path", junitPath).Msgf("wrote JUnit report to %s", junitPath)
		}
	}

	if err != nil {
		if record.Status == runlog.StatusCancelled {
			s.logger.Warn().Msgf("%s %s was cancelled", kind, name)
		} else {
			s.logger.Error().Err(err).Msgf("%s %s failed with exit status %d", kind, name, record.ExitCode)
		}
		return &exitError{code: record.ExitCode, err: err}
	}

	s.logger.Info().Msgf("%s %s passed in %s", kind, name, record.Duration.Round(time.Millisecond))
	return nil
}

func (s *session) saveRecord(record *runlog.Record) {
	store, err := s.openHistory()
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to open history")
		return
	}
	defer store.Close()

	if err := store.Save(record); err != nil {
		s.logger.Warn().Err(err).Msg("failed to save run")
		return
	}

	if s.cfg.History.Keep > 0 {
		if _, err := store.Prune(s.cfg.History.Keep); err != nil {
			s.logger.Warn().Err(err).Msg("failed to prune history")
		}
	}
}
