// Package report renders run records for humans and CI systems.
package report

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/jstemmer/go-junit-report/formatter"
	"github.com/rotisserie/eris"

	"github.com/ngld/buildsys/pkg/runlog"
)

func formatTime(d time.Duration) string {
	return fmt.Sprintf("%.3f", d.Seconds())
}

// JUnit converts a record into JUnit test suites: one suite per task or job and one test case
// per step.
func JUnit(record *runlog.Record) formatter.JUnitTestSuites {
	suites := formatter.JUnitTestSuites{}
	positions := map[string]int{}
	durations := map[string]time.Duration{}

	for _, step := range record.Steps {
		pos, ok := positions[step.Group]
		if !ok {
			pos = len(suites.Suites)
			positions[step.Group] = pos
			suites.Suites = append(suites.Suites, formatter.JUnitTestSuite{
				Name: step.Group,
				Properties: []formatter.JUnitProperty{
					{Name: "run.id", Value: record.ID},
					{Name: "run.kind", Value: record.Kind},
					{Name: "run.name", Value: record.Name},
				},
				TestCases: []formatter.JUnitTestCase{},
			})
			if record.Trigger != "" {
				suite := &suites.Suites[pos]
				suite.Properties = append(suite.Properties, formatter.JUnitProperty{Name: "run.trigger", Value: record.Trigger})
			}
		}

		suite := &suites.Suites[pos]
		testCase := formatter.JUnitTestCase{
			Classname: record.Name + "." + step.Group,
			Name:      step.Name,
			Time:      formatTime(step.Duration),
		}

		switch step.Status {
		case runlog.StatusFailed:
			message := fmt.Sprintf("exit status %d", step.ExitCode)
			if step.Tolerated {
				message += " (ignored)"
			}
			testCase.Failure = &formatter.JUnitFailure{
				Message:  message,
				Type:     "ExitStatus",
				Contents: string(step.Output),
			}
			if step.Error != "" && len(step.Output) == 0 {
				testCase.Failure.Contents = step.Error
			}
			suite.Failures++
		case runlog.StatusSkipped, runlog.StatusCancelled:
			reason := step.Reason
			if reason == "" {
				reason = string(step.Status)
			}
			testCase.SkipMessage = &formatter.JUnitSkipMessage{Message: reason}
		}

		suite.Tests++
		suite.TestCases = append(suite.TestCases, testCase)
		durations[step.Group] += step.Duration
	}

	for idx := range suites.Suites {
		suites.Suites[idx].Time = formatTime(durations[suites.Suites[idx].Name])
	}

	return suites
}

// WriteJUnit writes the record as a JUnit XML document.
func WriteJUnit(w io.Writer, record *runlog.Record) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return eris.Wrap(err, "failed to write report")
	}

	encoder := xml.NewEncoder(w)
	encoder.Indent("", "\t")
	if err := encoder.Encode(JUnit(record)); err != nil {
		return eris.Wrap(err, "failed to encode report")
	}

	_, err := io.WriteString(w, "\n")
	return eris.Wrap(err, "failed to write report")
}

// WriteJUnitFile writes the report to path, creating parent directories as needed.
func WriteJUnitFile(path string, record *runlog.Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o770); err != nil {
		return eris.Wrapf(err, "failed to create directory for %s", path)
	}

	handle, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "failed to create %s", path)
	}

	return writeAndClose(handle, path, record)
}

// writeAndClose reports a failing Close unless the write already failed.
func writeAndClose(w io.WriteCloser, path string, record *runlog.Record) (err error) {
	defer func() {
		if closeErr := w.Close(); closeErr != nil && err == nil {
			err = eris.Wrapf(closeErr, "failed to write %s", path)
		}
	}()

	return WriteJUnit(w, record)
}
