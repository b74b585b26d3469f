package workflow

import (
	"bytes"
	"context"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/rotisserie/eris"

	"github.com/ngld/buildsys/pkg/buildsys"
	"github.com/ngld/buildsys/pkg/shell"
)

// ActionContext is passed to built-in actions.
type ActionContext struct {
	Workspace string
	With      map[string]string
	Env       []string
	Stdout    io.Writer
	Stderr    io.Writer
}

// Action implements a uses: reference locally.
type Action func(ctx context.Context, actx *ActionContext) error

// BuiltinActions are the actions every run knows about. They check the local machine
// instead of provisioning anything.
var BuiltinActions = map[string]Action{
	"actions/checkout":     checkoutAction,
	"actions/setup-python": setupAction("Python", "python-version", "python3 --version 2>&1 || python --version 2>&1"),
	"actions/setup-go":     setupAction("Go", "go-version", "go version"),
	"actions/setup-node":   setupAction("Node.js", "node-version", "node --version"),
}

// actionName strips the version from owner/repo@ref.
func actionName(uses string) string {
	if pos := strings.IndexByte(uses, '@'); pos > -1 {
		return uses[:pos]
	}
	return uses
}

func checkoutAction(ctx context.Context, actx *ActionContext) error {
	info, err := os.Stat(actx.Workspace)
	if err != nil {
		return eris.Wrapf(err, "workspace %s is not available", actx.Workspace)
	}
	if !info.IsDir() {
		return eris.Errorf("workspace %s is not a directory", actx.Workspace)
	}

	buildsys.Log(ctx).Info().Str("path", actx.Workspace).Msg("using local checkout")
	return nil
}

func setupAction(tool, versionKey, probe string) Action {
	return func(ctx context.Context, actx *ActionContext) error {
		required := actx.With[versionKey]
		if required == "" {
			buildsys.Log(ctx).Warn().Msgf("no %s given, accepting any installed %s", versionKey, tool)
		}

		output := bytes.Buffer{}
		runner, err := shell.NewRunner(shell.Options{
			Dir:    actx.Workspace,
			Env:    actx.Env,
			Stdout: &output,
			Stderr: actx.Stderr,
		})
		if err != nil {
			return err
		}

		stmts, err := shell.Parse(probe, tool)
		if err != nil {
			return err
		}
		for _, stmt := range stmts {
			if err := runner.Run(ctx, stmt); err != nil {
				return eris.Wrapf(err, "%s is not installed", tool)
			}
		}

		version, err := matchVersion(tool, required, output.String())
		if err != nil {
			return err
		}

		if actx.Stdout != nil {
			_, _ = io.WriteString(actx.Stdout, tool+" "+version.String()+"\n")
		}
		return nil
	}
}

var versionPattern = regexp.MustCompile(`\d+(\.\d+){0,2}`)

// versionConstraint turns a version pin into a semver constraint. Partial versions match their
// whole series (3.11 accepts any 3.11.x), full versions match exactly.
func versionConstraint(pin string) (*semver.Constraints, error) {
	pin = strings.TrimSpace(pin)
	switch {
	case pin == "" || pin == "x" || pin == "*":
		pin = "*"
	case pin[0] >= '0' && pin[0] <= '9' && !strings.ContainsAny(pin, "xX* ,<>|"):
		if strings.Count(pin, ".") >= 2 {
			pin = "=" + pin
		} else {
			pin = "~" + pin
		}
	}

	constraint, err := semver.NewConstraint(pin)
	if err != nil {
		return nil, eris.Wrapf(err, "invalid version %s", pin)
	}
	return constraint, nil
}

func matchVersion(tool, required, output string) (*semver.Version, error) {
	constraint, err := versionConstraint(required)
	if err != nil {
		return nil, err
	}

	found := versionPattern.FindString(output)
	if found == "" {
		return nil, eris.Errorf("could not determine the %s version from %q", tool, strings.TrimSpace(output))
	}

	version, err := semver.NewVersion(found)
	if err != nil {
		return nil, eris.Wrapf(err, "could not parse %s version %s", tool, found)
	}

	if !constraint.Check(version) {
		return nil, eris.Errorf("installed %s %s does not satisfy %s", tool, version, required)
	}

	return version, nil
}
