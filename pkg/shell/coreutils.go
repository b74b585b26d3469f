package shell

import (
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/pflag"
)

// coreutils are always handled in-process so that they behave the same on every platform.
var coreutils = map[string]func(dir string, args []string) error{
	"mv":    Mv,
	"rm":    Rm,
	"mkdir": Mkdir,
}

func resolveIn(dir, path string) string {
	if filepath.IsAbs(path) || dir == "" {
		return filepath.Clean(path)
	}
	return filepath.Join(dir, path)
}

func newFlagSet(name string) *pflag.FlagSet {
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flags.SetOutput(ioutil.Discard)
	return flags
}

// Mv moves one or more items into the last argument. Several sources require the
// destination to be an existing directory.
func Mv(dir string, args []string) error {
	flags := newFlagSet("mv")
	if err := flags.Parse(args); err != nil {
		return eris.Wrap(err, "invalid arguments")
	}

	args = flags.Args()
	if len(args) < 2 {
		return eris.New("not enough parameters")
	}

	dest := resolveIn(dir, args[len(args)-1])
	destParent := filepath.Dir(dest)
	info, err := os.Stat(destParent)
	if err != nil {
		return eris.Wrapf(err, "could not find destination directory %s", destParent)
	}
	if !info.IsDir() {
		return eris.Errorf("%s is not a directory", destParent)
	}

	destIsDir := false
	info, err = os.Stat(dest)
	if err == nil {
		destIsDir = info.IsDir()
	} else if !os.IsNotExist(err) {
		return eris.Wrapf(err, "failed to inspect destination %s", dest)
	}

	sources := args[:len(args)-1]
	if len(sources) > 1 && !destIsDir {
		return eris.Errorf("can't move multiple items to %s because it is not a directory", dest)
	}

	for _, item := range sources {
		src := resolveIn(dir, item)
		target := dest
		if destIsDir {
			target = filepath.Join(dest, filepath.Base(src))
		}

		if err := os.Rename(src, target); err != nil {
			return eris.Wrapf(err, "failed to move %s to %s", item, target)
		}
	}

	return nil
}

// Rm deletes files, or directories with -r. -f ignores missing items.
func Rm(dir string, args []string) error {
	flags := newFlagSet("rm")
	recursive := flags.BoolP("recursive", "r", false, "recursively delete directories")
	force := flags.BoolP("force", "f", false, "ignore missing files")
	if err := flags.Parse(args); err != nil {
		return eris.Wrap(err, "invalid arguments")
	}

	items := make([]string, 0, flags.NArg())
	for _, item := range flags.Args() {
		path := resolveIn(dir, item)
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) && *force {
				continue
			}
			return eris.Wrapf(err, "could not stat %s", item)
		}

		if info.IsDir() && !*recursive {
			return eris.Errorf("%s is a directory but -r wasn't passed", item)
		}
		items = append(items, path)
	}

	for _, path := range items {
		if err := os.RemoveAll(path); err != nil {
			return eris.Wrapf(err, "could not delete %s", path)
		}
	}

	return nil
}

// Mkdir creates directories, including missing parents with -p.
func Mkdir(dir string, args []string) error {
	flags := newFlagSet("mkdir")
	parents := flags.BoolP("parents", "p", false, "create parent directories as needed")
	if err := flags.Parse(args); err != nil {
		return eris.Wrap(err, "invalid arguments")
	}

	for _, item := range flags.Args() {
		path := resolveIn(dir, item)

		var err error
		if *parents {
			err = os.MkdirAll(path, 0o770)
		} else {
			err = os.Mkdir(path, 0o770)
		}

		if err != nil {
			return eris.Wrapf(err, "failed to create %s", item)
		}
	}

	return nil
}
