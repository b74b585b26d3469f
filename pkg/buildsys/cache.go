package buildsys

import (
	"context"
	"encoding/gob"
	"os"
	"path/filepath"
	"reflect"

	"github.com/rotisserie/eris"
)

func init() {
	gob.Register(ScriptCmd{})
	gob.Register(TaskRef{})
}

type cacheHeader struct {
	Script  string
	ModTime int64
	Options map[string]string
}

// WriteCache stores the parsed task list together with the inputs that produced it.
func WriteCache(file, script string, options map[string]string, list TaskList) error {
	info, err := os.Stat(script)
	if err != nil {
		return eris.Wrapf(err, "failed to stat %s", script)
	}

	if err = os.MkdirAll(filepath.Dir(file), 0o770); err != nil {
		return eris.Wrapf(err, "failed to create cache directory for %s", file)
	}

	handle, err := os.Create(file)
	if err != nil {
		return eris.Wrapf(err, "failed to create %s", file)
	}
	defer handle.Close()

	encoder := gob.NewEncoder(handle)
	err = encoder.Encode(cacheHeader{
		Script:  script,
		ModTime: info.ModTime().UnixNano(),
		Options: options,
	})
	if err != nil {
		return eris.Wrap(err, "failed to encode cache header")
	}

	return eris.Wrap(encoder.Encode(list), "failed to encode task list")
}

// ReadCache returns the cached task list if it was produced from the same script version
// and options. A nil list without error means the cache is stale or missing.
func ReadCache(file, script string, options map[string]string) (TaskList, error) {
	handle, err := os.Open(file)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "failed to open %s", file)
	}
	defer handle.Close()

	info, err := os.Stat(script)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to stat %s", script)
	}

	decoder := gob.NewDecoder(handle)

	var header cacheHeader
	if err = decoder.Decode(&header); err != nil {
		return nil, eris.Wrap(err, "failed to decode cache header")
	}

	if header.Script != script || header.ModTime != info.ModTime().UnixNano() || !sameOptions(header.Options, options) {
		return nil, nil
	}

	var result TaskList
	if err = decoder.Decode(&result); err != nil {
		return nil, eris.Wrap(err, "failed to decode task list")
	}

	return result, nil
}

func sameOptions(a, b map[string]string) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

// Parse loads the task list from script, reusing cacheFile when it is still valid.
// An empty cacheFile disables caching.
func Parse(ctx context.Context, script, projectRoot string, options map[string]string, cacheFile string) (TaskList, error) {
	script, err := filepath.Abs(script)
	if err != nil {
		return nil, err
	}

	if cacheFile != "" {
		list, err := ReadCache(cacheFile, script, options)
		if err != nil {
			Log(ctx).Warn().Err(err).Msg("ignoring unreadable task cache")
		} else if list != nil {
			Log(ctx).Debug().Str("path", cacheFile).Msg("using cached task list")
			return list, nil
		}
	}

	list, _, err := RunScript(ctx, script, projectRoot, options, true)
	if err != nil {
		return nil, err
	}

	if cacheFile != "" {
		if err := WriteCache(cacheFile, script, options, list); err != nil {
			Log(ctx).Warn().Err(err).Msg("failed to write task cache")
		}
	}

	return list, nil
}
